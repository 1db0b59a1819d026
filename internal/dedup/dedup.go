// Package dedup implements the Idempotent Receiver (C4): a TTL-bounded
// cache of (client_id, request_id, operation) so a retried client request
// replays its cached result instead of re-applying the mutation. Grounded
// on original_source's RequestDeduplicationService
// (service/request_deduplication.py), including its distinction between a
// same-operation replay (a cache hit) and a different-operation reuse of
// the same request_id (logged, not served from cache).
package dedup

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// key identifies one cached request.
type key struct {
	clientID  string
	requestID string
	operation string
}

type cached struct {
	timestamp time.Time
	result    any
}

// Stats mirrors get_stats() from the reference implementation.
type Stats struct {
	CurrentCacheSize          int
	UniqueRequestIDs          int
	TotalClientCount          int
	TotalRequestsCached       int64
	TotalDuplicatesDetected   int64
	SameOperationDuplicates   int64
	DifferentOperationDuplicates int64
	TotalCacheCleanups        int64
}

// Cache is the idempotent-receiver dedup cache.
type Cache struct {
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[key]cached
	// requestIDsSeen tracks every (client, request_id) pair regardless of
	// operation, so a same request_id reused under a different operation
	// can be distinguished from a genuinely new request.
	requestIDsSeen map[string]map[string]string // clientID -> requestID -> last operation

	totalRequestsCached       int64
	totalDuplicatesDetected   int64
	sameOperationDuplicates   int64
	differentOperationDuplicates int64
	totalCacheCleanups        int64
}

func New(maxSize int, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		maxSize:        maxSize,
		ttl:            ttl,
		logger:         logger,
		entries:        make(map[key]cached),
		requestIDsSeen: make(map[string]map[string]string),
	}
}

// Lookup returns the cached result for an exact (clientID, requestID,
// operation) match. If requestID was previously seen under a different
// operation, that is logged but still reports a cache miss — the caller
// must process the request as new.
func (c *Cache) Lookup(clientID, requestID, operation string) (result any, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{clientID: clientID, requestID: requestID, operation: operation}
	if entry, ok := c.entries[k]; ok {
		c.totalDuplicatesDetected++
		c.sameOperationDuplicates++
		return entry.result, true
	}

	if ops, ok := c.requestIDsSeen[clientID]; ok {
		if priorOp, ok := ops[requestID]; ok && priorOp != operation {
			c.totalDuplicatesDetected++
			c.differentOperationDuplicates++
			c.logger.Warn("request_id reused under a different operation",
				zap.String("client_id", clientID),
				zap.String("request_id", requestID),
				zap.String("prior_operation", priorOp),
				zap.String("operation", operation))
		}
	}
	return nil, false
}

// Record marks a (clientID, requestID, operation) as processed, caching
// result for future Lookup calls.
func (c *Cache) Record(clientID, requestID, operation string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	k := key{clientID: clientID, requestID: requestID, operation: operation}
	c.entries[k] = cached{timestamp: now, result: result}
	c.totalRequestsCached++

	if c.requestIDsSeen[clientID] == nil {
		c.requestIDsSeen[clientID] = make(map[string]string)
	}
	c.requestIDsSeen[clientID][requestID] = operation

	if len(c.entries) > c.maxSize {
		c.evictOldestLocked()
	}
}

// Sweep removes entries older than the configured TTL. Intended to be
// called periodically by a background ticker.
func (c *Cache) Sweep() (removed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := time.Now().Add(-c.ttl)
	for k, v := range c.entries {
		if v.timestamp.Before(cutoff) {
			delete(c.entries, k)
			if ops, ok := c.requestIDsSeen[k.clientID]; ok {
				delete(ops, k.requestID)
				if len(ops) == 0 {
					delete(c.requestIDsSeen, k.clientID)
				}
			}
			removed++
		}
	}
	if removed > 0 {
		c.totalCacheCleanups++
	}
	return removed
}

// evictOldestLocked drops the single oldest entry once the cache exceeds
// its max size. Called with mu held.
func (c *Cache) evictOldestLocked() {
	var oldestKey key
	var oldestTime time.Time
	first := true
	for k, v := range c.entries {
		if first || v.timestamp.Before(oldestTime) {
			oldestKey, oldestTime = k, v.timestamp
			first = false
		}
	}
	if first {
		return
	}
	delete(c.entries, oldestKey)
	if ops, ok := c.requestIDsSeen[oldestKey.clientID]; ok {
		delete(ops, oldestKey.requestID)
		if len(ops) == 0 {
			delete(c.requestIDsSeen, oldestKey.clientID)
		}
	}
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	uniqueRequestIDs := make(map[string]struct{})
	for _, ops := range c.requestIDsSeen {
		for reqID := range ops {
			uniqueRequestIDs[reqID] = struct{}{}
		}
	}

	return Stats{
		CurrentCacheSize:              len(c.entries),
		UniqueRequestIDs:              len(uniqueRequestIDs),
		TotalClientCount:              len(c.requestIDsSeen),
		TotalRequestsCached:           c.totalRequestsCached,
		TotalDuplicatesDetected:       c.totalDuplicatesDetected,
		SameOperationDuplicates:       c.sameOperationDuplicates,
		DifferentOperationDuplicates:  c.differentOperationDuplicates,
		TotalCacheCleanups:            c.totalCacheCleanups,
	}
}

// RunSweeper starts a background goroutine that calls Sweep on interval
// until stop is closed.
func (c *Cache) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("dedup cache swept", zap.Int("removed", n))
			}
		}
	}
}
