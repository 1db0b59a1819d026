// Package replication implements the Replication Coordinator (C7):
// leader-side asynchronous push fan-out to healthy peers, and
// follower-side gap detection with range-fetch recovery. The push
// fan-out follows the reference storage node's pattern of bounding
// concurrent peer calls via golang.org/x/sync/errgroup (see e.g. its
// replication push helpers); the gap-detect/range-fetch contract and the
// "peers are never retried once marked down" rule are grounded on
// SPEC_FULL.md §4.7 and original_source's heartbeat-gated server
// selection in entrypoints/web/leader.
package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/replicatedkv/node/internal/model"
)

// walTarget is the subset of *wal.WAL replication depends on.
type walTarget interface {
	Append(entry model.LogEntry, expectID *uint64) (uint64, error)
	LastID() (uint64, bool)
	ReadRange(fromID, toID uint64) ([]model.LogEntry, error)
}

// applier is the subset of *keyspace.Keyspace replication depends on.
type applier interface {
	Apply(e model.LogEntry)
}

// peerSource supplies the current healthy peer set, decoupling
// replication from the concrete health.Table type.
type peerSource interface {
	HealthyPeers() map[string]string
}

// Config configures a Coordinator.
type Config struct {
	Role          string // "leader" | "follower"
	LeaderURL     string // set on followers
	MaxRetries    int
	RetryBackoff  time.Duration
	RequestTimeout time.Duration
}

// Coordinator replicates WAL entries between a leader and its followers.
type Coordinator struct {
	cfg    Config
	wal    walTarget
	ks     applier
	peers  peerSource
	logger *zap.Logger
	client *http.Client

	mu          sync.Mutex
	lagByPeer   map[string]int64
}

func New(cfg Config, wal walTarget, ks applier, peers peerSource, logger *zap.Logger) *Coordinator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		wal:       wal,
		ks:        ks,
		peers:     peers,
		logger:    logger,
		client:    &http.Client{Timeout: cfg.RequestTimeout},
		lagByPeer: make(map[string]int64),
	}
}

// PushAsync fans entry out to every currently healthy peer concurrently,
// without blocking the caller's response path — the leader's write path
// never waits on replication to complete (SPEC_FULL §4.7: asynchronous,
// non-blocking). Call this in its own goroutine from the write handler.
func (c *Coordinator) PushAsync(entry model.LogEntry) {
	peers := c.peers.HealthyPeers()
	if len(peers) == 0 {
		return
	}

	// A plain Group, not WithContext: one peer's failure must not cancel
	// the pushes still in flight to the others.
	var g errgroup.Group
	ctx := context.Background()
	for id, url := range peers {
		id, url := id, url
		g.Go(func() error {
			return c.pushWithRetry(ctx, id, url, entry)
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("replication push had failures", zap.Error(err))
	}
}

func (c *Coordinator) pushWithRetry(ctx context.Context, peerID, url string, entry model.LogEntry) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		body, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/internal/replicate", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.recordLag(peerID, entry.ID)
			return nil
		}
		lastErr = fmt.Errorf("peer %s replicate returned status %d", peerID, resp.StatusCode)
	}

	c.logger.Warn("replication push to peer exhausted retries",
		zap.String("peer_id", peerID), zap.Error(lastErr))
	return lastErr
}

func (c *Coordinator) recordLag(peerID string, ackedID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lagByPeer[peerID] = int64(ackedID)
}

// PeerLag returns the last acknowledged entry id per peer, for diagnostics.
func (c *Coordinator) PeerLag() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.lagByPeer))
	for k, v := range c.lagByPeer {
		out[k] = v
	}
	return out
}

// ReceiveReplicated is the follower-side entry point: it detects a gap
// between the locally-known last id and entry.ID, range-fetches the
// missing entries from the leader, applies them in order, then applies
// entry itself.
func (c *Coordinator) ReceiveReplicated(entry model.LogEntry) error {
	last, ok := c.wal.LastID()
	expected := uint64(1)
	if ok {
		expected = last + 1
	}

	if entry.ID > expected {
		if err := c.fetchAndApplyRange(expected, entry.ID-1); err != nil {
			return fmt.Errorf("gap recovery failed: %w", err)
		}
	} else if entry.ID < expected {
		// Already applied (a retried push); nothing to do.
		return nil
	}

	id := entry.ID
	if _, err := c.wal.Append(entry, &id); err != nil {
		return err
	}
	c.ks.Apply(entry)
	return nil
}

// fetchAndApplyRange pulls [fromID, toID] from the leader and applies
// each entry in order, advancing the local WAL and keyspace to close the
// detected gap before the triggering entry is appended.
func (c *Coordinator) fetchAndApplyRange(fromID, toID uint64) error {
	if c.cfg.LeaderURL == "" || fromID > toID {
		return nil
	}

	url := fmt.Sprintf("%s/internal/replicate/range?from_id=%d&to_id=%d", c.cfg.LeaderURL, fromID, toID)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("range fetch returned status %d", resp.StatusCode)
	}

	// The leader streams its range-fetch response as newline-delimited
	// JSON, matching the on-disk segment line format; json.Decoder reads
	// consecutive values off the same stream without buffering it whole.
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var e model.LogEntry
		if err := dec.Decode(&e); err != nil {
			return err
		}
		id := e.ID
		if _, err := c.wal.Append(e, &id); err != nil {
			return err
		}
		c.ks.Apply(e)
	}
	return nil
}

// RangeFetch serves a leader's /internal/replicate/range handler.
func (c *Coordinator) RangeFetch(fromID, toID uint64) ([]model.LogEntry, error) {
	return c.wal.ReadRange(fromID, toID)
}
