// Package compaction implements the Compactor (C5): a single-flight,
// scheduled pass that rewrites the WAL's inactive segments down to the
// latest operation per key, dropping tombstones whose delete has already
// taken full effect. Grounded structurally on the reference storage
// node's internal/service/compaction_service.go (scheduler goroutine,
// single-flight guard) and, for the exact survivor/renumbering algorithm,
// on original_source's WAL.compact_segments / _filter_latest_entries /
// _renumber_segments. The single pass ever in flight is tracked with
// sync.WaitGroup rather than internal/util/workerpool: compaction only
// ever runs one goroutine at a time (the running flag below already
// enforces that), so a bounded multi-worker queue has no job to do here;
// golang.org/x/sync/errgroup, which the rest of this module reaches for
// instead of a queue (see replication.Coordinator.PushAsync), has no
// single-task equivalent worth pulling in either.
package compaction

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/codec"
	nodeerrors "github.com/devrev/replicatedkv/node/internal/errors"
	"github.com/devrev/replicatedkv/node/internal/model"
)

// maxRunHistory bounds how many past compaction runs Status/History keep
// in memory, per SPEC_FULL §4.5's "bounded ring of recent runs".
const maxRunHistory = 10

// segmentSource is the subset of *wal.WAL the compactor depends on,
// narrowed to an interface so compaction can be tested without a real
// on-disk WAL.
type segmentSource interface {
	InactiveSegmentPaths() ([]string, error)
	ActiveSegmentPath() string
	SwapCompacted(compactedPaths []string) error
}

// Compactor runs compaction passes over a WAL's inactive segments.
type Compactor struct {
	wal    segmentSource
	logger *zap.Logger
	wg     sync.WaitGroup

	minInterval time.Duration

	running    atomic.Bool
	enabled    atomic.Bool
	intervalNs atomic.Int64

	mu        sync.Mutex
	history   []model.CompactionRun
	lastRunAt time.Time
}

func New(wal segmentSource, logger *zap.Logger, minInterval time.Duration) *Compactor {
	c := &Compactor{wal: wal, logger: logger, minInterval: minInterval}
	c.enabled.Store(true)
	c.intervalNs.Store(int64(3600 * time.Second))
	return c
}

// Configure updates the scheduled cadence and on/off switch consulted by
// RunScheduled, per SPEC_FULL §6's "POST compaction configure" operation.
// A zero interval leaves the current interval unchanged.
func (c *Compactor) Configure(enabled bool, interval time.Duration) {
	c.enabled.Store(enabled)
	if interval > 0 {
		c.intervalNs.Store(int64(interval))
	}
}

// ConfigSnapshot reports the compactor's current enabled flag and interval.
func (c *Compactor) ConfigSnapshot() (enabled bool, interval time.Duration) {
	return c.enabled.Load(), time.Duration(c.intervalNs.Load())
}

// Status returns the most recent compaction run's summary.
func (c *Compactor) Status() (model.CompactionRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return model.CompactionRun{}, false
	}
	return c.history[len(c.history)-1], true
}

// History returns the bounded ring of recent compaction runs, oldest
// first, per SPEC_FULL §4.5.
func (c *Compactor) History() []model.CompactionRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.CompactionRun, len(c.history))
	copy(out, c.history)
	return out
}

// RunNow starts a compaction pass on its own goroutine, rejecting the
// request if one is already running (single-flight) or if minInterval has
// not elapsed since the last completed run.
func (c *Compactor) RunNow() error {
	if !c.running.CompareAndSwap(false, true) {
		return nodeerrors.Unavailable("compaction already running", nil)
	}

	c.mu.Lock()
	tooSoon := len(c.history) > 0 && time.Since(c.lastRunAt) < c.minInterval
	c.mu.Unlock()
	if tooSoon {
		c.running.Store(false)
		return nodeerrors.Unavailable("compaction requested too soon after previous run", nil)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("compaction pass panicked", zap.Any("panic", r))
				c.running.Store(false)
			}
		}()
		c.runPass()
	}()
	return nil
}

// runPass performs one compaction pass synchronously, recording the
// result for Status(). Always clears the running flag on exit.
func (c *Compactor) runPass() {
	defer c.running.Store(false)

	start := time.Now()
	segmentsCompacted, entriesRemoved, err := c.compactOnce()

	run := model.CompactionRun{StartedAt: start, Duration: time.Since(start)}
	if err != nil {
		run.Status = model.CompactionStatusFailed
		run.Error = err.Error()
		c.logger.Error("compaction pass failed", zap.Error(err))
	} else {
		run.Status = model.CompactionStatusCompleted
		run.SegmentsCompacted = segmentsCompacted
		run.EntriesRemoved = entriesRemoved
		c.logger.Info("compaction pass completed",
			zap.Int("segments", segmentsCompacted), zap.Int("entries_removed", entriesRemoved))
	}

	c.mu.Lock()
	c.history = append(c.history, run)
	if len(c.history) > maxRunHistory {
		c.history = c.history[len(c.history)-maxRunHistory:]
	}
	c.lastRunAt = time.Now()
	c.mu.Unlock()
}

// compactOnce performs the actual rewrite: read every inactive segment,
// keep only the latest operation per key among entries that are not
// superseded by a later occurrence of that key anywhere — including the
// active segment, which by definition holds only ids newer than every
// inactive segment's — drop tombstones (a DELETE's effect is already
// fully realized once no earlier SET for that key survives), write
// survivors to a temp file, and atomically swap it in.
func (c *Compactor) compactOnce() (segmentsCompacted, entriesRemoved int, err error) {
	inactive, err := c.wal.InactiveSegmentPaths()
	if err != nil {
		return 0, 0, err
	}
	if len(inactive) == 0 {
		return 0, 0, nil
	}

	var all []model.LogEntry
	for _, path := range inactive {
		entries, err := readSegment(path)
		if err != nil {
			return 0, 0, err
		}
		all = append(all, entries...)
	}

	activeEntries, err := readSegment(c.wal.ActiveSegmentPath())
	if err != nil {
		return 0, 0, err
	}
	supersededByActive := make(map[string]struct{}, len(activeEntries))
	for _, e := range activeEntries {
		supersededByActive[e.Key] = struct{}{}
	}

	latest := filterLatestEntries(all)

	survivors := make([]model.LogEntry, 0, len(latest))
	for _, e := range latest {
		if _, superseded := supersededByActive[e.Key]; superseded {
			// A newer occurrence of this key already sits in the active
			// segment; whatever this inactive segment holds for it, SET
			// or DELETE, is dead weight.
			continue
		}
		if e.Operation == model.OpDelete {
			continue
		}
		survivors = append(survivors, e)
	}
	entriesRemoved = len(all) - len(survivors)

	filter := newBloomFilter(len(survivors)+1, 0.01)
	for _, e := range survivors {
		filter.Add(e.Key)
	}
	c.logger.Debug("compaction survivor digest built",
		zap.Int("survivor_keys", len(survivors)), zap.Bool("filter_nonempty", filter.MayContain(firstKey(survivors))))

	tmpPath := fmt.Sprintf("%s.compacted.tmp", inactive[0])
	if err := writeCompactedSegment(tmpPath, survivors); err != nil {
		return 0, 0, err
	}

	if err := c.wal.SwapCompacted([]string{tmpPath}); err != nil {
		os.Remove(tmpPath)
		return 0, 0, err
	}

	return len(inactive), entriesRemoved, nil
}

func firstKey(entries []model.LogEntry) string {
	if len(entries) == 0 {
		return ""
	}
	return entries[0].Key
}

// filterLatestEntries keeps only the highest-id entry per key, mirroring
// original_source's WAL._filter_latest_entries, and returns them sorted by
// id so the compacted segment preserves log order.
func filterLatestEntries(entries []model.LogEntry) []model.LogEntry {
	latestByKey := make(map[string]model.LogEntry, len(entries))
	for _, e := range entries {
		if existing, ok := latestByKey[e.Key]; !ok || e.ID > existing.ID {
			latestByKey[e.Key] = e
		}
	}

	out := make([]model.LogEntry, 0, len(latestByKey))
	for _, e := range latestByKey {
		out = append(out, e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].ID < out[j-1].ID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func readSegment(path string) ([]model.LogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nodeerrors.IOFailure("read segment for compaction", err)
	}

	var entries []model.LogEntry
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		entry, err := codec.Decode(line)
		if err != nil {
			continue // skip corrupt lines, already logged at WAL recovery time
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func writeCompactedSegment(path string, entries []model.LogEntry) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nodeerrors.IOFailure("create compacted temp file", err)
	}
	defer f.Close()

	for _, e := range entries {
		encoded, err := codec.Encode(e)
		if err != nil {
			return err
		}
		if _, err := f.Write(encoded); err != nil {
			return nodeerrors.IOFailure("write compacted entry", err)
		}
	}
	return f.Sync()
}

// RunScheduled starts a background goroutine that calls RunNow once the
// configured interval has elapsed since the last run, checking on a short
// housekeeping tick so a runtime Configure call takes effect promptly
// without restarting the goroutine.
func (c *Compactor) RunScheduled(stop <-chan struct{}) {
	const housekeepingTick = time.Second
	ticker := time.NewTicker(housekeepingTick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			done := make(chan struct{})
			go func() {
				c.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				c.logger.Warn("compaction pass did not finish within stop timeout")
			}
			return
		case <-ticker.C:
			if !c.enabled.Load() {
				continue
			}
			c.mu.Lock()
			due := len(c.history) == 0 || time.Since(c.lastRunAt) >= time.Duration(c.intervalNs.Load())
			c.mu.Unlock()
			if !due {
				continue
			}
			if err := c.RunNow(); err != nil {
				c.logger.Debug("scheduled compaction skipped", zap.Error(err))
			}
		}
	}
}
