// Package wal implements the Segmented WAL (C2): an append-only log split
// into numbered segments with size-based rolling and ordered replay.
// Grounded on the reference storage node's internal/service/commitlog_service.go
// (segment file handling, sync-on-write, ticker-driven housekeeping) and on
// original_source's WAL class for exact segment-numbering, torn-tail, and
// compaction-renumbering semantics.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/codec"
	"github.com/devrev/replicatedkv/node/internal/diskguard"
	nodeerrors "github.com/devrev/replicatedkv/node/internal/errors"
	"github.com/devrev/replicatedkv/node/internal/model"
)

const baseName = "wal.log"

// WAL is a segmented, CRC-protected write-ahead log.
type WAL struct {
	dataDir        string
	maxSegmentSize int64
	logger         *zap.Logger
	guard          *diskguard.Guard

	// mu serializes appends and protects lastID/activeSeq/activeFile.
	// swapMu is held exclusively by the compactor during the manifest
	// swap and shared (read) by Replay/Segments, per SPEC_FULL §5.
	mu     sync.Mutex
	swapMu sync.RWMutex

	activeSeq  int
	activeFile *os.File
	lastID     uint64
	hasLastID  bool
}

// Open opens (or creates) the WAL rooted at dataDir, recovering lastID and
// truncating any torn tail in the active segment.
func Open(dataDir string, maxSegmentSize int64, logger *zap.Logger, guard *diskguard.Guard) (*WAL, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nodeerrors.IOFailure("create wal directory", err)
	}

	w := &WAL{
		dataDir:        dataDir,
		maxSegmentSize: maxSegmentSize,
		logger:         logger,
		guard:          guard,
	}

	if err := w.recover(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) segmentPath(seq int) string {
	return filepath.Join(w.dataDir, fmt.Sprintf("%s.segment.%d", baseName, seq))
}

func (w *WAL) segmentSeqNumbers() ([]int, error) {
	entries, err := os.ReadDir(w.dataDir)
	if err != nil {
		return nil, nodeerrors.IOFailure("list wal directory", err)
	}
	prefix := baseName + ".segment."
	var seqs []int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Ints(seqs)
	return seqs, nil
}

// recover replays every segment to determine lastID, truncating a torn
// tail (a trailing record that fails to decode) only in the active segment.
func (w *WAL) recover() error {
	if err := w.recoverFromCrashedSwap(); err != nil {
		return err
	}

	seqs, err := w.segmentSeqNumbers()
	if err != nil {
		return err
	}
	if len(seqs) == 0 {
		if err := w.createSegment(1); err != nil {
			return err
		}
		w.activeSeq = 1
		return w.openActiveForAppend()
	}

	w.activeSeq = seqs[len(seqs)-1]
	for i, seq := range seqs {
		isActive := i == len(seqs)-1
		if err := w.recoverSegment(seq, isActive); err != nil {
			return err
		}
	}
	return w.openActiveForAppend()
}

// recoverFromCrashedSwap completes or rolls back an interrupted compaction
// swap found on startup. The manifest file's mere presence means the
// process died mid-SwapCompacted; its absence means either no swap was in
// flight or the last one finished cleanly. Any leftover *.compacted.tmp
// files are the new segments that were fully written before the crash, so
// finishing the rename brings the directory to the post-swap
// configuration. SwapCompacted only starts once the temp file exists, so
// their absence means the compacted segment was already renamed into
// place and the old inactive segments already removed: the directory
// holds the post-swap contents and only the manifest is cleared. In that
// case the active segment keeps whatever number it had at the crash; it
// is not renumbered here.
func (w *WAL) recoverFromCrashedSwap() error {
	manifestPath := filepath.Join(w.dataDir, "compaction.manifest")
	if _, err := os.Stat(manifestPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return nodeerrors.IOFailure("stat compaction manifest", err)
	}

	entries, err := os.ReadDir(w.dataDir)
	if err != nil {
		return nodeerrors.IOFailure("list wal directory during swap recovery", err)
	}
	const tmpSuffix = ".compacted.tmp"
	var tmpNames []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), tmpSuffix) {
			tmpNames = append(tmpNames, e.Name())
		}
	}
	sort.Strings(tmpNames)

	if len(tmpNames) == 0 {
		w.logger.Warn("found compaction manifest with no pending compacted segments, " +
			"keeping the already-swapped segments and clearing the manifest")
		return os.Remove(manifestPath)
	}

	w.logger.Warn("completing interrupted compaction swap found on startup",
		zap.Int("pending_segments", len(tmpNames)))

	seqs, err := w.segmentSeqNumbers()
	if err != nil {
		return err
	}
	var maxExistingSeq int
	for _, seq := range seqs {
		if seq > maxExistingSeq {
			maxExistingSeq = seq
		}
	}
	// The pre-swap active segment is the only one not superseded by a
	// compacted replacement; it is whichever remaining segment number
	// falls outside the compacted range once renumbering below completes.
	oldActiveSeq := maxExistingSeq

	for _, seq := range seqs {
		if seq == oldActiveSeq {
			continue
		}
		if err := os.Remove(w.segmentPath(seq)); err != nil && !os.IsNotExist(err) {
			return nodeerrors.IOFailure("remove superseded segment during swap recovery", err)
		}
	}

	for i, name := range tmpNames {
		newSeq := i + 1
		if err := os.Rename(filepath.Join(w.dataDir, name), w.segmentPath(newSeq)); err != nil {
			return nodeerrors.IOFailure("rename pending compacted segment during swap recovery", err)
		}
	}

	newActiveSeq := len(tmpNames) + 1
	if newActiveSeq != oldActiveSeq {
		if err := os.Rename(w.segmentPath(oldActiveSeq), w.segmentPath(newActiveSeq)); err != nil {
			return nodeerrors.IOFailure("renumber active segment during swap recovery", err)
		}
	}

	return os.Remove(manifestPath)
}

func (w *WAL) recoverSegment(seq int, isActive bool) error {
	path := w.segmentPath(seq)
	f, err := os.Open(path)
	if err != nil {
		return nodeerrors.IOFailure("open segment for recovery", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var offset, goodOffset int64
	var pendingErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		entry, decodeErr := codec.Decode(line)
		offset += int64(len(line)) + 1 // + newline

		if decodeErr != nil {
			if isActive {
				// Could be a torn tail (final record short-read or bad
				// CRC from a crash mid-write). It is only a torn tail if
				// no valid record follows it; decide that below.
				pendingErr = decodeErr
				continue
			}
			w.logger.Warn("skipping corrupt wal record during recovery",
				zap.String("segment", path), zap.Error(decodeErr))
			continue
		}

		if pendingErr != nil {
			w.logger.Warn("skipping corrupt wal record during recovery",
				zap.String("segment", path), zap.Error(pendingErr))
			pendingErr = nil
		}
		goodOffset = offset
		if entry.ID > w.lastID {
			w.lastID = entry.ID
			w.hasLastID = true
		}
	}
	if err := scanner.Err(); err != nil && isActive {
		// Short read / IO error on the final segment: truncate to the
		// last good record, per the torn-tail contract.
		w.logger.Warn("short read recovering active segment, truncating torn tail",
			zap.String("segment", path))
	}

	if isActive {
		if info, statErr := f.Stat(); statErr == nil && info.Size() != goodOffset {
			if err := os.Truncate(path, goodOffset); err != nil {
				return nodeerrors.IOFailure("truncate torn tail", err)
			}
		}
	}
	return nil
}

func (w *WAL) createSegment(seq int) error {
	path := w.segmentPath(seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nodeerrors.IOFailure("create segment", err)
	}
	return f.Close()
}

func (w *WAL) openActiveForAppend() error {
	path := w.segmentPath(w.activeSeq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nodeerrors.IOFailure("open active segment", err)
	}
	w.activeFile = f
	return nil
}

// Append assigns entry.ID (leader path, when expectID is nil) or validates
// it against the next expected id (follower path), then appends it to the
// active segment, rolling over first if needed. The write is flushed
// before Append returns.
func (w *WAL) Append(entry model.LogEntry, expectID *uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if expectID != nil {
		want := w.lastID + 1
		if w.lastID == 0 && !w.hasLastID {
			want = 1
		}
		if *expectID != want {
			return 0, nodeerrors.Internal(
				fmt.Sprintf("follower append out of order: got %d, want %d", *expectID, want), nil)
		}
		entry.ID = *expectID
	} else {
		next := uint64(1)
		if w.hasLastID {
			next = w.lastID + 1
		}
		entry.ID = next
	}

	encoded, err := codec.Encode(entry)
	if err != nil {
		return 0, err
	}

	if w.guard != nil {
		if err := w.guard.CheckBeforeWrite(uint64(len(encoded))); err != nil {
			return 0, err
		}
	}

	if err := w.rollIfNeeded(int64(len(encoded))); err != nil {
		return 0, err
	}

	if _, err := w.activeFile.Write(encoded); err != nil {
		return 0, nodeerrors.IOFailure("append to wal", err)
	}
	if err := w.activeFile.Sync(); err != nil {
		return 0, nodeerrors.IOFailure("fsync wal", err)
	}

	w.lastID = entry.ID
	w.hasLastID = true
	return entry.ID, nil
}

// rollIfNeeded rolls to a new active segment if writing addedBytes would
// push the current segment over the size threshold. Called with mu held.
func (w *WAL) rollIfNeeded(addedBytes int64) error {
	info, err := w.activeFile.Stat()
	if err != nil {
		return nodeerrors.IOFailure("stat active segment", err)
	}
	if info.Size() == 0 || info.Size()+addedBytes <= w.maxSegmentSize {
		return nil
	}

	w.swapMu.Lock()
	defer w.swapMu.Unlock()

	if err := w.activeFile.Close(); err != nil {
		return nodeerrors.IOFailure("close sealed segment", err)
	}
	w.activeSeq++
	if err := w.createSegment(w.activeSeq); err != nil {
		return err
	}
	if err := w.openActiveForAppend(); err != nil {
		return err
	}
	w.logger.Info("rolled wal segment", zap.Int("segment", w.activeSeq))
	return nil
}

// Replay walks every entry from segment 1 upward in id order, invoking fn
// for each valid entry. Invalid records are skipped and counted, not
// passed to fn. Replay is restartable — it re-reads from disk every call.
func (w *WAL) Replay(fn func(model.LogEntry) error) (skipped int, err error) {
	w.swapMu.RLock()
	defer w.swapMu.RUnlock()

	seqs, err := w.segmentSeqNumbers()
	if err != nil {
		return 0, err
	}

	for _, seq := range seqs {
		n, err := w.replaySegment(seq, fn)
		skipped += n
		if err != nil {
			return skipped, err
		}
	}
	return skipped, nil
}

func (w *WAL) replaySegment(seq int, fn func(model.LogEntry) error) (int, error) {
	path := w.segmentPath(seq)
	f, err := os.Open(path)
	if err != nil {
		return 0, nodeerrors.IOFailure("open segment for replay", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	skipped := 0
	for scanner.Scan() {
		entry, decodeErr := codec.Decode(scanner.Bytes())
		if decodeErr != nil {
			skipped++
			continue
		}
		if err := fn(entry); err != nil {
			return skipped, err
		}
	}
	if err := scanner.Err(); err != nil {
		return skipped, nodeerrors.IOFailure("scan segment", err)
	}
	return skipped, nil
}

// ReadRange returns entries with id in [fromID, toID] (inclusive) in order,
// collected by a full Replay, backing the leader's range-fetch contract
// (SPEC_FULL §4.7).
func (w *WAL) ReadRange(fromID, toID uint64) ([]model.LogEntry, error) {
	var out []model.LogEntry
	_, err := w.Replay(func(e model.LogEntry) error {
		if e.ID >= fromID && e.ID <= toID {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// LastID returns the highest id appended so far, or ok=false if the WAL is
// empty.
func (w *WAL) LastID() (id uint64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastID, w.hasLastID
}

// Segments lists every segment file in sequence order.
func (w *WAL) Segments() ([]model.SegmentInfo, error) {
	w.swapMu.RLock()
	defer w.swapMu.RUnlock()

	seqs, err := w.segmentSeqNumbers()
	if err != nil {
		return nil, err
	}
	out := make([]model.SegmentInfo, 0, len(seqs))
	for _, seq := range seqs {
		path := w.segmentPath(seq)
		info, err := os.Stat(path)
		if err != nil {
			return nil, nodeerrors.IOFailure("stat segment", err)
		}
		out = append(out, model.SegmentInfo{
			Path:      path,
			SizeBytes: info.Size(),
			IsActive:  seq == w.activeSeq,
		})
	}
	return out, nil
}

// InactiveSegmentPaths returns the ordered paths of every sealed (non-active)
// segment — the only segments the compactor is allowed to touch.
func (w *WAL) InactiveSegmentPaths() ([]string, error) {
	w.mu.Lock()
	activeSeq := w.activeSeq
	w.mu.Unlock()

	seqs, err := w.segmentSeqNumbers()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, seq := range seqs {
		if seq == activeSeq {
			continue
		}
		paths = append(paths, w.segmentPath(seq))
	}
	return paths, nil
}

// ActiveSegmentPath returns the path of the current active segment.
func (w *WAL) ActiveSegmentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentPath(w.activeSeq)
}

// SwapCompacted atomically replaces the inactive segments with
// compactedPaths (already-written temp files), renumbering them 1..k and
// renumbering the active segment to k+1. Guarded by the exclusive swap
// lock so it never observes a mid-append state and never races Replay or
// Segments. The manifest file records intent so a crash mid-swap can be
// completed (or rolled back to pre-swap) on next startup.
func (w *WAL) SwapCompacted(compactedPaths []string) error {
	w.mu.Lock()
	w.swapMu.Lock()
	defer w.swapMu.Unlock()
	defer w.mu.Unlock()

	manifestPath := filepath.Join(w.dataDir, "compaction.manifest")
	if err := os.WriteFile(manifestPath, []byte("swap-in-progress\n"), 0o644); err != nil {
		return nodeerrors.IOFailure("write compaction manifest", err)
	}

	oldInactive, err := w.segmentSeqNumbers()
	if err != nil {
		return err
	}
	activeSeq := w.activeSeq

	// Close the active file before renumbering it.
	if err := w.activeFile.Close(); err != nil {
		return nodeerrors.IOFailure("close active segment before swap", err)
	}

	for _, seq := range oldInactive {
		if seq == activeSeq {
			continue
		}
		if err := os.Remove(w.segmentPath(seq)); err != nil && !os.IsNotExist(err) {
			return nodeerrors.IOFailure("remove superseded segment", err)
		}
	}

	for i, tmpPath := range compactedPaths {
		newSeq := i + 1
		if err := os.Rename(tmpPath, w.segmentPath(newSeq)); err != nil {
			return nodeerrors.IOFailure("rename compacted segment", err)
		}
	}

	newActiveSeq := len(compactedPaths) + 1
	if newActiveSeq != activeSeq {
		if err := os.Rename(w.segmentPath(activeSeq), w.segmentPath(newActiveSeq)); err != nil {
			return nodeerrors.IOFailure("renumber active segment", err)
		}
	}
	w.activeSeq = newActiveSeq

	if err := w.openActiveForAppend(); err != nil {
		return err
	}

	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("failed to clear compaction manifest", zap.Error(err))
	}
	return nil
}

// MaxSegmentSize returns the configured size threshold that triggers a
// segment roll.
func (w *WAL) MaxSegmentSize() int64 {
	return w.maxSegmentSize
}

// Close flushes and closes the active segment file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeFile == nil {
		return nil
	}
	return w.activeFile.Close()
}
