package wal

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/model"
)

func newTestWAL(t *testing.T, maxSegmentSize int64) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir, maxSegmentSize, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAssignsSequentialIDs(t *testing.T) {
	w := newTestWAL(t, 1024*1024)

	for i := 1; i <= 3; i++ {
		id, err := w.Append(model.LogEntry{Operation: model.OpSet, Key: "k"}, nil)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id != uint64(i) {
			t.Fatalf("Append id = %d, want %d", id, i)
		}
	}

	last, ok := w.LastID()
	if !ok || last != 3 {
		t.Fatalf("LastID = (%d, %v), want (3, true)", last, ok)
	}
}

func TestAppendFollowerValidatesExpectedID(t *testing.T) {
	w := newTestWAL(t, 1024*1024)

	one := uint64(1)
	if _, err := w.Append(model.LogEntry{Operation: model.OpSet, Key: "k"}, &one); err != nil {
		t.Fatalf("Append: %v", err)
	}

	three := uint64(3)
	if _, err := w.Append(model.LogEntry{Operation: model.OpSet, Key: "k"}, &three); err == nil {
		t.Fatalf("expected error appending out-of-order follower entry")
	}
}

func TestReplayReturnsEntriesInOrder(t *testing.T) {
	w := newTestWAL(t, 1024*1024)

	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		if _, err := w.Append(model.LogEntry{Operation: model.OpSet, Key: k}, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got []string
	skipped, err := w.Replay(func(e model.LogEntry) error {
		got = append(got, e.Key)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if skipped != 0 {
		t.Fatalf("skipped = %d, want 0", skipped)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("Replay order = %v", got)
	}
}

func TestRollNeverSplitsARecord(t *testing.T) {
	w := newTestWAL(t, 64) // tiny segments to force rollover

	for i := 0; i < 10; i++ {
		if _, err := w.Append(model.LogEntry{Operation: model.OpSet, Key: "key", Value: "some-value"}, nil); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	segs, err := w.Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) < 2 {
		t.Fatalf("expected rollover to produce multiple segments, got %d", len(segs))
	}

	var all []model.LogEntry
	_, err = w.Replay(func(e model.LogEntry) error {
		all = append(all, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("replayed %d entries, want 10", len(all))
	}
	for i, e := range all {
		if e.ID != uint64(i+1) {
			t.Fatalf("entry %d has id %d", i, e.ID)
		}
	}
}

func TestRecoverTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	w := func() *WAL {
		w, err := Open(dir, 1024*1024, zap.NewNop(), nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		return w
	}()

	if _, err := w.Append(model.LogEntry{Operation: model.OpSet, Key: "a"}, nil); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := w.ActiveSegmentPath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteString(`{"id":2,"operation":"SET","key":"b"`); err != nil { // truncated JSON, no closing brace/newline
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	w2, err := Open(dir, 1024*1024, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	last, ok := w2.LastID()
	if !ok || last != 1 {
		t.Fatalf("LastID after recovery = (%d, %v), want (1, true)", last, ok)
	}

	id, err := w2.Append(model.LogEntry{Operation: model.OpSet, Key: "b"}, nil)
	if err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	if id != 2 {
		t.Fatalf("Append after recovery id = %d, want 2", id)
	}
}

func TestSwapCompactedRenumbersSegments(t *testing.T) {
	w := newTestWAL(t, 64)

	for i := 0; i < 6; i++ {
		if _, err := w.Append(model.LogEntry{Operation: model.OpSet, Key: "k", Value: "padding-value"}, nil); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	inactive, err := w.InactiveSegmentPaths()
	if err != nil {
		t.Fatalf("InactiveSegmentPaths: %v", err)
	}
	if len(inactive) == 0 {
		t.Fatalf("expected at least one inactive segment")
	}

	compactedPath := filepath.Join(w.dataDir, "compacted.tmp.1")
	if err := os.WriteFile(compactedPath, []byte(`{"id":6,"operation":"SET","key":"k","value":"padding-value","crc":0}`+"\n"), 0o644); err != nil {
		t.Fatalf("write compacted temp file: %v", err)
	}

	if err := w.SwapCompacted([]string{compactedPath}); err != nil {
		t.Fatalf("SwapCompacted: %v", err)
	}

	segs, err := w.Segments()
	if err != nil {
		t.Fatalf("Segments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments after swap, got %d", len(segs))
	}
}
