package compaction

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/codec"
	"github.com/devrev/replicatedkv/node/internal/model"
)

// fakeWAL is a minimal segmentSource backed by plain files, so compaction
// logic can be tested without depending on the real wal package.
type fakeWAL struct {
	dir           string
	inactivePaths []string
	activePath    string
	swapped       [][]string
}

func (f *fakeWAL) InactiveSegmentPaths() ([]string, error) { return f.inactivePaths, nil }
func (f *fakeWAL) ActiveSegmentPath() string                { return f.activePath }
func (f *fakeWAL) SwapCompacted(paths []string) error {
	f.swapped = append(f.swapped, paths)
	return nil
}

func writeEntries(t *testing.T, path string, entries []model.LogEntry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	for _, e := range entries {
		encoded, err := codec.Encode(e)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := f.Write(encoded); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestCompactOnceKeepsLatestSetsAndDropsTombstones(t *testing.T) {
	dir := t.TempDir()
	seg1 := filepath.Join(dir, "wal.log.segment.1")
	active := filepath.Join(dir, "wal.log.segment.2")

	writeEntries(t, seg1, []model.LogEntry{
		{ID: 1, Operation: model.OpSet, Key: "a", Value: "1"},
		{ID: 2, Operation: model.OpSet, Key: "a", Value: "2"},
		{ID: 3, Operation: model.OpSet, Key: "b", Value: "x"},
		{ID: 4, Operation: model.OpDelete, Key: "b"},
	})
	writeEntries(t, active, []model.LogEntry{
		{ID: 5, Operation: model.OpSet, Key: "c", Value: "z"},
	})

	fw := &fakeWAL{dir: dir, inactivePaths: []string{seg1}, activePath: active}
	c := New(fw, zap.NewNop(), time.Millisecond)

	segmentsCompacted, entriesRemoved, err := c.compactOnce()
	if err != nil {
		t.Fatalf("compactOnce: %v", err)
	}
	if segmentsCompacted != 1 {
		t.Fatalf("segmentsCompacted = %d, want 1", segmentsCompacted)
	}
	if entriesRemoved != 3 { // a@v1 superseded, b@v1 and b's tombstone both dropped
		t.Fatalf("entriesRemoved = %d, want 3", entriesRemoved)
	}
	if len(fw.swapped) != 1 {
		t.Fatalf("expected one SwapCompacted call, got %d", len(fw.swapped))
	}

	survivorPath := fw.swapped[0][0]
	data, err := os.ReadFile(survivorPath)
	if err != nil {
		t.Fatalf("read survivor file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("survivor file is empty")
	}
}

// TestCompactOnceDropsInactiveEntrySupersededByActiveSegment mirrors
// SPEC_FULL.md's S5 scenario: a key whose latest occurrence within the
// inactive segments is a SET must still be dropped if the active segment
// already holds a newer write for that same key.
func TestCompactOnceDropsInactiveEntrySupersededByActiveSegment(t *testing.T) {
	dir := t.TempDir()
	seg1 := filepath.Join(dir, "wal.log.segment.1")
	active := filepath.Join(dir, "wal.log.segment.2")

	writeEntries(t, seg1, []model.LogEntry{
		{ID: 1, Operation: model.OpSet, Key: "k1", Value: "a"},
		{ID: 2, Operation: model.OpSet, Key: "k2", Value: "hello"},
		{ID: 3, Operation: model.OpSet, Key: "k1", Value: "b"},
		{ID: 4, Operation: model.OpDelete, Key: "k2"},
		{ID: 5, Operation: model.OpSet, Key: "k3", Value: "n"},
	})
	writeEntries(t, active, []model.LogEntry{
		{ID: 6, Operation: model.OpSet, Key: "k1", Value: "c"},
	})

	fw := &fakeWAL{dir: dir, inactivePaths: []string{seg1}, activePath: active}
	c := New(fw, zap.NewNop(), time.Millisecond)

	segmentsCompacted, entriesRemoved, err := c.compactOnce()
	if err != nil {
		t.Fatalf("compactOnce: %v", err)
	}
	if segmentsCompacted != 1 {
		t.Fatalf("segmentsCompacted = %d, want 1", segmentsCompacted)
	}
	if entriesRemoved != 4 {
		t.Fatalf("entriesRemoved = %d, want 4", entriesRemoved)
	}

	survivorPath := fw.swapped[0][0]
	survivors, err := readSegment(survivorPath)
	if err != nil {
		t.Fatalf("read survivor file: %v", err)
	}
	if len(survivors) != 1 || survivors[0].ID != 5 || survivors[0].Key != "k3" {
		t.Fatalf("survivors = %+v, want exactly id5 (k3=n)", survivors)
	}
}

func TestRunNowRejectsConcurrentRuns(t *testing.T) {
	dir := t.TempDir()
	fw := &fakeWAL{dir: dir, activePath: filepath.Join(dir, "wal.log.segment.1")}
	os.WriteFile(fw.activePath, nil, 0o644)

	c := New(fw, zap.NewNop(), time.Hour)
	c.running.Store(true)

	if err := c.RunNow(); err == nil {
		t.Fatalf("expected error when a run is already in flight")
	}
}
