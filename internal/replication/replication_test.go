package replication

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/model"
)

type fakeWAL struct {
	entries []model.LogEntry
}

func (f *fakeWAL) Append(entry model.LogEntry, expectID *uint64) (uint64, error) {
	if expectID != nil {
		entry.ID = *expectID
	}
	f.entries = append(f.entries, entry)
	return entry.ID, nil
}

func (f *fakeWAL) LastID() (uint64, bool) {
	if len(f.entries) == 0 {
		return 0, false
	}
	return f.entries[len(f.entries)-1].ID, true
}

func (f *fakeWAL) ReadRange(fromID, toID uint64) ([]model.LogEntry, error) {
	var out []model.LogEntry
	for _, e := range f.entries {
		if e.ID >= fromID && e.ID <= toID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeApplier struct {
	applied []model.LogEntry
}

func (f *fakeApplier) Apply(e model.LogEntry) { f.applied = append(f.applied, e) }

type fakePeers struct{ peers map[string]string }

func (f *fakePeers) HealthyPeers() map[string]string { return f.peers }

func TestReceiveReplicatedInOrderAppliesDirectly(t *testing.T) {
	w := &fakeWAL{}
	ks := &fakeApplier{}
	c := New(Config{Role: "follower"}, w, ks, &fakePeers{}, zap.NewNop())

	if err := c.ReceiveReplicated(model.LogEntry{ID: 1, Operation: model.OpSet, Key: "a"}); err != nil {
		t.Fatalf("ReceiveReplicated: %v", err)
	}
	if len(ks.applied) != 1 {
		t.Fatalf("applied = %d, want 1", len(ks.applied))
	}
}

func TestReceiveReplicatedDuplicateIsNoop(t *testing.T) {
	w := &fakeWAL{}
	ks := &fakeApplier{}
	c := New(Config{Role: "follower"}, w, ks, &fakePeers{}, zap.NewNop())

	c.ReceiveReplicated(model.LogEntry{ID: 1, Operation: model.OpSet, Key: "a"})
	if err := c.ReceiveReplicated(model.LogEntry{ID: 1, Operation: model.OpSet, Key: "a"}); err != nil {
		t.Fatalf("ReceiveReplicated duplicate: %v", err)
	}
	if len(ks.applied) != 1 {
		t.Fatalf("applied = %d, want 1 (duplicate should be a no-op)", len(ks.applied))
	}
}

func TestPushAsyncSkipsWhenNoHealthyPeers(t *testing.T) {
	w := &fakeWAL{}
	ks := &fakeApplier{}
	c := New(Config{Role: "leader", RequestTimeout: 10 * time.Millisecond}, w, ks, &fakePeers{peers: map[string]string{}}, zap.NewNop())

	// Should return immediately without attempting any network call.
	done := make(chan struct{})
	go func() {
		c.PushAsync(model.LogEntry{ID: 1, Operation: model.OpSet, Key: "a"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("PushAsync did not return promptly with no healthy peers")
	}
}
