package replication

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/model"
)

// newRangeFetchServer mimics the leader's GET /internal/replicate/range
// handler closely enough to exercise fetchAndApplyRange's real wire
// contract: ndjson, one LogEntry per line, filtered to [from_id, to_id].
func newRangeFetchServer(t *testing.T, entries []model.LogEntry) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		from, err := strconv.ParseUint(r.URL.Query().Get("from_id"), 10, 64)
		if err != nil {
			http.Error(w, "bad from_id", http.StatusBadRequest)
			return
		}
		to, err := strconv.ParseUint(r.URL.Query().Get("to_id"), 10, 64)
		if err != nil {
			http.Error(w, "bad to_id", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if e.ID >= from && e.ID <= to {
				enc.Encode(e)
			}
		}
	}))
}

// TestReceiveReplicatedDetectsGapAndRangeFetchesFromLeader exercises
// SPEC_FULL.md's S6 scenario end to end: a follower holding ids 1-2
// receives a push for id 5, detects the [3,4] gap, range-fetches it over
// real HTTP from the leader, and ends up with 1-5 applied in order.
func TestReceiveReplicatedDetectsGapAndRangeFetchesFromLeader(t *testing.T) {
	leaderEntries := []model.LogEntry{
		{ID: 1, Operation: model.OpSet, Key: "a", Value: "1"},
		{ID: 2, Operation: model.OpSet, Key: "b", Value: "2"},
		{ID: 3, Operation: model.OpSet, Key: "c", Value: "3"},
		{ID: 4, Operation: model.OpSet, Key: "d", Value: "4"},
		{ID: 5, Operation: model.OpSet, Key: "e", Value: "5"},
	}

	srv := newRangeFetchServer(t, leaderEntries)
	defer srv.Close()

	w := &fakeWAL{entries: []model.LogEntry{leaderEntries[0], leaderEntries[1]}}
	ks := &fakeApplier{}
	c := New(Config{Role: "follower", LeaderURL: srv.URL, RequestTimeout: 2 * time.Second}, w, ks, &fakePeers{}, zap.NewNop())

	if err := c.ReceiveReplicated(leaderEntries[4]); err != nil {
		t.Fatalf("ReceiveReplicated: %v", err)
	}

	if len(w.entries) != 5 {
		t.Fatalf("follower WAL has %d entries, want 5: %+v", len(w.entries), w.entries)
	}
	for i, e := range w.entries {
		if e.ID != uint64(i+1) {
			t.Fatalf("follower WAL entries out of order: %+v", w.entries)
		}
	}

	wantApplied := []uint64{3, 4, 5}
	if len(ks.applied) != len(wantApplied) {
		t.Fatalf("applied %d entries, want %d: %+v", len(ks.applied), len(wantApplied), ks.applied)
	}
	for i, id := range wantApplied {
		if ks.applied[i].ID != id {
			t.Fatalf("applied order = %+v, want ids 3,4,5 in order", ks.applied)
		}
	}

	last, ok := w.LastID()
	if !ok || last != 5 {
		t.Fatalf("LastID = %d, %v, want 5, true", last, ok)
	}
}

// TestReceiveReplicatedWithNoGapSkipsRangeFetch guards against a
// regression where an in-order push would needlessly hit the network.
func TestReceiveReplicatedWithNoGapSkipsRangeFetch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &fakeWAL{}
	ks := &fakeApplier{}
	c := New(Config{Role: "follower", LeaderURL: srv.URL, RequestTimeout: 2 * time.Second}, w, ks, &fakePeers{}, zap.NewNop())

	if err := c.ReceiveReplicated(model.LogEntry{ID: 1, Operation: model.OpSet, Key: "a"}); err != nil {
		t.Fatalf("ReceiveReplicated: %v", err)
	}
	if calls != 0 {
		t.Fatalf("range-fetch endpoint was hit %d times for an in-order push, want 0", calls)
	}
}
