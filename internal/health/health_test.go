package health

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/model"
)

func newTestTable(peers map[string]string) *Table {
	return &Table{
		selfID:  "self",
		logger:  zap.NewNop(),
		timeout: 100 * time.Millisecond,
		peers:   peersFrom(peers),
	}
}

func peersFrom(peers map[string]string) map[string]*peerState {
	out := make(map[string]*peerState, len(peers))
	for id, url := range peers {
		out[id] = &peerState{url: url, status: model.PeerHealthy}
	}
	return out
}

func TestRecordHeartbeatHealsDownPeer(t *testing.T) {
	tbl := newTestTable(map[string]string{"p1": "http://p1"})
	tbl.peers["p1"].status = model.PeerDown

	tbl.RecordHeartbeat("p1")

	statuses := tbl.Statuses()
	if statuses[0].Status != model.PeerHealthy {
		t.Fatalf("status = %v, want healthy", statuses[0].Status)
	}
}

func TestSweepMarksStalePeerDown(t *testing.T) {
	tbl := newTestTable(map[string]string{"p1": "http://p1"})
	tbl.RecordHeartbeat("p1")
	tbl.peers["p1"].lastHeartbeat = time.Now().Add(-time.Second)

	tbl.Sweep()

	healthy := tbl.HealthyPeers()
	if _, ok := healthy["p1"]; ok {
		t.Fatalf("expected p1 to be marked down after timeout")
	}
}

func TestSweepIsIdempotentOnAlreadyDownPeer(t *testing.T) {
	tbl := newTestTable(map[string]string{"p1": "http://p1"})
	tbl.RecordHeartbeat("p1")
	tbl.peers["p1"].lastHeartbeat = time.Now().Add(-time.Second)

	tbl.Sweep()
	tbl.Sweep() // should not panic or flip state oddly

	all := tbl.AllPeers()
	if _, ok := all["p1"]; !ok {
		t.Fatalf("expected p1 to remain a known (down) peer")
	}
}

func TestNeverContactedPeerIsNotHealthy(t *testing.T) {
	tbl := newTestTable(map[string]string{"p1": "http://p1"})
	tbl.peers["p1"].status = model.PeerDown // mirrors New's seeding of an unconfirmed peer

	healthy := tbl.HealthyPeers()
	if _, ok := healthy["p1"]; ok {
		t.Fatalf("peer with no heartbeat ever received must not be classified healthy")
	}

	tbl.Sweep()
	if _, ok := tbl.HealthyPeers()["p1"]; ok {
		t.Fatalf("sweep must not heal a peer that has never sent a heartbeat")
	}
}

func TestAllPeersIncludesDownPeers(t *testing.T) {
	tbl := newTestTable(map[string]string{"p1": "http://p1", "p2": "http://p2"})
	tbl.peers["p1"].status = model.PeerDown

	all := tbl.AllPeers()
	if len(all) != 2 {
		t.Fatalf("AllPeers = %d entries, want 2 (sender must still ping down peers)", len(all))
	}
}
