// Package health implements the Cluster Health Table (C6): a per-peer
// healthy/down classification driven by heartbeat send/receive, gossiped
// over memberlist. Structurally grounded on the reference storage node's
// internal/service/gossip_service.go (memberlist.Delegate wiring,
// NotifyMsg as the message-receive hook). The send/sweep state machine
// itself follows original_source's HeartbeatService
// (service/heartbeat.py): heartbeats continue to be sent to peers already
// marked down, to detect recovery, and a peer transitions to down only
// after HeartbeatTimeout has elapsed with no heartbeat received.
package health

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/model"
)

// heartbeatMessage is gossiped via memberlist's NotifyMsg hook.
type heartbeatMessage struct {
	PeerID string    `json:"peer_id"`
	Sent   time.Time `json:"sent"`
}

type peerState struct {
	url           string
	lastHeartbeat time.Time
	hasHeartbeat  bool
	status        model.PeerStatus
}

// Table tracks every configured peer's health.
type Table struct {
	selfID string
	ml     *memberlist.Memberlist
	logger *zap.Logger
	timeout time.Duration

	mu    sync.RWMutex
	peers map[string]*peerState
}

// Config configures the health table's memberlist transport.
type Config struct {
	SelfID            string
	BindPort          int
	SeedAddrs         []string
	HeartbeatTimeout  time.Duration
	GossipInterval    time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
}

// New creates a health table bound to a memberlist transport. peers is the
// statically configured peer set (id -> url) that heartbeats are sent to.
func New(cfg Config, peers map[string]string, logger *zap.Logger) (*Table, error) {
	t := &Table{
		selfID:  cfg.SelfID,
		logger:  logger,
		timeout: cfg.HeartbeatTimeout,
		peers:   make(map[string]*peerState, len(peers)),
	}
	for id, url := range peers {
		// Per SPEC_FULL §3, status == down iff no heartbeat was ever
		// received, so a newly configured peer starts down until it
		// proves itself alive.
		t.peers[id] = &peerState{url: url, status: model.PeerDown}
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.SelfID
	if cfg.BindPort > 0 {
		mlConfig.BindPort = cfg.BindPort
	}
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	mlConfig.Delegate = t

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	t.ml = ml

	if len(cfg.SeedAddrs) > 0 {
		if _, err := ml.Join(cfg.SeedAddrs); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}

	return t, nil
}

// RecordHeartbeat marks peerID as having just sent a heartbeat, healing it
// back to healthy if it was previously down.
func (t *Table) RecordHeartbeat(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[peerID]
	if !ok {
		p = &peerState{}
		t.peers[peerID] = p
	}
	p.lastHeartbeat = time.Now()
	p.hasHeartbeat = true
	if p.status != model.PeerHealthy {
		t.logger.Info("peer recovered", zap.String("peer_id", peerID))
	}
	p.status = model.PeerHealthy
}

// Statuses returns a snapshot of every peer's health.
func (t *Table) Statuses() []model.PeerHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.PeerHealth, 0, len(t.peers))
	for id, p := range t.peers {
		seconds := 0.0
		if p.hasHeartbeat {
			seconds = time.Since(p.lastHeartbeat).Seconds()
		}
		out = append(out, model.PeerHealth{
			PeerID:         id,
			URL:            p.url,
			Status:         p.status,
			LastHeartbeat:  p.lastHeartbeat,
			HasHeartbeat:   p.hasHeartbeat,
			SecondsSinceHB: seconds,
		})
	}
	return out
}

// HealthyPeers returns the URLs of every peer currently classified
// healthy — the set the replication coordinator is allowed to push to.
func (t *Table) HealthyPeers() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string)
	for id, p := range t.peers {
		if p.status == model.PeerHealthy {
			out[id] = p.url
		}
	}
	return out
}

// AllPeers returns every configured peer's URL, healthy or not — used by
// the sender, which deliberately keeps pinging down peers to detect
// recovery.
func (t *Table) AllPeers() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string, len(t.peers))
	for id, p := range t.peers {
		out[id] = p.url
	}
	return out
}

// Sweep marks any peer whose last heartbeat is older than the configured
// timeout as down. Idempotent: already-down peers are left alone.
func (t *Table) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for id, p := range t.peers {
		if p.status == model.PeerDown {
			continue
		}
		if now.Sub(p.lastHeartbeat) > t.timeout {
			p.status = model.PeerDown
			t.logger.Warn("peer marked down", zap.String("peer_id", id),
				zap.Duration("since_last_heartbeat", now.Sub(p.lastHeartbeat)))
		}
	}
}

// RunSweeper starts a background goroutine that calls Sweep on interval
// until stop is closed.
func (t *Table) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Broadcast is a no-op: it sends nothing and changes no state. Heartbeats
// are sent by Facade.SendHeartbeats (an HTTP POST to /internal/heartbeat on
// every configured peer, down ones included), driven by cmd/node's ticker.
func (t *Table) Broadcast() {
	// memberlist periodically calls LocalState/NodeMeta on its own
	// schedule; nothing to push eagerly here.
}

// Shutdown leaves the memberlist cluster.
func (t *Table) Shutdown() error {
	if t.ml == nil {
		return nil
	}
	return t.ml.Shutdown()
}

// --- memberlist.Delegate ---

func (t *Table) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(heartbeatMessage{PeerID: t.selfID, Sent: time.Now()})
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

func (t *Table) NotifyMsg(data []byte) {
	var msg heartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Warn("failed to unmarshal heartbeat gossip message", zap.Error(err))
		return
	}
	t.RecordHeartbeat(msg.PeerID)
}

func (t *Table) GetBroadcasts(overhead, limit int) [][]byte { return nil }

func (t *Table) LocalState(join bool) []byte {
	data, _ := json.Marshal(heartbeatMessage{PeerID: t.selfID, Sent: time.Now()})
	return data
}

func (t *Table) MergeRemoteState(buf []byte, join bool) {}
