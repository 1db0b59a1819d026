// Package facade implements the Service Facade (C8): a thin, stateless
// mapper binding client requests onto the WAL, keyspace, dedup cache,
// health table, replication coordinator, and compactor. Grounded on the
// reference storage node's internal/handler (request validation then
// delegate-to-service, structured error codes on failure) with the
// transport rebound from gRPC/protobuf to net/http+encoding/json per
// SPEC_FULL.md's design notes.
package facade

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/replicatedkv/node/internal/compaction"
	"github.com/devrev/replicatedkv/node/internal/dedup"
	nodeerrors "github.com/devrev/replicatedkv/node/internal/errors"
	"github.com/devrev/replicatedkv/node/internal/health"
	"github.com/devrev/replicatedkv/node/internal/keyspace"
	"github.com/devrev/replicatedkv/node/internal/metrics"
	"github.com/devrev/replicatedkv/node/internal/model"
	"github.com/devrev/replicatedkv/node/internal/replication"
	"github.com/devrev/replicatedkv/node/internal/wal"
)

// Facade is the single entry point for every client- and peer-facing
// operation the node supports.
type Facade struct {
	Role string // "leader" | "follower"

	wal       *wal.WAL
	ks        *keyspace.Keyspace
	dedup     *dedup.Cache
	health    *health.Table
	repl      *replication.Coordinator
	compactor *compaction.Compactor
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(role string, w *wal.WAL, ks *keyspace.Keyspace, d *dedup.Cache, h *health.Table,
	repl *replication.Coordinator, c *compaction.Compactor, m *metrics.Metrics, logger *zap.Logger) *Facade {
	return &Facade{Role: role, wal: w, ks: ks, dedup: d, health: h, repl: repl, compactor: c, metrics: m, logger: logger}
}

// WriteRequest is a client mutation request, carrying the idempotency
// coordinates required by C4.
type WriteRequest struct {
	ClientID        string
	RequestID       string
	Key             string
	Value           any
	ExpectedVersion *uint64
}

// WriteResult is the (id, version) pair cached by the dedup receiver and
// returned to the caller on a successful SET.
type WriteResult struct {
	ID      uint64
	Version uint64
}

// hasDedupKeys reports whether a request carries both idempotency
// coordinates. Per SPEC_FULL §4.4, a request with either identifier
// absent bypasses the dedup cache entirely rather than colliding with
// every other anonymous request under the same ("", "", operation) key.
func hasDedupKeys(clientID, requestID string) bool {
	return clientID != "" && requestID != ""
}

// Set applies a SET, honoring optimistic concurrency and request
// deduplication. Only the leader accepts client writes. Keyspace.Set holds
// the keyspace-wide lock across the version check, the WAL append (run from the
// commit callback below), and the map update, so the three steps are one
// atomic unit with respect to every other Set/Delete/Get on this key
// (SPEC_FULL §5's check-version -> append-WAL -> update-map order; §7's
// IOError contract) rather than three independently-locked steps that a
// concurrent writer could interleave with.
func (f *Facade) Set(req WriteRequest) (result WriteResult, err error) {
	if f.Role != "leader" {
		return WriteResult{}, nodeerrors.Unavailable("writes must go to the leader", nil)
	}
	if req.Key == "" {
		return WriteResult{}, nodeerrors.InvalidArgument("key must not be empty", nil)
	}

	dedupKeyed := hasDedupKeys(req.ClientID, req.RequestID)
	if dedupKeyed {
		if cached, hit := f.dedup.Lookup(req.ClientID, req.RequestID, string(model.OpSet)); hit {
			if wr, ok := cached.(WriteResult); ok {
				return wr, nil
			}
		}
	}

	var entry model.LogEntry
	id, newVersion, err := f.ks.Set(req.Key, req.Value, req.ExpectedVersion, func(newVersion uint64) (uint64, error) {
		v := newVersion
		entry = model.LogEntry{
			Operation: model.OpSet,
			Key:       req.Key,
			Value:     req.Value,
			Version:   &v,
			ClientID:  req.ClientID,
			RequestID: req.RequestID,
		}
		id, err := f.wal.Append(entry, nil)
		if err != nil {
			return 0, err
		}
		entry.ID = id
		return id, nil
	})
	if err != nil {
		if nodeerrors.GetCode(err) == nodeerrors.ErrCodeVersionConflict {
			f.metrics.VersionConflicts.Inc()
		}
		return WriteResult{}, err
	}

	result = WriteResult{ID: id, Version: newVersion}
	if dedupKeyed {
		f.dedup.Record(req.ClientID, req.RequestID, string(model.OpSet), result)
	}
	f.metrics.SetRequestsTotal.Inc()
	f.metrics.WALAppendsTotal.Inc()

	go f.repl.PushAsync(entry)
	return result, nil
}

// Delete removes a key, resetting its version history. Only the leader
// accepts client deletes. Returns the WAL id assigned to the DELETE
// entry. As in Set, Keyspace.Delete holds the keyspace-wide lock across the
// existence check, the WAL append, and the map removal.
func (f *Facade) Delete(clientID, requestID, key string) (id uint64, err error) {
	if f.Role != "leader" {
		return 0, nodeerrors.Unavailable("deletes must go to the leader", nil)
	}

	dedupKeyed := hasDedupKeys(clientID, requestID)
	if dedupKeyed {
		if cached, hit := f.dedup.Lookup(clientID, requestID, string(model.OpDelete)); hit {
			if cachedID, ok := cached.(uint64); ok {
				return cachedID, nil
			}
			return 0, nil
		}
	}

	var entry model.LogEntry
	id, err = f.ks.Delete(key, func() (uint64, error) {
		entry = model.LogEntry{Operation: model.OpDelete, Key: key, ClientID: clientID, RequestID: requestID}
		appendedID, err := f.wal.Append(entry, nil)
		if err != nil {
			return 0, err
		}
		entry.ID = appendedID
		return appendedID, nil
	})
	if err != nil {
		return 0, err
	}

	if dedupKeyed {
		f.dedup.Record(clientID, requestID, string(model.OpDelete), id)
	}
	f.metrics.DeleteRequestsTotal.Inc()
	f.metrics.WALAppendsTotal.Inc()

	go f.repl.PushAsync(entry)
	return id, nil
}

// Get returns a key's current value and version.
func (f *Facade) Get(key string) (value any, version uint64, err error) {
	f.metrics.GetRequestsTotal.Inc()
	v, ver, ok := f.ks.Get(key)
	if !ok {
		return nil, 0, nodeerrors.KeyNotFound(key)
	}
	return v, ver, nil
}

// GetVersion returns the value a key held at a specific version.
func (f *Facade) GetVersion(key string, version uint64) (any, error) {
	v, ok := f.ks.GetVersion(key, version)
	if !ok {
		return nil, nodeerrors.KeyNotFound(fmt.Sprintf("%s@v%d", key, version))
	}
	return v, nil
}

// History returns every retained version of a key.
func (f *Facade) History(key string) (map[uint64]any, error) {
	h, ok := f.ks.History(key)
	if !ok {
		return nil, nodeerrors.KeyNotFound(key)
	}
	return h, nil
}

// Versions lists the version numbers retained for a key.
func (f *Facade) Versions(key string) ([]uint64, error) {
	versions, ok := f.ks.Versions(key)
	if !ok {
		return nil, nodeerrors.KeyNotFound(key)
	}
	return versions, nil
}

// Segments lists the WAL's on-disk segment files.
func (f *Facade) Segments() ([]model.SegmentInfo, error) {
	return f.wal.Segments()
}

// MaxSegmentSize returns the configured segment-roll threshold.
func (f *Facade) MaxSegmentSize() int64 {
	return f.wal.MaxSegmentSize()
}

// DedupStats returns the dedup cache's diagnostic counters.
func (f *Facade) DedupStats() dedup.Stats {
	return f.dedup.Stats()
}

// ClusterStatus returns every peer's health-table entry.
func (f *Facade) ClusterStatus() []model.PeerHealth {
	return f.health.Statuses()
}

// RunCompaction triggers an out-of-band compaction pass.
func (f *Facade) RunCompaction() error {
	return f.compactor.RunNow()
}

// CompactionStatus returns the most recent compaction run's summary.
func (f *Facade) CompactionStatus() (model.CompactionRun, bool) {
	return f.compactor.Status()
}

// CompactionHistory returns the bounded ring of recent compaction runs,
// oldest first.
func (f *Facade) CompactionHistory() []model.CompactionRun {
	return f.compactor.History()
}

// ConfigureCompaction updates the compactor's enabled flag and cadence.
func (f *Facade) ConfigureCompaction(enabled bool, interval time.Duration) {
	f.compactor.Configure(enabled, interval)
}

// CompactionConfig reports the compactor's current enabled flag and cadence.
func (f *Facade) CompactionConfig() (enabled bool, interval time.Duration) {
	return f.compactor.ConfigSnapshot()
}

// ReceiveReplicated handles an inbound replicated entry on a follower.
func (f *Facade) ReceiveReplicated(entry model.LogEntry) error {
	if f.Role != "follower" {
		return nodeerrors.InvalidArgument("only followers accept replicated entries", nil)
	}
	return f.repl.ReceiveReplicated(entry)
}

// RangeFetch serves a follower's gap-recovery pull on the leader.
func (f *Facade) RangeFetch(fromID, toID uint64) ([]model.LogEntry, error) {
	return f.repl.RangeFetch(fromID, toID)
}

// ReceiveHeartbeat records an inbound heartbeat from a peer.
func (f *Facade) ReceiveHeartbeat(peerID string) {
	f.health.RecordHeartbeat(peerID)
}

// SendHeartbeats POSTs this node's heartbeat to every configured peer,
// including ones currently marked down, so a recovered peer is detected.
// Intended to be driven by a ticker from cmd/node.
func (f *Facade) SendHeartbeats(selfID string, send func(peerURL, selfID string) error) {
	for id, url := range f.health.AllPeers() {
		if err := send(url, selfID); err != nil {
			f.logger.Debug("heartbeat send failed", zap.String("peer_id", id), zap.Error(err))
		}
	}
}

// ReplayInto rebuilds the keyspace from the WAL at startup.
func ReplayInto(w *wal.WAL, ks *keyspace.Keyspace, logger *zap.Logger) error {
	start := time.Now()
	skipped, err := w.Replay(func(e model.LogEntry) error {
		ks.Apply(e)
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("wal replay complete", zap.Duration("elapsed", time.Since(start)), zap.Int("skipped", skipped))
	return nil
}
