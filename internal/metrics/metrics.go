// Package metrics defines the Prometheus instrumentation for the node,
// grounded on the reference storage node's internal/metrics package
// (promauto-registered counters/histograms/gauges under a namespace,
// per-node const labels) with the metric set rewritten for this domain's
// components (WAL, keyspace, dedup, compaction, replication, health).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument this node exposes.
type Metrics struct {
	SetRequestsTotal    prometheus.Counter
	GetRequestsTotal    prometheus.Counter
	DeleteRequestsTotal prometheus.Counter
	VersionConflicts    prometheus.Counter
	RequestDuration     prometheus.Histogram

	WALAppendsTotal   prometheus.Counter
	WALSegmentsTotal  prometheus.Gauge
	WALBytesTotal     prometheus.Gauge
	WALRollsTotal     prometheus.Counter

	DedupHitsTotal          prometheus.Counter
	DedupDifferentOpTotal   prometheus.Counter
	DedupCacheSize          prometheus.Gauge

	CompactionRunsTotal     prometheus.Counter
	CompactionFailuresTotal prometheus.Counter
	CompactionDuration      prometheus.Histogram
	CompactionEntriesDropped prometheus.Counter

	ReplicationPushTotal    prometheus.CounterVec
	ReplicationLagEntries   prometheus.GaugeVec
	ReplicationGapRecoveries prometheus.Counter

	PeersHealthy prometheus.Gauge
	PeersDown    prometheus.Gauge

	DiskUsagePercent prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// New creates and registers every metric, labeled with nodeID as a
// constant label so a single Prometheus instance can scrape a cluster.
func New(nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	const ns = "replicatedkv"

	return &Metrics{
		SetRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "facade", Name: "set_requests_total",
			Help: "Total number of SET requests served.", ConstLabels: labels,
		}),
		GetRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "facade", Name: "get_requests_total",
			Help: "Total number of GET requests served.", ConstLabels: labels,
		}),
		DeleteRequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "facade", Name: "delete_requests_total",
			Help: "Total number of DELETE requests served.", ConstLabels: labels,
		}),
		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "facade", Name: "version_conflicts_total",
			Help: "Total number of optimistic-concurrency version conflicts.", ConstLabels: labels,
		}),
		RequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "facade", Name: "request_duration_seconds",
			Help: "Request handling latency.", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),

		WALAppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wal", Name: "appends_total",
			Help: "Total number of WAL appends.", ConstLabels: labels,
		}),
		WALSegmentsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "wal", Name: "segments_total",
			Help: "Current number of WAL segment files.", ConstLabels: labels,
		}),
		WALBytesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "wal", Name: "bytes_total",
			Help: "Total bytes across all WAL segment files.", ConstLabels: labels,
		}),
		WALRollsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "wal", Name: "rolls_total",
			Help: "Total number of segment rollovers.", ConstLabels: labels,
		}),

		DedupHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "dedup", Name: "hits_total",
			Help: "Total number of requests served from the dedup cache.", ConstLabels: labels,
		}),
		DedupDifferentOpTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "dedup", Name: "different_operation_total",
			Help: "Total number of request_id reuses under a different operation.", ConstLabels: labels,
		}),
		DedupCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "dedup", Name: "cache_size",
			Help: "Current number of entries in the dedup cache.", ConstLabels: labels,
		}),

		CompactionRunsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "compaction", Name: "runs_total",
			Help: "Total number of completed compaction runs.", ConstLabels: labels,
		}),
		CompactionFailuresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "compaction", Name: "failures_total",
			Help: "Total number of failed compaction runs.", ConstLabels: labels,
		}),
		CompactionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "compaction", Name: "duration_seconds",
			Help: "Compaction pass duration.", ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		CompactionEntriesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "compaction", Name: "entries_dropped_total",
			Help: "Total number of entries dropped during compaction.", ConstLabels: labels,
		}),

		ReplicationPushTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "replication", Name: "push_total",
			Help: "Total number of replication pushes by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		ReplicationLagEntries: *promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "replication", Name: "lag_entries",
			Help: "Entries the peer is behind the leader's last id.", ConstLabels: labels,
		}, []string{"peer_id"}),
		ReplicationGapRecoveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "replication", Name: "gap_recoveries_total",
			Help: "Total number of follower gap-recovery range-fetches.", ConstLabels: labels,
		}),

		PeersHealthy: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "health", Name: "peers_healthy",
			Help: "Current number of peers classified healthy.", ConstLabels: labels,
		}),
		PeersDown: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "health", Name: "peers_down",
			Help: "Current number of peers classified down.", ConstLabels: labels,
		}),

		DiskUsagePercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "system", Name: "disk_usage_percent",
			Help: "Data directory disk usage percentage.", ConstLabels: labels,
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "system", Name: "goroutines_total",
			Help: "Current goroutine count.", ConstLabels: labels,
		}),
	}
}
