// Package metrics holds the engine's Prometheus instrumentation,
// constructed with promauto the same way the teacher's replication
// metrics were, but scoped to HLC health, apply outcomes, Merkle
// divergence depth, and sync round behavior instead of quorum/latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors the engine exposes.
type Metrics struct {
	// clock health
	ClockDriftRejections   prometheus.Counter // candidates rejected for exceeding max_drift
	ClockCounterOverflows  prometheus.Counter // tick()/tick_past() counter overflow events
	ClockCurrentSkewMillis prometheus.Gauge   // last observed |candidate.millis - wall_clock_millis|

	// apply outcomes (internal/apply.Engine.Apply)
	ApplyOutcomes   *prometheus.CounterVec // label "outcome": win|obsolete|duplicate
	ApplyErrors     *prometheus.CounterVec // label "reason": matches a syncerr sentinel name
	ApplyLatency    prometheus.Histogram

	// Merkle tree (internal/merkle)
	DiffDepth      prometheus.Histogram // length, in digits, of the path FindDiff returns
	InsertsTotal   prometheus.Counter   // Insert calls made by the apply engine; sync-driver rebuild/catch-up inserts are not counted

	// sync rounds (internal/sync.Driver)
	SyncRoundLatency  *prometheus.HistogramVec // label "transport"
	SyncRoundsTotal   *prometheus.CounterVec   // labels "transport","result": ok|error
	EntriesUploaded   *prometheus.CounterVec   // label "transport"
	EntriesDownloaded *prometheus.CounterVec   // label "transport"

	// oplog (internal/oplog.Store)
	OplogInsertsTotal prometheus.Counter
}

// NewMetrics constructs and registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ClockDriftRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_drift_rejections_total",
			Help:      "Total candidate HLC timestamps rejected for exceeding max_drift",
		}),

		ClockCounterOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_counter_overflows_total",
			Help:      "Total HLC logical counter overflow events",
		}),

		ClockCurrentSkewMillis: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_current_skew_milliseconds",
			Help:      "Most recently observed skew between a candidate HLC and the wall clock",
		}),

		ApplyOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_outcomes_total",
			Help:      "Total apply() calls by outcome",
		}, []string{"outcome"}),

		ApplyErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "apply_errors_total",
			Help:      "Total apply() failures by reason",
		}, []string{"reason"}),

		ApplyLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_latency_seconds",
			Help:      "Latency of apply() calls",
			Buckets:   prometheus.DefBuckets,
		}),

		DiffDepth: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merkle_diff_depth",
			Help:      "Length, in base-3 digits, of the path returned by a Merkle diff",
			Buckets:   prometheus.LinearBuckets(0, 1, 18),
		}),

		InsertsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merkle_inserts_total",
			Help:      "Total Merkle tree Insert calls made by the apply engine",
		}),

		SyncRoundLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_round_latency_seconds",
			Help:      "Latency of a sync round per transport",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),

		SyncRoundsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rounds_total",
			Help:      "Total sync rounds by transport and result",
		}, []string{"transport", "result"}),

		EntriesUploaded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entries_uploaded_total",
			Help:      "Total oplog entries uploaded per transport",
		}, []string{"transport"}),

		EntriesDownloaded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_entries_downloaded_total",
			Help:      "Total oplog entries downloaded and applied per transport",
		}, []string{"transport"}),

		OplogInsertsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oplog_inserts_total",
			Help:      "Total entries appended to the oplog",
		}),
	}
}
