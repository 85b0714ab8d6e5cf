package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for VaultLedger.
// Components accept a nil *Metrics and skip recording.
type Metrics struct {
	// --- Indexer ---
	IndexerEventsApplied  *prometheus.CounterVec
	IndexerEventsRejected *prometheus.CounterVec
	IndexerEventDuration  *prometheus.HistogramVec
	IndexerSequence       prometheus.Gauge
	DataQualityWarnings   *prometheus.CounterVec

	// --- Channels & backpressure ---
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	EventOutOfOrder       prometheus.Counter
	IngestRetries         prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Analytics & pricing ---
	AnalyticsDuration  *prometheus.HistogramVec
	PriceRefreshErrors *prometheus.CounterVec
	PriceFallbacks     *prometheus.CounterVec
	ResolverLookups    *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}
	dbBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		IndexerEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_indexer_events_applied_total",
			Help: "Events folded into ledger state",
		}, []string{"event_type"}),

		IndexerEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_indexer_events_rejected_total",
			Help: "Events rejected (duplicate, out_of_order, malformed, unknown_vault)",
		}, []string{"event_type", "reason"}),

		IndexerEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_indexer_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		IndexerSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_indexer_sequence",
			Help: "Next local event log sequence",
		}),

		DataQualityWarnings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_data_quality_warnings_total",
			Help: "Clamped or placeholder values absorbed by the reducer",
		}, []string{"kind"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the indexer blocked on the persist channel",
		}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		EventOutOfOrder: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_event_out_of_order_total",
			Help: "New events delivered behind the last applied chain position",
		}),
		IngestRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_ingest_retries_total",
			Help: "Ingest attempts retried because the dedup store was unavailable",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Events committed to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Events per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Last committed event sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Snapshot capture and save duration",
			Buckets: dbBuckets,
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_events_total",
			Help: "Events replayed from the event log at startup",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		AnalyticsDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_analytics_duration_seconds",
			Help:    "Metric derivation duration",
			Buckets: dbBuckets,
		}, []string{"operation"}),

		PriceRefreshErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_refresh_errors_total",
			Help: "Spot price refresh failures",
		}, []string{"symbol"}),

		PriceFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_price_fallbacks_total",
			Help: "Valuations that fell back to a unit price",
		}, []string{"symbol"}),

		ResolverLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_resolver_lookups_total",
			Help: "Adapter name lookups by result (hit/miss/error)",
		}, []string{"result"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: dbBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint"}),
	}
}
