package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UsersProcessed tracks migration throughput by result.
	// status: migrated, transform_error, write_error
	UsersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "migration_users_processed_total",
		Help: "Total number of source users processed by the migration",
	}, []string{"status"})

	// BatchDuration measures how long a full extract-transform-load cycle
	// takes. Watch this to spot degradation in Postgres or the sink.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "migration_batch_duration_seconds",
		Help:    "Duration of batch processing in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatchSize tracks how many rows each keyset page actually returned.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "migration_batch_size",
		Help:    "Number of users fetched per batch",
		Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
	})

	// UpsertRetries counts transient write errors that were retried before
	// the record was counted either way.
	UpsertRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "migration_upsert_retries_total",
		Help: "Number of upsert attempts retried after a transient error",
	})

	// StoreUsers reports the total record count each store held during the
	// last reconciliation. store: source, destination
	StoreUsers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "validation_store_users",
		Help: "Record counts observed per store by the last validation run",
	}, []string{"store"})

	// Discrepancies reports the last reconciliation result by kind.
	// kind: missing, extra, mismatched
	Discrepancies = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "validation_discrepancies",
		Help: "Discrepancies found by the last validation run, by kind",
	}, []string{"kind"})
)
