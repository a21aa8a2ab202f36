package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the resource store and the
// reindex coordinator.
type Metrics struct {
	// Resource operation metrics
	UpsertsTotal      *prometheus.CounterVec
	ReadsTotal        prometheus.Counter
	DeletesTotal      *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	OperationErrors   *prometheus.CounterVec
	UpsertRetriesTotal prometheus.Counter

	// Reindex metrics
	ReindexJobsActive         prometheus.Gauge
	ReindexJobsAcquiredTotal  prometheus.Counter
	ReindexBatchesTotal       prometheus.Counter
	ReindexResourcesProcessed prometheus.Counter
	ReindexResourcesFailed    prometheus.Counter
	ReindexBatchSize          prometheus.Gauge
	ReindexThrottleDelay      prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UpsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "store",
			Name:      "upserts_total",
			Help:      "Total number of upserts by outcome",
		}, []string{"outcome"}),
		ReadsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "store",
			Name:      "reads_total",
			Help:      "Total number of resource reads",
		}),
		DeletesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "store",
			Name:      "deletes_total",
			Help:      "Total number of deletes by mode",
		}, []string{"mode"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fhir",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of store operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		OperationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "store",
			Name:      "operation_errors_total",
			Help:      "Total number of failed store operations by error kind",
		}, []string{"operation", "kind"}),
		UpsertRetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "store",
			Name:      "upsert_retries_total",
			Help:      "Total number of optimistic upsert retries",
		}),
		ReindexJobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fhir",
			Subsystem: "reindex",
			Name:      "jobs_active",
			Help:      "Number of reindex tasks running in this process",
		}),
		ReindexJobsAcquiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "reindex",
			Name:      "jobs_acquired_total",
			Help:      "Total number of job leases acquired by this worker",
		}),
		ReindexBatchesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "reindex",
			Name:      "batches_total",
			Help:      "Total number of reindex batches executed",
		}),
		ReindexResourcesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "reindex",
			Name:      "resources_processed_total",
			Help:      "Total number of resources reindexed",
		}),
		ReindexResourcesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fhir",
			Subsystem: "reindex",
			Name:      "resources_failed_total",
			Help:      "Total number of resources that failed reindexing",
		}),
		ReindexBatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fhir",
			Subsystem: "reindex",
			Name:      "batch_size",
			Help:      "Current throttle-adjusted batch size",
		}),
		ReindexThrottleDelay: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fhir",
			Subsystem: "reindex",
			Name:      "throttle_delay_seconds",
			Help:      "Current throttle delay applied before each batch",
		}),
	}
}
