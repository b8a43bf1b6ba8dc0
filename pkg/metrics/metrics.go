package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Settlement metrics
	SettlementsTotal *prometheus.CounterVec
	SettledAmount    *prometheus.CounterVec
	SettledGroups    *prometheus.CounterVec
	ExportsTotal     *prometheus.CounterVec

	// Record store metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec

	// Pending deletion metrics
	PendingDeletionsQueued    prometheus.Counter
	PendingDeletionsProcessed prometheus.Counter
	PendingDeletionsFailed    prometheus.Counter
	PendingDeletionsDropped   prometheus.Counter
	PendingDeletionLatency    prometheus.Histogram

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// New creates all application metrics and registers them with reg. A nil
// registerer creates unregistered collectors, which keeps tests isolated.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SettlementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Total number of settlement attempts",
		}, []string{"practitioner_type", "status"}),
		SettledAmount: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_amount_total",
			Help:      "Total amount paid out to practitioners",
		}, []string{"practitioner_type"}),
		SettledGroups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_groups_total",
			Help:      "Total number of service groups settled",
		}, []string{"practitioner_type"}),
		ExportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Total number of spreadsheet exports",
		}, []string{"source"}),

		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_store_requests_total",
			Help:      "Total number of record store operations",
		}, []string{"operation", "status"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_store_duration_seconds",
			Help:      "Duration of record store operations",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"operation"}),

		PendingDeletionsQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_deletions_queued_total",
			Help:      "Total number of record deletions queued for retry",
		}),
		PendingDeletionsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_deletions_processed_total",
			Help:      "Total number of queued record deletions completed",
		}),
		PendingDeletionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_deletions_failed_total",
			Help:      "Total number of failed record deletion retries",
		}),
		PendingDeletionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_deletions_dropped_total",
			Help:      "Total number of record deletions abandoned after max attempts",
		}),
		PendingDeletionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pending_deletion_duration_seconds",
			Help:      "Time spent processing a queued record deletion",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Total number of cache lookups",
		}, []string{"cache", "result"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
