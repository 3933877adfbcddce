// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DedupResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_resolutions_total",
			Help: "Natural key resolutions by outcome (created, existing, reactivated, error).",
		},
		[]string{"key_kind", "outcome"},
	)

	DedupLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dedup_lock_wait_seconds",
			Help:    "Time spent waiting for a dedup key lock.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	QueueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_item_transitions_total",
			Help: "Queue item state transitions.",
		},
		[]string{"kind", "to"},
	)

	QueueClaimBatch = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_claim_batch_size",
			Help:    "Number of items returned per claim.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	BookingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "booking_outcomes_total",
			Help: "Reservation attempts by outcome (reserved, conflict, duplicate, error).",
		},
		[]string{"outcome"},
	)

	UsageRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_events_total",
			Help: "Usage events by policy and result (included, overage, duplicate, blocked).",
		},
		[]string{"policy", "result"},
	)

	UsageAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_alerts_total",
			Help: "Usage threshold alerts emitted.",
		},
		[]string{"threshold"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "core_operation_duration_seconds",
			Help:    "Latency of core operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component", "operation"},
	)
)

func init() {
	prometheus.MustRegister(
		DedupResolutions,
		DedupLockWait,
		QueueTransitions,
		QueueClaimBatch,
		BookingOutcomes,
		UsageRecorded,
		UsageAlerts,
		OperationDuration,
	)
}

// ObserveSince records time elapsed since start for component/operation.
// Use as: defer metrics.ObserveSince("queue", "claim", time.Now())
func ObserveSince(component, operation string, start time.Time) {
	OperationDuration.WithLabelValues(component, operation).Observe(time.Since(start).Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
