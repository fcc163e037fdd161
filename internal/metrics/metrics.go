package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/viewmill/outbox-queue/internal/domain"
	"github.com/viewmill/outbox-queue/internal/worker"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	EntriesClaimed   *prometheus.CounterVec
	EntriesProcessed *prometheus.CounterVec
	EntriesFailed    *prometheus.CounterVec
	ClaimsReleased   prometheus.Counter
	DeadLettered     prometheus.Counter
	DeliveryLatency  *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_entries_claimed_total",
			Help: "Total number of entries claimed, by claim mode.",
		}, []string{"mode"}),

		EntriesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_entries_processed_total",
			Help: "Total number of entries delivered and marked processed.",
		}, []string{"aggregate_type"}),

		EntriesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_entries_failed_total",
			Help: "Total number of failed sink deliveries (one retry spent each).",
		}, []string{"aggregate_type"}),

		ClaimsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_claims_released_total",
			Help: "Total number of expired claims released back to pending.",
		}),

		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Total number of entries moved to the dead-letter table.",
		}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "outbox_delivery_seconds",
			Help:    "Latency from dequeue to sink acknowledgement.",
			Buckets: prometheus.DefBuckets,
		}, []string{"aggregate_type"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "outbox_queue_depth",
			Help: "Current number of entries in the primary table, by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.EntriesClaimed,
		m.EntriesProcessed,
		m.EntriesFailed,
		m.ClaimsReleased,
		m.DeadLettered,
		m.DeliveryLatency,
		m.QueueDepth,
	)

	return m
}

// WorkerHooks returns the callback struct expected by worker.NewPool.
// Centralises the prometheus observation calls so the worker package stays
// metrics-agnostic.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnClaimed: func(mode worker.ClaimMode, count int) {
			m.EntriesClaimed.WithLabelValues(string(mode)).Add(float64(count))
		},
		OnProcessed: func(t domain.AggregateType, latency time.Duration) {
			m.EntriesProcessed.WithLabelValues(string(t)).Inc()
			m.DeliveryLatency.WithLabelValues(string(t)).Observe(latency.Seconds())
		},
		OnFailed: func(t domain.AggregateType) {
			m.EntriesFailed.WithLabelValues(string(t)).Inc()
		},
	}
}

// SetQueueDepths refreshes the per-status depth gauges from a stats snapshot.
func (m *Metrics) SetQueueDepths(stats *domain.QueueStats) {
	for _, status := range []domain.Status{
		domain.StatusPending, domain.StatusProcessing,
		domain.StatusProcessed, domain.StatusFailed,
	} {
		m.QueueDepth.WithLabelValues(string(status)).Set(float64(stats.CountsByStatus[status]))
	}
}
