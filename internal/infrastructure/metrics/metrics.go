// Package metrics registers the engine's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics bundles every instrument the engine and the durability
// pipeline report into.
type EngineMetrics struct {
	DecisionsTotal        *prometheus.CounterVec
	EvaluationDuration    prometheus.Histogram
	VelocityCheckFailures prometheus.Counter
	VelocityCheckDuration prometheus.Histogram

	OutboxEnqueued       prometheus.Counter
	OutboxDropped        prometheus.Counter
	OutboxDepth          prometheus.Gauge
	OutboxAppendFailures prometheus.Counter

	PublishSuccess  prometheus.Counter
	PublishFailures prometheus.Counter
	PublishLatency  prometheus.Histogram

	PendingReclaimed    prometheus.Counter
	OutboxLagSeconds    prometheus.Gauge
	OutboxPendingTotal  prometheus.Gauge
	OutboxOldestIdleMs  prometheus.Gauge
}

// New registers the engine instruments against the given registerer.
func New(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)

	return &EngineMetrics{
		DecisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_decisions_total",
			Help: "Decisions returned, by evaluation type and engine mode.",
		}, []string{"evaluation_type", "engine_mode"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_evaluation_duration_seconds",
			Help:    "End-to-end evaluation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		VelocityCheckFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_velocity_check_failures_total",
			Help: "Velocity store calls that failed or timed out.",
		}),
		VelocityCheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_velocity_check_duration_seconds",
			Help:    "Velocity store round-trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 10),
		}),
		OutboxEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_outbox_enqueued_total",
			Help: "AUTH decisions accepted by the outbox queue.",
		}),
		OutboxDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_outbox_dropped_total",
			Help: "Oldest pending records dropped because the queue was full.",
		}),
		OutboxDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_outbox_queue_depth",
			Help: "Records currently buffered in the in-process outbox queue.",
		}),
		OutboxAppendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_outbox_append_failures_total",
			Help: "Failed stream appends, including retried attempts.",
		}),
		PublishSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_publish_success_total",
			Help: "Decisions published to the event bus and acked.",
		}),
		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_publish_failures_total",
			Help: "Event bus publish attempts that failed.",
		}),
		PublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_publish_latency_seconds",
			Help:    "Synchronous event bus publish latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		PendingReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_outbox_pending_reclaimed_total",
			Help: "Stream entries reclaimed from crashed or stalled consumers.",
		}),
		OutboxLagSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_outbox_lag_seconds",
			Help: "Age of the most recently acked stream entry.",
		}),
		OutboxPendingTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_outbox_pending_total",
			Help: "Delivered-but-unacked entries in the outbox stream.",
		}),
		OutboxOldestIdleMs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engine_outbox_pending_oldest_idle_ms",
			Help: "Idle time of the oldest pending stream entry.",
		}),
	}
}

// NewUnregistered returns metrics on a throwaway registry, for tests.
func NewUnregistered() *EngineMetrics {
	return New(prometheus.NewRegistry())
}
