package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adagate/adagate/observability"
)

const metricsSubsystem = "upstream"

var (
	connsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_open",
			Help:      "Whether the pooled connection to an endpoint is currently open (1) or down (0)",
		},
		[]string{"endpoint"},
	)

	connReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_total",
			Help:      "Total reconnection attempts per endpoint",
		},
		[]string{"endpoint"},
	)

	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "calls_total",
			Help:      "Total request/reply calls issued per endpoint and method",
		},
		[]string{"endpoint", "method"},
	)

	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "call_duration_seconds",
			Help:      "Round-trip latency of request/reply calls per endpoint",
			Buckets:   observability.FineGrainedLatencyBuckets,
		},
		[]string{"endpoint"},
	)

	callTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "call_timeouts_total",
			Help:      "Total calls that timed out waiting for an upstream reply",
		},
		[]string{"endpoint"},
	)

	poolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pool_exhausted_total",
			Help:      "Total requests rejected because no upstream connection was available",
		},
	)

	dedicatedConnsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dedicated_connections_active",
			Help:      "Number of dedicated upstream connections currently pinned to stateful sessions",
		},
	)
)
