package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adagate/adagate/observability"
)

const metricsSubsystem = "gateway"

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "sessions_active",
			Help:      "Number of currently connected client sessions",
		},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_total",
			Help:      "Total client messages processed by tier and method kind",
		},
		[]string{"tier", "kind"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rate_limited_total",
			Help:      "Total messages rejected by the tier rate limiter",
		},
		[]string{"tier"},
	)

	protocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "protocol_errors_total",
			Help:      "Total malformed client messages rejected before classification",
		},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cache_hits_total",
			Help:      "Total cacheable requests served from the response cache",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cache_misses_total",
			Help:      "Total cacheable requests that went upstream",
		},
	)

	upstreamDisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "upstream_disconnects_total",
			Help:      "Total dedicated upstream connections that dropped under an active session",
		},
	)

	usageReportsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "usage_reports_submitted_total",
			Help:      "Total usage reports handed to the billing reporter, by partial flag",
		},
		[]string{"partial"},
	)

	billingReportsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "billing_reports_sent_total",
			Help:      "Total usage reports accepted by the billing collector",
		},
	)

	billingReportFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "billing_report_failures_total",
			Help:      "Total usage reports dropped after a failed collector delivery",
		},
	)
)
