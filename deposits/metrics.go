package deposits

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adagate/adagate/observability"
)

const metricsSubsystem = "deposits"

var (
	passesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "passes_total",
			Help:      "Total settlement passes by outcome (completed, empty, skipped)",
		},
		[]string{"outcome"},
	)

	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pass_duration_seconds",
			Help:      "Duration of completed settlement passes",
			Buckets:   observability.FineGrainedLatencyBuckets,
		},
	)

	paymentsConfirmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "payments_confirmed_total",
			Help:      "Total payments settled and credited",
		},
	)

	paymentsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "payments_expired_total",
			Help:      "Total payments expired without a deposit",
		},
	)

	paymentErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "payment_errors_total",
			Help:      "Total per-payment settlement failures",
		},
	)

	creditsSettled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: observability.MetricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "credits_settled_total",
			Help:      "Total credits added to user balances by settlement",
		},
	)
)
