package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission pipeline counters and histograms.

var (
	// Orchestrator
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "orchestrator",
		Name:      "sends_total",
		Help:      "Total send calls by synchronous outcome",
	}, []string{"outcome"})

	SendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "orchestrator",
		Name:      "send_duration_seconds",
		Help:      "Synchronous send path duration (validate, sign, submit, persist)",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	ConfirmationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "orchestrator",
		Name:      "confirmations_total",
		Help:      "Total background confirmation outcomes",
	}, []string{"status"})

	// Fee estimator
	FeeEstimatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "fees",
		Name:      "estimates_total",
		Help:      "Total fee estimations by pricing model",
	}, []string{"model"})

	FeeEstimateFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "fees",
		Name:      "estimate_fallbacks_total",
		Help:      "Total estimations that returned the conservative fallback plan",
	})

	GasHistoryAdjustments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "fees",
		Name:      "gas_history_adjustments_total",
		Help:      "Total gas limits raised from per-recipient usage history",
	})

	// Retry executor
	SubmitAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "submit",
		Name:      "attempts_total",
		Help:      "Total submission attempts by result",
	}, []string{"result"})

	SubmitRetryDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custody",
		Subsystem: "submit",
		Name:      "retry_delay_seconds",
		Help:      "Jittered backoff delays between submission attempts",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 30},
	})

	ReceiptPollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "confirm",
		Name:      "receipt_polls_total",
		Help:      "Total receipt poll attempts by result",
	}, []string{"result"})

	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the client rate limiter",
	})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "custody",
		Subsystem: "rpc",
		Name:      "circuit_breaker_state",
		Help:      "Chain RPC circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// Notification / audit fan-out
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Total notification events by channel and result",
	}, []string{"channel", "result"})

	AuditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Total audit entries by event type",
	}, []string{"event_type"})

	// Operational alerting
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts delivered by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by the cooldown window",
	}, []string{"channel", "type"})

	// Pending-transfer reconciler
	ReconcileSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconcile",
		Name:      "sweeps_total",
		Help:      "Total reconciliation sweeps over stale pending transfers",
	})

	ReconcileOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "custody",
		Subsystem: "reconcile",
		Name:      "outcomes_total",
		Help:      "Total stale pending transfers by sweep outcome",
	}, []string{"outcome"})
)
