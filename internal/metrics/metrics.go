package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Payments core counters and histograms, partitioned by network.

var (
	// Lifecycle
	LifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Committed payment status transitions",
	}, []string{"network", "from", "to"})

	LifecycleRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "lifecycle",
		Name:      "rejected_total",
		Help:      "Lifecycle operations rejected before any write",
	}, []string{"network", "operation", "reason"})

	LifecycleSubmitAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "lifecycle",
		Name:      "submit_attempts_total",
		Help:      "Ledger submission attempts including retries",
	}, []string{"network"})

	LifecycleSubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lumenpay",
		Subsystem: "lifecycle",
		Name:      "submit_duration_seconds",
		Help:      "End-to-end submit duration including retries",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"network"})

	// Ledger client
	LedgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "ledger",
		Name:      "calls_total",
		Help:      "Ledger client calls by method and outcome",
	}, []string{"network", "method", "status"})

	LedgerRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "ledger",
		Name:      "rate_limit_waits_total",
		Help:      "Total times ledger calls waited for the rate limiter",
	}, []string{"network"})

	LedgerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lumenpay",
		Subsystem: "ledger",
		Name:      "circuit_state",
		Help:      "Ledger circuit breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"network"})

	// Indexer
	IndexerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "cycles_total",
		Help:      "Indexer cycles executed",
	}, []string{"network", "source"})

	IndexerCycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "cycle_errors_total",
		Help:      "Indexer cycles that ended with an error",
	}, []string{"network", "source"})

	IndexerSkippedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "skipped_ticks_total",
		Help:      "Ticks skipped because a cycle was still in flight",
	}, []string{"network", "source"})

	IndexerRecordsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "records_inserted_total",
		Help:      "Discovered payment records inserted",
	}, []string{"network", "direction"})

	IndexerDuplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "duplicates_skipped_total",
		Help:      "Ledger payments skipped because their hash was already recorded",
	}, []string{"network"})

	IndexerForeignSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "foreign_skipped_total",
		Help:      "Ledger payments skipped because no known wallet was involved",
	}, []string{"network"})

	IndexerCycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "cycle_duration_seconds",
		Help:      "Indexer cycle duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"network", "source"})

	IndexerCursorSequence = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "cursor_sequence",
		Help:      "Current persisted cursor sequence",
	}, []string{"network", "source"})

	IndexerConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lumenpay",
		Subsystem: "indexer",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive failed indexer cycles",
	}, []string{"network", "source"})

	// Wallet index
	WalletIndexHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "walletindex",
		Name:      "lookups_total",
		Help:      "Wallet lookups by tier that answered",
	}, []string{"network", "tier"})

	// Dispatch
	DispatchDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "dispatch",
		Name:      "deliveries_total",
		Help:      "Post-commit event deliveries by subscriber and outcome",
	}, []string{"subscriber", "status"})

	DispatchDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "dispatch",
		Name:      "dropped_total",
		Help:      "Events dropped because a queue was full or the dispatcher had stopped",
	}, []string{"kind"})

	// Confirmer
	ConfirmerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "confirmer",
		Name:      "runs_total",
		Help:      "Confirmer runs executed",
	}, []string{"network"})

	ConfirmerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "confirmer",
		Name:      "outcomes_total",
		Help:      "Confirm outcomes per processing record",
	}, []string{"network", "outcome"})

	// API
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the shared rate limiter",
	}, []string{"route"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumenpay",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumenpay",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lumenpay",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lumenpay",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
