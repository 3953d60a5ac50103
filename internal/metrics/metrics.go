package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation metrics
var (
	// ReconciliationRunsTotal counts full reconciliation passes by outcome
	// (completed / skipped_overlap / failed).
	ReconciliationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_reconciliation_runs_total",
			Help: "Full reconciliation passes by outcome",
		},
		[]string{"outcome"},
	)

	// ReconciliationDurationSeconds tracks full pass latency
	ReconciliationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsage_reconciliation_duration_seconds",
			Help:    "Full reconciliation pass duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// MembershipOpsTotal counts join/part operations by op and status
	MembershipOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_membership_operations_total",
			Help: "Chat join/part operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// ChangeEventsTotal counts registry change events by type
	ChangeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_registry_change_events_total",
			Help: "Registry change stream events by type",
		},
		[]string{"type"},
	)

	// ChangeEventsDroppedTotal counts change events dropped because the queue was full
	ChangeEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsage_registry_change_events_dropped_total",
			Help: "Registry change events dropped due to a full queue",
		},
	)
)

// Credential metrics
var (
	// TokenRefreshesTotal counts token exchanges by scope (app/user) and status
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_token_refreshes_total",
			Help: "Token exchanges by scope and status",
		},
		[]string{"scope", "status"},
	)

	// TokenRotationWritebackFailures counts refresh-token write-backs that failed
	// after a successful exchange. Every increment means the stored refresh token
	// is stale and the next refresh for that channel will likely fail.
	TokenRotationWritebackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsage_token_rotation_writeback_failures_total",
			Help: "Refresh-token write-back failures after successful rotation",
		},
	)

	// ChannelsNeedingReAuth tracks channels flagged for manual re-authorization
	ChannelsNeedingReAuth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsage_channels_needing_reauth",
			Help: "Channels currently flagged needs_reauth",
		},
	)
)

// Subscription metrics
var (
	// SubscriptionOpsTotal counts webhook subscription operations by op and status
	SubscriptionOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_subscription_operations_total",
			Help: "Webhook subscription operations by operation and status",
		},
		[]string{"operation", "status"},
	)
)

// Ad scheduler metrics
var (
	// AdTimersArmedTotal counts ad-break notification timers armed
	AdTimersArmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsage_ad_timers_armed_total",
			Help: "Ad-break notification timers armed",
		},
	)

	// AdNotificationsFiredTotal counts ad-break notifications delivered
	AdNotificationsFiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsage_ad_notifications_fired_total",
			Help: "Ad-break notifications delivered",
		},
	)
)

// Secret store metrics
var (
	// SecretOpsTotal counts secret store operations by op and status.
	// Labels never include the secret path or value.
	SecretOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_secret_operations_total",
			Help: "Secret store operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// SecretCacheHitsTotal counts secret access layer cache hits and misses
	SecretCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_secret_cache_lookups_total",
			Help: "Secret cache lookups by result (hit/miss)",
		},
		[]string{"result"},
	)
)

// Redis resilience metrics
var (
	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsage_redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)

	// RedisOpsTotal tracks Redis operations by operation and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsage_redis_operations_total",
			Help: "Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// CircuitBreakerState tracks breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsage_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)
