package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch metrics

	// DispatchMessagesProcessed tracks total messages by outcome
	DispatchMessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "dispatch",
			Name:      "messages_processed_total",
			Help:      "Total messages processed by the service loop",
		},
		[]string{"queue", "outcome"}, // outcome: handled, rejected, failed, dropped, recycled, too_old
	)

	// DispatchHandlerDuration tracks handler invocation duration
	DispatchHandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "landform",
			Subsystem: "dispatch",
			Name:      "handler_duration_seconds",
			Help:      "Wall-clock time spent inside the handler",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300, 600},
		},
		[]string{"queue"},
	)

	// DispatchHandlersKilled tracks handlers cancelled for overrunning the budget
	DispatchHandlersKilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "dispatch",
			Name:      "handlers_killed_total",
			Help:      "Total handlers killed after exceeding the wall-clock budget",
		},
	)

	// DispatchLoopErrors tracks per-iteration errors caught at the loop top
	DispatchLoopErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "dispatch",
			Name:      "loop_errors_total",
			Help:      "Total errors caught at the top of the service-loop iteration",
		},
	)

	// Heartbeat metrics

	// HeartbeatExtensions tracks visibility lease extensions
	HeartbeatExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "heartbeat",
			Name:      "extensions_total",
			Help:      "Total visibility lease extensions",
		},
		[]string{"result"}, // result: ok, expired, error
	)

	// HeartbeatPeriodOverruns tracks heartbeat periods that exceeded the visibility timeout
	HeartbeatPeriodOverruns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "heartbeat",
			Name:      "period_overruns_total",
			Help:      "Heartbeat periods that exceeded the visibility timeout",
		},
	)

	// Watchdog metrics

	// WatchdogFreeMemory tracks the last sampled free memory
	WatchdogFreeMemory = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "landform",
			Subsystem: "watchdog",
			Name:      "free_memory_bytes",
			Help:      "Free system memory at the last watchdog sample",
		},
	)

	// WatchdogThresholdBreaches tracks threshold breaches by severity
	WatchdogThresholdBreaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "watchdog",
			Name:      "threshold_breaches_total",
			Help:      "Watchdog memory threshold breaches",
		},
		[]string{"severity"}, // severity: warn, cleanup, abort
	)

	// WatchdogProcessRestarts tracks auxiliary process restarts
	WatchdogProcessRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "watchdog",
			Name:      "process_restarts_total",
			Help:      "Auxiliary process restarts issued by the watchdog",
		},
		[]string{"process"},
	)

	// Credential metrics

	// CredentialRefreshes tracks credential refresh attempts
	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "credentials",
			Name:      "refreshes_total",
			Help:      "Credential refresh attempts",
		},
		[]string{"result"}, // result: ok, failed, lock_timeout
	)

	// Queue metrics

	// QueueMessagesEnqueued tracks messages enqueued
	QueueMessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "queue",
			Name:      "messages_enqueued_total",
			Help:      "Total messages enqueued",
		},
		[]string{"queue"},
	)

	// QueueMessagesDequeued tracks messages received
	QueueMessagesDequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "queue",
			Name:      "messages_dequeued_total",
			Help:      "Total messages received from the queue",
		},
		[]string{"queue"},
	)

	// Lifecycle metrics

	// LifecycleIdleEvents tracks idle-event emissions
	LifecycleIdleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "landform",
			Subsystem: "lifecycle",
			Name:      "idle_events_total",
			Help:      "Idle marker emissions while idle-committed",
		},
	)

	// LifecycleShutdownInitiated reports whether idle shutdown has been initiated
	LifecycleShutdownInitiated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "landform",
			Subsystem: "lifecycle",
			Name:      "shutdown_initiated",
			Help:      "1 once the idle-shutdown method has been initiated",
		},
	)
)
