package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Task Manager ────────────────────────────────────────────────────────────

	ManagerTasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "manager",
		Name:      "tasks_created_total",
		Help:      "Total tasks created.",
	})

	ManagerCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "manager",
		Name:      "cache_hits_total",
		Help:      "Task reads served from the cache store.",
	})

	ManagerCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "manager",
		Name:      "cache_misses_total",
		Help:      "Task reads that fell through to the durable store.",
	})

	ManagerCacheErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "manager",
		Name:      "cache_errors_total",
		Help:      "Suppressed cache-store failures (reads and writes).",
	})

	// ─── Priority Work Queue ─────────────────────────────────────────────────────

	QueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total tasks enqueued, labelled by priority level.",
	}, []string{"priority"})

	QueueDequeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "queue",
		Name:      "dequeued_total",
		Help:      "Total tasks dequeued, labelled by priority level.",
	}, []string{"priority"})

	QueueRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "queue",
		Name:      "rejected_total",
		Help:      "Enqueue attempts rejected at capacity, labelled by scope (global or channel).",
	}, []string{"scope"})

	QueueRetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "queue",
		Name:      "retries_scheduled_total",
		Help:      "Total retry records written with a future attempt time.",
	})

	QueueDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Total tasks moved to the dead-letter list.",
	})

	QueueEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "queue",
		Name:      "events_published_total",
		Help:      "Total pub/sub events published, labelled by event type.",
	}, []string{"event"})

	// ─── Runner ──────────────────────────────────────────────────────────────────

	RunnerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskcore",
		Subsystem: "runner",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	})

	RunnerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "runner",
		Name:      "tasks_processed_total",
		Help:      "Total tasks processed, labelled by outcome (completed, retry, dead).",
	}, []string{"outcome"})

	RunnerTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskcore",
		Subsystem: "runner",
		Name:      "task_duration_seconds",
		Help:      "End-to-end handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// ─── Sweeper ─────────────────────────────────────────────────────────────────

	SweeperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "sweeper",
		Name:      "runs_total",
		Help:      "Total sweep passes executed while holding leadership.",
	})

	SweeperRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "sweeper",
		Name:      "requeued_total",
		Help:      "Total retry-ready tasks re-enqueued by the sweeper.",
	})

	// ─── Event bridge ────────────────────────────────────────────────────────────

	BridgeEventsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "bridge",
		Name:      "events_forwarded_total",
		Help:      "Queue events republished to Kafka, labelled by event type.",
	}, []string{"event"})

	// ─── HTTP API ────────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks accepted through the HTTP API, labelled by priority.",
	}, []string{"priority"})

	APIRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskcore",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Total submissions rejected by the per-channel rate limiter.",
	})
)
