// Package runner executes queued tasks. A pool of goroutines blocks on the
// priority queue, resolves each task's handler through the registry, and
// settles the outcome: completed on success, a scheduled queue-level retry
// on failure, or the dead-letter list once retries run out.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yamato-ai/taskcore/internal/domain"
	"github.com/yamato-ai/taskcore/internal/handlers"
	"github.com/yamato-ai/taskcore/internal/manager"
	"github.com/yamato-ai/taskcore/pkg/retry"
	"github.com/yamato-ai/taskcore/pkg/telemetry"
)

// WorkQueue is the slice of the priority queue the runner consumes.
// *queue.Queue satisfies it.
type WorkQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*domain.Task, error)
	MarkTaskForRetry(ctx context.Context, task *domain.Task, errMsg string, backoff *time.Duration) (bool, error)
	ClearRetry(ctx context.Context, taskID string) error
	DeadLetter(ctx context.Context, taskID, errMsg string) error
}

// TaskUpdater records lifecycle transitions in the task store.
// *manager.Manager satisfies it.
type TaskUpdater interface {
	UpdateTask(ctx context.Context, id string, fields manager.UpdateFields) (*domain.Task, error)
}

// Runner is the consumer pool.
type Runner struct {
	queue    WorkQueue
	updater  TaskUpdater
	registry *handlers.Registry

	concurrency    int
	pollTimeout    time.Duration
	handlerTimeout time.Duration
	localRetries   int
	baseDelay      time.Duration
	logger         *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

func WithConcurrency(n int) Option               { return func(r *Runner) { r.concurrency = n } }
func WithPollTimeout(d time.Duration) Option     { return func(r *Runner) { r.pollTimeout = d } }
func WithHandlerTimeout(d time.Duration) Option  { return func(r *Runner) { r.handlerTimeout = d } }
func WithLocalRetries(n int) Option              { return func(r *Runner) { r.localRetries = n } }
func WithBaseDelay(d time.Duration) Option       { return func(r *Runner) { r.baseDelay = d } }
func WithLogger(l *slog.Logger) Option           { return func(r *Runner) { r.logger = l } }

func New(q WorkQueue, updater TaskUpdater, registry *handlers.Registry, opts ...Option) *Runner {
	r := &Runner{
		queue:          q,
		updater:        updater,
		registry:       registry,
		concurrency:    4,
		pollTimeout:    5 * time.Second,
		handlerTimeout: 30 * time.Second,
		localRetries:   2,
		baseDelay:      time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the consumer pool and blocks until the context ends and every
// in-flight task has settled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("runner started", slog.Int("concurrency", r.concurrency))
	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.consumeLoop(ctx)
		}()
	}
	r.wg.Wait()
	r.logger.Info("runner stopped")
	return ctx.Err()
}

// InFlight reports how many tasks are currently executing.
func (r *Runner) InFlight() int64 { return r.inFlight.Load() }

func (r *Runner) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := r.queue.Dequeue(ctx, r.pollTimeout)
		if err != nil {
			var empty *domain.QueueEmptyError
			if errors.As(err, &empty) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", slog.String("error", err.Error()))
			// Back off so a broken queue store does not spin the loop.
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollTimeout):
			}
			continue
		}

		r.process(ctx, task)
	}
}

func (r *Runner) process(ctx context.Context, task *domain.Task) {
	ctx, span := otel.Tracer("runner").Start(ctx, "runner.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.priority", string(task.Priority)),
	)

	log := r.logger.With(
		slog.String("task_id", task.ID),
		slog.String("priority", string(task.Priority)),
	)

	r.inFlight.Add(1)
	telemetry.RunnerTasksInFlight.Inc()
	defer func() {
		telemetry.RunnerTasksInFlight.Dec()
		r.inFlight.Add(-1)
	}()

	h, err := r.registry.Resolve(task)
	if err != nil {
		log.Error("no handler for task", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		r.settleFailure(ctx, task, err, true, log)
		return
	}

	if _, err := r.updater.UpdateTask(ctx, task.ID, statusUpdate(domain.StatusInProgress)); err != nil {
		log.Error("failed to mark task in progress", slog.String("error", err.Error()))
		span.RecordError(err)
	}

	start := time.Now()
	execErr := retry.Do(ctx, retry.Config{
		MaxAttempts: r.localRetries + 1,
		BaseDelay:   r.baseDelay,
		OnRetry: func(attempt int, retryErr error) {
			log.Warn("attempt failed, retrying locally",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func(context.Context) error {
		// A fresh context keeps the handler timeout independent of pool
		// shutdown while child spans stay parented to this task's span.
		execCtx, cancel := context.WithTimeout(
			trace.ContextWithSpan(context.Background(), span),
			r.handlerTimeout,
		)
		defer cancel()
		return h.Handle(execCtx, task)
	})

	duration := time.Since(start)
	telemetry.RunnerTaskDurationSeconds.Observe(duration.Seconds())

	if execErr == nil {
		r.settleSuccess(ctx, task, duration, log)
		return
	}

	log.Error("task failed after local retries",
		slog.String("error", execErr.Error()),
		slog.Duration("duration", duration),
	)
	span.RecordError(execErr)
	span.SetStatus(codes.Error, "task failed")
	r.settleFailure(ctx, task, execErr, false, log)
}

func (r *Runner) settleSuccess(ctx context.Context, task *domain.Task, duration time.Duration, log *slog.Logger) {
	if _, err := r.updater.UpdateTask(ctx, task.ID, statusUpdate(domain.StatusCompleted)); err != nil {
		log.Error("failed to mark task completed", slog.String("error", err.Error()))
	}
	if err := r.queue.ClearRetry(ctx, task.ID); err != nil {
		log.Warn("failed to clear retry record", slog.String("error", err.Error()))
	}
	telemetry.RunnerTasksProcessed.WithLabelValues("completed").Inc()
	log.Info("task completed", slog.Duration("duration", duration))
}

// settleFailure routes a failed task. Unroutable tasks (no handler) go
// straight to the dead-letter list; handler failures get a queue-level
// retry until the ceiling dead-letters them.
func (r *Runner) settleFailure(ctx context.Context, task *domain.Task, taskErr error, unroutable bool, log *slog.Logger) {
	if unroutable {
		if err := r.queue.DeadLetter(ctx, task.ID, taskErr.Error()); err != nil {
			log.Error("failed to dead-letter task", slog.String("error", err.Error()))
		}
		r.markFailed(ctx, task, log)
		telemetry.RunnerTasksProcessed.WithLabelValues("dead_lettered").Inc()
		return
	}

	deadLettered, err := r.queue.MarkTaskForRetry(ctx, task, taskErr.Error(), nil)
	if err != nil {
		log.Error("failed to schedule retry", slog.String("error", err.Error()))
		r.markFailed(ctx, task, log)
		telemetry.RunnerTasksProcessed.WithLabelValues("failed").Inc()
		return
	}
	if deadLettered {
		r.markFailed(ctx, task, log)
		telemetry.RunnerTasksProcessed.WithLabelValues("dead_lettered").Inc()
		return
	}

	// Awaiting a scheduled retry; the task goes back to pending so the
	// sweeper can re-enqueue it.
	if _, err := r.updater.UpdateTask(ctx, task.ID, reopenUpdate()); err != nil {
		log.Error("failed to mark task pending for retry", slog.String("error", err.Error()))
	}
	telemetry.RunnerTasksProcessed.WithLabelValues("retried").Inc()
}

func (r *Runner) markFailed(ctx context.Context, task *domain.Task, log *slog.Logger) {
	if _, err := r.updater.UpdateTask(ctx, task.ID, statusUpdate(domain.StatusFailed)); err != nil {
		log.Error("failed to mark task failed", slog.String("error", err.Error()))
	}
}

func statusUpdate(s domain.Status) manager.UpdateFields {
	return manager.UpdateFields{Status: &s}
}

func reopenUpdate() manager.UpdateFields {
	pending := domain.StatusPending
	return manager.UpdateFields{Status: &pending, Reopen: true}
}
