// Package sweeper re-enqueues tasks whose scheduled retry has come due.
// One leader-elected instance per deployment sweeps; followers stay idle
// until the leader's lease lapses.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yamato-ai/taskcore/internal/domain"
	"github.com/yamato-ai/taskcore/internal/queue"
	"github.com/yamato-ai/taskcore/pkg/telemetry"
)

// RetryQueue is the slice of the priority queue the sweeper drives.
// *queue.Queue satisfies it.
type RetryQueue interface {
	RetryReadyTasks(ctx context.Context) (map[string]*queue.RetryInfo, error)
	Enqueue(ctx context.Context, task *domain.Task, ttl time.Duration) error
	MarkRetryRequeued(ctx context.Context, taskID string) error
	DeadLetter(ctx context.Context, taskID, errMsg string) error
	CleanupExpired(ctx context.Context) (int, error)
}

// Elector decides whether this instance currently leads the deployment.
type Elector interface {
	AcquireOrRenew(ctx context.Context) bool
}

// Sweeper polls for due retries on a cron schedule.
type Sweeper struct {
	queue    RetryQueue
	elector  Elector
	schedule cron.Schedule
	logger   *slog.Logger
}

// New parses the standard cron expression and builds a sweeper.
func New(q RetryQueue, elector Elector, cronExpr string, logger *slog.Logger) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		queue:    q,
		elector:  elector,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Run ticks on the cron schedule until the context ends. A tick on a
// non-leader instance is a no-op.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started")
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-timer.C:
		}
		s.Tick(ctx)
	}
}

// Tick performs one sweep if this instance leads.
func (s *Sweeper) Tick(ctx context.Context) {
	if !s.elector.AcquireOrRenew(ctx) {
		return
	}
	telemetry.SweeperRunsTotal.Inc()

	if removed, err := s.queue.CleanupExpired(ctx); err != nil {
		s.logger.Error("expired entry cleanup failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		s.logger.Info("expired entries cleaned up", slog.Int("removed", removed))
	}

	ready, err := s.queue.RetryReadyTasks(ctx)
	if err != nil {
		s.logger.Error("retry scan failed", slog.String("error", err.Error()))
		return
	}
	if len(ready) == 0 {
		return
	}

	for taskID, info := range ready {
		s.requeue(ctx, taskID, info)
	}
}

func (s *Sweeper) requeue(ctx context.Context, taskID string, info *queue.RetryInfo) {
	log := s.logger.With(
		slog.String("task_id", taskID),
		slog.Int("retry_count", info.RetryCount),
	)

	if info.Task == nil {
		// Without a snapshot the task cannot be re-enqueued; give up on it.
		if err := s.queue.DeadLetter(ctx, taskID, "retry record has no task snapshot"); err != nil {
			log.Error("failed to dead-letter snapshotless retry", slog.String("error", err.Error()))
			return
		}
		if err := s.queue.MarkRetryRequeued(ctx, taskID); err != nil {
			log.Warn("failed to settle retry record", slog.String("error", err.Error()))
		}
		return
	}

	if err := s.queue.Enqueue(ctx, info.Task, 0); err != nil {
		var full *domain.QueueFullError
		if errors.As(err, &full) {
			// Leave the record alone; the next sweep retries the enqueue.
			log.Warn("queue full, deferring retry", slog.String("error", err.Error()))
			return
		}
		log.Error("failed to re-enqueue task", slog.String("error", err.Error()))
		return
	}

	// Settle the record after the enqueue so a crash in between re-enqueues
	// rather than losing the task. The retry count survives for escalation.
	if err := s.queue.MarkRetryRequeued(ctx, taskID); err != nil {
		log.Warn("failed to settle retry record", slog.String("error", err.Error()))
	}

	telemetry.SweeperRequeuedTotal.Inc()
	log.Info("task re-enqueued for retry")
}
