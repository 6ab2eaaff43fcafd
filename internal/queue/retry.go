package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yamato-ai/taskcore/internal/domain"
	"github.com/yamato-ai/taskcore/pkg/telemetry"
)

// RetryInfo is the persisted retry record of a failed task.
type RetryInfo struct {
	RetryCount     int
	ErrorMessage   string
	NextRetryDelay time.Duration
	NextRetryAt    time.Time
	// Task is the denormalized task snapshot captured at failure time,
	// so re-enqueuing does not depend on the task still being cached.
	Task *domain.Task
}

// FailedTask is one dead-letter entry.
type FailedTask struct {
	TaskID       string    `json:"task_id"`
	ErrorMessage string    `json:"error_message"`
	FailedAt     time.Time `json:"failed_at"`
}

// MarkTaskForRetry records a failed attempt for the task and schedules the
// next retry with exponential backoff: BaseRetryDelay * 2^(retries-1), where
// retries is the incremented count. When the incremented count exceeds the
// retry ceiling the task is dead-lettered instead and deadLettered is true.
// A nil backoff override uses the computed delay; a non-nil one pins it.
func (q *Queue) MarkTaskForRetry(ctx context.Context, task *domain.Task, errMsg string, backoff *time.Duration) (deadLettered bool, err error) {
	key := retryKey(task.ID)

	count, err := q.client.HIncrBy(ctx, key, "retry_count", 1).Result()
	if err != nil {
		return false, &domain.QueueError{Op: "mark retry", Err: err}
	}

	if int(count) > q.cfg.MaxRetryCount {
		if err := q.DeadLetter(ctx, task.ID, errMsg); err != nil {
			return false, err
		}
		if err := q.ClearRetry(ctx, task.ID); err != nil {
			q.logger.Warn("retry record cleanup failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
		return true, nil
	}

	delay := q.cfg.BaseRetryDelay * (1 << (count - 1))
	if backoff != nil {
		delay = *backoff
	}
	nextAt := time.Now().UTC().Add(delay)

	snapshot, err := json.Marshal(task)
	if err != nil {
		return false, &domain.QueueError{Op: "mark retry", Err: fmt.Errorf("marshal task %s: %w", task.ID, err)}
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"error_message":    errMsg,
		"next_retry_delay": delay.Seconds(),
		"next_retry_at":    nextAt.Format(time.RFC3339Nano),
		"task":             snapshot,
	})
	pipe.Expire(ctx, key, delay+retryRecordGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, &domain.QueueError{Op: "mark retry", Err: err}
	}

	telemetry.QueueRetriesScheduled.Inc()
	q.publishBestEffort(ctx, EventTaskRetryScheduled, map[string]any{
		"task_id":       task.ID,
		"retry_count":   count,
		"next_retry_at": nextAt.Format(time.RFC3339Nano),
	})

	q.logger.Info("task scheduled for retry",
		slog.String("task_id", task.ID),
		slog.Int64("retry_count", count),
		slog.Duration("delay", delay),
	)
	return false, nil
}

// RetryInfoFor returns the task's retry record, or a *domain.NotFoundError
// when none exists.
func (q *Queue) RetryInfoFor(ctx context.Context, taskID string) (*RetryInfo, error) {
	fields, err := q.client.HGetAll(ctx, retryKey(taskID)).Result()
	if err != nil {
		return nil, &domain.QueueError{Op: "retry info", Err: err}
	}
	if len(fields) == 0 {
		return nil, &domain.NotFoundError{TaskID: taskID}
	}
	return parseRetryRecord(taskID, fields)
}

func parseRetryRecord(taskID string, fields map[string]string) (*RetryInfo, error) {
	info := &RetryInfo{ErrorMessage: fields["error_message"]}

	if v, ok := fields["retry_count"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &domain.QueueError{Op: "retry info", Err: fmt.Errorf("bad retry_count for %s: %w", taskID, err)}
		}
		info.RetryCount = n
	}
	if v, ok := fields["next_retry_delay"]; ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, &domain.QueueError{Op: "retry info", Err: fmt.Errorf("bad next_retry_delay for %s: %w", taskID, err)}
		}
		info.NextRetryDelay = time.Duration(secs * float64(time.Second))
	}
	if v, ok := fields["next_retry_at"]; ok {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, &domain.QueueError{Op: "retry info", Err: fmt.Errorf("bad next_retry_at for %s: %w", taskID, err)}
		}
		info.NextRetryAt = at
	}
	if v, ok := fields["task"]; ok {
		var task domain.Task
		if err := json.Unmarshal([]byte(v), &task); err != nil {
			return nil, &domain.QueueError{Op: "retry info", Err: fmt.Errorf("bad task snapshot for %s: %w", taskID, err)}
		}
		info.Task = &task
	}
	return info, nil
}

// RetryReadyTasks scans retry records and returns those whose next_retry_at
// has passed. Records already handed back to the queue (no next_retry_at
// field) are skipped.
func (q *Queue) RetryReadyTasks(ctx context.Context) (map[string]*RetryInfo, error) {
	ready := make(map[string]*RetryInfo)
	now := time.Now().UTC()

	iter := q.client.Scan(ctx, 0, retryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		taskID := key[len(retryKeyPrefix):]

		fields, err := q.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, &domain.QueueError{Op: "retry ready scan", Err: err}
		}
		if _, ok := fields["next_retry_at"]; !ok {
			continue
		}
		info, err := parseRetryRecord(taskID, fields)
		if err != nil {
			q.logger.Warn("skipping undecodable retry record",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !info.NextRetryAt.After(now) {
			ready[taskID] = info
		}
	}
	if err := iter.Err(); err != nil {
		return nil, &domain.QueueError{Op: "retry ready scan", Err: err}
	}
	return ready, nil
}

// MarkRetryRequeued marks the task's retry record as handed back to the
// queue. The retry count is kept so a subsequent failure keeps escalating
// toward the dead-letter ceiling.
func (q *Queue) MarkRetryRequeued(ctx context.Context, taskID string) error {
	if err := q.client.HDel(ctx, retryKey(taskID), "next_retry_at").Err(); err != nil {
		return &domain.QueueError{Op: "mark requeued", Err: err}
	}
	return nil
}

// ClearRetry removes the task's retry record entirely, typically after a
// successful attempt.
func (q *Queue) ClearRetry(ctx context.Context, taskID string) error {
	if err := q.client.Del(ctx, retryKey(taskID)).Err(); err != nil {
		return &domain.QueueError{Op: "clear retry", Err: err}
	}
	return nil
}

// DeadLetter appends the task to the dead-letter list and publishes a
// task_failed event. Dead-lettered tasks are never retried automatically.
func (q *Queue) DeadLetter(ctx context.Context, taskID, errMsg string) error {
	entry := FailedTask{
		TaskID:       taskID,
		ErrorMessage: errMsg,
		FailedAt:     time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return &domain.QueueError{Op: "dead letter", Err: err}
	}
	if err := q.client.LPush(ctx, failedListKey, data).Err(); err != nil {
		return &domain.QueueError{Op: "dead letter", Err: err}
	}

	telemetry.QueueDeadLettered.Inc()
	q.publishBestEffort(ctx, EventTaskFailed, map[string]any{
		"task_id":       taskID,
		"error_message": errMsg,
	})

	q.logger.Error("task dead-lettered",
		slog.String("task_id", taskID),
		slog.String("error_message", errMsg),
	)
	return nil
}

// FailedTasks returns up to limit dead-letter entries, most recent first.
// A limit <= 0 returns all of them.
func (q *Queue) FailedTasks(ctx context.Context, limit int) ([]FailedTask, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	entries, err := q.client.LRange(ctx, failedListKey, 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, &domain.QueueError{Op: "failed tasks", Err: err}
	}

	out := make([]FailedTask, 0, len(entries))
	for _, raw := range entries {
		var ft FailedTask
		if err := json.Unmarshal([]byte(raw), &ft); err != nil {
			q.logger.Warn("skipping undecodable dead-letter entry",
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, ft)
	}
	return out, nil
}
