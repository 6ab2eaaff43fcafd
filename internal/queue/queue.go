// Package queue implements the priority work queue on top of Redis: one
// FIFO list per priority level, isolated per-agent sub-queues, TTL-bounded
// entries, retry bookkeeping with exponential backoff, a dead-letter list,
// and a pub/sub event side-channel.
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

const (
	queueKeyPrefix   = "tasks_queue:"
	agentKeyPrefix   = "agent_queue:"
	retryKeyPrefix   = "task_retry:"
	entryKeyPrefix   = "task:"
	failedListKey    = "failed_tasks"
	channelLimitsKey = "channel_limits"
	channelCountsKey = "channel_counts"

	// retryRecordGrace pads the retry record's TTL beyond the backoff delay
	// so the record survives until the sweeper picks it up.
	retryRecordGrace = time.Hour
)

func levelKey(p domain.Priority) string { return queueKeyPrefix + string(p) }
func agentKey(agentID string) string    { return agentKeyPrefix + agentID }
func retryKey(taskID string) string     { return retryKeyPrefix + taskID }
func entryKey(taskID string) string     { return entryKeyPrefix + taskID }

// Config controls queue capacity and retry behaviour.
type Config struct {
	// MaxSize caps the sum of all priority-level list sizes.
	MaxSize int
	// DefaultTTL bounds the lifetime of an enqueued entry when the caller
	// does not pass one.
	DefaultTTL time.Duration
	// MaxRetryCount is the retry ceiling; exceeding it dead-letters the task.
	MaxRetryCount int
	// BaseRetryDelay is the backoff base: delay = base * 2^(retries-1).
	BaseRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = 3
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = time.Second
	}
	return c
}

// Queue is the priority work queue. Safe for concurrent use by any number
// of producers and consumers in any number of processes sharing the same
// Redis instance; correctness relies on the atomicity of the underlying
// list and hash commands, not on process-local locks.
type Queue struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger

	subs *subscriptions
}

// New creates a Queue on the given Redis client. The client is shared and
// not closed by the queue; Close only releases subscription goroutines.
func New(client *redis.Client, cfg Config, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger,
		subs:   newSubscriptions(),
	}
}

// Close stops all event subscriptions and waits for their goroutines.
func (q *Queue) Close() error {
	return q.subs.close()
}

// Enqueue appends the task to its priority level's list, records its TTL,
// and publishes a task_enqueued event. Fails with *domain.QueueFullError
// when the global capacity or the task's channel cap would be exceeded.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task, ttl time.Duration) error {
	size, err := q.Size(ctx)
	if err != nil {
		return err
	}
	if size >= int64(q.cfg.MaxSize) {
		telemetry.QueueRejectedTotal.WithLabelValues("global").Inc()
		return &domain.QueueFullError{Limit: q.cfg.MaxSize}
	}

	if task.ChannelID != "" {
		if err := q.checkChannelCap(ctx, task.ChannelID); err != nil {
			return err
		}
	}

	data, err := json.Marshal(task)
	if err != nil {
		return &domain.QueueError{Op: "enqueue", Err: fmt.Errorf("marshal task %s: %w", task.ID, err)}
	}
	if ttl <= 0 {
		ttl = q.cfg.DefaultTTL
	}

	pipe := q.client.TxPipeline()
	pipe.LPush(ctx, levelKey(task.Priority), data)
	// The entry key carries the TTL; consumers treat entries past it as absent.
	pipe.Set(ctx, entryKey(task.ID), string(task.Priority), ttl)
	if task.ChannelID != "" {
		pipe.HIncrBy(ctx, channelCountsKey, task.ChannelID, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &domain.QueueError{Op: "enqueue", Err: err}
	}

	telemetry.QueueEnqueuedTotal.WithLabelValues(string(task.Priority)).Inc()
	q.publishBestEffort(ctx, EventTaskEnqueued, map[string]any{
		"task_id":  task.ID,
		"priority": string(task.Priority),
	})

	q.logger.Info("task enqueued",
		slog.String("task_id", task.ID),
		slog.String("priority", string(task.Priority)),
	)
	return nil
}

func (q *Queue) checkChannelCap(ctx context.Context, channelID string) error {
	limitStr, err := q.client.HGet(ctx, channelLimitsKey, channelID).Result()
	if errors.Is(err, redis.Nil) {
		return nil // no cap configured for this channel
	}
	if err != nil {
		return &domain.QueueError{Op: "channel cap lookup", Err: err}
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		return nil
	}

	count, err := q.client.HGet(ctx, channelCountsKey, channelID).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return &domain.QueueError{Op: "channel count lookup", Err: err}
	}
	if count >= limit {
		telemetry.QueueRejectedTotal.WithLabelValues("channel").Inc()
		return &domain.QueueFullError{Scope: channelID, Limit: limit}
	}
	return nil
}

// Dequeue returns the next task honoring priority precedence, FIFO within a
// level. With timeout <= 0 it is a non-blocking scan that fails with
// *domain.QueueEmptyError when every level is empty. With a positive
// timeout it blocks across all four level lists at once: BRPOP checks its
// keys in argument order, so a higher-priority task is always returned
// before a lower-priority one, even under concurrent producers.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Task, error) {
	if timeout <= 0 {
		for _, p := range domain.PriorityLevels() {
			data, err := q.client.RPop(ctx, levelKey(p)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, &domain.QueueError{Op: "dequeue", Err: err}
			}
			return q.afterDequeue(ctx, []byte(data), p)
		}
		return nil, &domain.QueueEmptyError{}
	}

	keys := make([]string, 0, 4)
	for _, p := range domain.PriorityLevels() {
		keys = append(keys, levelKey(p))
	}
	res, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.QueueEmptyError{}
	}
	if err != nil {
		return nil, &domain.QueueError{Op: "dequeue", Err: err}
	}
	// res is [key, value].
	p := domain.Priority(res[0][len(queueKeyPrefix):])
	return q.afterDequeue(ctx, []byte(res[1]), p)
}

func (q *Queue) afterDequeue(ctx context.Context, data []byte, p domain.Priority) (*domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, &domain.QueueError{Op: "dequeue", Err: fmt.Errorf("unmarshal entry: %w", err)}
	}

	if task.ChannelID != "" {
		if err := q.client.HIncrBy(ctx, channelCountsKey, task.ChannelID, -1).Err(); err != nil {
			q.logger.Warn("channel count decrement failed",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	telemetry.QueueDequeuedTotal.WithLabelValues(string(p)).Inc()
	q.publishBestEffort(ctx, EventTaskDequeued, map[string]any{
		"task_id":  task.ID,
		"priority": string(p),
	})

	q.logger.Info("task dequeued",
		slog.String("task_id", task.ID),
		slog.String("priority", string(p)),
	)
	return &task, nil
}

// EnqueueToAgent appends the task to the agent's isolated FIFO sub-queue.
// Agent sub-queues are independent of the priority levels and of each other.
func (q *Queue) EnqueueToAgent(ctx context.Context, task *domain.Task, agentID string) error {
	data, err := json.Marshal(task)
	if err != nil {
		return &domain.QueueError{Op: "enqueue to agent", Err: fmt.Errorf("marshal task %s: %w", task.ID, err)}
	}
	if err := q.client.LPush(ctx, agentKey(agentID), data).Err(); err != nil {
		return &domain.QueueError{Op: "enqueue to agent", Err: err}
	}
	q.logger.Info("task enqueued to agent",
		slog.String("task_id", task.ID),
		slog.String("agent_id", agentID),
	)
	return nil
}

// DequeueFromAgent pops the next task pinned to the agent. Semantics mirror
// Dequeue: non-blocking when timeout <= 0, otherwise a bounded blocking pop.
func (q *Queue) DequeueFromAgent(ctx context.Context, agentID string, timeout time.Duration) (*domain.Task, error) {
	var data string
	if timeout <= 0 {
		var err error
		data, err = q.client.RPop(ctx, agentKey(agentID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, &domain.QueueEmptyError{Queue: "agent:" + agentID}
		}
		if err != nil {
			return nil, &domain.QueueError{Op: "dequeue from agent", Err: err}
		}
	} else {
		res, err := q.client.BRPop(ctx, timeout, agentKey(agentID)).Result()
		if errors.Is(err, redis.Nil) {
			return nil, &domain.QueueEmptyError{Queue: "agent:" + agentID}
		}
		if err != nil {
			return nil, &domain.QueueError{Op: "dequeue from agent", Err: err}
		}
		data = res[1]
	}

	var task domain.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, &domain.QueueError{Op: "dequeue from agent", Err: fmt.Errorf("unmarshal entry: %w", err)}
	}
	return &task, nil
}

// AgentQueueSize returns the number of entries pinned to the agent.
func (q *Queue) AgentQueueSize(ctx context.Context, agentID string) (int64, error) {
	n, err := q.client.LLen(ctx, agentKey(agentID)).Result()
	if err != nil {
		return 0, &domain.QueueError{Op: "agent queue size", Err: err}
	}
	return n, nil
}

// ActiveAgents lists agent IDs with at least one queued entry.
func (q *Queue) ActiveAgents(ctx context.Context) ([]string, error) {
	var agents []string
	iter := q.client.Scan(ctx, 0, agentKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := q.client.LLen(ctx, key).Result()
		if err != nil {
			return nil, &domain.QueueError{Op: "active agents", Err: err}
		}
		if n > 0 {
			agents = append(agents, key[len(agentKeyPrefix):])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, &domain.QueueError{Op: "active agents", Err: err}
	}
	return agents, nil
}

// TasksByChannel scans every priority level and returns the queued tasks
// bound to the channel. Linear in queue size; diagnostic use only.
func (q *Queue) TasksByChannel(ctx context.Context, channelID string) ([]*domain.Task, error) {
	var tasks []*domain.Task
	for _, p := range domain.PriorityLevels() {
		entries, err := q.client.LRange(ctx, levelKey(p), 0, -1).Result()
		if err != nil {
			return nil, &domain.QueueError{Op: "tasks by channel", Err: err}
		}
		for _, raw := range entries {
			var task domain.Task
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				q.logger.Warn("skipping undecodable queue entry",
					slog.String("priority", string(p)),
					slog.String("error", err.Error()),
				)
				continue
			}
			if task.ChannelID == channelID {
				tasks = append(tasks, &task)
			}
		}
	}
	return tasks, nil
}

// SetChannelLimit caps how many outstanding entries for the channel may be
// enqueued concurrently. A limit <= 0 removes the cap.
func (q *Queue) SetChannelLimit(ctx context.Context, channelID string, limit int) error {
	if limit <= 0 {
		if err := q.client.HDel(ctx, channelLimitsKey, channelID).Err(); err != nil {
			return &domain.QueueError{Op: "set channel limit", Err: err}
		}
		return nil
	}
	if err := q.client.HSet(ctx, channelLimitsKey, channelID, limit).Err(); err != nil {
		return &domain.QueueError{Op: "set channel limit", Err: err}
	}
	return nil
}

// TaskExists reports whether the task's queue entry is still within its TTL.
// Entries past their TTL are treated as absent even if a stale list element
// remains; background sweeping is advisory.
func (q *Queue) TaskExists(ctx context.Context, taskID string) (bool, error) {
	n, err := q.client.Exists(ctx, entryKey(taskID)).Result()
	if err != nil {
		return false, &domain.QueueError{Op: "task exists", Err: err}
	}
	return n > 0, nil
}

// TaskTTL returns the remaining lifetime of the task's queue entry.
func (q *Queue) TaskTTL(ctx context.Context, taskID string) (time.Duration, error) {
	ttl, err := q.client.TTL(ctx, entryKey(taskID)).Result()
	if err != nil {
		return 0, &domain.QueueError{Op: "task ttl", Err: err}
	}
	return ttl, nil
}

// ExtendTaskTTL adds extra lifetime to an entry that still has one.
func (q *Queue) ExtendTaskTTL(ctx context.Context, taskID string, extra time.Duration) error {
	ttl, err := q.client.TTL(ctx, entryKey(taskID)).Result()
	if err != nil {
		return &domain.QueueError{Op: "extend task ttl", Err: err}
	}
	if ttl <= 0 {
		return nil // expired or never set; nothing to extend
	}
	if err := q.client.Expire(ctx, entryKey(taskID), ttl+extra).Err(); err != nil {
		return &domain.QueueError{Op: "extend task ttl", Err: err}
	}
	return nil
}

// CleanupExpired removes queued list entries whose TTL key has expired and
// releases their channel counts. Redis expires the entry keys on its own;
// this reclaims the stale list elements they leave behind. Linear in queue
// size. Returns how many entries were removed.
func (q *Queue) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	for _, p := range domain.PriorityLevels() {
		entries, err := q.client.LRange(ctx, levelKey(p), 0, -1).Result()
		if err != nil {
			return removed, &domain.QueueError{Op: "cleanup expired", Err: err}
		}
		for _, raw := range entries {
			var task domain.Task
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				continue
			}
			n, err := q.client.Exists(ctx, entryKey(task.ID)).Result()
			if err != nil {
				return removed, &domain.QueueError{Op: "cleanup expired", Err: err}
			}
			if n > 0 {
				continue
			}
			gone, err := q.client.LRem(ctx, levelKey(p), 1, raw).Result()
			if err != nil {
				return removed, &domain.QueueError{Op: "cleanup expired", Err: err}
			}
			if gone == 0 {
				continue // dequeued concurrently
			}
			if task.ChannelID != "" {
				if err := q.client.HIncrBy(ctx, channelCountsKey, task.ChannelID, -1).Err(); err != nil {
					q.logger.Warn("channel count decrement failed",
						slog.String("task_id", task.ID),
						slog.String("error", err.Error()),
					)
				}
			}
			removed++
			q.logger.Info("expired entry removed",
				slog.String("task_id", task.ID),
				slog.String("priority", string(p)),
			)
		}
	}
	return removed, nil
}

// Size returns the sum of all priority-level list sizes.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, 4)
	for _, p := range domain.PriorityLevels() {
		cmds = append(cmds, pipe.LLen(ctx, levelKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, &domain.QueueError{Op: "size", Err: err}
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// SizeByPriority returns one priority level's list size.
func (q *Queue) SizeByPriority(ctx context.Context, p domain.Priority) (int64, error) {
	n, err := q.client.LLen(ctx, levelKey(p)).Result()
	if err != nil {
		return 0, &domain.QueueError{Op: "size by priority", Err: err}
	}
	return n, nil
}

// Statistics summarizes queue depth and per-agent activity.
type Statistics struct {
	Total        int64                     `json:"total"`
	ByPriority   map[domain.Priority]int64 `json:"by_priority"`
	ActiveAgents int                       `json:"active_agents"`
}

func (q *Queue) Statistics(ctx context.Context) (Statistics, error) {
	stats := Statistics{ByPriority: make(map[domain.Priority]int64, 4)}
	for _, p := range domain.PriorityLevels() {
		n, err := q.SizeByPriority(ctx, p)
		if err != nil {
			return Statistics{}, err
		}
		stats.ByPriority[p] = n
		stats.Total += n
	}
	agents, err := q.ActiveAgents(ctx)
	if err != nil {
		return Statistics{}, err
	}
	stats.ActiveAgents = len(agents)
	return stats, nil
}

// Health reports queue-store connectivity.
type Health struct {
	Connected bool   `json:"connected"`
	QueueSize int64  `json:"queue_size"`
	Status    string `json:"status"`
}

func (q *Queue) HealthCheck(ctx context.Context) Health {
	h := Health{Status: "unhealthy"}
	if err := q.client.Ping(ctx).Err(); err != nil {
		q.logger.Error("queue health check failed", slog.String("error", err.Error()))
		return h
	}
	h.Connected = true
	size, err := q.Size(ctx)
	if err != nil {
		q.logger.Error("queue health check failed", slog.String("error", err.Error()))
		return h
	}
	h.QueueSize = size
	h.Status = "healthy"
	return h
}
