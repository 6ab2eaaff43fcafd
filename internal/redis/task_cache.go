package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/yamato-ai/taskcore/internal/domain"
)

// tasksHashKey is the hash holding the serialized record for every cached
// task, keyed by task ID.
const tasksHashKey = "tasks"

// TaskCache is the fast, best-effort replica of task records. The durable
// store remains authoritative; a cache failure only degrades read latency.
type TaskCache interface {
	Put(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, taskID string) (*domain.Task, error)
	Delete(ctx context.Context, taskID string) error
	Ping(ctx context.Context) error
}

type taskCache struct {
	client *redis.Client
}

// NewTaskCache creates a Redis-backed TaskCache.
func NewTaskCache(client *redis.Client) TaskCache {
	return &taskCache{client: client}
}

func (c *taskCache) Put(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	if err := c.client.HSet(ctx, tasksHashKey, task.ID, data).Err(); err != nil {
		return fmt.Errorf("redis cache put %s: %w", task.ID, err)
	}
	return nil
}

// Get returns the cached record, or *domain.NotFoundError on a cache miss.
// Infrastructure errors are returned as-is so the caller can fall back to
// the durable store.
func (c *taskCache) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := c.client.HGet(ctx, tasksHashKey, taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.NotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis cache get %s: %w", taskID, err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal cached task %s: %w", taskID, err)
	}
	return &task, nil
}

func (c *taskCache) Delete(ctx context.Context, taskID string) error {
	if err := c.client.HDel(ctx, tasksHashKey, taskID).Err(); err != nil {
		return fmt.Errorf("redis cache delete %s: %w", taskID, err)
	}
	return nil
}

func (c *taskCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
