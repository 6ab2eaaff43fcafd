// Package manager coordinates the task lifecycle over the hybrid store:
// a Redis cache for hot reads and Postgres as the source of truth. Writes
// land in the durable store first; the cache is a best-effort accelerator
// whose failures never break an operation that the durable store accepted.
package manager

import (
	"context"
	"errors"
	"log/slog"

	"github.com/yamato-ai/taskcore/internal/domain"
	"github.com/yamato-ai/taskcore/internal/postgres"
	"github.com/yamato-ai/taskcore/internal/redis"
	"github.com/yamato-ai/taskcore/pkg/telemetry"
)

// Manager owns task CRUD and lifecycle transitions.
type Manager struct {
	cache  redis.TaskCache
	repo   postgres.TaskRepository
	logger *slog.Logger
}

func New(cache redis.TaskCache, repo postgres.TaskRepository, logger *slog.Logger) *Manager {
	return &Manager{cache: cache, repo: repo, logger: logger}
}

// CreateTaskInput carries the caller-supplied fields of a new task.
// Zero values fall back to defaults: status pending, priority medium.
type CreateTaskInput struct {
	Title       string
	Description string
	Status      domain.Status
	Priority    domain.Priority
	AgentID     string
	ChannelID   string
	Metadata    domain.Metadata
}

// CreateTask validates and persists a new task. The durable write must
// succeed; a cache write failure is logged and suppressed.
func (m *Manager) CreateTask(ctx context.Context, in CreateTaskInput) (*domain.Task, error) {
	task := domain.NewTask(in.Title, in.Description)
	if in.Status != "" {
		task.Status = in.Status
	}
	if in.Priority != "" {
		task.Priority = in.Priority
	}
	task.AgentID = in.AgentID
	task.ChannelID = in.ChannelID
	if in.Metadata != nil {
		task.Metadata = in.Metadata
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	if err := m.repo.Upsert(ctx, task); err != nil {
		return nil, &domain.TaskError{Op: "create", Err: err}
	}
	m.cachePut(ctx, task)

	telemetry.ManagerTasksCreated.Inc()
	m.logger.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("priority", string(task.Priority)),
		slog.String("channel_id", task.ChannelID),
	)
	return task, nil
}

// GetTask resolves a task cache-first. Cache misses and cache errors both
// fall through to the durable store; a durable hit repopulates the cache.
// Negative results are never cached.
func (m *Manager) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := m.cache.Get(ctx, id)
	if err == nil {
		telemetry.ManagerCacheHits.Inc()
		return task, nil
	}

	var notFound *domain.NotFoundError
	if errors.As(err, &notFound) {
		telemetry.ManagerCacheMisses.Inc()
	} else {
		telemetry.ManagerCacheErrors.Inc()
		m.logger.Warn("cache read failed, falling back to durable store",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}

	task, err = m.repo.GetByID(ctx, id)
	if err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, &domain.QueryError{Op: "get task", Err: err}
	}
	m.cachePut(ctx, task)
	return task, nil
}

// GetTasksByStatus lists tasks in the given status, oldest first. List
// queries read the durable store only.
func (m *Manager) GetTasksByStatus(ctx context.Context, status domain.Status) ([]*domain.Task, error) {
	if !status.Valid() {
		return nil, &domain.ValidationError{Field: "status", Reason: "unknown status " + string(status)}
	}
	tasks, err := m.repo.ListByStatus(ctx, status)
	if err != nil {
		return nil, &domain.QueryError{Op: "list by status", Err: err}
	}
	return tasks, nil
}

func (m *Manager) GetTasksByAgent(ctx context.Context, agentID string) ([]*domain.Task, error) {
	tasks, err := m.repo.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, &domain.QueryError{Op: "list by agent", Err: err}
	}
	return tasks, nil
}

func (m *Manager) GetTasksByChannel(ctx context.Context, channelID string) ([]*domain.Task, error) {
	tasks, err := m.repo.ListByChannel(ctx, channelID)
	if err != nil {
		return nil, &domain.QueryError{Op: "list by channel", Err: err}
	}
	return tasks, nil
}

// GetActiveTaskByChannel returns the oldest pending or in-progress task
// bound to the channel, or *domain.NotFoundError when none exists.
func (m *Manager) GetActiveTaskByChannel(ctx context.Context, channelID string) (*domain.Task, error) {
	return m.repo.GetActiveByChannel(ctx, channelID)
}

// UpdateFields names the task fields an update may change. Nil pointers
// leave the field alone. Reopen must be set to move a task out of a
// terminal status back to pending; any other transition out of a terminal
// status is rejected.
type UpdateFields struct {
	Title       *string
	Description *string
	Status      *domain.Status
	Priority    *domain.Priority
	AgentID     *string
	ChannelID   *string
	Metadata    domain.Metadata
	Reopen      bool
}

// UpdateTask applies a partial update to the task, bumps updated_at, and
// writes through both stores. Metadata, when present, replaces the task's
// metadata wholesale; use UpdateTaskMetadata for a merge.
func (m *Manager) UpdateTask(ctx context.Context, id string, fields UpdateFields) (*domain.Task, error) {
	task, err := m.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if fields.Status != nil && task.Status.IsTerminal() && *fields.Status != task.Status {
		if !(fields.Reopen && *fields.Status == domain.StatusPending) {
			return nil, &domain.ValidationError{
				Field:  "status",
				Reason: "cannot leave terminal status " + string(task.Status),
			}
		}
	}

	if fields.Title != nil {
		task.Title = *fields.Title
	}
	if fields.Description != nil {
		task.Description = *fields.Description
	}
	if fields.Status != nil {
		task.Status = *fields.Status
	}
	if fields.Priority != nil {
		task.Priority = *fields.Priority
	}
	if fields.AgentID != nil {
		task.AgentID = *fields.AgentID
	}
	if fields.ChannelID != nil {
		task.ChannelID = *fields.ChannelID
	}
	if fields.Metadata != nil {
		task.Metadata = fields.Metadata
	}
	task.Touch()

	if err := task.Validate(); err != nil {
		return nil, err
	}

	if err := m.repo.Upsert(ctx, task); err != nil {
		return nil, &domain.TaskError{Op: "update", Err: err}
	}
	m.cachePut(ctx, task)

	m.logger.Info("task updated",
		slog.String("task_id", task.ID),
		slog.String("status", string(task.Status)),
	)
	return task, nil
}

// UpdateTaskMetadata shallow-merges partial into the task's metadata. Keys
// in partial win; other keys are kept.
func (m *Manager) UpdateTaskMetadata(ctx context.Context, id string, partial domain.Metadata) (*domain.Task, error) {
	task, err := m.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.UpdateTask(ctx, id, UpdateFields{Metadata: task.Metadata.Merge(partial)})
}

// DeleteTask removes the task from both stores. The durable delete decides
// the outcome; a cache delete failure is logged and suppressed.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	if err := m.repo.Delete(ctx, id); err != nil {
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			return err
		}
		return &domain.TaskError{Op: "delete", Err: err}
	}
	if err := m.cache.Delete(ctx, id); err != nil {
		m.logger.Warn("cache delete failed",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("task deleted", slog.String("task_id", id))
	return nil
}

// SoftDeleteTask cancels the task instead of removing it, keeping the
// record queryable.
func (m *Manager) SoftDeleteTask(ctx context.Context, id string) (*domain.Task, error) {
	cancelled := domain.StatusCancelled
	return m.UpdateTask(ctx, id, UpdateFields{Status: &cancelled})
}

// BulkDeleteTasks deletes each listed task and returns how many existed.
// Unknown IDs are skipped, not errors.
func (m *Manager) BulkDeleteTasks(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		err := m.DeleteTask(ctx, id)
		if err == nil {
			deleted++
			continue
		}
		var notFound *domain.NotFoundError
		if errors.As(err, &notFound) {
			continue
		}
		return deleted, err
	}
	return deleted, nil
}

// Statistics summarizes durable task counts by status.
type Statistics struct {
	Total    int                   `json:"total"`
	ByStatus map[domain.Status]int `json:"by_status"`
}

// Statistics counts tasks per status, reporting zero for absent statuses.
func (m *Manager) Statistics(ctx context.Context) (Statistics, error) {
	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, &domain.QueryError{Op: "statistics", Err: err}
	}

	stats := Statistics{ByStatus: make(map[domain.Status]int, len(domain.Statuses()))}
	for _, s := range domain.Statuses() {
		stats.ByStatus[s] = counts[s]
		stats.Total += counts[s]
	}
	return stats, nil
}

// Health reports per-store connectivity. Status is healthy when both
// stores respond, degraded when only the durable store does, unhealthy
// otherwise. A reachable cache with no durable store is unhealthy.
type Health struct {
	CacheOK   bool   `json:"cache_ok"`
	DurableOK bool   `json:"durable_ok"`
	Status    string `json:"status"`
}

func (m *Manager) HealthCheck(ctx context.Context) Health {
	h := Health{}
	if err := m.cache.Ping(ctx); err == nil {
		h.CacheOK = true
	} else {
		m.logger.Warn("cache ping failed", slog.String("error", err.Error()))
	}
	if err := m.repo.Ping(ctx); err == nil {
		h.DurableOK = true
	} else {
		m.logger.Warn("durable store ping failed", slog.String("error", err.Error()))
	}

	switch {
	case h.CacheOK && h.DurableOK:
		h.Status = "healthy"
	case h.DurableOK:
		h.Status = "degraded"
	default:
		h.Status = "unhealthy"
	}
	return h
}

func (m *Manager) cachePut(ctx context.Context, task *domain.Task) {
	if err := m.cache.Put(ctx, task); err != nil {
		telemetry.ManagerCacheErrors.Inc()
		m.logger.Warn("cache write failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}
