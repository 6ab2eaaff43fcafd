package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yamato-ai/taskcore/internal/domain"
)

const taskColumns = `id, title, description, status, priority, agent_id, channel_id,
	       created_at, updated_at, metadata`

// TaskRepository abstracts all durable-store access for task records.
// This is the authoritative copy; every write must succeed here or the
// whole operation fails.
type TaskRepository interface {
	Upsert(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	GetActiveByChannel(ctx context.Context, channelID string) (*domain.Task, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Task, error)
	ListByAgent(ctx context.Context, agentID string) ([]*domain.Task, error)
	ListByChannel(ctx context.Context, channelID string) ([]*domain.Task, error)
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	Ping(ctx context.Context) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Upsert inserts the record or, on ID conflict, overwrites every mutable
// column. create and update share this single write path.
func (r *repository) Upsert(ctx context.Context, task *domain.Task) error {
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", task.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, title, description, status, priority, agent_id, channel_id, created_at, updated_at, metadata)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			title       = EXCLUDED.title,
			description = EXCLUDED.description,
			status      = EXCLUDED.status,
			priority    = EXCLUDED.priority,
			agent_id    = EXCLUDED.agent_id,
			channel_id  = EXCLUDED.channel_id,
			updated_at  = EXCLUDED.updated_at,
			metadata    = EXCLUDED.metadata
	`,
		task.ID, task.Title, task.Description, string(task.Status), string(task.Priority),
		nullIfEmpty(task.AgentID), nullIfEmpty(task.ChannelID),
		task.CreatedAt, task.UpdatedAt, meta,
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1
	`, id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

// GetActiveByChannel returns the oldest still-active task bound to the
// channel, for collaborator single-result lookups.
func (r *repository) GetActiveByChannel(ctx context.Context, channelID string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE channel_id = $1 AND status IN ('pending', 'in_progress')
		ORDER BY created_at ASC
		LIMIT 1
	`, channelID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{TaskID: "active:" + channelID}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status) ([]*domain.Task, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = $1
		ORDER BY created_at ASC
	`, string(status))
}

func (r *repository) ListByAgent(ctx context.Context, agentID string) ([]*domain.Task, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE agent_id = $1
		ORDER BY created_at ASC
	`, agentID)
}

func (r *repository) ListByChannel(ctx context.Context, channelID string) ([]*domain.Task, error) {
	return r.list(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE channel_id = $1
		ORDER BY created_at ASC
	`, channelID)
}

func (r *repository) list(ctx context.Context, query string, arg any) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Delete removes the row. Returns *domain.NotFoundError when no row matched.
func (r *repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{TaskID: id}
	}
	return nil
}

func (r *repository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM tasks
		GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var (
		task               domain.Task
		status, priority   string
		agentID, channelID *string
		meta               []byte
	)
	err := row.Scan(
		&task.ID, &task.Title, &task.Description, &status, &priority,
		&agentID, &channelID, &task.CreatedAt, &task.UpdatedAt, &meta,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	task.Priority = domain.Priority(priority)
	if agentID != nil {
		task.AgentID = *agentID
	}
	if channelID != nil {
		task.ChannelID = *channelID
	}
	task.Metadata = domain.Metadata{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &task.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", task.ID, err)
		}
	}
	return &task, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
