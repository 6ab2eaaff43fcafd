package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamato-ai/taskcore/internal/domain"
)

type fakeCache struct {
	tasks   map[string]*domain.Task
	getErr  error
	putErr  error
	delErr  error
	pingErr error
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{tasks: make(map[string]*domain.Task)}
}

func (f *fakeCache) Put(_ context.Context, task *domain.Task) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.puts++
	clone := *task
	f.tasks[task.ID] = &clone
	return nil
}

func (f *fakeCache) Get(_ context.Context, taskID string) (*domain.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	task, ok := f.tasks[taskID]
	if !ok {
		return nil, &domain.NotFoundError{TaskID: taskID}
	}
	clone := *task
	return &clone, nil
}

func (f *fakeCache) Delete(_ context.Context, taskID string) error {
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.tasks, taskID)
	return nil
}

func (f *fakeCache) Ping(context.Context) error { return f.pingErr }

type fakeRepo struct {
	tasks     map[string]*domain.Task
	upsertErr error
	getErr    error
	delErr    error
	pingErr   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: make(map[string]*domain.Task)}
}

func (f *fakeRepo) Upsert(_ context.Context, task *domain.Task) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	clone := *task
	f.tasks[task.ID] = &clone
	return nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	task, ok := f.tasks[id]
	if !ok {
		return nil, &domain.NotFoundError{TaskID: id}
	}
	clone := *task
	return &clone, nil
}

func (f *fakeRepo) GetActiveByChannel(_ context.Context, channelID string) (*domain.Task, error) {
	var oldest *domain.Task
	for _, task := range f.tasks {
		if task.ChannelID != channelID || !task.IsActive() {
			continue
		}
		if oldest == nil || task.CreatedAt.Before(oldest.CreatedAt) {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, &domain.NotFoundError{TaskID: "active:" + channelID}
	}
	clone := *oldest
	return &clone, nil
}

func (f *fakeRepo) ListByStatus(_ context.Context, status domain.Status) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, task := range f.tasks {
		if task.Status == status {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByAgent(_ context.Context, agentID string) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, task := range f.tasks {
		if task.AgentID == agentID {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByChannel(_ context.Context, channelID string) ([]*domain.Task, error) {
	var out []*domain.Task
	for _, task := range f.tasks {
		if task.ChannelID == channelID {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	if f.delErr != nil {
		return f.delErr
	}
	if _, ok := f.tasks[id]; !ok {
		return &domain.NotFoundError{TaskID: id}
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeRepo) CountByStatus(context.Context) (map[domain.Status]int, error) {
	counts := make(map[domain.Status]int)
	for _, task := range f.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func newTestManager() (*Manager, *fakeCache, *fakeRepo) {
	cache := newFakeCache()
	repo := newFakeRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cache, repo, logger), cache, repo
}

func TestCreateTaskDefaults(t *testing.T) {
	m, cache, repo := newTestManager()

	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, domain.PriorityMedium, task.Priority)
	assert.NotEmpty(t, task.ID)
	assert.Contains(t, repo.tasks, task.ID)
	assert.Contains(t, cache.tasks, task.ID)
}

func TestCreateTaskValidationRejected(t *testing.T) {
	m, _, repo := newTestManager()

	_, err := m.CreateTask(context.Background(), CreateTaskInput{
		Title: strings.Repeat("x", 201),
	})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "title", verr.Field)
	assert.Empty(t, repo.tasks)
}

func TestCreateTaskDurableWriteFails(t *testing.T) {
	m, cache, repo := newTestManager()
	repo.upsertErr = errors.New("connection refused")

	_, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})

	var terr *domain.TaskError
	require.ErrorAs(t, err, &terr)
	assert.Empty(t, cache.tasks)
}

func TestCreateTaskCacheWriteSuppressed(t *testing.T) {
	m, cache, repo := newTestManager()
	cache.putErr = errors.New("cache down")

	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})
	require.NoError(t, err)
	assert.Contains(t, repo.tasks, task.ID)
}

func TestGetTaskCacheHit(t *testing.T) {
	m, cache, repo := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})
	require.NoError(t, err)

	// Make the durable copy diverge to prove the cache answered.
	repo.tasks[task.ID].Title = "changed durably"

	got, err := m.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.Title)
	assert.Contains(t, cache.tasks, task.ID)
}

func TestGetTaskCacheMissRepopulates(t *testing.T) {
	m, cache, _ := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})
	require.NoError(t, err)

	delete(cache.tasks, task.ID)

	got, err := m.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Contains(t, cache.tasks, task.ID, "durable hit should repopulate the cache")
}

func TestGetTaskCacheErrorFallsThrough(t *testing.T) {
	m, cache, repo := newTestManager()
	task := domain.NewTask("deploy", "")
	require.NoError(t, repo.Upsert(context.Background(), task))
	cache.getErr = errors.New("cache down")

	got, err := m.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
}

func TestGetTaskDurableReadFailureTyped(t *testing.T) {
	m, _, repo := newTestManager()
	repo.getErr = errors.New("connection refused")

	_, err := m.GetTask(context.Background(), "some-id")

	var qerr *domain.QueryError
	require.ErrorAs(t, err, &qerr)
	assert.ErrorIs(t, err, repo.getErr)
}

func TestGetTaskNotFound(t *testing.T) {
	m, _, _ := newTestManager()

	_, err := m.GetTask(context.Background(), "missing")

	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.TaskID)
}

func TestUpdateTaskPartial(t *testing.T) {
	m, _, _ := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy", Description: "to prod"})
	require.NoError(t, err)

	high := domain.PriorityHigh
	inProgress := domain.StatusInProgress
	got, err := m.UpdateTask(context.Background(), task.ID, UpdateFields{
		Priority: &high,
		Status:   &inProgress,
	})
	require.NoError(t, err)

	assert.Equal(t, "deploy", got.Title)
	assert.Equal(t, "to prod", got.Description)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.False(t, got.UpdatedAt.Before(task.UpdatedAt))
}

func TestUpdateTaskTerminalGuard(t *testing.T) {
	m, _, _ := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{
		Title:  "deploy",
		Status: domain.StatusCompleted,
	})
	require.NoError(t, err)

	inProgress := domain.StatusInProgress
	_, err = m.UpdateTask(context.Background(), task.ID, UpdateFields{Status: &inProgress})

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "status", verr.Field)
}

func TestUpdateTaskReopen(t *testing.T) {
	m, _, _ := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{
		Title:  "deploy",
		Status: domain.StatusFailed,
	})
	require.NoError(t, err)

	pending := domain.StatusPending
	got, err := m.UpdateTask(context.Background(), task.ID, UpdateFields{
		Status: &pending,
		Reopen: true,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func TestUpdateTaskMetadataMerges(t *testing.T) {
	m, _, _ := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{
		Title:    "deploy",
		Metadata: domain.Metadata{"kind": "webhook", "attempt": float64(1)},
	})
	require.NoError(t, err)

	got, err := m.UpdateTaskMetadata(context.Background(), task.ID, domain.Metadata{
		"attempt": float64(2),
		"region":  "us-east-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.Metadata{
		"kind":    "webhook",
		"attempt": float64(2),
		"region":  "us-east-1",
	}, got.Metadata)
}

func TestDeleteTask(t *testing.T) {
	m, cache, repo := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteTask(context.Background(), task.ID))
	assert.NotContains(t, repo.tasks, task.ID)
	assert.NotContains(t, cache.tasks, task.ID)

	err = m.DeleteTask(context.Background(), task.ID)
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestDeleteTaskDurableFailureTyped(t *testing.T) {
	m, _, repo := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})
	require.NoError(t, err)
	repo.delErr = errors.New("connection refused")

	err = m.DeleteTask(context.Background(), task.ID)

	var terr *domain.TaskError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, repo.delErr)
}

func TestSoftDeleteTask(t *testing.T) {
	m, _, repo := newTestManager()
	task, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "deploy"})
	require.NoError(t, err)

	got, err := m.SoftDeleteTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Contains(t, repo.tasks, task.ID)
}

func TestBulkDeleteTasksSkipsUnknown(t *testing.T) {
	m, _, _ := newTestManager()
	a, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "a"})
	require.NoError(t, err)
	b, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "b"})
	require.NoError(t, err)

	deleted, err := m.BulkDeleteTasks(context.Background(), []string{a.ID, "missing", b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
}

func TestStatisticsReportsAllStatuses(t *testing.T) {
	m, _, _ := newTestManager()
	for i := 0; i < 3; i++ {
		_, err := m.CreateTask(context.Background(), CreateTaskInput{Title: "pending task"})
		require.NoError(t, err)
	}
	_, err := m.CreateTask(context.Background(), CreateTaskInput{
		Title:  "done",
		Status: domain.StatusCompleted,
	})
	require.NoError(t, err)

	stats, err := m.Statistics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.ByStatus[domain.StatusPending])
	assert.Equal(t, 1, stats.ByStatus[domain.StatusCompleted])
	assert.Equal(t, 0, stats.ByStatus[domain.StatusFailed])
	assert.Len(t, stats.ByStatus, len(domain.Statuses()))
}

func TestGetActiveTaskByChannel(t *testing.T) {
	m, _, _ := newTestManager()
	const channel = "12345678901234567"

	_, err := m.CreateTask(context.Background(), CreateTaskInput{
		Title:     "finished",
		Status:    domain.StatusCompleted,
		ChannelID: channel,
	})
	require.NoError(t, err)

	active, err := m.CreateTask(context.Background(), CreateTaskInput{
		Title:     "in flight",
		ChannelID: channel,
	})
	require.NoError(t, err)

	got, err := m.GetActiveTaskByChannel(context.Background(), channel)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		cacheErr error
		repoErr  error
		want     string
	}{
		{"both up", nil, nil, "healthy"},
		{"cache down", errors.New("down"), nil, "degraded"},
		{"durable down", nil, errors.New("down"), "unhealthy"},
		{"both down", errors.New("down"), errors.New("down"), "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, cache, repo := newTestManager()
			cache.pingErr = tt.cacheErr
			repo.pingErr = tt.repoErr

			h := m.HealthCheck(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Equal(t, tt.cacheErr == nil, h.CacheOK)
			assert.Equal(t, tt.repoErr == nil, h.DurableOK)
		})
	}
}
