package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamato-ai/taskcore/internal/domain"
	"github.com/yamato-ai/taskcore/internal/handlers"
	"github.com/yamato-ai/taskcore/internal/manager"
)

type fakeQueue struct {
	mu           sync.Mutex
	pending      []*domain.Task
	retried      map[string]string
	cleared      []string
	deadLettered map[string]string
	deadLetterAt int // dead-letter once retried reaches this count per task
	retryCounts  map[string]int
}

func newFakeQueue(tasks ...*domain.Task) *fakeQueue {
	return &fakeQueue{
		pending:      tasks,
		retried:      make(map[string]string),
		deadLettered: make(map[string]string),
		deadLetterAt: 3,
		retryCounts:  make(map[string]int),
	}
}

func (f *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Task, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		task := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		return task, nil
	}
	f.mu.Unlock()

	// Emulate a blocking pop timing out on an empty queue.
	select {
	case <-ctx.Done():
	case <-time.After(timeout):
	}
	return nil, &domain.QueueEmptyError{}
}

func (f *fakeQueue) MarkTaskForRetry(_ context.Context, task *domain.Task, errMsg string, _ *time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retryCounts[task.ID]++
	if f.retryCounts[task.ID] > f.deadLetterAt {
		f.deadLettered[task.ID] = errMsg
		return true, nil
	}
	f.retried[task.ID] = errMsg
	return false, nil
}

func (f *fakeQueue) ClearRetry(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, taskID)
	return nil
}

func (f *fakeQueue) DeadLetter(_ context.Context, taskID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLettered[taskID] = errMsg
	return nil
}

type fakeUpdater struct {
	mu       sync.Mutex
	statuses map[string][]domain.Status
}

func newFakeUpdater() *fakeUpdater {
	return &fakeUpdater{statuses: make(map[string][]domain.Status)}
}

func (f *fakeUpdater) UpdateTask(_ context.Context, id string, fields manager.UpdateFields) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fields.Status != nil {
		f.statuses[id] = append(f.statuses[id], *fields.Status)
	}
	return nil, nil
}

func (f *fakeUpdater) history(id string) []domain.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Status(nil), f.statuses[id]...)
}

type scriptedHandler struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (h *scriptedHandler) Kind() string { return "scripted" }

func (h *scriptedHandler) Handle(context.Context, *domain.Task) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return errors.New("scripted failure")
	}
	return nil
}

func scriptedTask() *domain.Task {
	task := domain.NewTask("scripted work", "")
	task.Metadata["kind"] = "scripted"
	return task
}

func runUntilDrained(t *testing.T, r *Runner, q *fakeQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.pending) == 0 && r.InFlight() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// One more poll interval so the settle phase finishes.
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func newTestRunner(q *fakeQueue, u *fakeUpdater, h handlers.Handler, opts ...Option) *Runner {
	reg := handlers.NewRegistry()
	if h != nil {
		reg.Register(h)
	}
	base := []Option{
		WithConcurrency(1),
		WithPollTimeout(20 * time.Millisecond),
		WithHandlerTimeout(time.Second),
		WithLocalRetries(0),
		WithBaseDelay(time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(q, u, reg, append(base, opts...)...)
}

func TestRunnerCompletesTask(t *testing.T) {
	task := scriptedTask()
	q := newFakeQueue(task)
	u := newFakeUpdater()
	r := newTestRunner(q, u, &scriptedHandler{})

	runUntilDrained(t, r, q)

	assert.Equal(t,
		[]domain.Status{domain.StatusInProgress, domain.StatusCompleted},
		u.history(task.ID),
	)
	assert.Contains(t, q.cleared, task.ID)
	assert.Empty(t, q.retried)
}

func TestRunnerLocalRetryThenSuccess(t *testing.T) {
	task := scriptedTask()
	q := newFakeQueue(task)
	u := newFakeUpdater()
	h := &scriptedHandler{failures: 2}
	r := newTestRunner(q, u, h, WithLocalRetries(2))

	runUntilDrained(t, r, q)

	assert.Equal(t, 3, h.calls)
	assert.Equal(t,
		[]domain.Status{domain.StatusInProgress, domain.StatusCompleted},
		u.history(task.ID),
	)
	assert.Empty(t, q.retried, "local retries should not reach the queue")
}

func TestRunnerSchedulesQueueRetry(t *testing.T) {
	task := scriptedTask()
	q := newFakeQueue(task)
	u := newFakeUpdater()
	r := newTestRunner(q, u, &scriptedHandler{failures: 100})

	runUntilDrained(t, r, q)

	assert.Contains(t, q.retried, task.ID)
	assert.Equal(t,
		[]domain.Status{domain.StatusInProgress, domain.StatusPending},
		u.history(task.ID),
	)
	assert.Empty(t, q.deadLettered)
}

func TestRunnerDeadLettersAtCeiling(t *testing.T) {
	task := scriptedTask()
	q := newFakeQueue(task)
	q.deadLetterAt = 0 // next failure exceeds the ceiling
	u := newFakeUpdater()
	r := newTestRunner(q, u, &scriptedHandler{failures: 100})

	runUntilDrained(t, r, q)

	assert.Contains(t, q.deadLettered, task.ID)
	assert.Equal(t,
		[]domain.Status{domain.StatusInProgress, domain.StatusFailed},
		u.history(task.ID),
	)
}

func TestRunnerDeadLettersUnroutableTask(t *testing.T) {
	task := domain.NewTask("no kind", "")
	q := newFakeQueue(task)
	u := newFakeUpdater()
	r := newTestRunner(q, u, nil)

	runUntilDrained(t, r, q)

	assert.Contains(t, q.deadLettered, task.ID)
	assert.Equal(t, []domain.Status{domain.StatusFailed}, u.history(task.ID))
	assert.Empty(t, q.retried)
}

func TestRunnerProcessesAllQueuedTasks(t *testing.T) {
	tasks := []*domain.Task{scriptedTask(), scriptedTask(), scriptedTask()}
	q := newFakeQueue(tasks...)
	u := newFakeUpdater()
	r := newTestRunner(q, u, &scriptedHandler{}, WithConcurrency(3))

	runUntilDrained(t, r, q)

	for _, task := range tasks {
		history := u.history(task.ID)
		require.NotEmpty(t, history, "task %s never settled", task.ID)
		assert.Equal(t, domain.StatusCompleted, history[len(history)-1])
	}
}
