package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yamato-ai/taskcore/internal/domain"
	"github.com/yamato-ai/taskcore/internal/manager"
	"github.com/yamato-ai/taskcore/internal/queue"
	redisstore "github.com/yamato-ai/taskcore/internal/redis"
	"github.com/yamato-ai/taskcore/pkg/telemetry"
)

// TaskService is the lifecycle surface the REST layer needs.
// *manager.Manager satisfies it.
type TaskService interface {
	CreateTask(ctx context.Context, in manager.CreateTaskInput) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetTasksByStatus(ctx context.Context, status domain.Status) ([]*domain.Task, error)
	GetTasksByAgent(ctx context.Context, agentID string) ([]*domain.Task, error)
	GetTasksByChannel(ctx context.Context, channelID string) ([]*domain.Task, error)
	GetActiveTaskByChannel(ctx context.Context, channelID string) (*domain.Task, error)
	UpdateTask(ctx context.Context, id string, fields manager.UpdateFields) (*domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	SoftDeleteTask(ctx context.Context, id string) (*domain.Task, error)
	Statistics(ctx context.Context) (manager.Statistics, error)
	HealthCheck(ctx context.Context) manager.Health
}

// QueueService is the queue surface the REST layer needs.
// *queue.Queue satisfies it.
type QueueService interface {
	Enqueue(ctx context.Context, task *domain.Task, ttl time.Duration) error
	Statistics(ctx context.Context) (queue.Statistics, error)
	FailedTasks(ctx context.Context, limit int) ([]queue.FailedTask, error)
	SetChannelLimit(ctx context.Context, channelID string, limit int) error
	HealthCheck(ctx context.Context) queue.Health
}

// REST handles HTTP requests for taskcored.
type REST struct {
	tasks   TaskService
	queue   QueueService
	limiter redisstore.RateLimiter
	logger  *slog.Logger
}

// NewREST creates a REST handler. limiter may be nil to disable per-channel
// submission rate limiting.
func NewREST(tasks TaskService, q QueueService, limiter redisstore.RateLimiter, logger *slog.Logger) *REST {
	return &REST{tasks: tasks, queue: q, limiter: limiter, logger: logger}
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    string          `json:"priority"`
	AgentID     string          `json:"agent_id"`
	ChannelID   string          `json:"channel_id"`
	Metadata    domain.Metadata `json:"metadata"`
	TTLSeconds  int             `json:"ttl_seconds"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitTask handles POST /api/v1/tasks: creates the task and puts it on
// the priority queue.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("taskcored").Start(r.Context(), "api.submit_task")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "field 'title' is required")
		return
	}

	if h.limiter != nil && req.ChannelID != "" {
		allowed, err := h.limiter.Allow(ctx, "submit:"+req.ChannelID)
		if err != nil {
			h.logger.Warn("rate limiter unavailable, allowing request",
				slog.String("channel_id", req.ChannelID),
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			telemetry.APIRateLimitedTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "channel submission rate exceeded")
			return
		}
	}

	task, err := h.tasks.CreateTask(ctx, manager.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		Priority:    domain.Priority(req.Priority),
		AgentID:     req.AgentID,
		ChannelID:   req.ChannelID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeDomainError(w, h.logger, err, "create task")
		return
	}

	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.priority", string(task.Priority)),
	)

	if err := h.queue.Enqueue(ctx, task, time.Duration(req.TTLSeconds)*time.Second); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		var full *domain.QueueFullError
		if errors.As(err, &full) {
			writeError(w, http.StatusTooManyRequests, full.Error())
			return
		}
		h.logger.Error("enqueue failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	telemetry.APITasksSubmitted.WithLabelValues(string(task.Priority)).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", task.ID),
		slog.String("priority", string(task.Priority)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(SubmitTaskResponse{
		TaskID:    task.ID,
		Status:    string(task.Status),
		Priority:  string(task.Priority),
		CreatedAt: task.CreatedAt,
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, err := h.tasks.GetTask(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, h.logger, err, "get task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/v1/tasks filtered by exactly one of the
// status, agent_id, or channel_id query parameters.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	var (
		tasks []*domain.Task
		err   error
	)
	switch {
	case q.Get("status") != "":
		tasks, err = h.tasks.GetTasksByStatus(ctx, domain.Status(q.Get("status")))
	case q.Get("agent_id") != "":
		tasks, err = h.tasks.GetTasksByAgent(ctx, q.Get("agent_id"))
	case q.Get("channel_id") != "":
		tasks, err = h.tasks.GetTasksByChannel(ctx, q.Get("channel_id"))
	default:
		writeError(w, http.StatusBadRequest, "one of 'status', 'agent_id', or 'channel_id' is required")
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, err, "list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// UpdateTaskRequest is the JSON body for PATCH /api/v1/tasks/{id}. Absent
// fields are left unchanged.
type UpdateTaskRequest struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Status      *string         `json:"status"`
	Priority    *string         `json:"priority"`
	AgentID     *string         `json:"agent_id"`
	ChannelID   *string         `json:"channel_id"`
	Metadata    domain.Metadata `json:"metadata"`
	Reopen      bool            `json:"reopen"`
}

// UpdateTask handles PATCH /api/v1/tasks/{id}.
func (h *REST) UpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	var req UpdateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := manager.UpdateFields{
		Title:       req.Title,
		Description: req.Description,
		AgentID:     req.AgentID,
		ChannelID:   req.ChannelID,
		Metadata:    req.Metadata,
		Reopen:      req.Reopen,
	}
	if req.Status != nil {
		s := domain.Status(*req.Status)
		fields.Status = &s
	}
	if req.Priority != nil {
		p := domain.Priority(*req.Priority)
		fields.Priority = &p
	}

	task, err := h.tasks.UpdateTask(r.Context(), taskID, fields)
	if err != nil {
		writeDomainError(w, h.logger, err, "update task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// DeleteTask handles DELETE /api/v1/tasks/{id}. With ?soft=true the task is
// cancelled instead of removed.
func (h *REST) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	if r.URL.Query().Get("soft") == "true" {
		task, err := h.tasks.SoftDeleteTask(r.Context(), taskID)
		if err != nil {
			writeDomainError(w, h.logger, err, "soft delete task")
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if err := h.tasks.DeleteTask(r.Context(), taskID); err != nil {
		writeDomainError(w, h.logger, err, "delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetActiveChannelTask handles GET /api/v1/channels/{id}/active.
func (h *REST) GetActiveChannelTask(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")
	task, err := h.tasks.GetActiveTaskByChannel(r.Context(), channelID)
	if err != nil {
		writeDomainError(w, h.logger, err, "get active channel task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// SetChannelLimitRequest is the JSON body for PUT /api/v1/channels/{id}/limit.
type SetChannelLimitRequest struct {
	Limit int `json:"limit"`
}

// SetChannelLimit handles PUT /api/v1/channels/{id}/limit.
func (h *REST) SetChannelLimit(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "id")

	var req SetChannelLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.queue.SetChannelLimit(r.Context(), channelID, req.Limit); err != nil {
		h.logger.Error("set channel limit failed", slog.String("channel_id", channelID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to set channel limit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "limit": req.Limit})
}

// Stats handles GET /api/v1/stats.
func (h *REST) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.tasks.Statistics(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, err, "stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// QueueStats handles GET /api/v1/queue/stats.
func (h *REST) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Statistics(r.Context())
	if err != nil {
		h.logger.Error("queue stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read queue statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// FailedTasks handles GET /api/v1/queue/failed?limit=N.
func (h *REST) FailedTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return
		}
		limit = n
	}

	failed, err := h.queue.FailedTasks(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed tasks read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read dead-letter list")
		return
	}
	if failed == nil {
		failed = []queue.FailedTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed_tasks": failed, "count": len(failed)})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz, reporting per-store health. Degraded still
// answers 200; only a fully unhealthy store pair is 503.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := h.tasks.HealthCheck(ctx)
	queueHealth := h.queue.HealthCheck(ctx)

	code := http.StatusOK
	if health.Status == "unhealthy" || !queueHealth.Connected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"stores": health,
		"queue":  queueHealth,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeDomainError maps domain error types to HTTP status codes.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error, op string) {
	var (
		notFound   *domain.NotFoundError
		validation *domain.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	default:
		logger.Error(op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
