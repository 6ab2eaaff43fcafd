package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamato-ai/taskcore/internal/domain"
)

type noopHandler struct{ kind string }

func (h *noopHandler) Kind() string                              { return h.kind }
func (h *noopHandler) Handle(context.Context, *domain.Task) error { return nil }

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&noopHandler{kind: "webhook"})
	reg.Register(&noopHandler{kind: "cleanup"})

	task := domain.NewTask("call webhook", "")
	task.Metadata["kind"] = "webhook"

	h, err := reg.Resolve(task)
	require.NoError(t, err)
	assert.Equal(t, "webhook", h.Kind())
	assert.ElementsMatch(t, []string{"webhook", "cleanup"}, reg.Kinds())
}

func TestRegistryResolveMissingKind(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&noopHandler{kind: "webhook"})

	task := domain.NewTask("no kind", "")
	_, err := reg.Resolve(task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler kind")
}

func TestRegistryResolveUnknownKind(t *testing.T) {
	reg := NewRegistry()

	task := domain.NewTask("orphan", "")
	task.Metadata["kind"] = "teleport"

	_, err := reg.Resolve(task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"teleport"`)
}

func webhookTask(url string) *domain.Task {
	task := domain.NewTask("notify", "")
	task.Metadata = domain.Metadata{
		"kind": "webhook",
		"url":  url,
	}
	return task
}

func TestWebhookHandlerPostsBody(t *testing.T) {
	var gotMethod, gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	task := webhookTask(srv.URL)
	task.Metadata["body"] = `{"hello":"world"}`
	task.Metadata["headers"] = map[string]any{"X-Token": "secret"}

	h := NewWebhookHandler()
	require.NoError(t, h.Handle(context.Background(), task))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.JSONEq(t, `{"hello":"world"}`, gotBody)
	assert.Equal(t, "secret", gotHeader)
}

func TestWebhookHandlerCustomMethod(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer srv.Close()

	task := webhookTask(srv.URL)
	task.Metadata["method"] = http.MethodPut

	require.NoError(t, NewWebhookHandler().Handle(context.Background(), task))
	assert.Equal(t, http.MethodPut, gotMethod)
}

func TestWebhookHandlerBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookHandler().Handle(context.Background(), webhookTask(srv.URL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookHandlerMissingURL(t *testing.T) {
	task := domain.NewTask("broken", "")
	task.Metadata["kind"] = "webhook"

	err := NewWebhookHandler().Handle(context.Background(), task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'url'")
}
