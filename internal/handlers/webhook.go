package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/yamato-ai/taskcore/internal/domain"
)

// WebhookHandler makes an outbound HTTP call described by task metadata:
// "url" (required), "method" (default POST), "headers" (map of strings),
// and "body" (string).
type WebhookHandler struct {
	client *http.Client
}

func NewWebhookHandler() *WebhookHandler {
	return &WebhookHandler{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *WebhookHandler) Kind() string { return "webhook" }

func (h *WebhookHandler) Handle(ctx context.Context, task *domain.Task) error {
	ctx, span := otel.Tracer("runner").Start(ctx, "handler.webhook")
	defer span.End()

	url := task.Metadata.String("url")
	if url == "" {
		err := errors.New("webhook task missing metadata field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return err
	}
	method := task.Metadata.String("method")
	if method == "" {
		method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", url),
		attribute.String("webhook.method", method),
	)

	var bodyReader io.Reader
	if body := task.Metadata.String("body"); body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build webhook request: %w", err)
	}

	if raw, ok := task.Metadata["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("webhook call to %s: %w", url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d", url, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	return nil
}
