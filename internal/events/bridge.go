// Package events republishes queue lifecycle events onto Kafka so external
// consumers can follow the task stream without a Redis subscription.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/yamato-ai/taskcore/internal/kafka"
	"github.com/yamato-ai/taskcore/internal/queue"
	"github.com/yamato-ai/taskcore/pkg/telemetry"
)

const topicPrefix = "taskcore.events."

// Source yields queue lifecycle events. *queue.Queue satisfies it.
type Source interface {
	SubscribeToEvents(ctx context.Context, eventTypes ...string) (<-chan queue.Event, error)
}

// Bridge forwards queue events to per-type Kafka topics, keyed by task ID
// so events for one task land on one partition in order.
type Bridge struct {
	source   Source
	producer kafka.Producer
	logger   *slog.Logger
}

func NewBridge(source Source, producer kafka.Producer, logger *slog.Logger) *Bridge {
	return &Bridge{source: source, producer: producer, logger: logger}
}

// Run subscribes to all lifecycle event types and forwards until the
// context ends or the subscription closes. Forwarding failures are logged
// and skipped; delivery is at-most-once.
func (b *Bridge) Run(ctx context.Context) error {
	events, err := b.source.SubscribeToEvents(ctx,
		queue.EventTaskEnqueued,
		queue.EventTaskDequeued,
		queue.EventTaskRetryScheduled,
		queue.EventTaskFailed,
	)
	if err != nil {
		return err
	}

	b.logger.Info("event bridge started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				b.logger.Info("event bridge stopped, subscription closed")
				return nil
			}
			b.forward(ctx, event)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, event queue.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Warn("event bridge skipping unmarshalable event",
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	key, _ := event.Data["task_id"].(string)
	if err := b.producer.Publish(ctx, topicPrefix+event.Type, key, payload); err != nil {
		b.logger.Warn("event bridge publish failed",
			slog.String("event_type", event.Type),
			slog.String("task_id", key),
			slog.String("error", err.Error()),
		)
		return
	}
	telemetry.BridgeEventsForwarded.WithLabelValues(event.Type).Inc()
}
