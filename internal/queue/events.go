package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yamato-ai/taskcore/pkg/telemetry"
)

const eventChannelPrefix = "task_events:"

// Lifecycle event types published on the queue's pub/sub side-channel.
const (
	EventTaskEnqueued       = "task_enqueued"
	EventTaskDequeued       = "task_dequeued"
	EventTaskRetryScheduled = "task_retry_scheduled"
	EventTaskFailed         = "task_failed"
)

// Event is the wire form of a queue lifecycle event.
type Event struct {
	Type      string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// PublishEvent broadcasts an event to subscribers of its type. Delivery is
// fire-and-forget: subscribers absent at publish time never see the event.
func (q *Queue) PublishEvent(ctx context.Context, eventType string, data map[string]any) error {
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := q.client.Publish(ctx, eventChannelPrefix+eventType, payload).Err(); err != nil {
		return err
	}
	telemetry.QueueEventsPublished.WithLabelValues(eventType).Inc()
	return nil
}

// publishBestEffort publishes an event, logging instead of failing the
// surrounding queue operation when the broadcast cannot be delivered.
func (q *Queue) publishBestEffort(ctx context.Context, eventType string, data map[string]any) {
	if err := q.PublishEvent(ctx, eventType, data); err != nil {
		q.logger.Warn("event publish failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// SubscribeToEvents delivers events of the given types on the returned
// channel until the queue is closed or the context ends. The channel is
// closed when delivery stops.
func (q *Queue) SubscribeToEvents(ctx context.Context, eventTypes ...string) (<-chan Event, error) {
	channels := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		channels = append(channels, eventChannelPrefix+t)
	}

	sub := q.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Event, 16)
	q.subs.track(sub)
	q.subs.wg.Add(1)
	go func() {
		defer q.subs.wg.Done()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					q.logger.Warn("skipping undecodable event",
						slog.String("channel", msg.Channel),
						slog.String("error", err.Error()),
					)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					_ = sub.Close()
					return
				}
			}
		}
	}()
	return out, nil
}

type subscriptions struct {
	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

func newSubscriptions() *subscriptions {
	return &subscriptions{}
}

func (s *subscriptions) track(sub *redis.PubSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = sub.Close()
		return
	}
	s.subs = append(s.subs, sub)
}

func (s *subscriptions) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}
