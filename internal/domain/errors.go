package domain

import "fmt"

// ValidationError reports a task field that failed a constraint check.
// Caller error; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError is returned when a task ID does not exist in either store.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// TaskError wraps a failed task lifecycle operation against the durable
// store. Infrastructure failure: the operation did not take effect.
type TaskError struct {
	Op  string
	Err error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Op, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// QueryError wraps a failed durable-store read.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// QueueError wraps a failed queue-store operation. Infrastructure failure,
// distinct from the expected QueueEmptyError/QueueFullError conditions.
type QueueError struct {
	Op  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s failed: %v", e.Op, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

// QueueEmptyError is returned when a dequeue finds no available task.
// Expected condition, not an infrastructure failure.
type QueueEmptyError struct {
	Queue string
}

func (e *QueueEmptyError) Error() string {
	if e.Queue == "" {
		return "no tasks available in queue"
	}
	return fmt.Sprintf("no tasks available in queue %s", e.Queue)
}

// QueueFullError is returned when an enqueue would exceed the global queue
// capacity or a per-channel cap. Expected condition.
type QueueFullError struct {
	Scope string // "" for the global queue, otherwise the channel ID
	Limit int
}

func (e *QueueFullError) Error() string {
	if e.Scope == "" {
		return fmt.Sprintf("queue is full (max: %d)", e.Limit)
	}
	return fmt.Sprintf("channel %s at capacity (max: %d)", e.Scope, e.Limit)
}
