package domain

import (
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every valid status value.
func Statuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}
}

// IsTerminal returns true if no further state transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority controls queue ordering only; storage never prioritizes by it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the known priority values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// PriorityLevels returns all priorities in descending dequeue precedence.
// The queue scans this slice in order on every dequeue.
func PriorityLevels() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
}

// Metadata is the open string-keyed map attached to a task. Values are
// arbitrary JSON-compatible scalars or nested structures.
type Metadata map[string]any

// Merge returns a new map holding m overlaid with partial: keys present in
// partial win, keys absent from partial are preserved. Neither input is
// mutated.
func (m Metadata) Merge(partial Metadata) Metadata {
	merged := make(Metadata, len(m)+len(partial))
	for k, v := range m {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}

// String returns the string value under key, or "" if absent or not a string.
func (m Metadata) String(key string) string {
	s, _ := m[key].(string)
	return s
}

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
	maxAgentIDLen     = 100
)

// channelIDPattern matches the external chat-channel identifier format
// (17-19 decimal digits).
var channelIDPattern = regexp.MustCompile(`^\d{17,19}$`)

// Task is the unit-of-work entity. Identity is the ID alone: two tasks with
// the same ID are the same task regardless of other field values.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	AgentID     string    `json:"agent_id,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Metadata    Metadata  `json:"metadata"`
}

// NewTask constructs a pending, medium-priority task with a fresh ID and
// matching created/updated timestamps. The result is not yet validated;
// callers set the optional fields and then call Validate.
func NewTask(title, description string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Status:      StatusPending,
		Priority:    PriorityMedium,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    Metadata{},
	}
}

// Validate checks every field constraint and returns a *ValidationError for
// the first violation found.
func (t *Task) Validate() error {
	if t.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if t.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(t.Title) > maxTitleLen {
		return &ValidationError{Field: "title", Reason: "exceeds 200 characters"}
	}
	if utf8.RuneCountInString(t.Description) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: "exceeds 2000 characters"}
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(t.Status)}
	}
	if !t.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(t.Priority)}
	}
	if utf8.RuneCountInString(t.AgentID) > maxAgentIDLen {
		return &ValidationError{Field: "agent_id", Reason: "exceeds 100 characters"}
	}
	if t.ChannelID != "" && !channelIDPattern.MatchString(t.ChannelID) {
		return &ValidationError{Field: "channel_id", Reason: "must be 17-19 decimal digits"}
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return &ValidationError{Field: "updated_at", Reason: "precedes created_at"}
	}
	return nil
}

// Touch advances the update timestamp. Every mutation path calls this.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// Equal compares by identity only.
func (t *Task) Equal(other *Task) bool {
	return other != nil && t.ID == other.ID
}

// IsActive returns true while the task still expects work.
func (t *Task) IsActive() bool {
	return t.Status == StatusPending || t.Status == StatusInProgress
}

// Duration is the time between creation and the last mutation.
func (t *Task) Duration() time.Duration {
	return t.UpdatedAt.Sub(t.CreatedAt)
}
