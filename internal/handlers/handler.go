// Package handlers defines task execution handlers and the registry that
// resolves them. A task names its handler via metadata["kind"].
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/yamato-ai/taskcore/internal/domain"
)

// MetadataKindKey is the metadata key naming a task's handler.
const MetadataKindKey = "kind"

// Handler executes one kind of task.
type Handler interface {
	// Kind identifies the handler; matched against metadata["kind"].
	Kind() string
	// Handle executes the task. A returned error marks the attempt failed.
	Handle(ctx context.Context, task *domain.Task) error
}

// Registry maps handler kinds to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler, replacing any previous handler of the same kind.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Resolve returns the handler for the task's metadata kind.
func (r *Registry) Resolve(task *domain.Task) (Handler, error) {
	kind := task.Metadata.String(MetadataKindKey)
	if kind == "" {
		return nil, fmt.Errorf("task %s has no handler kind", task.ID)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}
	return h, nil
}

// Kinds lists the registered handler kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
