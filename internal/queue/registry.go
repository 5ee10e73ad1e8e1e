// Package queue implements the transactional job queue engine. Mutual
// exclusion between workers comes entirely from the backing store's row
// locking; there is no in-process scheduler.
package queue

import (
	"context"
	"fmt"
	"sort"

	"github.com/BLSQ/openhexa-app-sub000/internal/store"
)

// Handler processes one claimed job. A nil return marks the job done. A
// plain error schedules a retry; wrap with Permanent to abandon the job
// immediately.
type Handler func(ctx context.Context, job *store.Job) error

// Registry maps task names to handlers. It is constructed once and passed
// into each queue instance, so tests can run isolated registries instead of
// sharing process-wide state.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty task registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task name. Registering the same name twice
// is a configuration error.
func (r *Registry) Register(task string, h Handler) error {
	if task == "" {
		return fmt.Errorf("task name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for task %q must not be nil", task)
	}
	if _, exists := r.handlers[task]; exists {
		return fmt.Errorf("task %q is already registered", task)
	}
	r.handlers[task] = h
	return nil
}

// Resolve returns the handler registered for a task name.
func (r *Registry) Resolve(task string) (Handler, bool) {
	h, ok := r.handlers[task]
	return h, ok
}

// Tasks returns the registered task names, sorted.
func (r *Registry) Tasks() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
