// Package invoker lets one step apply actions on another step, either by
// a direct in-process call or over HTTP, with identical results.
package invoker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/stepflow/model"
)

// Registry stores step handlers by step id. It is safe for concurrent use
// after initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]model.StepHandler
}

// NewRegistry creates a new empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]model.StepHandler),
	}
}

// Register adds a handler under its StepID(). Panics if the step is
// already registered, since this indicates a wiring mistake at startup.
func (r *Registry) Register(handler model.StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := handler.StepID()
	if _, exists := r.handlers[id]; exists {
		panic(fmt.Sprintf("invoker: step handler %q already registered", id))
	}
	r.handlers[id] = handler
}

// Get returns the handler of a step, or false if not found.
func (r *Registry) Get(stepID string) (model.StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepID]
	return h, ok
}

// Replace swaps every registered handler for handlers in one step.
// Handlers with the same step id keep the last one.
func (r *Registry) Replace(handlers []model.StepHandler) {
	next := make(map[string]model.StepHandler, len(handlers))
	for _, h := range handlers {
		next[h.StepID()] = h
	}
	r.mu.Lock()
	r.handlers = next
	r.mu.Unlock()
}

// StepIDs returns all registered step ids, sorted alphabetically.
func (r *Registry) StepIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
