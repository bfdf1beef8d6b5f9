// Package app holds the per-application transition handler tables and the
// registry that resolves them at dispatch time. Handlers encode what a
// transition does; the runner in this package guarantees that no handler
// failure ever escapes as anything other than a FAILED job update.
package app

import (
	"fmt"
	"sync"

	"github.com/me/gohpc/pkg/model"
)

// Handler advances a job through one state transition. It may mutate the
// job's State, StateData, and result fields in place.
type Handler func(job *model.Job) error

// HandlerTable maps each dispatchable state to the handler that runs when a
// job in that state is picked up. At most one handler per state.
type HandlerTable map[model.JobState]Handler

// Registry resolves an app id to its handler table. It is populated during
// startup and safe for concurrent reads afterwards.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]HandlerTable
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]HandlerTable)}
}

// Register binds the handler table for appID, replacing any previous binding.
func (r *Registry) Register(appID string, table HandlerTable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables[appID] = table
}

// Lookup returns the handler table for appID. An unregistered app is an
// explicit error, never a nil table.
func (r *Registry) Lookup(appID string) (HandlerTable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	table, ok := r.tables[appID]
	if !ok {
		return nil, fmt.Errorf("no handler table registered for app %q", appID)
	}
	return table, nil
}

// Apps returns the registered app ids.
func (r *Registry) Apps() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tables))
	for id := range r.tables {
		ids = append(ids, id)
	}
	return ids
}
