// Package running tracks in-flight executions and their cancellation flags.
package running

import (
	"sync"
	"time"
)

// Entry is the lightweight handle kept per in-flight execution.
type Entry struct {
	ExecutionID string
	WorkflowID  string
	StartedAt   time.Time

	cancelRequested bool
}

// Registry is a concurrency-safe table of in-flight executions. The lock is
// held only for map mutations, never across I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an execution when it starts running.
func (r *Registry) Register(executionID, workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[executionID] = &Entry{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StartedAt:   time.Now().UTC(),
	}
}

// RequestCancel sets the cancellation flag. It returns false for unknown or
// already-finished executions: a client may race a cancel against natural
// completion, and that race is not an error.
func (r *Registry) RequestCancel(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[executionID]
	if !exists {
		return false
	}

	entry.cancelRequested = true

	return true
}

// CancelRequested reports whether cancellation was requested. The engine
// polls this at node-group boundaries.
func (r *Registry) CancelRequested(executionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[executionID]

	return exists && entry.cancelRequested
}

// Unregister removes an execution on terminal transition.
func (r *Registry) Unregister(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, executionID)
}

// ListRunning returns the ids of all in-flight executions.
func (r *Registry) ListRunning() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}

	return ids
}

// Entries returns a copy of every in-flight entry.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, *entry)
	}

	return entries
}

// Get returns a copy of the entry for the given execution id.
func (r *Registry) Get(executionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.entries[executionID]
	if !exists {
		return Entry{}, false
	}

	return *entry, true
}
