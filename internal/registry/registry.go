// Package registry holds the process-wide table of machine id -> live
// runtime driver handle, so that stop/exec calls after start can reach the
// already-spawned process without re-deriving it from persisted state.
package registry

import (
	"sync"

	"github.com/hyperfleet-run/hyperfleet/internal/runtimedriver"
)

// Registry is a mutex-guarded machine_id -> driver handle map. Inserted on
// successful start, removed on stop/delete: no caller may observe
// status=running without a live handle, or status=stopped with one still
// present.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]runtimedriver.Driver
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[string]runtimedriver.Driver)}
}

// Register inserts or replaces the handle for id.
func (r *Registry) Register(id string, d runtimedriver.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[id] = d
}

// Lookup returns the handle for id and whether it was present.
func (r *Registry) Lookup(id string) (runtimedriver.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.handles[id]
	return d, ok
}

// Deregister removes the handle for id, if present.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, id)
}

// Len reports the number of live handles, mostly useful for tests and metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
