package backend

import (
	"sort"
	"sync"
)

// Info pairs a backend identifier with its capabilities.
type Info struct {
	ID           string       `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry maps backend identifiers to executors. Registration happens once
// at process start; Freeze marks the end of the registration window, after
// which the registry is read-only and safe for concurrent Resolve calls.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	frozen    bool
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor under the given backend identifier. Registering
// after Freeze is a programming error and panics.
func (r *Registry) Register(id string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("backend: Register after Freeze")
	}
	r.executors[id] = e
}

// Freeze ends the registration window.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve returns the executor registered under the given identifier, or an
// UnknownBackendError if none is registered.
func (r *Registry) Resolve(id string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[id]
	if !ok {
		return nil, &UnknownBackendError{ID: id}
	}
	return e, nil
}

// List returns information about all registered backends, sorted by id for a
// stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.executors))
	for id, e := range r.executors {
		infos = append(infos, Info{
			ID:           id,
			Capabilities: e.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}
