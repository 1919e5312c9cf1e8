// Package registry holds the process-wide mapping from execution id to the
// live process-group child driving it. The Child Registry is the sole owner
// of live handles; entries are dropped only by the Exit Monitor once an
// execution terminates.
package registry

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dotcommander/forge/internal/spawn"
)

// ErrAlreadyRegistered is returned by Insert when exec_id already has a
// handle; a second insert for the same key is a programming error.
var ErrAlreadyRegistered = fmt.Errorf("registry: execution already registered")

// ErrNotRegistered is returned by Get and Remove when exec_id has no handle.
var ErrNotRegistered = fmt.Errorf("registry: execution not registered")

// Registry is a process-wide map from execution id to its killable
// process-group child handle, guarded by a RWMutex so lookups (the common
// path, from Stop & Kill and status queries) don't contend with each other.
type Registry struct {
	mu      sync.RWMutex
	handles map[uuid.UUID]spawn.Process
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[uuid.UUID]spawn.Process)}
}

// Insert registers h under execID. Returns ErrAlreadyRegistered if execID
// already has a handle — callers must Remove a prior entry before
// re-inserting, they must never silently overwrite one.
func (r *Registry) Insert(execID uuid.UUID, h spawn.Process) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[execID]; ok {
		return ErrAlreadyRegistered
	}
	r.handles[execID] = h
	return nil
}

// Get returns the handle registered for execID, or ErrNotRegistered.
func (r *Registry) Get(execID uuid.UUID) (spawn.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[execID]
	if !ok {
		return nil, ErrNotRegistered
	}
	return h, nil
}

// Remove drops execID's handle, if any. Removing an absent key is a no-op.
func (r *Registry) Remove(execID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, execID)
}

// Len reports the number of live handles, used by doctor diagnostics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
