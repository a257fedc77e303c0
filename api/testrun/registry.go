// Package testrun contains the test-run registry shared by both sides of the
// bridge and the host-side test run.
package testrun

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateID is returned when an id is inserted twice.
var ErrDuplicateID = errors.New("test run is already registered")

// Registry maps run ids to the live object of a test run. Entries are
// transient: they are inserted when a run starts and removed when it ends, so
// a lookup miss is an expected outcome, not an error.
type Registry[T any] struct {
	mu   sync.RWMutex
	runs map[string]T
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{runs: make(map[string]T)}
}

// Insert registers v under id.
func (r *Registry[T]) Insert(id string, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.runs[id] = v
	return nil
}

// Get returns the entry registered under id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.runs[id]
	return v, ok
}

// Remove drops the entry registered under id, if any.
func (r *Registry[T]) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
}

// Len returns the number of registered runs.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Range calls fn for every registered run until fn returns false.
func (r *Registry[T]) Range(fn func(id string, v T) bool) {
	r.mu.RLock()
	runs := make(map[string]T, len(r.runs))
	for id, v := range r.runs {
		runs[id] = v
	}
	r.mu.RUnlock()

	for id, v := range runs {
		if !fn(id, v) {
			return
		}
	}
}
