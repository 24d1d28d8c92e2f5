// Package lifecycle owns the workloads a run starts and guarantees they are
// stopped, and the domain removed, on every exit path.
//
// Signal delivery only records the signal and cancels the run context. The
// terminate, reap and remove sequence runs from the main control path in
// Shutdown.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity covers one baseline and one signal workload with room for
// a retry.
const DefaultCapacity = 4

// ErrRegistryFull is returned by Add when the registry is at capacity.
var ErrRegistryFull = errors.New("workload registry full")

// Tracked is a workload the controller must stop before exit.
type Tracked interface {
	ID() string
	PID() int
	// Terminate requests the workload to stop. An exited workload is not
	// an error.
	Terminate() error
	// Wait blocks until the workload has been reaped.
	Wait() error
}

// Registry is a fixed-capacity list of tracked workloads.
type Registry struct {
	mu    sync.Mutex
	items []Tracked
}

// NewRegistry creates a registry that holds at most capacity workloads.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Registry{items: make([]Tracked, 0, capacity)}
}

// Add tracks w.
func (r *Registry) Add(w Tracked) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == cap(r.items) {
		return fmt.Errorf("track workload %s: %w (capacity %d)", w.ID(), ErrRegistryFull, cap(r.items))
	}
	r.items = append(r.items, w)
	return nil
}

// Len returns the number of tracked workloads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Snapshot returns the tracked workloads in the order they were added.
func (r *Registry) Snapshot() []Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Tracked, len(r.items))
	copy(out, r.items)
	return out
}
