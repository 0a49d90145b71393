// ============================================================================
// EDF-Supervisor Job Registry - Shared State Container
// ============================================================================
//
// Package: internal/registry
// File: registry.go
// Purpose: Process-wide registry of logical jobs and their execution-context
//          handles
//
// Design:
//   1. records map - unified storage, single source of truth per JobID
//   2. order slice - fixed registration order, the EDF tie-break and the
//      iteration order of every monitor
//   3. fixed capacity - the job population is small and known at start-up;
//      registration after the cap is an error, never a grow
//
// Handle indirection:
//   A Record is the stable logical job; its Handle field is the replaceable
//   reference to the current execution context. A watchdog restart swaps the
//   handle in place (SwapHandle) without touching the record's identity,
//   registration index, or any counters held by the owning subsystem.
//
// Concurrency:
//   All access goes through a sync.RWMutex. Handles are only read or swapped
//   under the lock; the execution contexts themselves are owned by the
//   runtime.
//
// ============================================================================

package registry

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/edf-supervisor/internal/sched"
	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var (
	// ErrDuplicateJob means the JobID is already registered.
	ErrDuplicateJob = errors.New("job already registered")
	// ErrJobNotFound means the JobID is not registered.
	ErrJobNotFound = errors.New("job not registered")
	// ErrRegistryFull means the fixed capacity is exhausted.
	ErrRegistryFull = errors.New("registry capacity exhausted")
)

// Record is a stable logical job: spec, fixed registration index, and the
// replaceable execution-context handle.
type Record struct {
	Spec   types.JobSpec
	Index  int // registration order, never changes
	handle *sched.Handle
}

// Registry is a fixed-capacity container of job records.
type Registry struct {
	mu       sync.RWMutex
	capacity int
	order    []types.JobID
	records  map[types.JobID]*Record
}

// New creates a registry sized for at most capacity jobs.
func New(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		order:    make([]types.JobID, 0, capacity),
		records:  make(map[types.JobID]*Record, capacity),
	}
}

// Register adds a job record with its initial execution-context handle.
// The record's index is the registration order.
func (r *Registry) Register(spec types.JobSpec, h *sched.Handle) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[spec.ID]; exists {
		return nil, ErrDuplicateJob
	}
	if len(r.order) >= r.capacity {
		return nil, ErrRegistryFull
	}

	rec := &Record{
		Spec:   spec,
		Index:  len(r.order),
		handle: h,
	}
	r.records[spec.ID] = rec
	r.order = append(r.order, spec.ID)
	return rec, nil
}

// Handle returns the job's current execution-context handle.
func (r *Registry) Handle(id types.JobID) (*sched.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	return rec.handle, nil
}

// SwapHandle replaces the job's execution-context handle in place and
// returns the previous one. The logical record keeps its identity and index.
func (r *Registry) SwapHandle(id types.JobID, h *sched.Handle) (*sched.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		return nil, ErrJobNotFound
	}
	old := rec.handle
	rec.handle = h
	return old, nil
}

// Records returns all records in registration order.
func (r *Registry) Records() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id])
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Stats returns occupancy counters for the status surface.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"registered": len(r.order),
		"capacity":   r.capacity,
	}
}
