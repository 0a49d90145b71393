package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

// Handle is an opaque execution-context reference returned by Spawn.
//
// The supervisory subsystems hold handles but never own the execution context
// behind them: a watchdog restart produces a new Handle (new UUID) for the
// same logical job, and the old one becomes dead. Priority and the pending
// notification slot live on the handle because they belong to the execution
// context, not to the logical job.
type Handle struct {
	id   uuid.UUID
	spec types.JobSpec

	prio atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Pending-notification slot. Senders OR bits in without blocking;
	// the owning job receives and clears the whole mask.
	notifyMu sync.Mutex
	pending  uint32
	notifyCh chan struct{} // 1-buffered wakeup signal
}

// ID returns the execution context's unique identity. Two handles for the
// same logical job (before and after a restart) have different IDs.
func (h *Handle) ID() uuid.UUID { return h.id }

// Spec returns the JobSpec the handle was created with.
func (h *Handle) Spec() types.JobSpec { return h.spec }

// Done is closed when the job function has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the execution context has not yet been destroyed.
func (h *Handle) Alive() bool {
	select {
	case <-h.ctx.Done():
		return false
	default:
		return true
	}
}
