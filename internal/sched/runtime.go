// ============================================================================
// EDF-Supervisor Runtime - Scheduler Collaborator Abstraction
// ============================================================================
//
// Package: internal/sched
// File: runtime.go
// Purpose: Models the external preemptive scheduler the supervisory policies
//          are layered on top of
//
// Contract (what the policies need from the platform):
//   1. Spawn / Kill       - create and destroy execution contexts
//   2. SetPriority        - apply a priority level to a context
//   3. Now                - monotonic clock
//   4. SleepUntil / Sleep - absolute (drift-free) and relative suspension
//   5. Notify / NotifyWait - fire-and-forget bitmask signals with a bounded
//                            receive window
//
// Reference implementation (GoRuntime):
//   Each execution context is a goroutine with its own cancellable Context.
//   Kill is context cancellation: no drain, no graceful shutdown - a killed
//   job's in-flight notifications are simply lost, matching the watchdog's
//   restart semantics.
//
//   Priority is a recorded side channel, not an enforced property: the Go
//   scheduler does not expose preemption levels, so SetPriority stores the
//   level where tests, metrics, and logs can observe it. The EDF controller
//   stays a pure (now, deadlines) -> assignment function and this adapter
//   applies its output, so swapping in a real priority scheduler only
//   replaces this package.
//
// Notification slot semantics (per execution context):
//   - Notify ORs bits into the slot and never blocks the sender.
//   - NotifyWait blocks up to a timeout, then returns and CLEARS the whole
//     accumulated mask. Multiple signals landing in one window coalesce.
//
// ============================================================================

package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var (
	// ErrRuntimeClosed is returned by Spawn after Shutdown.
	ErrRuntimeClosed = errors.New("runtime is shut down")
	// ErrNilJobFunc is returned by Spawn when no job function is given.
	ErrNilJobFunc = errors.New("job function must not be nil")
)

// Runtime is the set of collaborator capabilities supplied by the platform
// layer. The supervisory subsystems depend only on this interface.
type Runtime interface {
	// Spawn creates an execution context running fn and returns its handle.
	Spawn(spec types.JobSpec, fn func(ctx context.Context)) (*Handle, error)
	// Kill destroys an execution context. Unconditional, no drain.
	Kill(h *Handle)
	// SetPriority applies a scheduler priority level to a context.
	SetPriority(h *Handle, p types.Priority)
	// Priority reads back the context's current priority level.
	Priority(h *Handle) types.Priority
	// Now returns the current monotonic time.
	Now() time.Time
	// SleepUntil suspends the caller until an absolute instant. Returns
	// immediately if the instant has passed. Strict periodic release is
	// built on this, not on relative sleeps, to avoid drift.
	SleepUntil(ctx context.Context, t time.Time) error
	// Sleep suspends the caller for a relative duration.
	Sleep(ctx context.Context, d time.Duration) error
	// Notify ORs bits into the target's pending-notification slot and
	// wakes it if it is waiting. Never blocks.
	Notify(h *Handle, bits uint32)
	// NotifyWait waits up to timeout for the handle's slot to be non-empty,
	// then returns and clears the accumulated mask. The second return is
	// false when the window expired with no signal.
	NotifyWait(ctx context.Context, h *Handle, timeout time.Duration) (uint32, bool)
}

// GoRuntime is the goroutine-backed reference Runtime.
type GoRuntime struct {
	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewGoRuntime creates a runtime whose execution contexts are all children
// of ctx.
func NewGoRuntime(ctx context.Context) *GoRuntime {
	base, cancel := context.WithCancel(ctx)
	return &GoRuntime{base: base, cancel: cancel}
}

// Spawn creates a goroutine-backed execution context for fn.
func (rt *GoRuntime) Spawn(spec types.JobSpec, fn func(ctx context.Context)) (*Handle, error) {
	if fn == nil {
		return nil, ErrNilJobFunc
	}

	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil, ErrRuntimeClosed
	}
	hctx, hcancel := context.WithCancel(rt.base)
	h := &Handle{
		id:       uuid.New(),
		spec:     spec,
		ctx:      hctx,
		cancel:   hcancel,
		done:     make(chan struct{}),
		notifyCh: make(chan struct{}, 1),
	}
	h.prio.Store(int32(spec.Priority))
	rt.wg.Add(1)
	rt.mu.Unlock()

	go func() {
		defer rt.wg.Done()
		defer close(h.done)
		defer hcancel()
		fn(hctx)
	}()

	return h, nil
}

// Kill destroys the execution context behind h. The job function observes
// the cancellation at its next suspension point; Kill does not wait for it.
func (rt *GoRuntime) Kill(h *Handle) {
	if h == nil {
		return
	}
	h.cancel()
}

// SetPriority records the context's priority level. A nil handle is a no-op,
// the same as Kill and Notify.
func (rt *GoRuntime) SetPriority(h *Handle, p types.Priority) {
	if h == nil {
		return
	}
	h.prio.Store(int32(p))
}

// Priority reads the context's current priority level. Zero for a nil handle.
func (rt *GoRuntime) Priority(h *Handle) types.Priority {
	if h == nil {
		return 0
	}
	return types.Priority(h.prio.Load())
}

// Now returns the monotonic wall clock.
func (rt *GoRuntime) Now() time.Time { return time.Now() }

// SleepUntil suspends until the absolute instant t, or until ctx is done.
func (rt *GoRuntime) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		// Already past the release point: treat as an immediate release,
		// the same way a tick-based delay-until does.
		return ctx.Err()
	}
	return rt.Sleep(ctx, d)
}

// Sleep suspends for d, or until ctx is done.
func (rt *GoRuntime) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Notify ORs bits into h's pending slot. Fire-and-forget: the sender never
// blocks, and signals sent to a dead context are lost.
func (rt *GoRuntime) Notify(h *Handle, bits uint32) {
	if h == nil || bits == 0 {
		return
	}
	h.notifyMu.Lock()
	h.pending |= bits
	h.notifyMu.Unlock()

	select {
	case h.notifyCh <- struct{}{}:
	default:
		// A wakeup is already queued; the accumulated mask covers this
		// signal too.
	}
}

// NotifyWait waits up to timeout for h's slot to hold at least one bit, then
// takes and clears the full mask. A nil handle never receives anything.
func (rt *GoRuntime) NotifyWait(ctx context.Context, h *Handle, timeout time.Duration) (uint32, bool) {
	if h == nil {
		return 0, false
	}
	deadline := time.Now().Add(timeout)

	for {
		if bits := h.takePending(); bits != 0 {
			return bits, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, false
		case <-timer.C:
			// Window expired; one last take covers a signal racing the
			// timer.
			if bits := h.takePending(); bits != 0 {
				return bits, true
			}
			return 0, false
		case <-h.notifyCh:
			timer.Stop()
			// Loop: the wakeup may be stale if a previous take already
			// consumed the bits.
		}
	}
}

// takePending atomically snapshots and clears the slot.
func (h *Handle) takePending() uint32 {
	h.notifyMu.Lock()
	bits := h.pending
	h.pending = 0
	h.notifyMu.Unlock()
	return bits
}

// Shutdown destroys every execution context and waits for their goroutines
// to return. Spawn fails with ErrRuntimeClosed afterwards.
func (rt *GoRuntime) Shutdown() {
	rt.mu.Lock()
	rt.closed = true
	rt.mu.Unlock()

	rt.cancel()
	rt.wg.Wait()
}
