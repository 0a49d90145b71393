// ============================================================================
// EDF-Supervisor Fault Tolerance - Unit State
// ============================================================================
//
// Package: internal/failover
// File: unit.go
// Purpose: Per-unit state for the primary/backup redundancy pattern
//
// Cycle contract:
//   One cycle = one primary period. The cycle starts at the beginning of the
//   period; the primary is released at its end, does its work, and must
//   finish by cycle-start + deadline window. The outcome flag has exactly
//   one writer (the primary) and two readers (backup, monitor).
//
// Handoff modes:
//   phase   - backup sleeps one deadline window, then reads the outcome
//             flag. Reproduces the reference behavior, including the stale
//             read possible when the phases of primary and backup drift.
//   barrier - the primary publishes each cycle's outcome on a channel and
//             the backup blocks for it, removing the race at the cost of
//             coupling the backup's pace to the primary's.
//
// Counters are atomics: success, backup activation, and deadline miss counts
// are incremented by the unit's own jobs and read concurrently by the
// monitor and the stats surface.
//
// ============================================================================

package failover

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var (
	// ErrUnitName means a unit was configured without a name.
	ErrUnitName = errors.New("unit name must not be empty")
	// ErrUnitPeriod means a unit's period is not positive.
	ErrUnitPeriod = errors.New("unit period must be positive")
	// ErrUnitWindow means a unit's deadline window is not positive.
	ErrUnitWindow = errors.New("unit deadline window must be positive")
	// ErrHandoffMode means an unknown handoff mode was configured.
	ErrHandoffMode = errors.New("unknown handoff mode")
)

// HandoffMode selects how a cycle's outcome travels from primary to backup.
type HandoffMode string

const (
	// HandoffPhase is the reference behavior: backup reads the shared flag
	// after sleeping one deadline window.
	HandoffPhase HandoffMode = "phase"
	// HandoffBarrier is the synchronized alternative: backup receives each
	// cycle's outcome over a channel.
	HandoffBarrier HandoffMode = "barrier"
)

// UnitConfig describes one fault-tolerant unit.
type UnitConfig struct {
	Name string
	// Period is the primary's activation interval.
	Period time.Duration
	// Window is the deadline window: the primary must finish within this
	// duration after cycle start.
	Window time.Duration
	// Handoff selects the outcome handoff mode. Defaults to HandoffPhase.
	Handoff HandoffMode
}

func (cfg *UnitConfig) validate() error {
	if cfg.Name == "" {
		return ErrUnitName
	}
	if cfg.Period <= 0 {
		return ErrUnitPeriod
	}
	if cfg.Window <= 0 {
		return ErrUnitWindow
	}
	switch cfg.Handoff {
	case "":
		cfg.Handoff = HandoffPhase
	case HandoffPhase, HandoffBarrier:
	default:
		return ErrHandoffMode
	}
	return nil
}

// Unit is a logical unit of work with exactly one primary and one backup.
type Unit struct {
	cfg UnitConfig

	outcome atomic.Int32
	handoff chan types.Outcome

	successes         atomic.Uint64
	backupActivations atomic.Uint64
	deadlineMisses    atomic.Uint64
}

// NewUnit validates cfg and creates the unit.
//
// The outcome starts as success so the backup does not spuriously activate
// before the first primary cycle has completed.
func NewUnit(cfg UnitConfig) (*Unit, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	u := &Unit{
		cfg:     cfg,
		handoff: make(chan types.Outcome, 1),
	}
	u.outcome.Store(int32(types.OutcomeSuccess))
	return u, nil
}

// Name returns the unit's name.
func (u *Unit) Name() string { return u.cfg.Name }

// Period returns the primary's activation interval.
func (u *Unit) Period() time.Duration { return u.cfg.Period }

// Window returns the deadline window.
func (u *Unit) Window() time.Duration { return u.cfg.Window }

// Mode returns the configured handoff mode.
func (u *Unit) Mode() HandoffMode { return u.cfg.Handoff }

// beginCycle resets the outcome to the pessimistic default. Called by the
// primary before it suspends for its next release.
func (u *Unit) beginCycle() {
	u.outcome.Store(int32(types.OutcomeFailure))
}

// completeCycle records the primary's cycle result: outcome flag, success
// counter, and the deadline check against cycleStart + Window. Returns true
// when the cycle missed its deadline, which counts exactly once regardless
// of the outcome.
func (u *Unit) completeCycle(cycleStart, finished time.Time, ok bool) (missed bool) {
	o := types.OutcomeFailure
	if ok {
		o = types.OutcomeSuccess
		u.successes.Add(1)
	}
	u.outcome.Store(int32(o))

	if finished.After(cycleStart.Add(u.cfg.Window)) {
		u.deadlineMisses.Add(1)
		missed = true
	}

	if u.cfg.Handoff == HandoffBarrier {
		u.publish(o)
	}
	return missed
}

// publish hands the cycle outcome to the backup, replacing a stale unread
// one rather than blocking the primary.
func (u *Unit) publish(o types.Outcome) {
	select {
	case u.handoff <- o:
	default:
		select {
		case <-u.handoff:
		default:
		}
		select {
		case u.handoff <- o:
		default:
		}
	}
}

// loadOutcome reads the shared flag (phase mode's check point).
func (u *Unit) loadOutcome() types.Outcome {
	return types.Outcome(u.outcome.Load())
}

// awaitOutcome blocks for the next published cycle outcome (barrier mode).
// Returns false when the backup is being destroyed.
func (u *Unit) awaitOutcome(done <-chan struct{}) (types.Outcome, bool) {
	select {
	case <-done:
		return types.OutcomeUnknown, false
	case o := <-u.handoff:
		return o, true
	}
}

// observeBackup applies the backup's activation rule to an observed outcome:
// anything but success activates the backup and increments its counter
// exactly once for the cycle.
func (u *Unit) observeBackup(o types.Outcome) bool {
	if o == types.OutcomeSuccess {
		return false
	}
	u.backupActivations.Add(1)
	return true
}

// Stats returns a snapshot of the unit's counters.
func (u *Unit) Stats() types.UnitStats {
	return types.UnitStats{
		Name:              u.cfg.Name,
		Successes:         u.successes.Load(),
		BackupActivations: u.backupActivations.Load(),
		DeadlineMisses:    u.deadlineMisses.Load(),
	}
}
