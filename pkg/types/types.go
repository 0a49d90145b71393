// Package types defines the core domain model shared by the supervisory
// subsystems: job identity, priority levels, cycle outcomes, and the stats
// DTOs exposed by the monitors.
package types

import "time"

// JobID uniquely identifies a logical job. The identity is stable across
// watchdog restarts; only the underlying execution context changes.
type JobID string

// Priority is a scheduler priority level. Higher values are more urgent.
type Priority int

// Outcome is the tri-state result of a fault-tolerant unit's primary cycle.
//
// It is reset at cycle start to OutcomeFailure (pessimistic default), written
// exactly once per cycle by the unit's primary, and read by the unit's backup
// at its activation point.
type Outcome int32

const (
	// OutcomeUnknown means no primary cycle has completed yet.
	OutcomeUnknown Outcome = iota
	// OutcomeSuccess means the primary finished its work within the cycle.
	OutcomeSuccess
	// OutcomeFailure means the primary overran or has not yet completed the
	// current cycle. The backup treats it as a signal to activate.
	OutcomeFailure
)

// String returns a human-readable outcome label for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// JobSpec describes a job handed to the runtime scheduler at creation time.
type JobSpec struct {
	ID JobID `json:"id"`
	// Name is the human-readable job name used in logs.
	Name string `json:"name"`
	// Period is the interval between periodic activations. Zero means the
	// job paces itself (e.g. the watchdog supervisor's receive window).
	Period time.Duration `json:"period"`
	// Priority is the initial scheduler priority level.
	Priority Priority `json:"priority"`
	// StackBudget is a stack-size hint passed through to the runtime.
	// The reference runtime records it but does not enforce it.
	StackBudget int `json:"stack_budget,omitempty"`
}

// UnitStats is a read-only snapshot of a fault-tolerant unit's counters.
type UnitStats struct {
	Name              string `json:"name"`
	Successes         uint64 `json:"successes"`
	BackupActivations uint64 `json:"backup_activations"`
	DeadlineMisses    uint64 `json:"deadline_misses"`
}

// WorkerStats is a read-only snapshot of a watchdog-supervised worker.
type WorkerStats struct {
	Name              string `json:"name"`
	Bit               uint32 `json:"bit"`
	ConsecutiveMisses int    `json:"consecutive_misses"`
	Restarts          uint64 `json:"restarts"`
}
