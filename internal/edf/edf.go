// ============================================================================
// EDF-Supervisor Priority Controller - Deadline Ranking Core
// ============================================================================
//
// Package: internal/edf
// File: edf.go
// Purpose: Pure earliest-deadline-first ranking over a snapshot of deadline
//          entries
//
// Algorithm:
//   remaining(i) = max(NextDeadline(i) - now, 0)
//   Jobs are ranked by ascending remaining time; ties resolve to the lower
//   registration index. With N jobs the ranked list is assigned priorities
//   N, N-1, ..., 1, so the nearest deadline gets the highest level.
//
//   A deadline already in the past clamps to zero remaining (maximal
//   urgency), never negative.
//
// Purity:
//   Rank has no side effects and is idempotent for a given (now, entries)
//   snapshot. The adapter that pushes the assignment into the real scheduler
//   lives in controller.go; this split keeps the interesting algorithm
//   independent of the platform call.
//
// ============================================================================

package edf

import (
	"sort"
	"time"

	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

// Entry pairs a job with its absolute next deadline.
type Entry struct {
	ID types.JobID
	// Index is the job's fixed registration order, used as the tie-break.
	Index        int
	Period       time.Duration
	NextDeadline time.Time
}

// Advance moves the entry's deadline forward by exactly one period.
// Deadlines only ever advance; they are never pulled back.
func (e *Entry) Advance() {
	e.NextDeadline = e.NextDeadline.Add(e.Period)
}

// Remaining returns the time left until the entry's deadline, clamped to
// zero when the deadline has passed.
func (e *Entry) Remaining(now time.Time) time.Duration {
	r := e.NextDeadline.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// Assignment is one job's slot in a computed priority ranking.
type Assignment struct {
	ID        types.JobID
	Index     int
	Remaining time.Duration
	Priority  types.Priority
}

// Rank computes the EDF priority assignment for a snapshot of entries.
//
// The result is ordered most-urgent first. With N entries, priorities span
// [1..N]: the smallest remaining time receives N, and ties are broken by
// registration index, lowest first.
func Rank(now time.Time, entries []Entry) []Assignment {
	n := len(entries)
	ranked := make([]Assignment, n)
	for i, e := range entries {
		ranked[i] = Assignment{
			ID:        e.ID,
			Index:     e.Index,
			Remaining: e.Remaining(now),
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Remaining != ranked[j].Remaining {
			return ranked[i].Remaining < ranked[j].Remaining
		}
		return ranked[i].Index < ranked[j].Index
	})

	for i := range ranked {
		ranked[i].Priority = types.Priority(n - i)
	}
	return ranked
}
