// ============================================================================
// EDF-Supervisor Priority Controller - Scheduler Adapter
// ============================================================================
//
// Package: internal/edf
// File: controller.go
// Purpose: Applies the pure EDF ranking to the runtime scheduler, in both of
//          the controller's flavors
//
// Two flavors:
//   Static - every tracked job calls Activate at the start of its cycle,
//            which advances its own deadline and re-applies the full ranking
//            before the job runs.
//   Loop   - Run executes the controller as its own periodic job: each tick
//            it reorders the deadline-entry sequence by ascending next
//            deadline, then applies priorities in ranked order.
//
// Concurrency:
//   Reapply may be called concurrently from several job contexts. It ranks a
//   snapshot taken under the lock, so two calls with an unchanged deadline
//   set produce the identical assignment.
//
// ============================================================================

package edf

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/edf-supervisor/internal/metrics"
	"github.com/ChuLiYu/edf-supervisor/internal/registry"
	"github.com/ChuLiYu/edf-supervisor/internal/sched"
	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var log = slog.Default()

// DefaultInterval is the loop flavor's reapply period.
const DefaultInterval = 50 * time.Millisecond

// Controller re-ranks job priorities so the nearest deadline runs first.
type Controller struct {
	rt       sched.Runtime
	reg      *registry.Registry
	mx       *metrics.Collector
	interval time.Duration

	mu      sync.Mutex
	entries []*Entry
}

// NewController creates a priority controller. mx may be nil.
func NewController(rt sched.Runtime, reg *registry.Registry, mx *metrics.Collector, interval time.Duration) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Controller{
		rt:       rt,
		reg:      reg,
		mx:       mx,
		interval: interval,
	}
}

// Track adds a registered job to the deadline set. The first deadline is one
// period from now; every activation advances it by exactly one period.
func (c *Controller) Track(id types.JobID) error {
	h, err := c.reg.Handle(id)
	if err != nil {
		return err
	}
	spec := h.Spec()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, &Entry{
		ID:           id,
		Index:        len(c.entries),
		Period:       spec.Period,
		NextDeadline: c.rt.Now().Add(spec.Period),
	})
	return nil
}

// Activate is the static flavor's entry point: the job advances its own
// deadline and re-applies the full ranking before running.
func (c *Controller) Activate(id types.JobID) {
	c.mu.Lock()
	for _, e := range c.entries {
		if e.ID == id {
			e.Advance()
			break
		}
	}
	c.mu.Unlock()

	c.Reapply()
}

// Reapply ranks the current deadline snapshot and pushes the assignment into
// the scheduler. Idempotent for an unchanged snapshot.
func (c *Controller) Reapply() {
	now := c.rt.Now()

	c.mu.Lock()
	snap := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		snap[i] = *e
	}
	c.mu.Unlock()

	c.apply(Rank(now, snap))
}

// Run is the loop flavor: a periodic job that reorders the entry sequence by
// ascending next deadline and applies priorities in ranked order each tick.
func (c *Controller) Run(ctx context.Context) error {
	log.Info("EDF controller started", "interval", c.interval, "jobs", len(c.Deadlines()))
	for {
		if err := c.rt.Sleep(ctx, c.interval); err != nil {
			log.Info("EDF controller stopped")
			return nil
		}
		c.tick()
	}
}

// tick is one pass of the loop flavor: reorder entries by ascending next
// deadline, then rank and apply.
func (c *Controller) tick() {
	now := c.rt.Now()

	c.mu.Lock()
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].NextDeadline.Before(c.entries[j].NextDeadline)
	})
	snap := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		snap[i] = *e
	}
	c.mu.Unlock()

	c.apply(Rank(now, snap))
}

// apply pushes one computed assignment into the runtime.
func (c *Controller) apply(ranked []Assignment) {
	for _, a := range ranked {
		h, err := c.reg.Handle(a.ID)
		if err != nil {
			// Entry outlived its registration; nothing to apply.
			continue
		}
		c.rt.SetPriority(h, a.Priority)
		c.mx.SetJobPriority(string(a.ID), int(a.Priority))
	}
	c.mx.RecordPriorityUpdate()
}

// Deadlines returns the next-deadline sequence in the entries' current
// order. The loop flavor keeps this sequence non-decreasing.
func (c *Controller) Deadlines() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Time, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.NextDeadline
	}
	return out
}

// JobLoop returns a periodic job body for a tracked job: strict periodic
// release, then activate (advance deadline + re-rank) before the simulated
// work of the cycle.
func (c *Controller) JobLoop(id types.JobID, period time.Duration) func(ctx context.Context) {
	return func(ctx context.Context) {
		next := c.rt.Now()
		for {
			next = next.Add(period)
			if err := c.rt.SleepUntil(ctx, next); err != nil {
				return
			}
			c.Activate(id)
			log.Info("job executing", "job", id, "period", period)
		}
	}
}
