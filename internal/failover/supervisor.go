// ============================================================================
// EDF-Supervisor Fault Tolerance - Primary/Backup Supervisor
// ============================================================================
//
// Package: internal/failover
// File: supervisor.go
// Purpose: Runs the primary, backup, and monitor jobs for each unit
//
// Jobs per unit (priorities follow the reference demo):
//   primary (3) - strict periodic release, simulated work, deadline check
//   backup  (2) - waits one deadline window (or the barrier handoff), then
//                 activates only when the cycle outcome was not success
//   monitor (1) - one low-priority reporter for all units, logging the
//                 success / backup / miss counters every interval
//
// Simulated work model (reference constants):
//   - 1-in-10 cycles the primary overruns: work = 2x the deadline window
//   - otherwise the primary completes in half its period
//   - an activated backup does a quarter of the primary's period
// The overrun decision is injectable so tests can pin it.
//
// The backup never preempts or signals the primary. It only observes the
// outcome, so a primary stuck mid-cycle shows up as repeated failures, not
// as a cancellation.
//
// ============================================================================

package failover

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ChuLiYu/edf-supervisor/internal/metrics"
	"github.com/ChuLiYu/edf-supervisor/internal/registry"
	"github.com/ChuLiYu/edf-supervisor/internal/sched"
	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var log = slog.Default()

// DefaultMonitorInterval is the reporter's wake interval.
const DefaultMonitorInterval = 5 * time.Second

// defaultOverrunOneIn is the reference 1-in-10 overrun probability.
const defaultOverrunOneIn = 10

// Priority levels from the reference demo.
const (
	primaryPriority = types.Priority(3)
	backupPriority  = types.Priority(2)
	monitorPriority = types.Priority(1)
)

// Config describes the fault-tolerant supervisor.
type Config struct {
	Units []UnitConfig
	// MonitorInterval is the reporter period. Defaults to 5s.
	MonitorInterval time.Duration
	// OverrunOneIn is the denominator of the simulated overrun probability:
	// 1-in-N cycles overrun. Zero defaults to 10, 1 overruns every cycle,
	// and a negative value disables simulated overruns entirely.
	OverrunOneIn int
}

// Supervisor owns the fault-tolerant units and their jobs.
type Supervisor struct {
	rt  sched.Runtime
	reg *registry.Registry
	mx  *metrics.Collector

	units           []*Unit
	monitorInterval time.Duration
	decideOverrun   func() bool

	handles []*sched.Handle
}

// New builds the supervisor and its units. mx may be nil.
func New(rt sched.Runtime, reg *registry.Registry, mx *metrics.Collector, cfg Config) (*Supervisor, error) {
	interval := cfg.MonitorInterval
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	var decide func() bool
	switch oneIn := cfg.OverrunOneIn; {
	case oneIn < 0:
		decide = func() bool { return false }
	case oneIn == 0:
		decide = func() bool { return rand.Intn(defaultOverrunOneIn) == 0 }
	default:
		decide = func() bool { return rand.Intn(oneIn) == 0 }
	}

	s := &Supervisor{
		rt:              rt,
		reg:             reg,
		mx:              mx,
		monitorInterval: interval,
		decideOverrun:   decide,
	}

	for _, uc := range cfg.Units {
		u, err := NewUnit(uc)
		if err != nil {
			return nil, err
		}
		s.units = append(s.units, u)
	}
	return s, nil
}

// Start spawns a primary and a backup per unit, plus one shared monitor, and
// registers them all.
func (s *Supervisor) Start() error {
	for _, u := range s.units {
		primary := types.JobSpec{
			ID:       types.JobID(u.Name() + "/primary"),
			Name:     u.Name() + " primary",
			Period:   u.Period(),
			Priority: primaryPriority,
		}
		if err := s.spawn(primary, s.primaryLoop(u)); err != nil {
			return err
		}

		backup := types.JobSpec{
			ID:       types.JobID(u.Name() + "/backup"),
			Name:     u.Name() + " backup",
			Period:   u.Window(),
			Priority: backupPriority,
		}
		if err := s.spawn(backup, s.backupLoop(u)); err != nil {
			return err
		}
	}

	monitor := types.JobSpec{
		ID:       "failover/monitor",
		Name:     "fault tolerance monitor",
		Period:   s.monitorInterval,
		Priority: monitorPriority,
	}
	if err := s.spawn(monitor, s.monitorLoop); err != nil {
		return err
	}

	log.Info("fault-tolerant supervisor started", "units", len(s.units))
	return nil
}

func (s *Supervisor) spawn(spec types.JobSpec, fn func(ctx context.Context)) error {
	h, err := s.rt.Spawn(spec, fn)
	if err != nil {
		return err
	}
	if _, err := s.reg.Register(spec, h); err != nil {
		s.rt.Kill(h)
		return err
	}
	s.handles = append(s.handles, h)
	return nil
}

// Stop destroys every job the supervisor spawned.
func (s *Supervisor) Stop() {
	for _, h := range s.handles {
		s.rt.Kill(h)
	}
	log.Info("fault-tolerant supervisor stopped")
}

// Stats returns per-unit counter snapshots in configuration order.
func (s *Supervisor) Stats() []types.UnitStats {
	out := make([]types.UnitStats, len(s.units))
	for i, u := range s.units {
		out[i] = u.Stats()
	}
	return out
}

// primaryLoop is one unit's primary job: pessimistic outcome reset, strict
// periodic release, simulated work, then outcome commit and deadline check.
func (s *Supervisor) primaryLoop(u *Unit) func(ctx context.Context) {
	return func(ctx context.Context) {
		next := s.rt.Now()
		for {
			u.beginCycle()
			cycleStart := next
			next = next.Add(u.Period())
			if err := s.rt.SleepUntil(ctx, next); err != nil {
				return
			}

			log.Info("primary released", "unit", u.Name())
			start := s.rt.Now()

			overrun := s.decideOverrun()
			work := u.Period() / 2
			if overrun {
				work = 2 * u.Window()
			}
			if err := s.rt.Sleep(ctx, work); err != nil {
				return
			}

			finished := s.rt.Now()
			s.mx.ObservePrimaryDuration(u.Name(), finished.Sub(start).Seconds())

			missed := u.completeCycle(cycleStart, finished, !overrun)
			if overrun {
				log.Warn("primary overrun", "unit", u.Name())
			} else {
				s.mx.RecordSuccess(u.Name())
				log.Info("primary success", "unit", u.Name())
			}
			if missed {
				s.mx.RecordDeadlineMiss(u.Name())
				if overrun {
					log.Warn("primary missed deadline", "unit", u.Name(), "outcome", "failure")
				} else {
					log.Warn("primary finished after deadline", "unit", u.Name(), "outcome", "late success")
				}
			}
		}
	}
}

// backupLoop is one unit's backup job. It paces itself by the deadline
// window (phase mode) or by the barrier handoff, and does light simulated
// work only when the observed outcome was not success.
func (s *Supervisor) backupLoop(u *Unit) func(ctx context.Context) {
	return func(ctx context.Context) {
		for {
			var o types.Outcome
			if u.Mode() == HandoffBarrier {
				var ok bool
				o, ok = u.awaitOutcome(ctx.Done())
				if !ok {
					return
				}
			} else {
				if err := s.rt.Sleep(ctx, u.Window()); err != nil {
					return
				}
				o = u.loadOutcome()
			}

			if u.observeBackup(o) {
				s.mx.RecordBackupActivation(u.Name())
				log.Warn("backup activated", "unit", u.Name(), "outcome", o.String())
				if err := s.rt.Sleep(ctx, u.Period()/4); err != nil {
					return
				}
			} else {
				log.Debug("backup skipped, primary succeeded", "unit", u.Name())
			}
		}
	}
}

// monitorLoop is the shared low-priority reporter. Read-only.
func (s *Supervisor) monitorLoop(ctx context.Context) {
	for {
		if err := s.rt.Sleep(ctx, s.monitorInterval); err != nil {
			return
		}
		log.Info("fault tolerance summary")
		for _, u := range s.units {
			st := u.Stats()
			log.Info("unit counters",
				"unit", st.Name,
				"successes", st.Successes,
				"backups", st.BackupActivations,
				"deadline_misses", st.DeadlineMisses)
		}
	}
}
