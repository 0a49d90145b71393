// ============================================================================
// EDF-Supervisor Watchdog - Heartbeat Liveness Supervisor
// ============================================================================
//
// Package: internal/watchdog
// File: watchdog.go
// Purpose: Detects silent worker failure through heartbeat bits and restarts
//          unresponsive workers
//
// Protocol:
//   Worker i sends bit 1<<i to the supervisor's notification slot every
//   period, fire-and-forget. The supervisor waits one receive window per
//   cycle for the OR-accumulated mask and then applies the miss rule:
//     - window hit:    bit set -> reset that worker's miss counter
//                      bit clear -> increment it
//     - window timeout: increment every worker's miss counter
//   A counter reaching the threshold destroys and re-creates that worker
//   with the same bit identity and period, then resets the counter.
//
// There is deliberately no restart backoff: a worker that never signals is
// restarted every threshold windows indefinitely. That mirrors the reference
// behavior and keeps the policy trivially predictable.
//
// The decision rule lives in applyWindow, separated from the loops so the
// counter/restart sequences are table-testable without timing.
//
// ============================================================================

package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/edf-supervisor/internal/metrics"
	"github.com/ChuLiYu/edf-supervisor/internal/registry"
	"github.com/ChuLiYu/edf-supervisor/internal/sched"
	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var log = slog.Default()

var (
	// ErrNoWorkers means the watchdog was configured without workers.
	ErrNoWorkers = errors.New("watchdog needs at least one worker")
	// ErrTooManyWorkers means the worker count exceeds the bitmask width.
	ErrTooManyWorkers = errors.New("watchdog supports at most 32 workers")
	// ErrWorkerPeriod means a worker's heartbeat period is not positive.
	ErrWorkerPeriod = errors.New("worker period must be positive")
)

// Defaults from the reference demo.
const (
	DefaultWindow        = 100 * time.Millisecond
	DefaultMissThreshold = 2

	supervisorPriority = types.Priority(4)
	workerPriority     = types.Priority(2)
)

// WorkerConfig describes one supervised worker. Its bit identity is its
// position in the configuration.
type WorkerConfig struct {
	Name   string
	Period time.Duration
}

// Config describes the watchdog supervisor.
type Config struct {
	Workers []WorkerConfig
	// Window is the supervisor's bounded receive window per cycle.
	Window time.Duration
	// MissThreshold is the consecutive-miss count that triggers a restart.
	MissThreshold int
}

// entry is the stable logical record of one supervised worker.
type entry struct {
	spec     types.JobSpec
	bit      uint32
	misses   int
	restarts uint64
}

// Supervisor runs the watchdog loop and the workers it supervises.
type Supervisor struct {
	rt  sched.Runtime
	reg *registry.Registry
	mx  *metrics.Collector

	window    time.Duration
	threshold int

	mu      sync.Mutex
	entries []*entry

	self *sched.Handle // the supervisor job's own handle (notification target)
}

// New validates cfg and builds the supervisor. mx may be nil.
func New(rt sched.Runtime, reg *registry.Registry, mx *metrics.Collector, cfg Config) (*Supervisor, error) {
	if len(cfg.Workers) == 0 {
		return nil, ErrNoWorkers
	}
	if len(cfg.Workers) > 32 {
		return nil, ErrTooManyWorkers
	}
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	threshold := cfg.MissThreshold
	if threshold <= 0 {
		threshold = DefaultMissThreshold
	}

	s := &Supervisor{
		rt:        rt,
		reg:       reg,
		mx:        mx,
		window:    window,
		threshold: threshold,
	}

	for i, wc := range cfg.Workers {
		if wc.Period <= 0 {
			return nil, ErrWorkerPeriod
		}
		s.entries = append(s.entries, &entry{
			spec: types.JobSpec{
				ID:       types.JobID(wc.Name),
				Name:     wc.Name,
				Period:   wc.Period,
				Priority: workerPriority,
			},
			bit: 1 << uint32(i),
		})
	}
	return s, nil
}

// Start spawns the supervisor job first (so workers have a notification
// target), then the workers.
func (s *Supervisor) Start() error {
	spec := types.JobSpec{
		ID:       "watchdog/supervisor",
		Name:     "watchdog supervisor",
		Priority: supervisorPriority,
	}
	// The supervisor job is its own notification target, but its handle
	// only exists once Spawn returns. Hand it over through a channel so
	// the loop never observes a half-initialized supervisor.
	handoff := make(chan *sched.Handle, 1)
	h, err := s.rt.Spawn(spec, func(ctx context.Context) {
		select {
		case self := <-handoff:
			s.superviseLoop(ctx, self)
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	if _, err := s.reg.Register(spec, h); err != nil {
		s.rt.Kill(h)
		return err
	}
	s.self = h
	handoff <- h

	for _, e := range s.entries {
		wh, err := s.rt.Spawn(e.spec, s.workerLoop(e))
		if err != nil {
			return err
		}
		if _, err := s.reg.Register(e.spec, wh); err != nil {
			s.rt.Kill(wh)
			return err
		}
	}

	log.Info("watchdog started",
		"workers", len(s.entries),
		"window", s.window,
		"miss_threshold", s.threshold)
	return nil
}

// Stop destroys the supervisor job and every worker.
func (s *Supervisor) Stop() {
	if s.self != nil {
		s.rt.Kill(s.self)
	}
	for _, e := range s.entries {
		if h, err := s.reg.Handle(e.spec.ID); err == nil {
			s.rt.Kill(h)
		}
	}
	log.Info("watchdog stopped")
}

// workerLoop sends the worker's heartbeat bit every period and does light
// simulated work in between. Fire-and-forget: the worker never waits for an
// acknowledgment.
func (s *Supervisor) workerLoop(e *entry) func(ctx context.Context) {
	bit := e.bit
	name := string(e.spec.ID)
	period := e.spec.Period
	return func(ctx context.Context) {
		for {
			s.rt.Notify(s.self, bit)
			s.mx.RecordHeartbeat(name)
			log.Debug("heartbeat sent", "worker", name, "bit", bit)
			if err := s.rt.Sleep(ctx, period); err != nil {
				return
			}
		}
	}
}

// superviseLoop is the watchdog cycle: bounded receive, miss accounting,
// restarts. self is the loop's own handle, carrying the notification slot.
func (s *Supervisor) superviseLoop(ctx context.Context, self *sched.Handle) {
	for {
		bits, received := s.rt.NotifyWait(ctx, self, s.window)
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mx.RecordWindow(received)

		s.mu.Lock()
		restart := applyWindow(s.entries, bits, received, s.threshold)
		for _, e := range s.entries {
			s.mx.SetConsecutiveMisses(string(e.spec.ID), e.misses)
		}
		s.mu.Unlock()

		for _, e := range restart {
			s.restart(ctx, e)
		}
	}
}

// applyWindow applies one receive window's result to the miss counters and
// returns the workers that crossed the restart threshold. Crossing the
// threshold resets the counter.
func applyWindow(entries []*entry, bits uint32, received bool, threshold int) []*entry {
	for _, e := range entries {
		if received && bits&e.bit != 0 {
			e.misses = 0
			continue
		}
		e.misses++
	}

	var restart []*entry
	for _, e := range entries {
		if e.misses >= threshold {
			e.misses = 0
			restart = append(restart, e)
		}
	}
	return restart
}

// restart destroys the worker's execution context and re-creates it fresh,
// keeping the logical record (bit identity, period, counters) in place.
func (s *Supervisor) restart(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}

	// Destroy first, then re-create: the old context's in-flight heartbeat,
	// if any, is simply lost.
	if old, err := s.reg.Handle(e.spec.ID); err == nil {
		s.rt.Kill(old)
	}

	nh, err := s.rt.Spawn(e.spec, s.workerLoop(e))
	if err != nil {
		log.Error("failed to respawn worker", "worker", e.spec.ID, "error", err)
		return
	}
	if _, err := s.reg.SwapHandle(e.spec.ID, nh); err != nil {
		log.Error("failed to swap worker handle", "worker", e.spec.ID, "error", err)
		s.rt.Kill(nh)
		return
	}

	s.mu.Lock()
	e.restarts++
	s.mu.Unlock()

	s.mx.RecordRestart(string(e.spec.ID))
	log.Warn("worker restarted",
		"worker", e.spec.ID,
		"bit", e.bit,
		"new_context", nh.ID())
}

// Stats returns per-worker snapshots in bit order.
func (s *Supervisor) Stats() []types.WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.WorkerStats, len(s.entries))
	for i, e := range s.entries {
		out[i] = types.WorkerStats{
			Name:              string(e.spec.ID),
			Bit:               e.bit,
			ConsecutiveMisses: e.misses,
			Restarts:          e.restarts,
		}
	}
	return out
}
