package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/edf-supervisor/internal/registry"
	"github.com/ChuLiYu/edf-supervisor/internal/sched"
	"github.com/ChuLiYu/edf-supervisor/pkg/types"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestUnit(t *testing.T) *Unit {
	t.Helper()
	u, err := NewUnit(UnitConfig{
		Name:   "job-a",
		Period: 500 * time.Millisecond,
		Window: 800 * time.Millisecond,
	})
	require.NoError(t, err)
	return u
}

// ============================================================================
// Configuration
// ============================================================================

func TestUnitConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     UnitConfig
		wantErr error
	}{
		{
			name:    "missing name",
			cfg:     UnitConfig{Period: time.Second, Window: time.Second},
			wantErr: ErrUnitName,
		},
		{
			name:    "zero period",
			cfg:     UnitConfig{Name: "u", Window: time.Second},
			wantErr: ErrUnitPeriod,
		},
		{
			name:    "zero window",
			cfg:     UnitConfig{Name: "u", Period: time.Second},
			wantErr: ErrUnitWindow,
		},
		{
			name:    "unknown handoff",
			cfg:     UnitConfig{Name: "u", Period: time.Second, Window: time.Second, Handoff: "psychic"},
			wantErr: ErrHandoffMode,
		},
		{
			name: "valid defaults to phase",
			cfg:  UnitConfig{Name: "u", Period: time.Second, Window: time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := NewUnit(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, HandoffPhase, u.Mode())
		})
	}
}

// ============================================================================
// Cycle accounting
// ============================================================================

func TestInitialOutcomeIsSuccess(t *testing.T) {
	// The backup must not spuriously activate before the first primary
	// cycle has completed.
	u := newTestUnit(t)
	assert.Equal(t, types.OutcomeSuccess, u.loadOutcome())
}

func TestBeginCycleIsPessimistic(t *testing.T) {
	u := newTestUnit(t)
	u.beginCycle()
	assert.Equal(t, types.OutcomeFailure, u.loadOutcome())
}

func TestCompleteCycleOnTime(t *testing.T) {
	u := newTestUnit(t)
	u.beginCycle()

	missed := u.completeCycle(t0, t0.Add(700*time.Millisecond), true)

	assert.False(t, missed)
	assert.Equal(t, types.OutcomeSuccess, u.loadOutcome())
	st := u.Stats()
	assert.Equal(t, uint64(1), st.Successes)
	assert.Equal(t, uint64(0), st.DeadlineMisses)
}

func TestCompleteCycleLateSuccess(t *testing.T) {
	// Finished after the deadline but with a successful outcome: counted
	// both as a success and as a deadline miss.
	u := newTestUnit(t)
	u.beginCycle()

	missed := u.completeCycle(t0, t0.Add(900*time.Millisecond), true)

	assert.True(t, missed)
	assert.Equal(t, types.OutcomeSuccess, u.loadOutcome())
	st := u.Stats()
	assert.Equal(t, uint64(1), st.Successes)
	assert.Equal(t, uint64(1), st.DeadlineMisses)
}

func TestCompleteCycleOverrun(t *testing.T) {
	u := newTestUnit(t)
	u.beginCycle()

	missed := u.completeCycle(t0, t0.Add(1600*time.Millisecond), false)

	assert.True(t, missed)
	assert.Equal(t, types.OutcomeFailure, u.loadOutcome())
	st := u.Stats()
	assert.Equal(t, uint64(0), st.Successes)
	assert.Equal(t, uint64(1), st.DeadlineMisses)
}

func TestMissCountsOncePerCycle(t *testing.T) {
	u := newTestUnit(t)
	for i := 0; i < 3; i++ {
		u.beginCycle()
		u.completeCycle(t0, t0.Add(time.Second), i%2 == 0)
	}
	assert.Equal(t, uint64(3), u.Stats().DeadlineMisses)
}

// ============================================================================
// Backup activation rule
// ============================================================================

func TestObserveBackup(t *testing.T) {
	u := newTestUnit(t)

	assert.False(t, u.observeBackup(types.OutcomeSuccess))
	assert.Equal(t, uint64(0), u.Stats().BackupActivations)

	assert.True(t, u.observeBackup(types.OutcomeFailure))
	assert.Equal(t, uint64(1), u.Stats().BackupActivations)

	// Unknown is treated as not-success: the backup covers it.
	assert.True(t, u.observeBackup(types.OutcomeUnknown))
	assert.Equal(t, uint64(2), u.Stats().BackupActivations)
}

func TestPublishReplacesStaleOutcome(t *testing.T) {
	u, err := NewUnit(UnitConfig{
		Name:    "job-a",
		Period:  500 * time.Millisecond,
		Window:  800 * time.Millisecond,
		Handoff: HandoffBarrier,
	})
	require.NoError(t, err)

	u.publish(types.OutcomeSuccess)
	u.publish(types.OutcomeFailure)

	done := make(chan struct{})
	o, ok := u.awaitOutcome(done)
	require.True(t, ok)
	assert.Equal(t, types.OutcomeFailure, o, "an unread outcome is replaced, not queued behind")

	close(done)
	_, ok = u.awaitOutcome(done)
	assert.False(t, ok)
}

// ============================================================================
// Supervisor (timing-based, barrier mode for determinism)
// ============================================================================

func startTestSupervisor(t *testing.T, overrunOneIn int) *Supervisor {
	t.Helper()

	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	reg := registry.New(3)

	sup, err := New(rt, reg, nil, Config{
		Units: []UnitConfig{{
			Name:    "job-a",
			Period:  40 * time.Millisecond,
			Window:  80 * time.Millisecond,
			Handoff: HandoffBarrier,
		}},
		MonitorInterval: time.Hour, // keep the reporter quiet
		OverrunOneIn:    overrunOneIn,
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	t.Cleanup(sup.Stop)
	return sup
}

func TestSupervisorHealthyPrimary(t *testing.T) {
	sup := startTestSupervisor(t, -1) // overruns disabled

	time.Sleep(400 * time.Millisecond)

	st := sup.Stats()[0]
	assert.GreaterOrEqual(t, st.Successes, uint64(3))
	assert.Equal(t, uint64(0), st.DeadlineMisses, "on-time cycles never count as misses")
	assert.Equal(t, uint64(0), st.BackupActivations, "barrier backup stays idle while the primary succeeds")
}

func TestSupervisorFailingPrimary(t *testing.T) {
	sup := startTestSupervisor(t, 1) // overrun every cycle

	time.Sleep(700 * time.Millisecond)

	st := sup.Stats()[0]
	assert.Equal(t, uint64(0), st.Successes)
	assert.GreaterOrEqual(t, st.DeadlineMisses, uint64(1), "every overrun finishes past the window")
	assert.GreaterOrEqual(t, st.BackupActivations, uint64(1), "backup covers each failed cycle")
}

func TestSupervisorRegistersJobs(t *testing.T) {
	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	reg := registry.New(5)

	sup, err := New(rt, reg, nil, Config{
		Units: []UnitConfig{
			{Name: "job-a", Period: time.Second, Window: time.Second},
			{Name: "job-b", Period: time.Second, Window: time.Second},
		},
	})
	require.NoError(t, err)
	require.NoError(t, sup.Start())
	t.Cleanup(sup.Stop)

	// Two jobs per unit plus the shared monitor.
	assert.Equal(t, 5, reg.Len())

	h, err := reg.Handle("job-a/primary")
	require.NoError(t, err)
	assert.Equal(t, primaryPriority, rt.Priority(h))
	h, err = reg.Handle("job-a/backup")
	require.NoError(t, err)
	assert.Equal(t, backupPriority, rt.Priority(h))
}
