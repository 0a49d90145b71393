package watchdog

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

func newTestEntries(n int) []*entry {
	entries := make([]*entry, n)
	for i := range entries {
		entries[i] = &entry{
			spec: types.JobSpec{ID: types.JobID(rune('a' + i)), Period: 100 * time.Millisecond},
			bit:  1 << uint32(i),
		}
	}
	return entries
}

// ============================================================================
// Decision rule
// ============================================================================

func TestApplyWindowMissSequence(t *testing.T) {
	// Window outcomes [miss, miss, hit, miss, miss] with threshold 2 must
	// restart after windows 2 and 5, with counters 1,0,0,1,0 in between.
	entries := newTestEntries(1)
	outcomes := []struct {
		bits     uint32
		received bool
	}{
		{0, false},
		{0, false},
		{entries[0].bit, true},
		{0, false},
		{0, false},
	}

	wantMisses := []int{1, 0, 0, 1, 0}
	wantRestart := []bool{false, true, false, false, true}

	for i, o := range outcomes {
		restart := applyWindow(entries, o.bits, o.received, 2)
		assert.Equal(t, wantMisses[i], entries[0].misses, "misses after window %d", i+1)
		assert.Equal(t, wantRestart[i], len(restart) == 1, "restart decision after window %d", i+1)
	}
}

func TestApplyWindowPerBitAccounting(t *testing.T) {
	// A window that carries only worker a's bit resets a and penalizes b.
	entries := newTestEntries(2)

	restart := applyWindow(entries, entries[0].bit, true, 2)

	assert.Empty(t, restart)
	assert.Equal(t, 0, entries[0].misses)
	assert.Equal(t, 1, entries[1].misses)
}

func TestApplyWindowTimeoutPenalizesAll(t *testing.T) {
	entries := newTestEntries(2)

	applyWindow(entries, 0, false, 2)

	assert.Equal(t, 1, entries[0].misses)
	assert.Equal(t, 1, entries[1].misses)
}

func TestApplyWindowIndependentRestarts(t *testing.T) {
	// One worker signaling keeps the other's restart schedule untouched.
	entries := newTestEntries(2)

	applyWindow(entries, entries[0].bit, true, 2)
	restart := applyWindow(entries, entries[0].bit, true, 2)

	require.Len(t, restart, 1)
	assert.Same(t, entries[1], restart[0])
	assert.Equal(t, 0, entries[1].misses, "restart resets the counter")
	assert.Equal(t, 0, entries[0].misses)
}

// ============================================================================
// Configuration
// ============================================================================

func TestNewValidation(t *testing.T) {
	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	reg := registry.New(4)

	_, err := New(rt, reg, nil, Config{})
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = New(rt, reg, nil, Config{Workers: []WorkerConfig{{Name: "w"}}})
	assert.ErrorIs(t, err, ErrWorkerPeriod)

	many := make([]WorkerConfig, 33)
	for i := range many {
		many[i] = WorkerConfig{Name: "w", Period: time.Second}
	}
	_, err = New(rt, reg, nil, Config{Workers: many})
	assert.ErrorIs(t, err, ErrTooManyWorkers)
}

func TestBitAssignmentByPosition(t *testing.T) {
	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	reg := registry.New(4)

	s, err := New(rt, reg, nil, Config{Workers: []WorkerConfig{
		{Name: "worker-1", Period: time.Second},
		{Name: "worker-2", Period: time.Second},
	}})
	require.NoError(t, err)

	assert.Equal(t, uint32(1<<0), s.entries[0].bit)
	assert.Equal(t, uint32(1<<1), s.entries[1].bit)
}

// ============================================================================
// Restart behavior (timing-based)
// ============================================================================

func TestRepeatedStartStopCycles(t *testing.T) {
	// The supervise loop starts concurrently with Start's own bookkeeping;
	// rapid cycles give the race detector plenty of chances to catch the
	// loop reading its notification-target handle before it is published.
	for i := 0; i < 50; i++ {
		rt := sched.NewGoRuntime(context.Background())
		reg := registry.New(4)

		s, err := New(rt, reg, nil, Config{
			Workers: []WorkerConfig{{Name: "worker-1", Period: time.Second}},
			Window:  10 * time.Millisecond,
		})
		require.NoError(t, err)
		require.NoError(t, s.Start())
		s.Stop()
		rt.Shutdown()
	}
}

func TestHealthyWorkersAreNotRestarted(t *testing.T) {
	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	reg := registry.New(4)

	s, err := New(rt, reg, nil, Config{
		Workers: []WorkerConfig{
			{Name: "worker-1", Period: 20 * time.Millisecond},
			{Name: "worker-2", Period: 20 * time.Millisecond},
		},
		Window:        100 * time.Millisecond,
		MissThreshold: 2,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	time.Sleep(300 * time.Millisecond)

	for _, st := range s.Stats() {
		assert.Equal(t, uint64(0), st.Restarts, "worker %s", st.Name)
	}
}

func TestSilentWorkerIsRestarted(t *testing.T) {
	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	reg := registry.New(4)

	// A worker whose period far exceeds the window heartbeats once at spawn
	// and then goes silent, so it accumulates misses until restarted; the
	// restart heartbeats once and the pattern repeats indefinitely.
	s, err := New(rt, reg, nil, Config{
		Workers: []WorkerConfig{{Name: "worker-1", Period: time.Hour}},
		Window:  40 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)

	before, err := reg.Handle("worker-1")
	require.NoError(t, err)

	time.Sleep(500 * time.Millisecond)

	st := s.Stats()[0]
	assert.GreaterOrEqual(t, st.Restarts, uint64(1))
	assert.Equal(t, uint32(1), st.Bit, "bit identity survives restarts")
	assert.Equal(t, "worker-1", st.Name)

	after, err := reg.Handle("worker-1")
	require.NoError(t, err)
	assert.NotEqual(t, before.ID(), after.ID(), "restart swaps in a fresh execution context")
	assert.Equal(t, before.Spec(), after.Spec(), "spec (period, priority) survives restart")
}
