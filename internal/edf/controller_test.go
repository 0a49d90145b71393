package edf

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

// newTestController spawns idle jobs with the given periods, registers and
// tracks them, and returns the controller plus a cleanup.
func newTestController(t *testing.T, periods ...time.Duration) (*Controller, *sched.GoRuntime, *registry.Registry) {
	t.Helper()

	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	reg := registry.New(len(periods))
	ctrl := NewController(rt, reg, nil, 10*time.Millisecond)

	for i, p := range periods {
		spec := types.JobSpec{
			ID:     types.JobID(string(rune('a' + i))),
			Name:   string(rune('a' + i)),
			Period: p,
		}
		h, err := rt.Spawn(spec, func(ctx context.Context) { <-ctx.Done() })
		require.NoError(t, err)
		_, err = reg.Register(spec, h)
		require.NoError(t, err)
		require.NoError(t, ctrl.Track(spec.ID))
	}
	return ctrl, rt, reg
}

func TestReapplyAssignsByDeadline(t *testing.T) {
	// First deadlines are one period out, so the shortest period is the
	// nearest deadline.
	ctrl, rt, reg := newTestController(t, 500*time.Millisecond, time.Second, 2*time.Second)

	ctrl.Reapply()

	want := map[types.JobID]types.Priority{"a": 3, "b": 2, "c": 1}
	for id, p := range want {
		h, err := reg.Handle(id)
		require.NoError(t, err)
		assert.Equal(t, p, rt.Priority(h), "job %s", id)
	}
}

func TestReapplyIdempotent(t *testing.T) {
	ctrl, rt, reg := newTestController(t, 500*time.Millisecond, time.Second)

	ctrl.Reapply()
	first := make(map[types.JobID]types.Priority)
	for _, rec := range reg.Records() {
		h, err := reg.Handle(rec.Spec.ID)
		require.NoError(t, err)
		first[rec.Spec.ID] = rt.Priority(h)
	}

	ctrl.Reapply()
	for _, rec := range reg.Records() {
		h, err := reg.Handle(rec.Spec.ID)
		require.NoError(t, err)
		assert.Equal(t, first[rec.Spec.ID], rt.Priority(h), "job %s", rec.Spec.ID)
	}
}

func TestActivateAdvancesOnePeriod(t *testing.T) {
	ctrl, _, _ := newTestController(t, 500*time.Millisecond)

	before := ctrl.Deadlines()[0]
	ctrl.Activate("a")
	after := ctrl.Deadlines()[0]

	assert.Equal(t, 500*time.Millisecond, after.Sub(before))

	// Never decreases, even across repeated activations.
	ctrl.Activate("a")
	assert.True(t, ctrl.Deadlines()[0].After(after))
}

func TestTickReordersNonDecreasing(t *testing.T) {
	// Track in descending-deadline order, then let one tick reorder.
	ctrl, _, _ := newTestController(t, 2*time.Second, time.Second, 500*time.Millisecond)

	ctrl.tick()

	deadlines := ctrl.Deadlines()
	for i := 1; i < len(deadlines); i++ {
		assert.False(t, deadlines[i].Before(deadlines[i-1]),
			"deadline sequence must be non-decreasing after reorder")
	}
}

func TestTrackUnregisteredJob(t *testing.T) {
	rt := sched.NewGoRuntime(context.Background())
	t.Cleanup(rt.Shutdown)
	ctrl := NewController(rt, registry.New(1), nil, 0)

	assert.ErrorIs(t, ctrl.Track("missing"), registry.ErrJobNotFound)
}
