package limits

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/audit"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limits entities.ResourceLimits) (*Limiter, *audit.MemoryLog, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	log := audit.NewMemoryLog()
	l, err := New("inst-1", limits,
		WithClock(fake),
		WithRecorder(audit.NewRecorder(audit.WithLog(log), audit.WithClock(fake))),
		WithTimelineSize(3),
	)
	require.NoError(t, err)
	return l, log, fake
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		limits entities.ResourceLimits
		field  string
	}{
		{"negative wall clock", entities.ResourceLimits{MaxWallClock: -time.Second}, "max_wall_clock"},
		{"negative handles", entities.ResourceLimits{MaxHandles: -1}, "max_handles"},
		{"negative connections", entities.ResourceLimits{MaxConnections: -1}, "max_connections"},
		{"sub-page memory", entities.ResourceLimits{MaxMemoryBytes: 1024}, "max_memory_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("x", tt.limits)
			var cfgErr *entities.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
	assert.NoError(t, Validate(entities.ResourceLimits{}))
}

func TestAllowGrowth_RejectsBeyondCeiling(t *testing.T) {
	const limit = 16 << 20
	l, log, _ := newTestLimiter(t, entities.ResourceLimits{MaxMemoryBytes: limit})

	assert.True(t, l.AllowGrowth(8<<20))
	assert.True(t, l.AllowGrowth(limit))
	assert.False(t, l.AllowGrowth(limit+64*1024))
	assert.False(t, l.AllowGrowth(48<<20))
	assert.False(t, l.AllowGrowth(32<<20))

	requested, rejected := l.RejectedGrowth()
	assert.True(t, rejected)
	assert.Equal(t, uint64(48<<20), requested)
	assert.Equal(t, uint64(limit), l.Snapshot().MemoryBytes)

	events, err := log.Read(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, entities.EventResourceMemory, events[0].Kind)
	assert.Equal(t, "inst-1", events[0].InstanceID)

	// A new call clears the per-call rejection.
	_, done := l.Arm(context.Background())
	done()
	_, rejected = l.RejectedGrowth()
	assert.False(t, rejected)
}

func TestConsume_NeverExceedsBudget(t *testing.T) {
	const budget = 1000
	l, _, _ := newTestLimiter(t, entities.ResourceLimits{MaxFuel: budget})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(step uint64) {
			defer wg.Done()
			for {
				if err := l.Consume(step); err != nil {
					return
				}
				assert.LessOrEqual(t, l.Snapshot().FuelConsumed, uint64(budget))
			}
		}(uint64(i%5 + 3))
	}
	wg.Wait()

	snap := l.Snapshot()
	assert.Equal(t, uint64(budget), snap.FuelConsumed)
	assert.Zero(t, snap.FuelRemaining)
	assert.Equal(t, entities.CauseFuel, l.Cause())

	var exhausted *entities.ResourceExhausted
	require.ErrorAs(t, l.Interrupted(), &exhausted)
	assert.Equal(t, entities.ResourceFuel, exhausted.Resource)
	assert.Equal(t, uint64(budget), exhausted.Used)
}

func TestRefill_ResumesConsumption(t *testing.T) {
	l, _, _ := newTestLimiter(t, entities.ResourceLimits{MaxFuel: 10})

	require.Error(t, l.Consume(15))
	assert.Equal(t, uint64(10), l.Snapshot().FuelConsumed)

	l.Refill(5)
	assert.Empty(t, l.Cause())
	assert.Equal(t, uint64(5), l.FuelRemaining())
	require.NoError(t, l.Consume(5))
	assert.ErrorIs(t, l.Consume(1), entities.ErrResourceExhausted)
}

func TestConsume_Unlimited(t *testing.T) {
	l, _, _ := newTestLimiter(t, entities.ResourceLimits{})
	require.NoError(t, l.Consume(1<<40))
	assert.Equal(t, uint64(1<<40), l.Snapshot().FuelConsumed)
	l.Refill(10)
	assert.Zero(t, l.FuelRemaining())
}

func TestArm_WallClockInterrupt(t *testing.T) {
	l, _, fake := newTestLimiter(t, entities.ResourceLimits{MaxWallClock: 50 * time.Millisecond})

	ctx, done := l.Arm(context.Background())
	assert.Nil(t, l.Interrupted())

	fake.Advance(60 * time.Millisecond)
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), errWallClock)

	var exhausted *entities.ResourceExhausted
	require.ErrorAs(t, l.Interrupted(), &exhausted)
	assert.Equal(t, entities.ResourceWallClock, exhausted.Resource)

	elapsed := done()
	assert.Equal(t, 60*time.Millisecond, elapsed)
	assert.Equal(t, 60*time.Millisecond, l.Snapshot().WallClock)
	assert.Equal(t, uint64(1), l.Snapshot().Calls)
}

func TestArm_CallerCancellation(t *testing.T) {
	l, _, _ := newTestLimiter(t, entities.ResourceLimits{})

	parent, cancel := context.WithCancel(context.Background())
	ctx, done := l.Arm(parent)
	defer done()
	cancel()
	<-ctx.Done()

	require.Eventually(t, func() bool { return l.Cause() != "" }, time.Second, time.Millisecond)
	var cancelled *entities.Cancelled
	require.ErrorAs(t, l.Interrupted(), &cancelled)
	assert.Equal(t, entities.CauseCaller, cancelled.Cause)
}

func TestArm_FuelExhaustionCancelsCallContext(t *testing.T) {
	l, _, _ := newTestLimiter(t, entities.ResourceLimits{MaxFuel: 5})

	ctx, done := l.Arm(context.Background())
	defer done()
	require.Error(t, l.Consume(6))
	<-ctx.Done()
	assert.True(t, errors.Is(context.Cause(ctx), entities.ErrResourceExhausted))
}

func TestAcquireRelease(t *testing.T) {
	l, log, _ := newTestLimiter(t, entities.ResourceLimits{MaxHandles: 2, MaxConnections: 1})
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, entities.ResourceHandles))
	require.NoError(t, l.Acquire(ctx, entities.ResourceHandles))
	err := l.Acquire(ctx, entities.ResourceHandles)
	var exhausted *entities.ResourceExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, entities.ResourceHandles, exhausted.Resource)
	assert.Equal(t, uint64(2), exhausted.Limit)

	l.Release(entities.ResourceHandles)
	require.NoError(t, l.Acquire(ctx, entities.ResourceHandles))

	require.NoError(t, l.Acquire(ctx, entities.ResourceConnections))
	assert.Error(t, l.Acquire(ctx, entities.ResourceConnections))
	assert.Equal(t, 1, l.Snapshot().Connections)

	// Releasing below zero is clamped.
	l.Release(entities.ResourceConnections)
	l.Release(entities.ResourceConnections)
	assert.Equal(t, 0, l.Snapshot().Connections)

	assert.ErrorIs(t, l.Acquire(ctx, entities.ResourceFuel), entities.ErrConfiguration)

	events, err := log.Read(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, entities.EventResourceHandles, events[0].Kind)
	assert.Equal(t, entities.EventResourceConnections, events[1].Kind)
}

func TestTimeline_IsBoundedRing(t *testing.T) {
	l, _, fake := newTestLimiter(t, entities.ResourceLimits{})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Consume(1))
		l.Record()
		fake.Advance(time.Second)
	}

	timeline := l.Timeline()
	require.Len(t, timeline, 3)
	assert.Equal(t, uint64(3), timeline[0].FuelConsumed)
	assert.Equal(t, uint64(5), timeline[2].FuelConsumed)
	assert.True(t, timeline[0].Taken.Before(timeline[2].Taken))
}
