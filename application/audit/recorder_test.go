package audit

import (
	"context"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_RecordAssignsSeqAndTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(WithClock(clock.Fake(now)))
	ctx := context.Background()

	first, err := r.Record(ctx, entities.SecurityEvent{Kind: entities.EventCapabilityGrant, Outcome: entities.OutcomeInfo})
	require.NoError(t, err)
	second, err := r.Record(ctx, entities.SecurityEvent{Kind: entities.EventCapabilityCheck, Outcome: entities.OutcomeDeny})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, now, first.Time)

	events, err := r.Read(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, entities.EventCapabilityCheck, events[0].Kind)
}

func TestRecorder_SubscriberDropsInsteadOfBlocking(t *testing.T) {
	r := NewRecorder()
	sub := r.Subscribe(2)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		_, err := r.Record(context.Background(), entities.SecurityEvent{Kind: entities.EventCapabilityCheck})
		require.NoError(t, err)
	}

	assert.Equal(t, uint64(3), sub.Dropped())
	ev := <-sub.C
	assert.Equal(t, uint64(1), ev.Seq)
	ev = <-sub.C
	assert.Equal(t, uint64(2), ev.Seq)
}

func TestRecorder_CloseClosesSubscriptions(t *testing.T) {
	r := NewRecorder()
	sub := r.Subscribe(1)
	require.NoError(t, r.Close())

	_, open := <-sub.C
	assert.False(t, open)

	// Closing again after the recorder closed it is a no-op.
	sub.Close()
}

func TestMemoryLog_ReadCopiesDetail(t *testing.T) {
	l := NewMemoryLog()
	ev := &entities.SecurityEvent{Kind: entities.EventResourceMemory, Detail: map[string]any{"limit": 1}}
	require.NoError(t, l.Append(context.Background(), ev))

	events, err := l.Read(context.Background(), 0, 1)
	require.NoError(t, err)
	events[0].Detail["limit"] = 2

	again, err := l.Read(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, again[0].Detail["limit"])

	none, err := l.Read(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Empty(t, none)
}
