package entities_test

import (
	"testing"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraints_Intersect(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	parent := entities.Constraints{
		NotBefore: t0,
		NotAfter:  t0.Add(24 * time.Hour),
		MaxUses:   100,
		RateLimit: &entities.RateLimit{Count: 10, Window: time.Second},
	}
	request := entities.Constraints{
		NotBefore: t0.Add(time.Hour),
		NotAfter:  t0.Add(48 * time.Hour),
		MaxUses:   500,
		RateLimit: &entities.RateLimit{Count: 100, Window: time.Minute},
	}

	got := parent.Intersect(request)
	assert.Equal(t, t0.Add(time.Hour), got.NotBefore)
	assert.Equal(t, t0.Add(24*time.Hour), got.NotAfter)
	assert.Equal(t, uint64(100), got.MaxUses)
	require.NotNil(t, got.RateLimit)
	// 100/min is stricter than 10/s.
	assert.Equal(t, 100, got.RateLimit.Count)
	assert.Equal(t, time.Minute, got.RateLimit.Window)
}

func TestConstraints_IntersectWithUnbounded(t *testing.T) {
	bounded := entities.Constraints{MaxUses: 3, NotAfter: time.Unix(100, 0)}

	assert.Equal(t, bounded, entities.Constraints{}.Intersect(bounded))
	assert.Equal(t, bounded, bounded.Intersect(entities.Constraints{}))
}

func TestPermission_Allows(t *testing.T) {
	readOnly := entities.Permission{Kind: entities.KindFS, Operations: []entities.Operation{entities.OpRead}, Patterns: []string{"/data"}}
	assert.True(t, readOnly.Allows(entities.OpRead))
	assert.False(t, readOnly.Allows(entities.OpWrite))

	all := entities.Permission{Kind: entities.KindNetwork, Patterns: []string{"example.com"}}
	assert.True(t, all.Allows(entities.OpConnect))
	assert.True(t, all.Allows(entities.OpListen))
	assert.False(t, all.Allows(entities.OpRead))
	assert.Equal(t, "network:example.com", all.String())
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		from, to entities.State
		ok       bool
	}{
		{entities.StateInstantiating, entities.StateRunning, true},
		{entities.StateRunning, entities.StatePaused, true},
		{entities.StatePaused, entities.StateRunning, true},
		{entities.StateRunning, entities.StateSuspended, true},
		{entities.StateSuspended, entities.StateRunning, true},
		{entities.StateRunning, entities.StateCrashed, true},
		{entities.StateCrashed, entities.StateRunning, false},
		{entities.StatePaused, entities.StateSuspended, false},
		{entities.StateCrashed, entities.StateTerminated, true},
		{entities.StateTerminated, entities.StateTerminated, false},
		{entities.StateTerminated, entities.StateRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, entities.CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_JSON(t *testing.T) {
	data, err := entities.StateSuspended.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"suspended"`, string(data))

	var s entities.State
	require.NoError(t, s.UnmarshalJSON(data))
	assert.Equal(t, entities.StateSuspended, s)
	assert.Error(t, s.UnmarshalJSON([]byte(`"sleeping"`)))
}
