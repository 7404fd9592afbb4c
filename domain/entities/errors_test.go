package entities_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrors_IsAndKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     entities.ErrorKind
	}{
		{"security", &entities.SecurityViolation{Reason: entities.ReasonRevoked}, entities.ErrSecurityViolation, entities.KindSecurityViolation},
		{"resource", &entities.ResourceExhausted{Resource: entities.ResourceFuel, Limit: 10, Used: 10}, entities.ErrResourceExhausted, entities.KindResourceExhausted},
		{"trap", &entities.RuntimeTrap{Trap: entities.TrapUnreachable}, entities.ErrRuntimeTrap, entities.KindRuntimeTrap},
		{"config", &entities.ConfigurationError{Field: "max_fuel", Reason: "bad"}, entities.ErrConfiguration, entities.KindConfigurationError},
		{"channel", entities.Disconnected(), entities.ErrDisconnected, entities.KindChannelError},
		{"cancelled", &entities.Cancelled{Cause: entities.CauseCaller}, entities.ErrCancelled, entities.KindCancelled},
		{"module", &entities.InvalidModule{Reason: "bad magic"}, entities.ErrInvalidModule, entities.KindInvalidModule},
		{"delegation", &entities.DelegationDenied{Parent: "p", Reason: "depth"}, entities.ErrDelegationDenied, entities.KindDelegationDenied},
		{"state", &entities.InvalidState{Instance: "i", State: entities.StateCrashed, Operation: "call"}, entities.ErrInvalidState, entities.KindInvalidState},
		{"not found", &entities.NotFound{What: "instance", ID: "x"}, entities.ErrNotFound, entities.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, entities.KindOf(wrapped))
		})
	}
}

func TestChannelError_OnlyDisconnectedMatchesErrDisconnected(t *testing.T) {
	err := &entities.ChannelError{Code: entities.ChannelCodec}
	assert.ErrorIs(t, err, entities.ErrChannel)
	assert.NotErrorIs(t, err, entities.ErrDisconnected)
}

func TestKindOf_ContextErrors(t *testing.T) {
	assert.Equal(t, entities.KindCancelled, entities.KindOf(context.Canceled))
	assert.Equal(t, entities.KindInternal, entities.KindOf(errors.New("boom")))
}

func TestToDetail_FromDetail(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"security", &entities.SecurityViolation{
			CapabilityID: "cap-1",
			Request:      entities.NetworkRequest(entities.OpConnect, "evil.com", 443),
			Reason:       entities.ReasonNotPermitted,
			Allowed:      []string{"api.example.com"},
		}},
		{"resource", &entities.ResourceExhausted{Resource: entities.ResourceMemory, Limit: 16 << 20, Used: 32 << 20}},
		{"trap", &entities.RuntimeTrap{Trap: entities.TrapDivideByZero, Function: "div", Message: "integer divide by zero"}},
		{"config", &entities.ConfigurationError{Field: "limits.max_fuel", Reason: "must be positive"}},
		{"cancelled", &entities.Cancelled{Cause: entities.CauseTimeout}},
		{"module", &entities.InvalidModule{Reason: "disallowed import env.abort"}},
		{"delegation", &entities.DelegationDenied{Parent: "cap-1", Reason: "not a subset"}},
		{"state", &entities.InvalidState{Instance: "i-1", State: entities.StatePaused, Operation: "call"}},
		{"not found", &entities.NotFound{What: "capability", ID: "cap-9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detail := entities.ToDetail(tt.err)
			require.NotNil(t, detail)
			assert.Equal(t, tt.err, entities.FromDetail(detail))
		})
	}
}

func TestToDetail_ContextAndUnknown(t *testing.T) {
	assert.Nil(t, entities.ToDetail(nil))

	detail := entities.ToDetail(context.DeadlineExceeded)
	assert.Equal(t, string(entities.KindCancelled), detail.Type)
	assert.Equal(t, entities.CauseTimeout, detail.Code)

	detail = entities.ToDetail(errors.New("disk on fire"))
	assert.Equal(t, string(entities.KindInternal), detail.Type)

	// Unknown detail types come back as the detail itself.
	err := entities.FromDetail(detail)
	var asDetail *entities.ErrorDetail
	require.ErrorAs(t, err, &asDetail)
	assert.Equal(t, "disk on fire", asDetail.Message)
}

func TestToDetail_ChannelRoundTripKeepsCode(t *testing.T) {
	err := entities.FromDetail(entities.ToDetail(entities.Disconnected()))
	assert.ErrorIs(t, err, entities.ErrDisconnected)
}
