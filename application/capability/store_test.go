package capability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/audit"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite
	ctx   context.Context
	clock *clock.FakeClock
	log   *audit.MemoryLog
	store *Store
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = WithInstance(context.Background(), "inst-1")
	s.clock = clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s.log = audit.NewMemoryLog()
	recorder := audit.NewRecorder(audit.WithLog(s.log), audit.WithClock(s.clock))
	s.store = NewStore(WithClock(s.clock), WithRecorder(recorder))
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) events(kind entities.EventKind) []entities.SecurityEvent {
	all, err := s.log.Read(s.ctx, 1, 10000)
	s.Require().NoError(err)
	var out []entities.SecurityEvent
	for _, ev := range all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func fsPerm(pattern string, ops ...entities.Operation) entities.Permission {
	return entities.Permission{Kind: entities.KindFS, Operations: ops, Patterns: []string{pattern}}
}

func (s *StoreTestSuite) TestCheck_AllowsAndAudits() {
	id, err := s.store.Grant(s.ctx, Spec{Permissions: []entities.Permission{fsPerm("/data", entities.OpRead)}})
	s.Require().NoError(err)

	d := s.store.Check(s.ctx, id, entities.FSRequest(entities.OpRead, "/data/report.csv"))
	s.True(d.Allow)
	s.NoError(d.Err())

	checks := s.events(entities.EventCapabilityCheck)
	s.Require().Len(checks, 1)
	s.Equal(entities.OutcomeAllow, checks[0].Outcome)
	s.Equal("inst-1", checks[0].InstanceID)
	s.Equal("/data/report.csv", checks[0].Detail[entities.DetailAttempted])
}

func (s *StoreTestSuite) TestCheck_UnknownCapability() {
	d := s.store.Check(s.ctx, "nope", entities.EnvRequest("HOME"))
	s.False(d.Allow)
	s.Equal(entities.ReasonUnknown, d.Reason)
	s.ErrorIs(d.Err(), entities.ErrSecurityViolation)
	s.Len(s.events(entities.EventCapabilityCheck), 1)
}

func (s *StoreTestSuite) TestCheck_ValidityWindow() {
	start := s.clock.Now().Add(time.Hour)
	id, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{{Kind: entities.KindEnv, Patterns: []string{"*"}}},
		Constraints: entities.Constraints{NotBefore: start, NotAfter: start.Add(time.Hour)},
	})
	s.Require().NoError(err)
	req := entities.EnvRequest("HOME")

	s.Equal(entities.ReasonNotYetValid, s.store.Check(s.ctx, id, req).Reason)
	s.clock.Advance(90 * time.Minute)
	s.True(s.store.Check(s.ctx, id, req).Allow)
	s.clock.Advance(time.Hour)
	s.Equal(entities.ReasonExpired, s.store.Check(s.ctx, id, req).Reason)
}

func (s *StoreTestSuite) TestCheck_UsageCounterPrecedesPatternMatch() {
	id, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{{Kind: entities.KindEnv, Patterns: []string{"APP_*"}}},
		Constraints: entities.Constraints{MaxUses: 2},
	})
	s.Require().NoError(err)

	s.True(s.store.Check(s.ctx, id, entities.EnvRequest("APP_A")).Allow)
	// A pattern mismatch still consumes a use because counters come first.
	s.Equal(entities.ReasonNotPermitted, s.store.Check(s.ctx, id, entities.EnvRequest("HOME")).Reason)
	s.Equal(entities.ReasonUsageExhausted, s.store.Check(s.ctx, id, entities.EnvRequest("APP_A")).Reason)
}

func (s *StoreTestSuite) TestCheck_RateLimitSlidingWindow() {
	id, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{{Kind: entities.KindHostCall, Patterns: []string{"log"}}},
		Constraints: entities.Constraints{RateLimit: &entities.RateLimit{Count: 2, Window: time.Second}},
	})
	s.Require().NoError(err)
	req := entities.HostCallRequest("log")

	s.True(s.store.Check(s.ctx, id, req).Allow)
	s.True(s.store.Check(s.ctx, id, req).Allow)
	s.Equal(entities.ReasonRateLimited, s.store.Check(s.ctx, id, req).Reason)

	s.clock.Advance(1100 * time.Millisecond)
	s.True(s.store.Check(s.ctx, id, req).Allow)
}

// A denied connection records both the attempted and the allowed host.
func (s *StoreTestSuite) TestCheckSet_DeniedHostRecordsAttemptedAndAllowed() {
	id, err := s.store.Grant(s.ctx, Spec{Permissions: []entities.Permission{{
		Kind:       entities.KindNetwork,
		Operations: []entities.Operation{entities.OpConnect},
		Patterns:   []string{"api.example.com"},
	}}})
	s.Require().NoError(err)

	d := s.store.CheckSet(s.ctx, entities.CapabilitySet{id}, entities.NetworkRequest(entities.OpConnect, "evil.com", 443))
	s.False(d.Allow)

	var violation *entities.SecurityViolation
	s.Require().ErrorAs(d.Err(), &violation)
	s.Equal([]string{"api.example.com"}, violation.Allowed)
	s.Equal("evil.com", violation.Request.Target)

	checks := s.events(entities.EventCapabilityCheck)
	s.Require().Len(checks, 1)
	s.Equal(entities.OutcomeDeny, checks[0].Outcome)
	s.Equal("evil.com:443", checks[0].Detail[entities.DetailAttempted])
	s.Equal([]string{"api.example.com"}, checks[0].Detail[entities.DetailAllowed])
}

func (s *StoreTestSuite) TestCheckSet_PicksAdmittingCapability() {
	envOnly, err := s.store.Grant(s.ctx, Spec{Permissions: []entities.Permission{{Kind: entities.KindEnv, Patterns: []string{"HOME"}}}})
	s.Require().NoError(err)
	data, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{fsPerm("/data")},
		Constraints: entities.Constraints{MaxUses: 1},
	})
	s.Require().NoError(err)

	set := entities.CapabilitySet{envOnly, data}
	d := s.store.CheckSet(s.ctx, set, entities.FSRequest(entities.OpWrite, "/data/out"))
	s.True(d.Allow)
	s.Equal(data, d.CapabilityID)

	// The only admitting capability is used up; its reason wins over the
	// plain mismatch of the env capability.
	d = s.store.CheckSet(s.ctx, set, entities.FSRequest(entities.OpWrite, "/data/out"))
	s.False(d.Allow)
	s.Equal(entities.ReasonUsageExhausted, d.Reason)
	s.Equal(data, d.CapabilityID)

	s.Len(s.events(entities.EventCapabilityCheck), 2)
}

func (s *StoreTestSuite) TestCheckSet_Empty() {
	d := s.store.CheckSet(s.ctx, nil, entities.EnvRequest("HOME"))
	s.Equal(entities.ReasonNoCapability, d.Reason)
}

// A read-only child of a read-write parent cannot write.
func (s *StoreTestSuite) TestDelegate_ReadOnlyChildCannotWrite() {
	parent, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{fsPerm("/", entities.OpRead, entities.OpWrite)},
		Delegation:  entities.DelegationRights{Allowed: true},
	})
	s.Require().NoError(err)

	child, err := s.store.Delegate(s.ctx, parent, Spec{Permissions: []entities.Permission{fsPerm("/data", entities.OpRead)}})
	s.Require().NoError(err)

	write := entities.FSRequest(entities.OpWrite, "/data/file")
	s.True(s.store.Check(s.ctx, parent, write).Allow)

	d := s.store.Check(s.ctx, child, write)
	s.False(d.Allow)
	s.Equal(entities.ReasonNotPermitted, d.Reason)
	s.ErrorIs(d.Err(), entities.ErrSecurityViolation)
	s.True(s.store.Check(s.ctx, child, entities.FSRequest(entities.OpRead, "/data/file")).Allow)
}

func (s *StoreTestSuite) TestDelegate_Denials() {
	noDelegation, err := s.store.Grant(s.ctx, Spec{Permissions: []entities.Permission{fsPerm("/data")}})
	s.Require().NoError(err)
	shallow, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{fsPerm("/data")},
		Delegation:  entities.DelegationRights{Allowed: true},
	})
	s.Require().NoError(err)
	ceiling, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{fsPerm("/data")},
		Delegation: entities.DelegationRights{
			Allowed:     true,
			Delegatable: []entities.Permission{fsPerm("/data/public", entities.OpRead)},
		},
	})
	s.Require().NoError(err)

	tests := []struct {
		name   string
		parent entities.CapabilityID
		spec   Spec
	}{
		{"unknown parent", "missing", Spec{Permissions: []entities.Permission{fsPerm("/data")}}},
		{"delegation not allowed", noDelegation, Spec{Permissions: []entities.Permission{fsPerm("/data")}}},
		{"wider path", shallow, Spec{Permissions: []entities.Permission{fsPerm("/etc")}}},
		{"depth exhausted", shallow, Spec{
			Permissions: []entities.Permission{fsPerm("/data")},
			Delegation:  entities.DelegationRights{Allowed: true},
		}},
		{"outside delegatable ceiling", ceiling, Spec{Permissions: []entities.Permission{fsPerm("/data/private", entities.OpRead)}}},
		{"operation outside ceiling", ceiling, Spec{Permissions: []entities.Permission{fsPerm("/data/public", entities.OpWrite)}}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.store.Delegate(s.ctx, tt.parent, tt.spec)
			s.ErrorIs(err, entities.ErrDelegationDenied)
		})
	}

	denials := 0
	for _, ev := range s.events(entities.EventCapabilityDelegate) {
		if ev.Outcome == entities.OutcomeDeny {
			denials++
		}
	}
	s.Equal(len(tests), denials)
}

func (s *StoreTestSuite) TestDelegate_IntersectsConstraints() {
	now := s.clock.Now()
	parent, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{fsPerm("/data")},
		Constraints: entities.Constraints{NotAfter: now.Add(10 * time.Hour), MaxUses: 100},
		Delegation: entities.DelegationRights{
			Allowed:     true,
			Constraints: entities.Constraints{MaxUses: 5},
		},
	})
	s.Require().NoError(err)

	child, err := s.store.Delegate(s.ctx, parent, Spec{
		Permissions: []entities.Permission{fsPerm("/data/x", entities.OpRead)},
		Constraints: entities.Constraints{NotAfter: now.Add(20 * time.Hour), MaxUses: 50},
	})
	s.Require().NoError(err)

	c, err := s.store.Get(child)
	s.Require().NoError(err)
	s.Equal(uint64(5), c.Constraints.MaxUses)
	s.Equal(now.Add(10*time.Hour), c.Constraints.NotAfter)
	s.Equal(1, c.Depth)
	s.Equal(parent, c.ParentID)
}

func (s *StoreTestSuite) TestRevoke_CascadesToAllDepths() {
	const depth = 6
	root, err := s.store.Grant(s.ctx, Spec{
		Permissions: []entities.Permission{fsPerm("/data")},
		Delegation:  entities.DelegationRights{Allowed: true, MaxDepth: depth},
	})
	s.Require().NoError(err)

	chain := []entities.CapabilityID{root}
	for i := 0; i < depth; i++ {
		parent := chain[len(chain)-1]
		// Each level also gets a sibling leaf.
		leaf, err := s.store.Delegate(s.ctx, parent, Spec{Permissions: []entities.Permission{fsPerm("/data", entities.OpRead)}})
		s.Require().NoError(err)
		next, err := s.store.Delegate(s.ctx, parent, Spec{
			Permissions: []entities.Permission{fsPerm("/data")},
			Delegation:  entities.DelegationRights{Allowed: true, MaxDepth: depth - 1 - i},
		})
		s.Require().NoError(err)
		chain = append(chain, leaf, next)
	}

	read := entities.FSRequest(entities.OpRead, "/data/f")
	for _, id := range chain {
		s.True(s.store.Evaluate(id, read).Allow)
	}

	// Revoking the first delegated link leaves the root usable.
	s.Require().NoError(s.store.Revoke(s.ctx, chain[2]))
	s.True(s.store.Check(s.ctx, root, read).Allow)
	s.True(s.store.Check(s.ctx, chain[1], read).Allow)
	for _, id := range chain[2:] {
		d := s.store.Check(s.ctx, id, read)
		s.False(d.Allow)
		s.Equal(entities.ReasonRevoked, d.Reason)
		s.Empty(s.store.Effective(id))
	}
	s.Len(s.events(entities.EventCapabilityRevoke), len(chain)-2)

	// A second revoke of an ancestor only reports newly revoked ids.
	s.Require().NoError(s.store.Revoke(s.ctx, root))
	s.Len(s.events(entities.EventCapabilityRevoke), len(chain))

	_, err = s.store.Delegate(s.ctx, root, Spec{Permissions: []entities.Permission{fsPerm("/data")}})
	s.ErrorIs(err, entities.ErrDelegationDenied)
	s.ErrorIs(s.store.Revoke(s.ctx, "missing"), entities.ErrNotFound)
}

func (s *StoreTestSuite) TestGrant_ValidatesSpec() {
	tests := []struct {
		name  string
		spec  Spec
		field string
	}{
		{"relative path", Spec{Permissions: []entities.Permission{fsPerm("data")}}, "permissions[0].patterns[0]"},
		{"delegatable exceeds own", Spec{
			Permissions: []entities.Permission{fsPerm("/data", entities.OpRead)},
			Delegation:  entities.DelegationRights{Allowed: true, Delegatable: []entities.Permission{fsPerm("/data", entities.OpWrite)}},
		}, "delegation.delegatable[0]"},
		{"inverted window", Spec{
			Permissions: []entities.Permission{fsPerm("/data")},
			Constraints: entities.Constraints{NotBefore: time.Unix(200, 0), NotAfter: time.Unix(100, 0)},
		}, "constraints.not_after"},
		{"zero rate", Spec{
			Permissions: []entities.Permission{fsPerm("/data")},
			Constraints: entities.Constraints{RateLimit: &entities.RateLimit{}},
		}, "constraints.rate_limit"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.store.Grant(s.ctx, tt.spec)
			var cfgErr *entities.ConfigurationError
			s.Require().ErrorAs(err, &cfgErr)
			s.Equal(tt.field, cfgErr.Field)
		})
	}
}

func TestStore_ConcurrentChecksAndRevoke(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	root, err := store.Grant(ctx, Spec{
		Permissions: []entities.Permission{{Kind: entities.KindEnv, Patterns: []string{"*"}}},
		Delegation:  entities.DelegationRights{Allowed: true, MaxDepth: 1},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	children := make(chan entities.CapabilityID, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				id, err := store.Delegate(ctx, root, Spec{Permissions: []entities.Permission{{Kind: entities.KindEnv, Patterns: []string{"A"}}}})
				if err == nil {
					children <- id
				}
				store.Check(ctx, root, entities.EnvRequest("A"))
			}
		}()
	}
	require.NoError(t, store.Revoke(ctx, root))
	wg.Wait()
	close(children)

	// Whatever was delegated before or after the revoke is unusable now.
	for id := range children {
		assert.True(t, store.IsRevoked(id), "child %s escaped revocation", id)
	}
}
