package threat

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
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func check(inst string, kind entities.PermissionKind, attempted string, outcome entities.Outcome, reason entities.DenyReason) entities.SecurityEvent {
	detail := map[string]any{
		entities.DetailAttempted: attempted,
		"kind":                   string(kind),
	}
	if reason != "" {
		detail[entities.DetailReason] = string(reason)
	}
	return entities.SecurityEvent{
		Kind:       entities.EventCapabilityCheck,
		InstanceID: inst,
		Outcome:    outcome,
		Detail:     detail,
	}
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, "CRITICAL", SeverityCritical.String())
	assert.Equal(t, "UNKNOWN", Severity(9).String())
	assert.Less(t, SeverityLow.Weight(), SeverityMedium.Weight())
	assert.Less(t, SeverityHigh.Weight(), SeverityCritical.Weight())
}

func TestRepeatedDenialRule(t *testing.T) {
	fc := clock.Fake(epoch)
	r := NewRepeatedDenialRule(3, time.Minute, fc)
	deny := func(at time.Time) []Finding {
		ev := check("i-1", entities.KindNetwork, "evil.com:443", entities.OutcomeDeny, entities.ReasonNotPermitted)
		ev.Time = at
		return r.Evaluate(ev)
	}

	assert.Empty(t, deny(epoch))
	assert.Empty(t, deny(epoch.Add(30*time.Second)))
	// The first denial has left the window.
	assert.Empty(t, deny(epoch.Add(70*time.Second)))
	got := deny(epoch.Add(75 * time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, "repeated_denial", got[0].Rule)
	assert.Equal(t, "i-1", got[0].InstanceID)

	assert.Empty(t, deny(epoch.Add(76*time.Second)), "window restarts after a finding")

	allowed := check("i-1", entities.KindNetwork, "api.example.com:443", entities.OutcomeAllow, "")
	assert.Empty(t, r.Evaluate(allowed))
}

func TestSignatureRule(t *testing.T) {
	r := NewSignatureRule()
	tests := []struct {
		name string
		ev   entities.SecurityEvent
		rule string
	}{
		{"metadata", check("i", entities.KindNetwork, "169.254.169.254:80", entities.OutcomeDeny, entities.ReasonNotPermitted), "signature.cloud_metadata"},
		{"proc", check("i", entities.KindFS, "/proc/self/environ", entities.OutcomeDeny, entities.ReasonNotPermitted), "signature.proc_self"},
		{"shadow", check("i", entities.KindFS, "/etc/shadow", entities.OutcomeDeny, entities.ReasonNotPermitted), "signature.credential_file"},
		{"shell", check("i", entities.KindProcess, "ls; curl evil.com", entities.OutcomeDeny, entities.ReasonNotPermitted), "signature.shell_metacharacters"},
		{"secret", check("i", entities.KindEnv, "AWS_ACCESS_KEY_ID", entities.OutcomeAllow, ""), "signature.secret_variable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Evaluate(tt.ev)
			require.Len(t, got, 1)
			assert.Equal(t, tt.rule, got[0].Rule)
		})
	}

	assert.Empty(t, r.Evaluate(check("i", entities.KindFS, "/data/report.csv", entities.OutcomeAllow, "")))
	// Signatures are scoped to their permission kind.
	assert.Empty(t, r.Evaluate(check("i", entities.KindFS, "a;b", entities.OutcomeAllow, "")))
}

func TestRevokedUseRule(t *testing.T) {
	got := RevokedUseRule{}.Evaluate(check("i", entities.KindFS, "/data", entities.OutcomeDeny, entities.ReasonRevoked))
	require.Len(t, got, 1)
	assert.Equal(t, SeverityHigh, got[0].Severity)

	assert.Empty(t, RevokedUseRule{}.Evaluate(check("i", entities.KindFS, "/data", entities.OutcomeDeny, entities.ReasonNotPermitted)))
}

type responses struct {
	mu      sync.Mutex
	actions []Action
}

func (r *responses) Respond(_ context.Context, _ string, action Action, _ Finding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

func (r *responses) list() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

func TestDetector_ScoresAndEscalates(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(epoch)
	rec := audit.NewRecorder(audit.WithClock(fc))
	resp := &responses{}
	d := NewDetector(rec, WithClock(fc), WithResponder(resp), WithRules(RevokedUseRule{}))

	revoked := check("i-1", entities.KindFS, "/data", entities.OutcomeDeny, entities.ReasonRevoked)
	d.Observe(ctx, revoked)
	assert.InDelta(t, 40, d.Score("i-1"), 0.001)
	assert.Empty(t, resp.list())

	d.Observe(ctx, revoked)
	assert.InDelta(t, 80, d.Score("i-1"), 0.001)
	assert.Equal(t, []Action{ActionPause}, resp.list())

	d.Observe(ctx, revoked)
	assert.Equal(t, []Action{ActionPause, ActionTerminate}, resp.list())

	d.Observe(ctx, revoked)
	assert.Len(t, resp.list(), 2, "each level fires once")
	assert.Len(t, d.Findings(), 4)

	events, err := rec.Read(ctx, 1, 100)
	require.NoError(t, err)
	var findings, responsesRecorded int
	for _, ev := range events {
		switch ev.Kind {
		case entities.EventThreatFinding:
			findings++
			assert.Equal(t, "HIGH", ev.Detail[entities.DetailSeverity])
		case entities.EventThreatResponse:
			responsesRecorded++
		}
	}
	assert.Equal(t, 4, findings)
	assert.Equal(t, 2, responsesRecorded)
}

func TestDetector_ScoreDecays(t *testing.T) {
	fc := clock.Fake(epoch)
	d := NewDetector(audit.NewRecorder(), WithClock(fc), WithHalfLife(time.Minute), WithRules(RevokedUseRule{}))

	d.Observe(context.Background(), check("i-1", entities.KindFS, "/x", entities.OutcomeDeny, entities.ReasonRevoked))
	fc.Advance(time.Minute)
	assert.InDelta(t, 20, d.Score("i-1"), 0.001)
	fc.Advance(time.Minute)
	assert.InDelta(t, 10, d.Score("i-1"), 0.001)

	d.Forget("i-1")
	assert.Zero(t, d.Score("i-1"))
}

func TestDetector_IgnoresOwnEvents(t *testing.T) {
	d := NewDetector(audit.NewRecorder(), WithRules(RevokedUseRule{}))
	ev := check("i-1", entities.KindFS, "/x", entities.OutcomeDeny, entities.ReasonRevoked)
	ev.Kind = entities.EventThreatFinding
	d.Observe(context.Background(), ev)
	assert.Empty(t, d.Findings())
}

func TestDetector_ConsumesRecorderStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := audit.NewRecorder()
	resp := &responses{}
	d := NewDetector(rec, WithResponder(resp), WithThresholds(10, 1000))
	d.Start(ctx)
	defer d.Close()

	_, err := rec.Record(ctx, check("i-7", entities.KindNetwork, "169.254.169.254:80", entities.OutcomeDeny, entities.ReasonNotPermitted))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(resp.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ActionPause, resp.list()[0])
	assert.Zero(t, d.Dropped())
}
