package capability

import (
	"context"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/policy"
)

// Decision is the outcome of a capability check.
type Decision struct {
	Allow        bool
	Reason       entities.DenyReason
	CapabilityID entities.CapabilityID
	Request      entities.Request
	// AllowedPatterns are the patterns granted for the requested kind.
	AllowedPatterns []string
}

// Err returns the SecurityViolation for a denial, nil otherwise.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	return &entities.SecurityViolation{
		CapabilityID: d.CapabilityID,
		Request:      d.Request,
		Reason:       d.Reason,
		Allowed:      d.AllowedPatterns,
	}
}

// Check decides whether capability id admits req. The first failing step
// determines the reason: existence and revocation, validity window, usage
// and rate counters (incremented when they pass), then pattern match.
// Every check is recorded in the audit log.
func (s *Store) Check(ctx context.Context, id entities.CapabilityID, req entities.Request) Decision {
	d := s.check(id, req)
	s.recordCheck(ctx, d)
	return d
}

func (s *Store) check(id entities.CapabilityID, req entities.Request) Decision {
	d := Decision{CapabilityID: id, Request: req}

	e := s.lookup(id)
	if e == nil {
		d.Reason = entities.ReasonUnknown
		return d
	}
	c := e.capability
	if e.revoked.Load() {
		d.Reason = entities.ReasonRevoked
		return d
	}
	d.AllowedPatterns = policy.AllowedPatterns(c.Permissions, req.Kind)
	now := s.clock.Now()
	if reason, ok := withinWindow(c.Constraints, now); !ok {
		d.Reason = reason
		return d
	}
	if reason, ok := e.consume(c.Constraints, now); !ok {
		d.Reason = reason
		return d
	}
	if !policy.PermitsAny(c.Permissions, req) {
		d.Reason = entities.ReasonNotPermitted
		return d
	}
	d.Allow = true
	return d
}

// Evaluate reports what Check would decide without consuming counters or
// writing an audit record.
func (s *Store) Evaluate(id entities.CapabilityID, req entities.Request) Decision {
	d := Decision{CapabilityID: id, Request: req}
	e := s.lookup(id)
	if e == nil {
		d.Reason = entities.ReasonUnknown
		return d
	}
	c := e.capability
	if e.revoked.Load() {
		d.Reason = entities.ReasonRevoked
		return d
	}
	d.AllowedPatterns = policy.AllowedPatterns(c.Permissions, req.Kind)
	now := s.clock.Now()
	if reason, ok := withinWindow(c.Constraints, now); !ok {
		d.Reason = reason
		return d
	}
	if reason, ok := e.peek(c.Constraints, now); !ok {
		d.Reason = reason
		return d
	}
	if !policy.PermitsAny(c.Permissions, req) {
		d.Reason = entities.ReasonNotPermitted
		return d
	}
	d.Allow = true
	return d
}

// CheckSet checks req against every capability bound to an instance. The
// first capability that would admit the request is checked for real; if
// none would, a single denial is recorded whose allowed patterns are the
// union over the set.
func (s *Store) CheckSet(ctx context.Context, set entities.CapabilitySet, req entities.Request) Decision {
	var (
		allowed []string
		seen    = make(map[string]struct{})
		denial  = Decision{Request: req, Reason: entities.ReasonNoCapability}
	)

	for _, id := range set {
		d := s.Evaluate(id, req)
		if d.Allow {
			return s.Check(ctx, id, req)
		}
		if d.Reason != entities.ReasonRevoked && d.Reason != entities.ReasonUnknown {
			for _, p := range d.AllowedPatterns {
				if _, dup := seen[p]; !dup {
					seen[p] = struct{}{}
					allowed = append(allowed, p)
				}
			}
		}
		// A constraint failure on a capability whose patterns match
		// explains the denial better than a bare pattern mismatch.
		if denial.CapabilityID == "" || (d.Reason != entities.ReasonNotPermitted && denial.Reason == entities.ReasonNotPermitted) {
			denial.CapabilityID = id
			denial.Reason = d.Reason
		}
	}

	denial.AllowedPatterns = allowed
	s.recordCheck(ctx, denial)
	return denial
}

func (s *Store) recordCheck(ctx context.Context, d Decision) {
	outcome := entities.OutcomeAllow
	detail := map[string]any{
		entities.DetailAttempted: d.Request.Attempted(),
		"kind":                   string(d.Request.Kind),
		"operation":              string(d.Request.Operation),
	}
	if !d.Allow {
		outcome = entities.OutcomeDeny
		detail[entities.DetailReason] = string(d.Reason)
	}
	if len(d.AllowedPatterns) > 0 {
		detail[entities.DetailAllowed] = append([]string(nil), d.AllowedPatterns...)
	}
	s.record(ctx, entities.SecurityEvent{
		Kind:         entities.EventCapabilityCheck,
		CapabilityID: d.CapabilityID,
		Outcome:      outcome,
		Detail:       detail,
	})
	if !d.Allow {
		s.logger.Debug("capability denied", "capability", d.CapabilityID, "request", d.Request.String(), "reason", d.Reason)
	}
}

func withinWindow(c entities.Constraints, now time.Time) (entities.DenyReason, bool) {
	if !c.NotBefore.IsZero() && now.Before(c.NotBefore) {
		return entities.ReasonNotYetValid, false
	}
	if !c.NotAfter.IsZero() && now.After(c.NotAfter) {
		return entities.ReasonExpired, false
	}
	return "", true
}

// consume checks the usage and rate counters and, when both pass, records
// one use.
func (e *entry) consume(c entities.Constraints, now time.Time) (entities.DenyReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reason, ok := e.admitLocked(c, now); !ok {
		return reason, false
	}
	e.uses++
	if c.RateLimit != nil {
		e.window = append(e.window, now)
	}
	return "", true
}

func (e *entry) peek(c entities.Constraints, now time.Time) (entities.DenyReason, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.admitLocked(c, now)
}

func (e *entry) admitLocked(c entities.Constraints, now time.Time) (entities.DenyReason, bool) {
	if c.MaxUses > 0 && e.uses >= c.MaxUses {
		return entities.ReasonUsageExhausted, false
	}
	if rl := c.RateLimit; rl != nil {
		cutoff := now.Add(-rl.Window)
		keep := e.window[:0]
		for _, t := range e.window {
			if t.After(cutoff) {
				keep = append(keep, t)
			}
		}
		e.window = keep
		if len(e.window) >= rl.Count {
			return entities.ReasonRateLimited, false
		}
	}
	return "", true
}
