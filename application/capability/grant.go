package capability

import (
	"context"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/policy"
)

// Spec describes a capability to grant or delegate.
type Spec struct {
	Permissions []entities.Permission     `json:"permissions" yaml:"permissions"`
	Constraints entities.Constraints      `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Delegation  entities.DelegationRights `json:"delegation,omitempty" yaml:"delegation,omitempty"`
}

// Grant mints a root capability.
func (s *Store) Grant(ctx context.Context, spec Spec) (entities.CapabilityID, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	c := &entities.Capability{
		ID:          newID(),
		Permissions: spec.Permissions,
		Constraints: spec.Constraints,
		Delegation:  spec.Delegation,
		CreatedAt:   s.clock.Now(),
	}
	s.insert(c)

	report := s.risk.Analyze(c.Permissions)
	if report.Level >= entities.RiskHigh {
		s.logger.Warn("granted high-risk capability", "capability", c.ID, "risk", report.Level.String(), "factors", len(report.RiskFactors))
	}

	s.record(ctx, entities.SecurityEvent{
		Kind:         entities.EventCapabilityGrant,
		CapabilityID: c.ID,
		Outcome:      entities.OutcomeInfo,
		Detail: map[string]any{
			"permissions": permissionStrings(c.Permissions),
			"risk":        report.Level.String(),
		},
	})
	return c.ID, nil
}

// Delegate mints a child of parent. Every requested permission must be
// covered by the parent's delegatable set, the parent must be live and
// permit delegation, and the depth budget must not be exhausted. The
// child's constraints are the intersection of the parent's constraints,
// the parent's delegation constraints and the requested constraints.
func (s *Store) Delegate(ctx context.Context, parentID entities.CapabilityID, spec Spec) (entities.CapabilityID, error) {
	if err := validateSpec(spec); err != nil {
		return "", err
	}

	deny := func(reason string) (entities.CapabilityID, error) {
		s.record(ctx, entities.SecurityEvent{
			Kind:         entities.EventCapabilityDelegate,
			CapabilityID: parentID,
			Outcome:      entities.OutcomeDeny,
			Detail: map[string]any{
				entities.DetailReason: reason,
				"requested":           permissionStrings(spec.Permissions),
			},
		})
		return "", &entities.DelegationDenied{Parent: parentID, Reason: reason}
	}

	pe := s.lookup(parentID)
	if pe == nil {
		return deny("unknown parent")
	}
	parent := pe.capability
	if reason, ok := withinWindow(parent.Constraints, s.clock.Now()); !ok {
		return deny("parent " + string(reason))
	}
	if !parent.Delegation.Allowed {
		return deny("parent does not permit delegation")
	}
	if spec.Delegation.Allowed {
		if parent.Delegation.MaxDepth < 1 {
			return deny("delegation depth budget exhausted")
		}
		if spec.Delegation.MaxDepth > parent.Delegation.MaxDepth-1 {
			return deny(fmt.Sprintf("requested depth %d exceeds remaining budget %d", spec.Delegation.MaxDepth, parent.Delegation.MaxDepth-1))
		}
	}
	ceiling := parent.DelegatableSet()
	for _, p := range spec.Permissions {
		if !policy.CoveredByAny(ceiling, p) {
			return deny(fmt.Sprintf("permission %s exceeds the parent's delegatable set", p))
		}
	}

	child := &entities.Capability{
		ID:          newID(),
		ParentID:    parentID,
		Depth:       parent.Depth + 1,
		Permissions: spec.Permissions,
		Constraints: parent.Constraints.Intersect(parent.Delegation.Constraints).Intersect(spec.Constraints),
		Delegation:  spec.Delegation,
		CreatedAt:   s.clock.Now(),
	}

	s.edgesMu.Lock()
	if pe.revoked.Load() {
		s.edgesMu.Unlock()
		return deny("parent revoked")
	}
	s.insert(child)
	s.children[parentID] = append(s.children[parentID], child.ID)
	s.edgesMu.Unlock()

	s.record(ctx, entities.SecurityEvent{
		Kind:         entities.EventCapabilityDelegate,
		CapabilityID: child.ID,
		Outcome:      entities.OutcomeAllow,
		Detail: map[string]any{
			entities.DetailParent: string(parentID),
			"permissions":         permissionStrings(child.Permissions),
			"depth":               child.Depth,
		},
	})
	return child.ID, nil
}

// Revoke marks id and every capability delegated from it, transitively,
// as revoked. It returns once the whole subtree is marked; one event is
// recorded per newly revoked capability.
func (s *Store) Revoke(ctx context.Context, id entities.CapabilityID) error {
	if s.lookup(id) == nil {
		return &entities.NotFound{What: "capability", ID: string(id)}
	}

	s.edgesMu.Lock()
	var revoked []entities.CapabilityID
	queue := []entities.CapabilityID{id}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if e := s.lookup(next); e != nil && e.revoked.CompareAndSwap(false, true) {
			revoked = append(revoked, next)
		}
		queue = append(queue, s.children[next]...)
	}
	s.edgesMu.Unlock()

	for _, rid := range revoked {
		s.record(ctx, entities.SecurityEvent{
			Kind:         entities.EventCapabilityRevoke,
			CapabilityID: rid,
			Outcome:      entities.OutcomeInfo,
			Detail:       map[string]any{"root": string(id)},
		})
	}
	s.logger.Info("capability revoked", "capability", id, "cascade", len(revoked))
	return nil
}

func validateSpec(spec Spec) error {
	if err := policy.ValidatePermissions("permissions", spec.Permissions); err != nil {
		return err
	}
	if err := policy.ValidatePermissions("delegation.delegatable", spec.Delegation.Delegatable); err != nil {
		return err
	}
	for i, p := range spec.Delegation.Delegatable {
		if !policy.CoveredByAny(spec.Permissions, p) {
			return &entities.ConfigurationError{
				Field:  fmt.Sprintf("delegation.delegatable[%d]", i),
				Reason: "delegatable permission is not covered by the capability's own permissions",
			}
		}
	}
	if spec.Delegation.MaxDepth < 0 {
		return &entities.ConfigurationError{Field: "delegation.max_depth", Reason: "must not be negative"}
	}
	if err := validateConstraints("constraints", spec.Constraints); err != nil {
		return err
	}
	return validateConstraints("delegation.constraints", spec.Delegation.Constraints)
}

func validateConstraints(field string, c entities.Constraints) error {
	if !c.NotBefore.IsZero() && !c.NotAfter.IsZero() && c.NotAfter.Before(c.NotBefore) {
		return &entities.ConfigurationError{Field: field + ".not_after", Reason: "ends before not_before"}
	}
	if rl := c.RateLimit; rl != nil && (rl.Count <= 0 || rl.Window <= 0) {
		return &entities.ConfigurationError{Field: field + ".rate_limit", Reason: "count and window must be positive"}
	}
	return nil
}

func permissionStrings(perms []entities.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.String()
	}
	return out
}
