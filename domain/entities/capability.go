// Package entities provides the core domain types of the sandbox: capabilities
// and the permissions they carry, resource limits and usage, instance
// lifecycle states, audit events and the error taxonomy.
package entities

import (
	"fmt"
	"strings"
	"time"
)

// CapabilityID identifies a capability. IDs are random 128-bit values and
// cannot be derived from the capability's content.
type CapabilityID string

// PermissionKind is the resource family a permission applies to.
type PermissionKind string

const (
	KindFS       PermissionKind = "fs"
	KindNetwork  PermissionKind = "network"
	KindProcess  PermissionKind = "process"
	KindEnv      PermissionKind = "env"
	KindHostCall PermissionKind = "hostcall"
)

// Valid reports whether k is a known permission kind.
func (k PermissionKind) Valid() bool {
	switch k {
	case KindFS, KindNetwork, KindProcess, KindEnv, KindHostCall:
		return true
	}
	return false
}

// Operation is an action within a permission kind.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpConnect Operation = "connect"
	OpListen  Operation = "listen"
	OpSpawn   Operation = "spawn"
	OpGet     Operation = "get"
	OpCall    Operation = "call"
)

// Operations returns the operations defined for a permission kind.
func (k PermissionKind) Operations() []Operation {
	switch k {
	case KindFS:
		return []Operation{OpRead, OpWrite}
	case KindNetwork:
		return []Operation{OpConnect, OpListen}
	case KindProcess:
		return []Operation{OpSpawn}
	case KindEnv:
		return []Operation{OpGet}
	case KindHostCall:
		return []Operation{OpCall}
	}
	return nil
}

// Permission grants a set of operations on resources matching Patterns.
//
// Pattern syntax depends on Kind:
//   - fs: absolute paths; a literal path also covers everything beneath it,
//     glob patterns (*, **, ?, [..], {..}) match per path segment.
//   - network: exact host names, "*.suffix" or "*"; Ports lists "*", "N" or
//     "N-M" and defaults to any port when empty.
//   - process, env, hostcall: glob patterns over command, variable or
//     host-function names.
//
// An empty Operations list means every operation of the kind.
type Permission struct {
	Kind       PermissionKind `json:"kind" yaml:"kind" jsonschema:"enum=fs,enum=network,enum=process,enum=env,enum=hostcall"`
	Operations []Operation    `json:"operations,omitempty" yaml:"operations,omitempty"`
	Patterns   []string       `json:"patterns" yaml:"patterns" jsonschema:"minItems=1"`
	Ports      []string       `json:"ports,omitempty" yaml:"ports,omitempty"`
}

// Allows reports whether op is among the permission's operations.
func (p Permission) Allows(op Operation) bool {
	if len(p.Operations) == 0 {
		for _, o := range p.Kind.Operations() {
			if o == op {
				return true
			}
		}
		return false
	}
	for _, o := range p.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// EffectiveOperations expands an empty Operations list to the kind's full
// operation set.
func (p Permission) EffectiveOperations() []Operation {
	if len(p.Operations) == 0 {
		return p.Kind.Operations()
	}
	return p.Operations
}

func (p Permission) String() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	if len(p.Operations) > 0 {
		ops := make([]string, len(p.Operations))
		for i, op := range p.Operations {
			ops[i] = string(op)
		}
		fmt.Fprintf(&b, "[%s]", strings.Join(ops, ","))
	}
	fmt.Fprintf(&b, ":%s", strings.Join(p.Patterns, ","))
	if len(p.Ports) > 0 {
		fmt.Fprintf(&b, ":%s", strings.Join(p.Ports, ","))
	}
	return b.String()
}

// RateLimit bounds the number of uses within a sliding window.
type RateLimit struct {
	Count  int           `json:"count" yaml:"count" jsonschema:"minimum=1"`
	Window time.Duration `json:"window" yaml:"window" jsonschema:"minimum=1"`
}

// Constraints restrict when and how often a capability may be used. Zero
// values mean unbounded.
type Constraints struct {
	NotBefore time.Time  `json:"not_before,omitempty" yaml:"not_before,omitempty"`
	NotAfter  time.Time  `json:"not_after,omitempty" yaml:"not_after,omitempty"`
	MaxUses   uint64     `json:"max_uses,omitempty" yaml:"max_uses,omitempty"`
	RateLimit *RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

// Intersect returns the constraints satisfying both c and other: the later
// start, the earlier end, the smaller use budget and the stricter rate.
func (c Constraints) Intersect(other Constraints) Constraints {
	out := c
	if other.NotBefore.After(out.NotBefore) {
		out.NotBefore = other.NotBefore
	}
	if !other.NotAfter.IsZero() && (out.NotAfter.IsZero() || other.NotAfter.Before(out.NotAfter)) {
		out.NotAfter = other.NotAfter
	}
	if other.MaxUses != 0 && (out.MaxUses == 0 || other.MaxUses < out.MaxUses) {
		out.MaxUses = other.MaxUses
	}
	out.RateLimit = stricterRate(c.RateLimit, other.RateLimit)
	return out
}

// stricterRate picks the rate admitting fewer uses per unit of time.
func stricterRate(a, b *RateLimit) *RateLimit {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		r := *b
		return &r
	case b == nil:
		r := *a
		return &r
	}
	// a.Count/a.Window <= b.Count/b.Window, compared without division.
	if float64(a.Count)*float64(b.Window) <= float64(b.Count)*float64(a.Window) {
		r := *a
		return &r
	}
	r := *b
	return &r
}

// DelegationRights controls whether narrower capabilities may be minted from
// a capability.
type DelegationRights struct {
	Allowed bool `json:"allowed" yaml:"allowed"`
	// MaxDepth is the number of further delegation levels permitted below
	// this capability. Zero with Allowed set means one level.
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty" jsonschema:"minimum=0"`
	// Delegatable is the ceiling children may receive. Empty means the
	// capability's own permissions.
	Delegatable []Permission `json:"delegatable,omitempty" yaml:"delegatable,omitempty"`
	// Constraints are intersected into every child.
	Constraints Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
}

// Capability is an immutable grant of permissions.
type Capability struct {
	ID          CapabilityID     `json:"id"`
	ParentID    CapabilityID     `json:"parent_id,omitempty"`
	Depth       int              `json:"depth"`
	Permissions []Permission     `json:"permissions"`
	Constraints Constraints      `json:"constraints"`
	Delegation  DelegationRights `json:"delegation"`
	CreatedAt   time.Time        `json:"created_at"`
}

// DelegatableSet returns the permissions children of c may receive.
func (c *Capability) DelegatableSet() []Permission {
	if len(c.Delegation.Delegatable) > 0 {
		return c.Delegation.Delegatable
	}
	return c.Permissions
}

// CapabilitySet is the set of capabilities bound to an instance.
type CapabilitySet []CapabilityID
