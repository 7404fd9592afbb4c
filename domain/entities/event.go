package entities

import "time"

// EventKind classifies audit events.
type EventKind string

const (
	EventCapabilityGrant    EventKind = "capability.grant"
	EventCapabilityCheck    EventKind = "capability.check"
	EventCapabilityDelegate EventKind = "capability.delegate"
	EventCapabilityRevoke   EventKind = "capability.revoke"

	EventResourceMemory      EventKind = "resource.memory"
	EventResourceFuel        EventKind = "resource.fuel"
	EventResourceWallClock   EventKind = "resource.wall_clock"
	EventResourceHandles     EventKind = "resource.handles"
	EventResourceConnections EventKind = "resource.connections"

	EventInstanceCancelled EventKind = "instance.cancelled"
	EventInstanceTrap      EventKind = "instance.trap"

	EventThreatFinding  EventKind = "threat.finding"
	EventThreatResponse EventKind = "threat.response"
)

// ResourceEventKind maps a resource to its audit event kind.
func ResourceEventKind(r Resource) EventKind {
	return EventKind("resource." + string(r))
}

// Outcome is the result recorded by an event.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
	OutcomeInfo  Outcome = "info"
)

// Standard Detail keys.
const (
	DetailAttempted = "attempted"
	DetailAllowed   = "allowed"
	DetailReason    = "reason"
	DetailLimit     = "limit"
	DetailUsed      = "used"
	DetailFrom      = "from"
	DetailTo        = "to"
	DetailParent    = "parent"
	DetailRule      = "rule"
	DetailSeverity  = "severity"
)

// SecurityEvent is an immutable audit record. Seq is assigned by the audit
// log on append and is strictly increasing.
type SecurityEvent struct {
	Seq          uint64         `json:"seq" cbor:"seq"`
	Time         time.Time      `json:"time" cbor:"time"`
	Kind         EventKind      `json:"kind" cbor:"kind"`
	InstanceID   string         `json:"instance_id,omitempty" cbor:"instance_id,omitempty"`
	CapabilityID CapabilityID   `json:"capability_id,omitempty" cbor:"capability_id,omitempty"`
	Outcome      Outcome        `json:"outcome" cbor:"outcome"`
	Detail       map[string]any `json:"detail,omitempty" cbor:"detail,omitempty"`
}
