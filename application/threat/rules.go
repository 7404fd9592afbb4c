// Package threat watches the audit event stream for signs of a guest
// probing its sandbox. Rules turn events into findings, findings raise a
// decaying per-instance score, and crossing a threshold triggers a
// response such as pausing or terminating the instance. Detection runs
// off the check path and never delays a capability check.
package threat

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

// Severity ranks a finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Weight is the score a finding of this severity adds.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 40
	case SeverityCritical:
		return 100
	}
	return 0
}

// Finding is one rule match.
type Finding struct {
	Rule         string                `json:"rule"`
	Severity     Severity              `json:"severity"`
	InstanceID   string                `json:"instance_id,omitempty"`
	CapabilityID entities.CapabilityID `json:"capability_id,omitempty"`
	// Seq is the audit sequence number of the triggering event.
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Rule inspects events. Rules are called from a single goroutine and may
// keep state between events.
type Rule interface {
	Name() string
	Evaluate(ev entities.SecurityEvent) []Finding
}

func finding(rule string, sev Severity, ev entities.SecurityEvent, msg string) Finding {
	return Finding{
		Rule:         rule,
		Severity:     sev,
		InstanceID:   ev.InstanceID,
		CapabilityID: ev.CapabilityID,
		Seq:          ev.Seq,
		Time:         ev.Time,
		Message:      msg,
	}
}

func isDenial(ev entities.SecurityEvent) bool {
	return ev.Outcome == entities.OutcomeDeny
}

func detailString(ev entities.SecurityEvent, key string) string {
	s, _ := ev.Detail[key].(string)
	return s
}

// RepeatedDenialRule fires when one instance collects Threshold denied
// checks within Window. The window restarts after each finding.
type RepeatedDenialRule struct {
	Threshold int
	Window    time.Duration
	Severity  Severity

	clock  clock.Clock
	denied map[string][]time.Time
}

// NewRepeatedDenialRule returns a rule firing at threshold denials per
// window.
func NewRepeatedDenialRule(threshold int, window time.Duration, c clock.Clock) *RepeatedDenialRule {
	if c == nil {
		c = clock.Real()
	}
	return &RepeatedDenialRule{
		Threshold: threshold,
		Window:    window,
		Severity:  SeverityMedium,
		clock:     c,
		denied:    make(map[string][]time.Time),
	}
}

func (r *RepeatedDenialRule) Name() string { return "repeated_denial" }

func (r *RepeatedDenialRule) Evaluate(ev entities.SecurityEvent) []Finding {
	if ev.Kind != entities.EventCapabilityCheck || !isDenial(ev) || ev.InstanceID == "" {
		return nil
	}
	now := ev.Time
	if now.IsZero() {
		now = r.clock.Now()
	}
	times := r.denied[ev.InstanceID]
	cutoff := now.Add(-r.Window)
	keep := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	keep = append(keep, now)
	if len(keep) < r.Threshold {
		r.denied[ev.InstanceID] = keep
		return nil
	}
	delete(r.denied, ev.InstanceID)
	return []Finding{finding(r.Name(), r.Severity, ev,
		fmt.Sprintf("%d denied checks within %s", len(keep), r.Window))}
}

// Signature matches the attempted value of a capability check.
type Signature struct {
	Name     string
	Pattern  *regexp.Regexp
	Severity Severity
	// Kinds restricts the signature to permission kinds. Empty matches all.
	Kinds []entities.PermissionKind
}

func (s Signature) appliesTo(kind string) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}

// DefaultSignatures are known sandbox escape and reconnaissance attempts.
var DefaultSignatures = []Signature{
	{Name: "path_traversal", Pattern: regexp.MustCompile(`(^|/)\.\.(/|$)`), Severity: SeverityHigh,
		Kinds: []entities.PermissionKind{entities.KindFS}},
	{Name: "proc_self", Pattern: regexp.MustCompile(`^/proc/(self|\d+)/`), Severity: SeverityHigh,
		Kinds: []entities.PermissionKind{entities.KindFS}},
	{Name: "credential_file", Pattern: regexp.MustCompile(`^/etc/(shadow|passwd|sudoers)$|/\.ssh/|/\.aws/credentials$`), Severity: SeverityHigh,
		Kinds: []entities.PermissionKind{entities.KindFS}},
	{Name: "cloud_metadata", Pattern: regexp.MustCompile(`^(169\.254\.169\.254|metadata\.google\.internal|fd00:ec2::254)(:\d+)?$`), Severity: SeverityCritical,
		Kinds: []entities.PermissionKind{entities.KindNetwork}},
	{Name: "shell_metacharacters", Pattern: regexp.MustCompile("[;&|`$<>]"), Severity: SeverityHigh,
		Kinds: []entities.PermissionKind{entities.KindProcess}},
	{Name: "secret_variable", Pattern: regexp.MustCompile(`(?i)(SECRET|TOKEN|PASSWORD|PRIVATE_KEY|AWS_ACCESS)`), Severity: SeverityMedium,
		Kinds: []entities.PermissionKind{entities.KindEnv}},
}

// SignatureRule matches check events against signatures. Allowed checks
// are matched too: a granted access to the metadata endpoint is still
// worth knowing about.
type SignatureRule struct {
	Signatures []Signature
}

// NewSignatureRule returns a rule using sigs, or DefaultSignatures when
// none are given.
func NewSignatureRule(sigs ...Signature) *SignatureRule {
	if len(sigs) == 0 {
		sigs = DefaultSignatures
	}
	return &SignatureRule{Signatures: sigs}
}

func (r *SignatureRule) Name() string { return "signature" }

func (r *SignatureRule) Evaluate(ev entities.SecurityEvent) []Finding {
	if ev.Kind != entities.EventCapabilityCheck {
		return nil
	}
	attempted := detailString(ev, entities.DetailAttempted)
	if attempted == "" {
		return nil
	}
	kind := detailString(ev, "kind")
	var out []Finding
	for _, sig := range r.Signatures {
		if !sig.appliesTo(kind) || !sig.Pattern.MatchString(attempted) {
			continue
		}
		f := finding(r.Name()+"."+sig.Name, sig.Severity, ev,
			fmt.Sprintf("%s attempt %q (%s)", strings.ReplaceAll(sig.Name, "_", " "), attempted, ev.Outcome))
		out = append(out, f)
	}
	return out
}

// RevokedUseRule fires when a check presents a revoked capability.
type RevokedUseRule struct{}

func (RevokedUseRule) Name() string { return "revoked_use" }

func (r RevokedUseRule) Evaluate(ev entities.SecurityEvent) []Finding {
	if ev.Kind != entities.EventCapabilityCheck || !isDenial(ev) {
		return nil
	}
	if detailString(ev, entities.DetailReason) != string(entities.ReasonRevoked) {
		return nil
	}
	return []Finding{finding(r.Name(), SeverityHigh, ev, "revoked capability presented")}
}

// DefaultRules returns the standard rule set.
func DefaultRules(c clock.Clock) []Rule {
	return []Rule{
		NewRepeatedDenialRule(5, time.Minute, c),
		NewSignatureRule(),
		RevokedUseRule{},
	}
}
