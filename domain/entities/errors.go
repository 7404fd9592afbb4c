package entities

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorKind is the machine-readable category of a sandbox error.
type ErrorKind string

const (
	KindSecurityViolation  ErrorKind = "security_violation"
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindRuntimeTrap        ErrorKind = "runtime_trap"
	KindConfigurationError ErrorKind = "configuration"
	KindChannelError       ErrorKind = "channel"
	KindCancelled          ErrorKind = "cancelled"
	KindInvalidModule      ErrorKind = "invalid_module"
	KindDelegationDenied   ErrorKind = "delegation_denied"
	KindInvalidState       ErrorKind = "invalid_state"
	KindNotFound           ErrorKind = "not_found"
	KindInternal           ErrorKind = "internal"
)

// Sentinels for errors.Is. Every typed error below matches its sentinel.
var (
	ErrSecurityViolation = errors.New("security violation")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRuntimeTrap       = errors.New("runtime trap")
	ErrConfiguration     = errors.New("configuration error")
	ErrChannel           = errors.New("channel error")
	ErrDisconnected      = errors.New("channel disconnected")
	ErrCancelled         = errors.New("cancelled")
	ErrInvalidModule     = errors.New("invalid module")
	ErrDelegationDenied  = errors.New("delegation denied")
	ErrInvalidState      = errors.New("invalid state")
	ErrNotFound          = errors.New("not found")
)

// Kinded is implemented by every error in the taxonomy.
type Kinded interface {
	error
	Kind() ErrorKind
}

// DenyReason explains a capability check failure.
type DenyReason string

const (
	ReasonUnknown        DenyReason = "unknown"
	ReasonRevoked        DenyReason = "revoked"
	ReasonNotYetValid    DenyReason = "not_yet_valid"
	ReasonExpired        DenyReason = "expired"
	ReasonUsageExhausted DenyReason = "usage_exhausted"
	ReasonRateLimited    DenyReason = "rate_limited"
	ReasonNotPermitted   DenyReason = "not_permitted"
	ReasonNoCapability   DenyReason = "no_capability"
)

// SecurityViolation reports a denied, revoked or constraint-breached
// permission.
type SecurityViolation struct {
	CapabilityID CapabilityID
	Request      Request
	Reason       DenyReason
	// Allowed lists the patterns that were granted for the requested kind.
	Allowed []string
}

func (e *SecurityViolation) Error() string {
	msg := fmt.Sprintf("security violation: %s denied (%s)", e.Request, e.Reason)
	if e.CapabilityID != "" {
		msg += " by capability " + string(e.CapabilityID)
	}
	if len(e.Allowed) > 0 {
		msg += "; allowed: " + strings.Join(e.Allowed, ", ")
	}
	return msg
}

func (e *SecurityViolation) Kind() ErrorKind      { return KindSecurityViolation }
func (e *SecurityViolation) Is(target error) bool { return target == ErrSecurityViolation }

// ResourceExhausted reports a limit that was reached. For wall_clock, Limit
// and Used are nanoseconds.
type ResourceExhausted struct {
	Resource Resource
	Limit    uint64
	// Used is the consumption, or the requested amount for rejected
	// allocations.
	Used uint64
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("resource exhausted: %s limit %d, used %d", e.Resource, e.Limit, e.Used)
}

func (e *ResourceExhausted) Kind() ErrorKind      { return KindResourceExhausted }
func (e *ResourceExhausted) Is(target error) bool { return target == ErrResourceExhausted }

// TrapKind classifies a guest fault.
type TrapKind string

const (
	TrapOutOfBounds   TrapKind = "out_of_bounds_memory"
	TrapDivideByZero  TrapKind = "integer_divide_by_zero"
	TrapStackOverflow TrapKind = "stack_overflow"
	TrapUnreachable   TrapKind = "unreachable"
	TrapExit          TrapKind = "exit"
	TrapPanic         TrapKind = "panic"
	TrapUnknown       TrapKind = "unknown"
)

// RuntimeTrap reports an unrecoverable guest fault.
type RuntimeTrap struct {
	Trap     TrapKind
	Function string
	Message  string
}

func (e *RuntimeTrap) Error() string {
	msg := "runtime trap: " + string(e.Trap)
	if e.Function != "" {
		msg += " in " + e.Function
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *RuntimeTrap) Kind() ErrorKind      { return KindRuntimeTrap }
func (e *RuntimeTrap) Is(target error) bool { return target == ErrRuntimeTrap }

// ConfigurationError reports invalid limits or capabilities.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error for field '%s': %s", e.Field, e.Reason)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Kind() ErrorKind      { return KindConfigurationError }
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ChannelCode classifies a channel error.
type ChannelCode string

const (
	ChannelDisconnected ChannelCode = "disconnected"
	ChannelMalformed    ChannelCode = "malformed"
	ChannelCodec        ChannelCode = "codec"
)

// ChannelError reports a transport or codec failure.
type ChannelError struct {
	Code ChannelCode
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel %s: %v", e.Code, e.Err)
	}
	return "channel " + string(e.Code)
}

func (e *ChannelError) Unwrap() error   { return e.Err }
func (e *ChannelError) Kind() ErrorKind { return KindChannelError }

func (e *ChannelError) Is(target error) bool {
	return target == ErrChannel || (target == ErrDisconnected && e.Code == ChannelDisconnected)
}

// Disconnected returns the error delivered to operations pending on a
// closed channel.
func Disconnected() *ChannelError {
	return &ChannelError{Code: ChannelDisconnected}
}

// Interrupt causes. CauseTimeout is the caller's own deadline;
// CauseWallClock is the instance's MaxWallClock limit.
const (
	CauseCaller    = "caller"
	CauseTimeout   = "timeout"
	CauseFuel      = "fuel"
	CauseWallClock = "wall_clock"
)

// Cancelled reports a call interrupted by its caller or a deadline.
type Cancelled struct {
	Cause string
	Err   error
}

func (e *Cancelled) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cancelled (%s): %v", e.Cause, e.Err)
	}
	return "cancelled (" + e.Cause + ")"
}

func (e *Cancelled) Unwrap() error        { return e.Err }
func (e *Cancelled) Kind() ErrorKind      { return KindCancelled }
func (e *Cancelled) Is(target error) bool { return target == ErrCancelled }

// InvalidModule reports a module rejected at load time.
type InvalidModule struct {
	Reason string
}

func (e *InvalidModule) Error() string        { return "invalid module: " + e.Reason }
func (e *InvalidModule) Kind() ErrorKind      { return KindInvalidModule }
func (e *InvalidModule) Is(target error) bool { return target == ErrInvalidModule }

// DelegationDenied reports a refused delegation.
type DelegationDenied struct {
	Parent CapabilityID
	Reason string
}

func (e *DelegationDenied) Error() string {
	return fmt.Sprintf("delegation from %s denied: %s", e.Parent, e.Reason)
}

func (e *DelegationDenied) Kind() ErrorKind      { return KindDelegationDenied }
func (e *DelegationDenied) Is(target error) bool { return target == ErrDelegationDenied }

// InvalidState reports an operation not permitted in the current lifecycle
// state.
type InvalidState struct {
	Instance  string
	State     State
	Operation string
}

func (e *InvalidState) Error() string {
	return fmt.Sprintf("instance %s: cannot %s while %s", e.Instance, e.Operation, e.State)
}

func (e *InvalidState) Kind() ErrorKind      { return KindInvalidState }
func (e *InvalidState) Is(target error) bool { return target == ErrInvalidState }

// NotFound reports an unknown handle.
type NotFound struct {
	What string
	ID   string
}

func (e *NotFound) Error() string        { return fmt.Sprintf("%s %s not found", e.What, e.ID) }
func (e *NotFound) Kind() ErrorKind      { return KindNotFound }
func (e *NotFound) Is(target error) bool { return target == ErrNotFound }

// KindOf returns the taxonomy kind of err, or KindInternal.
func KindOf(err error) ErrorKind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// ErrorDetail is the wire form of an error carried in RPC error envelopes.
type ErrorDetail struct {
	Type    string            `json:"type" cbor:"type"`
	Code    string            `json:"code,omitempty" cbor:"code,omitempty"`
	Message string            `json:"message" cbor:"message"`
	Fields  map[string]string `json:"fields,omitempty" cbor:"fields,omitempty"`
}

func (d *ErrorDetail) Error() string {
	if d.Code != "" {
		return fmt.Sprintf("%s (%s): %s", d.Type, d.Code, d.Message)
	}
	return d.Type + ": " + d.Message
}

// ToDetail converts err into its wire form, recognizing every error type of
// the taxonomy.
func ToDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}

	var (
		detail *ErrorDetail
		secErr *SecurityViolation
		resErr *ResourceExhausted
		trap   *RuntimeTrap
		cfgErr *ConfigurationError
		chErr  *ChannelError
		cancel *Cancelled
		modErr *InvalidModule
		delErr *DelegationDenied
		stErr  *InvalidState
		nfErr  *NotFound
	)

	switch {
	case errors.As(err, &detail):
		return detail
	case errors.As(err, &secErr):
		return &ErrorDetail{
			Type:    string(KindSecurityViolation),
			Code:    string(secErr.Reason),
			Message: secErr.Error(),
			Fields: map[string]string{
				"capability": string(secErr.CapabilityID),
				"kind":       string(secErr.Request.Kind),
				"operation":  string(secErr.Request.Operation),
				"target":     secErr.Request.Target,
				"port":       strconv.Itoa(secErr.Request.Port),
				"allowed":    strings.Join(secErr.Allowed, "\n"),
			},
		}
	case errors.As(err, &resErr):
		return &ErrorDetail{
			Type:    string(KindResourceExhausted),
			Code:    string(resErr.Resource),
			Message: resErr.Error(),
			Fields: map[string]string{
				"limit": strconv.FormatUint(resErr.Limit, 10),
				"used":  strconv.FormatUint(resErr.Used, 10),
			},
		}
	case errors.As(err, &trap):
		return &ErrorDetail{
			Type:    string(KindRuntimeTrap),
			Code:    string(trap.Trap),
			Message: trap.Error(),
			Fields:  map[string]string{"function": trap.Function, "message": trap.Message},
		}
	case errors.As(err, &cfgErr):
		return &ErrorDetail{
			Type:    string(KindConfigurationError),
			Code:    cfgErr.Field,
			Message: cfgErr.Error(),
			Fields:  map[string]string{"reason": cfgErr.Reason},
		}
	case errors.As(err, &chErr):
		return &ErrorDetail{Type: string(KindChannelError), Code: string(chErr.Code), Message: chErr.Error()}
	case errors.As(err, &cancel):
		return &ErrorDetail{Type: string(KindCancelled), Code: cancel.Cause, Message: cancel.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &ErrorDetail{Type: string(KindCancelled), Code: CauseTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &ErrorDetail{Type: string(KindCancelled), Code: CauseCaller, Message: err.Error()}
	case errors.As(err, &modErr):
		return &ErrorDetail{Type: string(KindInvalidModule), Message: modErr.Error(), Fields: map[string]string{"reason": modErr.Reason}}
	case errors.As(err, &delErr):
		return &ErrorDetail{
			Type:    string(KindDelegationDenied),
			Code:    string(delErr.Parent),
			Message: delErr.Error(),
			Fields:  map[string]string{"reason": delErr.Reason},
		}
	case errors.As(err, &stErr):
		return &ErrorDetail{
			Type:    string(KindInvalidState),
			Code:    stErr.State.String(),
			Message: stErr.Error(),
			Fields:  map[string]string{"instance": stErr.Instance, "operation": stErr.Operation},
		}
	case errors.As(err, &nfErr):
		return &ErrorDetail{Type: string(KindNotFound), Code: nfErr.What, Message: nfErr.Error(), Fields: map[string]string{"id": nfErr.ID}}
	default:
		return &ErrorDetail{Type: string(KindInternal), Message: err.Error()}
	}
}

// FromDetail reconstructs the typed error described by d. Unknown types are
// returned as the detail itself.
func FromDetail(d *ErrorDetail) error {
	if d == nil {
		return nil
	}
	f := d.Fields
	switch ErrorKind(d.Type) {
	case KindSecurityViolation:
		port, _ := strconv.Atoi(f["port"])
		var allowed []string
		if f["allowed"] != "" {
			allowed = strings.Split(f["allowed"], "\n")
		}
		return &SecurityViolation{
			CapabilityID: CapabilityID(f["capability"]),
			Request: Request{
				Kind:      PermissionKind(f["kind"]),
				Operation: Operation(f["operation"]),
				Target:    f["target"],
				Port:      port,
			},
			Reason:  DenyReason(d.Code),
			Allowed: allowed,
		}
	case KindResourceExhausted:
		limit, _ := strconv.ParseUint(f["limit"], 10, 64)
		used, _ := strconv.ParseUint(f["used"], 10, 64)
		return &ResourceExhausted{Resource: Resource(d.Code), Limit: limit, Used: used}
	case KindRuntimeTrap:
		return &RuntimeTrap{Trap: TrapKind(d.Code), Function: f["function"], Message: f["message"]}
	case KindConfigurationError:
		return &ConfigurationError{Field: d.Code, Reason: f["reason"]}
	case KindChannelError:
		return &ChannelError{Code: ChannelCode(d.Code), Err: errors.New(d.Message)}
	case KindCancelled:
		return &Cancelled{Cause: d.Code}
	case KindInvalidModule:
		return &InvalidModule{Reason: f["reason"]}
	case KindDelegationDenied:
		return &DelegationDenied{Parent: CapabilityID(d.Code), Reason: f["reason"]}
	case KindInvalidState:
		return &InvalidState{Instance: f["instance"], State: parseStateOr(d.Code, StateCrashed), Operation: f["operation"]}
	case KindNotFound:
		return &NotFound{What: d.Code, ID: f["id"]}
	}
	return d
}
