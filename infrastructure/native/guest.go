package native

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// PageSize is the granularity of guest memory growth.
const PageSize = 64 << 10

// MaxMemory is the largest guest memory, the 32-bit address space of a
// wasm32 module.
const MaxMemory = 1 << 32

// HostModule is the only import module programs may declare.
const HostModule = "sandbox"

// ErrOutOfMemory is returned by Guest.Alloc when the memory hook refuses
// growth.
var ErrOutOfMemory = errors.New("guest memory growth refused")

type guestKey struct{}

// GuestFrom returns the guest of the running call, nil outside a call.
func GuestFrom(ctx context.Context) *Guest {
	g, _ := ctx.Value(guestKey{}).(*Guest)
	return g
}

// Guest is a running program's view of its instance. Programs allocate
// through it, pay fuel per step and reach the host only through
// HostCall.
type Guest struct {
	inst     *instance
	ctx      context.Context
	function string
}

// InstanceID returns the id of the executing instance.
func (g *Guest) InstanceID() string { return g.inst.id }

// Logger returns the instance logger.
func (g *Guest) Logger() *slog.Logger { return g.inst.logger }

// Alloc reserves n bytes of linear memory, growing it page by page
// through the memory hook.
func (g *Guest) Alloc(n uint64) error {
	return g.inst.alloc(n)
}

// Free returns n bytes. Linear memory never shrinks.
func (g *Guest) Free(n uint64) {
	g.inst.free(n)
}

// Memory returns the current linear memory size.
func (g *Guest) Memory() uint64 {
	return g.inst.MemorySize()
}

// Step charges cost fuel and polls the interrupt flag. Programs call it
// once per unit of work and return its error unchanged.
func (g *Guest) Step(cost uint64) error {
	if err := g.inst.meter.Consume(cost); err != nil {
		return interrupted(err)
	}
	return g.Poll()
}

// Poll reports a pending interrupt without charging fuel.
func (g *Guest) Poll() error {
	if err := g.inst.meter.Interrupted(); err != nil {
		return interrupted(err)
	}
	if g.ctx.Err() != nil {
		return interrupted(context.Cause(g.ctx))
	}
	return nil
}

// HostCall invokes a host function declared in the module's imports.
func (g *Guest) HostCall(name string, payload []byte) ([]byte, error) {
	if err := g.Poll(); err != nil {
		return nil, err
	}
	if !g.inst.module.imports(name) {
		return nil, &entities.RuntimeTrap{
			Trap:     entities.TrapUnreachable,
			Function: g.function,
			Message:  fmt.Sprintf("call to undeclared import %s.%s", HostModule, name),
		}
	}
	if g.inst.host == nil {
		return nil, &entities.NotFound{What: "host function", ID: name}
	}
	return g.inst.host.Dispatch(g.ctx, name, payload)
}

// Trap aborts the call with a runtime trap of the given kind.
func (g *Guest) Trap(kind entities.TrapKind, message string) {
	panic(&trapSignal{kind: kind, message: message})
}

type trapSignal struct {
	kind    entities.TrapKind
	message string
}

func interrupted(cause error) error {
	return fmt.Errorf("%w: %w", ports.ErrInterrupted, cause)
}

// trapFromPanic converts a recovered panic into a trap.
func trapFromPanic(function string, r any) *entities.RuntimeTrap {
	if sig, ok := r.(*trapSignal); ok {
		return &entities.RuntimeTrap{Trap: sig.kind, Function: function, Message: sig.message}
	}
	trap := &entities.RuntimeTrap{Trap: entities.TrapPanic, Function: function, Message: fmt.Sprint(r)}
	if re, ok := r.(runtime.Error); ok {
		msg := re.Error()
		switch {
		case strings.Contains(msg, "divide by zero"):
			trap.Trap = entities.TrapDivideByZero
		case strings.Contains(msg, "index out of range"),
			strings.Contains(msg, "slice bounds out of range"),
			strings.Contains(msg, "nil pointer dereference"):
			trap.Trap = entities.TrapOutOfBounds
		}
	}
	return trap
}
