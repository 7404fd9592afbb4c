// Package ports defines the interfaces the sandbox core depends on and the
// infrastructure layer implements: execution engines, the audit log, the
// module store, and byte transports.
package ports

import (
	"context"
	"errors"
	"log/slog"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// ErrInterrupted is returned by Instance.Call when the meter's interrupt
// flag stopped the guest at a safe point. Meter.Interrupted reports the
// cause.
var ErrInterrupted = errors.New("execution interrupted")

// Engine wraps one bytecode-execution backend. All methods have concrete
// signatures so engines can be stored and swapped behind this interface.
type Engine interface {
	// Name returns the engine's registry name.
	Name() string

	// Info returns engine metadata.
	Info() entities.EngineInfo

	// Sniff reports whether data looks like a module this engine loads.
	Sniff(data []byte) bool

	// LoadModule validates and compiles module bytes. Malformed binaries,
	// disallowed imports and unsupported features fail with
	// *entities.InvalidModule.
	LoadModule(ctx context.Context, data []byte) (Module, error)

	// CreateInstance links and initializes a module. Invalid limits fail
	// with *entities.ConfigurationError.
	CreateInstance(ctx context.Context, module Module, cfg InstanceConfig) (Instance, error)

	// Close releases the engine and every module compiled by it.
	Close(ctx context.Context) error

	// Unwrap returns the backend object.
	Unwrap() any
}

// Module is a validated, compiled module.
type Module interface {
	Info() entities.ModuleInfo
	Close(ctx context.Context) error
	Unwrap() any
}

// Instance is one execution context of a module.
type Instance interface {
	// Call invokes an exported function with raw parameters using the guest
	// byte ABI. Guest faults return *entities.RuntimeTrap; interrupts
	// return an error matching ErrInterrupted.
	Call(ctx context.Context, function string, params []byte) ([]byte, error)

	// MemorySize returns the current linear memory size in bytes.
	MemorySize() uint64

	// Closed reports whether the engine tore the instance down, for example
	// after an interrupt closed it.
	Closed() bool

	Close(ctx context.Context) error
	Unwrap() any
}

// InstanceConfig is everything an engine needs to create an instance.
type InstanceConfig struct {
	ID           string
	Limits       entities.ResourceLimits
	Capabilities entities.CapabilitySet
	Meter        Meter
	Host         HostDispatcher
	Logger       *slog.Logger
}

// Meter is the engine-facing side of the resource limiter.
type Meter interface {
	// AllowGrowth is consulted before linear memory grows to newSize bytes.
	// A false result makes the grow fail without trapping.
	AllowGrowth(newSize uint64) bool

	// Consume charges n fuel units. It returns an error once fuel is
	// exhausted.
	Consume(n uint64) error

	// Interrupted returns the cause once execution must stop, nil otherwise.
	// Engines poll it at safe points.
	Interrupted() error
}

// HostDispatcher serves guest calls to host functions.
type HostDispatcher interface {
	Dispatch(ctx context.Context, function string, payload []byte) ([]byte, error)
}

// HostDispatcherFunc adapts a function to HostDispatcher.
type HostDispatcherFunc func(ctx context.Context, function string, payload []byte) ([]byte, error)

func (f HostDispatcherFunc) Dispatch(ctx context.Context, function string, payload []byte) ([]byte, error) {
	return f(ctx, function, payload)
}
