// Package native is an execution engine for trusted Go programs. Modules
// are YAML descriptors naming a registered program; the program runs
// against a Guest that meters memory and fuel and exposes the interrupt
// flag, so native instances obey the same limits as bytecode ones.
package native

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/reglet-dev/reglet-sandbox/application/validation"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/digest"
)

// Name is the engine's registry name.
const Name = "native"

const version = "1"

// Engine runs native programs.
type Engine struct {
	programs  *Programs
	validator *validation.Validator
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrograms sets the program set descriptors resolve against.
func WithPrograms(p *Programs) Option {
	return func(e *Engine) {
		e.programs = p
	}
}

// WithValidator shares a schema validator.
func WithValidator(v *validation.Validator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New returns a native engine. Without WithPrograms it serves only the
// built-in program.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.programs == nil {
		e.programs = NewPrograms()
		if err := e.programs.Register(&Builtin{}); err != nil {
			return nil, err
		}
	}
	if e.validator == nil {
		v, err := validation.New()
		if err != nil {
			return nil, err
		}
		e.validator = v
	}
	if err := registerDescriptorSchema(e.validator); err != nil {
		return nil, fmt.Errorf("registering descriptor schema: %w", err)
	}
	return e, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Info() entities.EngineInfo {
	return entities.EngineInfo{
		Name:     Name,
		Version:  version,
		Features: []string{entities.FeatureMemoryHook, entities.FeatureFuel, entities.FeatureInterrupt},
	}
}

func (e *Engine) Sniff(data []byte) bool {
	return looksLikeDescriptor(data)
}

// LoadModule parses a descriptor and resolves its program.
func (e *Engine) LoadModule(_ context.Context, data []byte) (ports.Module, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	d, err := ParseDescriptor(e.validator, data)
	if err != nil {
		return nil, err
	}
	prog, ok := e.programs.Get(d.Program)
	if !ok {
		return nil, &entities.InvalidModule{Reason: fmt.Sprintf("unknown program %q", d.Program)}
	}

	exports := prog.Signatures()
	if len(d.Exports) > 0 {
		exports = make([]entities.FunctionSignature, 0, len(d.Exports))
		for _, name := range d.Exports {
			if _, ok := prog.lookup(name); !ok {
				return nil, &entities.InvalidModule{Reason: fmt.Sprintf("program %s has no function %q", prog.Name, name)}
			}
			exports = append(exports, entities.FunctionSignature{
				Name:    name,
				Params:  []entities.ValueType{entities.ValueBytes},
				Results: []entities.ValueType{entities.ValueBytes},
			})
		}
	}
	for _, imp := range d.Imports {
		if imp.Module != HostModule {
			return nil, &entities.InvalidModule{Reason: fmt.Sprintf("import %s not allowed", imp)}
		}
	}

	if d.Memory.InitialBytes > MaxMemory {
		return nil, &entities.InvalidModule{Reason: fmt.Sprintf("initial memory %d exceeds the %d byte address space", d.Memory.InitialBytes, uint64(MaxMemory))}
	}
	initial := max(roundPages(d.Memory.InitialBytes), PageSize)
	return &module{
		program: prog,
		info: entities.ModuleInfo{
			ID:             digest.Module(data),
			Engine:         Name,
			Size:           len(data),
			Exports:        exports,
			Imports:        slices.Clone(d.Imports),
			MinMemoryBytes: initial,
		},
	}, nil
}

// CreateInstance binds a loaded module to a meter and host dispatcher.
func (e *Engine) CreateInstance(_ context.Context, m ports.Module, cfg ports.InstanceConfig) (ports.Instance, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	mod, ok := m.(*module)
	if !ok {
		return nil, &entities.ConfigurationError{Field: "module", Reason: fmt.Sprintf("module was not loaded by the %s engine", Name)}
	}
	if cfg.Meter == nil {
		return nil, &entities.ConfigurationError{Field: "meter", Reason: "required"}
	}
	initial := mod.info.MinMemoryBytes
	if limit := cfg.Limits.MaxMemoryBytes; limit > 0 && initial > limit {
		return nil, &entities.ConfigurationError{
			Field:  "max_memory_bytes",
			Reason: fmt.Sprintf("module needs %d bytes of initial memory, limit is %d", initial, limit),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = e.logger
	}
	inst := &instance{
		id:     cfg.ID,
		module: mod,
		meter:  cfg.Meter,
		host:   cfg.Host,
		logger: logger.With("instance", cfg.ID, "module", mod.info.ID),
		size:   initial,
	}
	return inst, nil
}

func (e *Engine) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Unwrap returns the engine's program set.
func (e *Engine) Unwrap() any { return e.programs }

func (e *Engine) check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &entities.ConfigurationError{Field: "engine", Reason: "engine is closed"}
	}
	return nil
}

// roundPages rounds n up to whole pages. n must not exceed MaxMemory.
func roundPages(n uint64) uint64 {
	return (n + PageSize - 1) / PageSize * PageSize
}

type module struct {
	program *Program
	info    entities.ModuleInfo
}

func (m *module) Info() entities.ModuleInfo   { return m.info }
func (m *module) Close(context.Context) error { return nil }
func (m *module) Unwrap() any                 { return m.program }

func (m *module) exports(name string) bool {
	_, ok := m.info.Export(name)
	return ok
}

func (m *module) imports(name string) bool {
	for _, imp := range m.info.Imports {
		if imp.Name == name {
			return true
		}
	}
	return false
}

// instance is not safe for concurrent calls; the lifecycle controller
// serializes them.
type instance struct {
	id     string
	module *module
	meter  ports.Meter
	host   ports.HostDispatcher
	logger *slog.Logger

	mu     sync.Mutex
	size   uint64
	used   uint64
	closed atomic.Bool
}

func (i *instance) Call(ctx context.Context, function string, params []byte) (out []byte, err error) {
	if i.closed.Load() {
		return nil, &entities.InvalidState{Instance: i.id, State: entities.StateTerminated, Operation: "call " + function}
	}
	exp, ok := i.module.program.lookup(function)
	if !ok || !i.module.exports(function) {
		return nil, &entities.NotFound{What: "export", ID: function}
	}

	g := &Guest{inst: i, ctx: ctx, function: function}
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = trapFromPanic(function, r)
			i.logger.Debug("program panicked", "function", function, "panic", r)
		}
	}()
	// An interrupt raised before entry stops the call at its first safe point.
	if err := g.Poll(); err != nil {
		return nil, err
	}
	return exp.fn(context.WithValue(ctx, guestKey{}, g), params)
}

func (i *instance) alloc(n uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	want, carry := bits.Add64(i.used, n, 0)
	if carry != 0 || want > MaxMemory {
		if carry != 0 {
			want = math.MaxUint64
		}
		// The hook records the refusal when a limit is set; past the
		// address space the growth fails either way.
		if i.meter.AllowGrowth(want) {
			if m, ok := i.meter.(memorySetter); ok {
				m.SetMemory(i.size)
			}
		}
		return ErrOutOfMemory
	}
	if want > i.size {
		grown := roundPages(want)
		if !i.meter.AllowGrowth(grown) {
			return ErrOutOfMemory
		}
		i.size = grown
	}
	i.used = want
	return nil
}

type memorySetter interface {
	SetMemory(size uint64)
}

func (i *instance) free(n uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.used -= min(n, i.used)
}

func (i *instance) MemorySize() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.size
}

func (i *instance) Closed() bool { return i.closed.Load() }

func (i *instance) Close(context.Context) error {
	i.closed.Store(true)
	return nil
}

// Unwrap returns the Program the instance runs.
func (i *instance) Unwrap() any { return i.module.program }
