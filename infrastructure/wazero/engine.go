// Package wazero is the WebAssembly engine. It compiles modules once with
// a shared compilation cache, links them against a restricted WASI subset
// and the sandbox host module, and meters every call: memory growth goes
// through the memory hook, fuel is charged per guest function entry plus
// a time-based burn. Running out of fuel unwinds the call at the next
// function entry with the module open; other interrupts close the module
// at its next safe point.
package wazero

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/digest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Name is the engine's registry name.
const Name = "wazero"

const version = "1.11"

var wasmMagic = []byte("\x00asm")

// Mode selects how wazero executes modules.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeCompiler    Mode = "compiler"
	ModeInterpreter Mode = "interpreter"
)

// Default fuel costs.
const (
	DefaultCallCost     = 1
	DefaultBurnInterval = time.Millisecond
	DefaultBurnFuel     = 10
	// DefaultFuelGrace is how long a call out of fuel may run before the
	// module is closed, for guests that enter no function in that time.
	DefaultFuelGrace = 50 * time.Millisecond
)

// Engine runs WebAssembly modules on one wazero runtime.
type Engine struct {
	rt     wazero.Runtime
	cache  wazero.CompilationCache
	logger *slog.Logger

	mode          Mode
	cacheDir      string
	callCost      uint64
	burnInterval  time.Duration
	burnFuel      uint64
	fuelGrace     time.Duration
	hostFunctions []string

	mu     sync.Mutex
	closed bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMode selects compiler or interpreter execution.
func WithMode(m Mode) Option {
	return func(e *Engine) {
		e.mode = m
	}
}

// WithCompilationCacheDir persists compiled code across processes.
func WithCompilationCacheDir(dir string) Option {
	return func(e *Engine) {
		e.cacheDir = dir
	}
}

// WithFuelCosts sets the fuel charged per guest function entry and the
// fuel burned every interval while a call runs.
func WithFuelCosts(perCall uint64, interval time.Duration, perInterval uint64) Option {
	return func(e *Engine) {
		e.callCost = perCall
		e.burnInterval = interval
		e.burnFuel = perInterval
	}
}

// WithFuelGrace sets how long a call that ran out of fuel may continue
// before its module is closed. A call that enters a guest function in
// that time unwinds with the module open.
func WithFuelGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.fuelGrace = d
		}
	}
}

// WithHostFunctions names the functions the sandbox host module exports
// besides host_call. Each has the signature (i64) -> i64.
func WithHostFunctions(names ...string) Option {
	return func(e *Engine) {
		e.hostFunctions = append(e.hostFunctions, names...)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New creates the runtime and instantiates the host modules.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:       slog.Default(),
		mode:         ModeAuto,
		callCost:     DefaultCallCost,
		burnInterval: DefaultBurnInterval,
		burnFuel:     DefaultBurnFuel,
		fuelGrace:    DefaultFuelGrace,
	}
	for _, opt := range opts {
		opt(e)
	}

	var cfg wazero.RuntimeConfig
	switch e.mode {
	case ModeAuto, "":
		cfg = wazero.NewRuntimeConfig()
	case ModeCompiler:
		cfg = wazero.NewRuntimeConfigCompiler()
	case ModeInterpreter:
		cfg = wazero.NewRuntimeConfigInterpreter()
	default:
		return nil, &entities.ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", e.mode)}
	}

	if e.cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(e.cacheDir)
		if err != nil {
			return nil, &entities.ConfigurationError{Field: "cache_dir", Reason: err.Error()}
		}
		e.cache = cache
	} else {
		e.cache = wazero.NewCompilationCache()
	}

	cfg = cfg.
		WithCloseOnContextDone(true).
		WithCompilationCache(e.cache).
		WithCoreFeatures(api.CoreFeaturesV2)
	e.rt = wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.rt); err != nil {
		_ = e.rt.Close(ctx)
		return nil, fmt.Errorf("instantiating wasi: %w", err)
	}
	if err := e.instantiateHostModule(ctx); err != nil {
		_ = e.rt.Close(ctx)
		return nil, fmt.Errorf("instantiating host module: %w", err)
	}
	return e, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Info() entities.EngineInfo {
	return entities.EngineInfo{
		Name:    Name,
		Version: version,
		Features: []string{
			entities.FeatureMemoryHook,
			entities.FeatureFuel,
			entities.FeatureInterrupt,
			entities.FeatureWASI,
		},
	}
}

func (e *Engine) Sniff(data []byte) bool {
	return bytes.HasPrefix(data, wasmMagic)
}

// LoadModule compiles data and checks its imports and exports.
func (e *Engine) LoadModule(ctx context.Context, data []byte) (ports.Module, error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	if !e.Sniff(data) {
		return nil, &entities.InvalidModule{Reason: "not a WebAssembly binary"}
	}

	// Listeners are bound at compile time and find the instance through
	// the call context.
	compiled, err := e.rt.CompileModule(experimental.WithFunctionListenerFactory(ctx, listenerFactory{}), data)
	if err != nil {
		return nil, &entities.InvalidModule{Reason: err.Error()}
	}

	info, err := e.inspect(compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	info.ID = digest.Module(data)
	info.Size = len(data)
	return &module{compiled: compiled, info: info}, nil
}

func (e *Engine) inspect(compiled wazero.CompiledModule) (entities.ModuleInfo, error) {
	info := entities.ModuleInfo{Engine: Name}

	if len(compiled.ImportedMemories()) > 0 {
		return info, &entities.InvalidModule{Reason: "imported memories are not allowed"}
	}
	usesHost := false
	for _, def := range compiled.ImportedFunctions() {
		modName, name, _ := def.Import()
		if err := e.allowImport(modName, name, def); err != nil {
			return info, err
		}
		usesHost = usesHost || modName == HostModule
		info.Imports = append(info.Imports, entities.Import{Module: modName, Name: name})
	}

	exported := compiled.ExportedFunctions()
	names := make([]string, 0, len(exported))
	for name := range exported {
		names = append(names, name)
	}
	sort.Strings(names)

	usesABI := usesHost
	for _, name := range names {
		if abiHelper(name) {
			continue
		}
		sig := signature(name, exported[name])
		usesABI = usesABI || isByteABI(exported[name])
		info.Exports = append(info.Exports, sig)
	}

	mem, hasMemory := compiled.ExportedMemories()[memoryExport]
	if usesABI {
		if err := checkABIExports(exported, hasMemory); err != nil {
			return info, err
		}
	}
	if hasMemory {
		info.MinMemoryBytes = uint64(mem.Min()) * pageSize
	}
	return info, nil
}

// CreateInstance instantiates a compiled module with its memory hook.
func (e *Engine) CreateInstance(ctx context.Context, m ports.Module, cfg ports.InstanceConfig) (ports.Instance, error) {
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
	if limit := cfg.Limits.MaxMemoryBytes; limit > 0 && mod.info.MinMemoryBytes > limit {
		return nil, &entities.ConfigurationError{
			Field:  "max_memory_bytes",
			Reason: fmt.Sprintf("module needs %d bytes of initial memory, limit is %d", mod.info.MinMemoryBytes, limit),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = e.logger
	}

	inst := &instance{
		engine: e,
		module: mod,
		id:     cfg.ID,
		meter:  cfg.Meter,
		host:   cfg.Host,
		logger: logger.With("instance", cfg.ID, "module", mod.info.ID),
	}
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	instCtx := experimental.WithMemoryAllocator(ctx, memoryHook{meter: cfg.Meter})
	// _initialize is charged but not interrupted.
	instCtx = withCall(instCtx, &callState{inst: inst, expire: func(error) {}, setup: true})
	guest, err := e.rt.InstantiateModule(instCtx, mod.compiled, modCfg)
	if err != nil {
		if guest != nil {
			_ = guest.Close(ctx)
		}
		return nil, mapInstantiateError(err)
	}
	inst.guest = guest
	return inst, nil
}

// Close releases the runtime, its compiled modules and the cache.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := e.rt.Close(ctx)
	if cerr := e.cache.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// Unwrap returns the wazero.Runtime.
func (e *Engine) Unwrap() any { return e.rt }

func (e *Engine) check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &entities.ConfigurationError{Field: "engine", Reason: "engine is closed"}
	}
	return nil
}

type module struct {
	compiled wazero.CompiledModule
	info     entities.ModuleInfo
}

func (m *module) Info() entities.ModuleInfo { return m.info }

func (m *module) Close(ctx context.Context) error { return m.compiled.Close(ctx) }

// Unwrap returns the wazero.CompiledModule.
func (m *module) Unwrap() any { return m.compiled }
