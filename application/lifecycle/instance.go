// Package lifecycle owns the state machine of a sandboxed instance and the
// execution path of every call into it.
//
//	Instantiating -> Running <-> Paused
//	Running -> Suspended (fuel, wall clock, cancellation) -> Running
//	Running | Suspended -> Crashed (trap; terminal until disposed)
//	any -> Terminated
//
// Transitions caused by a limit or a security condition record exactly one
// audit event.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/application/audit"
	"github.com/reglet-dev/reglet-sandbox/application/limits"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// Instance is one sandboxed execution context.
type Instance struct {
	id       string
	engine   ports.Engine
	module   ports.Module
	caps     entities.CapabilitySet
	limiter  *limits.Limiter
	host     ports.HostDispatcher
	recorder *audit.Recorder
	logger   *slog.Logger

	checkExports bool

	exec execLock

	mu    sync.RWMutex
	state entities.State
	// inst is replaced when an interrupted instance is resumed.
	inst ports.Instance
}

// Config carries the collaborators of a new Instance.
type Config struct {
	ID           string
	Engine       ports.Engine
	Module       ports.Module
	Capabilities entities.CapabilitySet
	Limiter      *limits.Limiter
	Host         ports.HostDispatcher
	Recorder     *audit.Recorder
	Logger       *slog.Logger
	// CheckExports rejects calls to functions the module does not export
	// before reaching the engine.
	CheckExports bool
}

// New links and initializes an instance. On success the instance is
// Running.
func New(ctx context.Context, cfg Config) (*Instance, error) {
	if cfg.Engine == nil || cfg.Module == nil || cfg.Limiter == nil {
		return nil, &entities.ConfigurationError{Field: "instance", Reason: "engine, module and limiter are required"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = audit.NewRecorder(audit.WithLogger(cfg.Logger))
	}

	i := &Instance{
		id:           cfg.ID,
		engine:       cfg.Engine,
		module:       cfg.Module,
		caps:         cfg.Capabilities,
		limiter:      cfg.Limiter,
		host:         cfg.Host,
		recorder:     cfg.Recorder,
		logger:       cfg.Logger.With("instance", cfg.ID, "module", cfg.Module.Info().ID),
		checkExports: cfg.CheckExports,
		state:        entities.StateInstantiating,
	}

	cfg.Limiter.BindState(i.State)

	inst, err := i.instantiate(ctx)
	if err != nil {
		return nil, err
	}
	i.inst = inst
	i.state = entities.StateRunning
	i.limiter.SetMemory(inst.MemorySize())
	i.logger.Debug("instance running")
	return i, nil
}

func (i *Instance) instantiate(ctx context.Context) (ports.Instance, error) {
	inst, err := i.engine.CreateInstance(ctx, i.module, ports.InstanceConfig{
		ID:           i.id,
		Limits:       i.limiter.Limits(),
		Capabilities: i.caps,
		Meter:        i.limiter,
		Host:         i.host,
		Logger:       i.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", i.id, err)
	}
	return inst, nil
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

// Capabilities returns the bound capability set.
func (i *Instance) Capabilities() entities.CapabilitySet { return i.caps }

// Module returns the module the instance was created from.
func (i *Instance) Module() ports.Module { return i.module }

// Limiter returns the instance's resource limiter.
func (i *Instance) Limiter() *limits.Limiter { return i.limiter }

// State returns the current lifecycle state.
func (i *Instance) State() entities.State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

// Usage returns a point-in-time usage snapshot.
func (i *Instance) Usage() entities.UsageSnapshot {
	return i.limiter.Snapshot()
}

// Timeline returns the recorded usage snapshots.
func (i *Instance) Timeline() []entities.UsageSnapshot {
	return i.limiter.Timeline()
}

// Unwrap returns the engine instance.
func (i *Instance) Unwrap() any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.inst
}

// transition moves from one of the allowed states to next. It reports
// whether the transition happened.
func (i *Instance) transition(next entities.State, from ...entities.State) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(from) > 0 && !containsState(from, i.state) {
		return false
	}
	if !entities.CanTransition(i.state, next) {
		return false
	}
	i.logger.Debug("instance transition", "from", i.state.String(), "state", next.String())
	i.state = next
	return true
}

func containsState(states []entities.State, s entities.State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}

func (i *Instance) invalid(op string) error {
	return &entities.InvalidState{Instance: i.id, State: i.State(), Operation: op}
}

// Pause stops accepting calls. It waits for an in-flight call to finish.
func (i *Instance) Pause(ctx context.Context) error {
	if err := i.exec.Lock(ctx); err != nil {
		return contextCancelled(err)
	}
	defer i.exec.Unlock()
	if !i.transition(entities.StatePaused, entities.StateRunning) {
		return i.invalid("pause")
	}
	return nil
}

// Resume returns a Paused or Suspended instance to Running. A Suspended
// instance needs fuel left; if the engine tore the instance down while
// interrupting it, a fresh engine instance replaces it and guest memory
// starts over.
func (i *Instance) Resume(ctx context.Context) error {
	if err := i.exec.Lock(ctx); err != nil {
		return contextCancelled(err)
	}
	defer i.exec.Unlock()

	switch i.State() {
	case entities.StatePaused:
		if !i.transition(entities.StateRunning, entities.StatePaused) {
			return i.invalid("resume")
		}
		return nil
	case entities.StateSuspended:
	default:
		return i.invalid("resume")
	}

	lim := i.limiter.Limits()
	if lim.MaxFuel > 0 && i.limiter.FuelRemaining() == 0 {
		return &entities.ResourceExhausted{Resource: entities.ResourceFuel, Limit: lim.MaxFuel, Used: i.limiter.Snapshot().FuelConsumed}
	}

	i.mu.RLock()
	old := i.inst
	i.mu.RUnlock()
	if old.Closed() {
		fresh, err := i.instantiate(ctx)
		if err != nil {
			if i.transition(entities.StateCrashed, entities.StateSuspended) {
				i.event(ctx, entities.EventInstanceTrap, map[string]any{entities.DetailReason: err.Error()})
			}
			return err
		}
		i.mu.Lock()
		i.inst = fresh
		i.mu.Unlock()
		i.limiter.SetMemory(fresh.MemorySize())
		i.logger.Info("instance re-instantiated on resume")
	}
	if !i.transition(entities.StateRunning, entities.StateSuspended) {
		return i.invalid("resume")
	}
	return nil
}

// Refuel adds fuel and resumes the instance if fuel exhaustion suspended
// it.
func (i *Instance) Refuel(ctx context.Context, n uint64) error {
	if i.State() == entities.StateTerminated {
		return i.invalid("refuel")
	}
	i.limiter.Refill(n)
	if i.State() == entities.StateSuspended {
		return i.Resume(ctx)
	}
	return nil
}

// Terminate disposes of the instance. It interrupts an in-flight call,
// waits for it to unwind and releases the engine instance. It is
// idempotent.
func (i *Instance) Terminate(ctx context.Context) error {
	i.mu.Lock()
	if i.state == entities.StateTerminated {
		i.mu.Unlock()
		return nil
	}
	i.logger.Debug("instance transition", "from", i.state.String(), "state", entities.StateTerminated.String())
	i.state = entities.StateTerminated
	i.mu.Unlock()

	i.limiter.Cancel()
	// The interrupted call unwinds at its next safe point; waiting on the
	// caller's context would leak the engine instance on cancellation.
	_ = i.exec.Lock(context.WithoutCancel(ctx))
	defer i.exec.Unlock()

	i.mu.RLock()
	inst := i.inst
	i.mu.RUnlock()
	if err := inst.Close(context.WithoutCancel(ctx)); err != nil {
		i.logger.Warn("closing engine instance failed", "error", err)
	}
	return nil
}

// event records a lifecycle event for this instance.
func (i *Instance) event(ctx context.Context, kind entities.EventKind, detail map[string]any) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail[entities.DetailTo] = i.State().String()
	outcome := entities.OutcomeDeny
	if kind == entities.EventInstanceTrap {
		outcome = entities.OutcomeInfo
	}
	if _, err := i.recorder.Record(context.WithoutCancel(ctx), entities.SecurityEvent{
		Kind:       kind,
		InstanceID: i.id,
		Outcome:    outcome,
		Detail:     detail,
	}); err != nil {
		i.logger.Error("lifecycle audit failed", "event", kind, "error", err)
	}
}

// isInterrupt reports whether err says the engine stopped at a safe point.
func isInterrupt(err error) bool {
	return errors.Is(err, ports.ErrInterrupted)
}
