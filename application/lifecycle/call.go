package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/capability"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// Execute runs an exported function with raw parameters. Calls on one
// instance are serialized in arrival order. A caller whose context ends
// while waiting for its turn gets Cancelled and leaves the instance
// untouched.
func (i *Instance) Execute(ctx context.Context, function string, params []byte) ([]byte, error) {
	if err := i.exec.Lock(ctx); err != nil {
		return nil, contextCancelled(err)
	}
	defer i.exec.Unlock()

	if i.State() != entities.StateRunning {
		return nil, i.invalid("call")
	}
	if i.checkExports {
		if _, ok := i.module.Info().Export(function); !ok {
			return nil, &entities.NotFound{What: "export", ID: function}
		}
	}

	i.mu.RLock()
	inst := i.inst
	i.mu.RUnlock()

	callCtx, done := i.limiter.Arm(capability.WithInstance(ctx, i.id))
	if i.State() == entities.StateTerminated {
		i.limiter.Cancel()
	}
	out, err := inst.Call(callCtx, function, params)
	elapsed := done()
	i.limiter.SetMemory(inst.MemorySize())

	out, err = i.classify(ctx, function, out, err, elapsed)
	i.limiter.Record()
	return out, err
}

// classify maps the outcome of an engine call onto a result and a state
// transition.
func (i *Instance) classify(ctx context.Context, function string, out []byte, callErr error, elapsed time.Duration) ([]byte, error) {
	cause := i.limiter.Cause()
	if cause == "" && callErr != nil && ctx.Err() != nil {
		// The caller's context ended before the limiter's watcher ran.
		cause = entities.CauseCaller
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = entities.CauseTimeout
		}
	}
	var trap *entities.RuntimeTrap
	trapped := errors.As(callErr, &trap)

	switch cause {
	case entities.CauseFuel, entities.CauseWallClock:
		var ex *entities.ResourceExhausted
		if !errors.As(i.limiter.Interrupted(), &ex) {
			// A concurrent refuel cleared the cause.
			ex = &entities.ResourceExhausted{Resource: entities.ResourceFuel, Limit: i.limiter.Limits().MaxFuel}
		}
		if cause == entities.CauseWallClock {
			ex.Used = uint64(elapsed)
		}
		// A guest that faulted instead of stopping at the interrupt did not
		// unwind cleanly.
		next := entities.StateSuspended
		if trapped && !isInterrupt(callErr) {
			next = entities.StateCrashed
		}
		if i.transition(next, entities.StateRunning) {
			detail := map[string]any{
				entities.DetailReason: function,
				entities.DetailLimit:  ex.Limit,
				entities.DetailUsed:   ex.Used,
			}
			i.event(ctx, entities.ResourceEventKind(ex.Resource), detail)
			i.logger.Warn("call interrupted by limit", "function", function, "resource", string(ex.Resource), "state", i.State().String())
		}
		return nil, ex

	case entities.CauseCaller, entities.CauseTimeout:
		if callErr == nil {
			// The call finished before the interrupt landed.
			return out, nil
		}
		if i.transition(entities.StateSuspended, entities.StateRunning) {
			i.event(ctx, entities.EventInstanceCancelled, map[string]any{entities.DetailReason: cause})
		}
		return nil, &entities.Cancelled{Cause: cause, Err: ctx.Err()}
	}

	// A refused growth decides the call whatever the guest did after seeing
	// the failed allocation. The instance stays Running.
	if requested, rejected := i.limiter.RejectedGrowth(); rejected {
		return nil, &entities.ResourceExhausted{
			Resource: entities.ResourceMemory,
			Limit:    i.limiter.Limits().MaxMemoryBytes,
			Used:     requested,
		}
	}

	switch {
	case callErr == nil:
		return out, nil

	case trapped:
		if i.transition(entities.StateCrashed, entities.StateRunning) {
			i.event(ctx, entities.EventInstanceTrap, map[string]any{
				entities.DetailReason: string(trap.Trap),
				"function":            function,
			})
			i.logger.Error("guest trapped", "function", function, "trap", string(trap.Trap), "error", trap.Message)
		}
		return nil, callErr
	}

	// Host-side failures surface to the caller; the guest is unaffected.
	return nil, callErr
}

func contextCancelled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &entities.Cancelled{Cause: entities.CauseTimeout, Err: err}
	}
	return &entities.Cancelled{Cause: entities.CauseCaller, Err: err}
}
