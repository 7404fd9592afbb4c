package wazero

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// callState travels in the call context to the function listener and the
// host functions.
type callState struct {
	inst *instance
	// expire ends the call context after the fuel grace period.
	expire func(cause error)
	// fault is the typed error a host function or the fuel listener
	// aborted the call with.
	fault error
	// setup marks instantiation, which fuel exhaustion does not unwind.
	setup bool
}

type callKey struct{}

func withCall(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, callKey{}, st)
}

func callFrom(ctx context.Context) *callState {
	st, _ := ctx.Value(callKey{}).(*callState)
	return st
}

// abort unwinds the guest call from a host function. The call returns
// err itself.
func abort(ctx context.Context, err error) {
	if st := callFrom(ctx); st != nil && st.fault == nil {
		st.fault = err
	}
	panic(err)
}

// charge consumes fuel on the guest goroutine. Once fuel is out the call
// unwinds by panicking, as abort does: wazero keeps the module open, so
// its memory survives until the host refuels.
func (st *callState) charge(n uint64) {
	if err := st.inst.meter.Consume(n); err != nil && !st.setup {
		if st.fault == nil {
			st.fault = fmt.Errorf("%w: %w", ports.ErrInterrupted, err)
		}
		panic(st.fault)
	}
}

// listenerFactory attaches a fuel listener to every guest-defined
// function. Host functions are not charged.
type listenerFactory struct{}

func (listenerFactory) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if _, _, isImport := def.Import(); isImport {
		return nil
	}
	return fuelListener{}
}

type fuelListener struct{}

func (fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if st := callFrom(ctx); st != nil {
		st.charge(st.inst.engine.callCost)
	}
}

func (fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (fuelListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}

// burn charges fuel for elapsed time so loops without calls still run
// out. It runs off the guest goroutine, so it cannot unwind the call: the
// next function entry does, and a guest that makes none is stopped by
// expire closing the module. It stops when stop is closed or ctx ends.
func (st *callState) burn(ctx context.Context, interval time.Duration, fuel uint64, stop <-chan struct{}) {
	if interval <= 0 || fuel == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.inst.meter.Consume(fuel); err != nil {
				st.expire(err)
				return
			}
		}
	}
}

// expiry returns expire, which cancels the call with its cause once grace
// has passed, and stop, which disarms it.
func expiry(cancel context.CancelCauseFunc, grace time.Duration) (expire func(error), stop func()) {
	var (
		mu      sync.Mutex
		timer   *time.Timer
		stopped bool
	)
	expire = func(cause error) {
		mu.Lock()
		defer mu.Unlock()
		if stopped || timer != nil {
			return
		}
		timer = time.AfterFunc(grace, func() { cancel(cause) })
	}
	stop = func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if timer != nil {
			timer.Stop()
		}
	}
	return expire, stop
}

// memoryHook backs guest linear memory and asks the meter before every
// growth. A refused growth makes memory.grow return -1.
type memoryHook struct {
	meter ports.Meter
}

func (h memoryHook) Allocate(capacity, maximum uint64) experimental.LinearMemory {
	return &linearMemory{meter: h.meter, max: maximum, buf: make([]byte, 0, capacity)}
}

type linearMemory struct {
	meter ports.Meter
	max   uint64
	buf   []byte
}

func (m *linearMemory) Reallocate(size uint64) []byte {
	if size > m.max {
		return nil
	}
	if size > uint64(len(m.buf)) && !m.meter.AllowGrowth(size) {
		return nil
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	grown := make([]byte, size, min(max(size, 2*uint64(cap(m.buf))), m.max))
	copy(grown, m.buf)
	m.buf = grown
	return m.buf
}

func (m *linearMemory) Free() {
	m.buf = nil
}
