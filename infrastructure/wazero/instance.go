package wazero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/abi"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// instance is one instantiated module. It is not safe for concurrent
// calls; the lifecycle controller serializes them.
type instance struct {
	engine *Engine
	module *module
	id     string
	meter  ports.Meter
	host   ports.HostDispatcher
	logger *slog.Logger

	guest      api.Module
	lastMemory atomic.Uint64
}

// Call invokes an export. Byte ABI exports receive params through guest
// memory; numeric exports take a JSON array of numbers and return one.
func (i *instance) Call(ctx context.Context, function string, params []byte) (out []byte, err error) {
	if i.guest.IsClosed() {
		return nil, &entities.InvalidState{Instance: i.id, State: entities.StateTerminated, Operation: "call " + function}
	}
	if abiHelper(function) {
		return nil, &entities.NotFound{What: "export", ID: function}
	}
	fn := i.guest.ExportedFunction(function)
	if fn == nil {
		return nil, &entities.NotFound{What: "export", ID: function}
	}
	if err := i.meter.Interrupted(); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrInterrupted, err)
	}

	// wazero closes the module once its context ends. Fuel exhaustion is
	// kept from ending it for fuelGrace, giving the fuel listener the
	// chance to unwind the call with the module intact; other interrupts
	// end it at once.
	callCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	expire, stopExpire := expiry(cancel, i.engine.fuelGrace)
	defer stopExpire()
	stopRelay := context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		if errors.Is(cause, entities.ErrResourceExhausted) {
			expire(cause)
			return
		}
		cancel(cause)
	})
	defer stopRelay()
	st := &callState{inst: i, expire: expire}
	callCtx = withCall(callCtx, st)

	stop := make(chan struct{})
	defer close(stop)
	go st.burn(callCtx, i.engine.burnInterval, i.engine.burnFuel, stop)

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &entities.RuntimeTrap{Trap: entities.TrapPanic, Function: function, Message: fmt.Sprint(r)}
			i.logger.Error("engine call panicked", "function", function, "panic", r)
		}
		i.recordMemory()
	}()

	if isByteABI(fn.Definition()) {
		out, err = i.callBytes(callCtx, fn, params)
	} else {
		out, err = i.callNumeric(callCtx, fn, params)
	}
	if err != nil {
		return nil, i.mapError(callCtx, function, err)
	}
	return out, nil
}

func (i *instance) callBytes(ctx context.Context, fn api.Function, params []byte) ([]byte, error) {
	var args []uint64
	if len(fn.Definition().ParamTypes()) == 2 {
		ptr, err := i.place(ctx, params)
		if err != nil {
			return nil, err
		}
		if ptr != 0 {
			defer i.release(ctx, ptr, uint32(len(params)))
		}
		args = []uint64{api.EncodeU32(ptr), api.EncodeU32(uint32(len(params)))}
	}

	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, err
	}
	out, err := abi.ReadBytes(i.guest.Memory(), res[0])
	if err != nil {
		return nil, outOfBounds(fn.Definition().Name(), err)
	}
	if ptr, length, _ := abi.UnpackPtrLen(res[0]); ptr != 0 {
		i.release(ctx, ptr, length)
	}
	return out, nil
}

// place copies params into memory obtained from the guest's allocator.
func (i *instance) place(ctx context.Context, params []byte) (uint32, error) {
	if len(params) == 0 {
		return 0, nil
	}
	res, err := i.guest.ExportedFunction(abi.ExportAllocate).Call(ctx, uint64(len(params)))
	if err != nil {
		return 0, err
	}
	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, &entities.RuntimeTrap{Trap: entities.TrapOutOfBounds, Function: abi.ExportAllocate, Message: "allocate returned null"}
	}
	if err := abi.WriteBytes(i.guest.Memory(), ptr, params); err != nil {
		return 0, outOfBounds(abi.ExportAllocate, err)
	}
	return ptr, nil
}

func (i *instance) release(ctx context.Context, ptr, length uint32) {
	if i.guest.IsClosed() {
		return
	}
	dealloc := i.guest.ExportedFunction(abi.ExportDeallocate)
	if _, err := dealloc.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(length)); err != nil {
		i.logger.Debug("deallocate failed", "error", err)
	}
}

func (i *instance) callNumeric(ctx context.Context, fn api.Function, params []byte) ([]byte, error) {
	def := fn.Definition()
	var nums []json.Number
	if len(params) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(params)))
		dec.UseNumber()
		if err := dec.Decode(&nums); err != nil {
			return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("params of %s must be a JSON array of numbers: %w", def.Name(), err)}
		}
	}
	types := def.ParamTypes()
	if len(nums) != len(types) {
		return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("%s takes %d params, got %d", def.Name(), len(types), len(nums))}
	}
	args := make([]uint64, len(types))
	for n, vt := range types {
		v, err := encodeValue(vt, nums[n])
		if err != nil {
			return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("param %d of %s: %w", n, def.Name(), err)}
		}
		args[n] = v
	}

	res, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(res))
	for n, vt := range def.ResultTypes() {
		values[n] = decodeValue(vt, res[n])
	}
	return json.Marshal(values)
}

func encodeValue(vt api.ValueType, n json.Number) (uint64, error) {
	switch vt {
	case api.ValueTypeI32:
		v, err := n.Int64()
		return api.EncodeI32(int32(v)), err
	case api.ValueTypeI64:
		v, err := n.Int64()
		return api.EncodeI64(v), err
	case api.ValueTypeF32:
		v, err := n.Float64()
		return api.EncodeF32(float32(v)), err
	case api.ValueTypeF64:
		v, err := n.Float64()
		return api.EncodeF64(v), err
	}
	return 0, fmt.Errorf("unsupported type %s", api.ValueTypeName(vt))
}

func decodeValue(vt api.ValueType, v uint64) any {
	switch vt {
	case api.ValueTypeI32:
		return api.DecodeI32(v)
	case api.ValueTypeI64:
		return int64(v)
	case api.ValueTypeF32:
		return api.DecodeF32(v)
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return v
}

// trapMessages maps wazero runtime error text onto trap kinds.
var trapMessages = []struct {
	text string
	kind entities.TrapKind
}{
	{"out of bounds memory access", entities.TrapOutOfBounds},
	{"invalid table access", entities.TrapOutOfBounds},
	{"integer divide by zero", entities.TrapDivideByZero},
	{"stack overflow", entities.TrapStackOverflow},
	{"unreachable", entities.TrapUnreachable},
}

func (i *instance) mapError(ctx context.Context, function string, err error) error {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			cause := i.meter.Interrupted()
			if cause == nil {
				cause = context.Cause(ctx)
			}
			return fmt.Errorf("%w: %w", ports.ErrInterrupted, cause)
		}
		return &entities.RuntimeTrap{Trap: entities.TrapExit, Function: function, Message: fmt.Sprintf("exit code %d", exit.ExitCode())}
	}

	if st := callFrom(ctx); st != nil && st.fault != nil {
		var trap *entities.RuntimeTrap
		if errors.As(st.fault, &trap) && trap.Function == "" {
			trap.Function = function
		}
		return st.fault
	}
	// Typed errors raised by host functions lose wazero's stack text.
	var kinded entities.Kinded
	if errors.As(err, &kinded) {
		if trap, ok := kinded.(*entities.RuntimeTrap); ok && trap.Function == "" {
			trap.Function = function
		}
		return kinded
	}

	msg := err.Error()
	if nl := strings.IndexByte(msg, '\n'); nl >= 0 {
		msg = msg[:nl]
	}
	for _, tm := range trapMessages {
		if strings.Contains(msg, tm.text) {
			return &entities.RuntimeTrap{Trap: tm.kind, Function: function, Message: msg}
		}
	}
	return &entities.RuntimeTrap{Trap: entities.TrapUnknown, Function: function, Message: msg}
}

func mapInstantiateError(err error) error {
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		return &entities.RuntimeTrap{Trap: entities.TrapExit, Function: "_initialize", Message: fmt.Sprintf("exit code %d", exit.ExitCode())}
	}
	if strings.Contains(err.Error(), "memory") {
		return &entities.ConfigurationError{Field: "max_memory_bytes", Reason: err.Error()}
	}
	return &entities.InvalidModule{Reason: err.Error()}
}

func (i *instance) recordMemory() {
	if mem := i.guest.Memory(); mem != nil && !i.guest.IsClosed() {
		i.lastMemory.Store(uint64(mem.Size()))
	}
}

func (i *instance) MemorySize() uint64 {
	i.recordMemory()
	return i.lastMemory.Load()
}

// Closed reports whether wazero closed the module, which happens when an
// interrupt lands or the guest exits.
func (i *instance) Closed() bool { return i.guest.IsClosed() }

func (i *instance) Close(ctx context.Context) error {
	return i.guest.Close(ctx)
}

// Unwrap returns the api.Module.
func (i *instance) Unwrap() any { return i.guest }
