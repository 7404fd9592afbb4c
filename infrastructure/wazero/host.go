package wazero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/internal/abi"
	"github.com/tetratelabs/wazero/api"
)

// hostResult is the JSON envelope a host function writes back into guest
// memory.
type hostResult struct {
	Data  json.RawMessage       `json:"data,omitempty"`
	Error *entities.ErrorDetail `json:"error,omitempty"`
}

func (e *Engine) instantiateHostModule(ctx context.Context) error {
	b := e.rt.NewHostModuleBuilder(HostModule)
	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(hostCall),
			[]api.ValueType{api.ValueTypeI64, api.ValueTypeI64},
			[]api.ValueType{api.ValueTypeI64}).
		WithParameterNames("name", "payload").
		Export(HostCall)
	for _, name := range e.hostFunctions {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(namedHostFunc(name)),
				[]api.ValueType{api.ValueTypeI64},
				[]api.ValueType{api.ValueTypeI64}).
			WithParameterNames("payload").
			Export(name)
	}
	_, err := b.Instantiate(ctx)
	return err
}

func hostCall(ctx context.Context, mod api.Module, stack []uint64) {
	name, err := abi.ReadBytes(mod.Memory(), stack[0])
	if err != nil {
		abort(ctx, outOfBounds(HostCall, err))
	}
	stack[0] = dispatch(ctx, mod, string(name), stack[1])
}

func namedHostFunc(name string) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		stack[0] = dispatch(ctx, mod, name, stack[0])
	}
}

// dispatch serves one host call. Errors are returned to the guest in the
// result envelope, except security violations, which abort the guest
// call.
func dispatch(ctx context.Context, mod api.Module, name string, packed uint64) uint64 {
	payload, err := abi.ReadBytes(mod.Memory(), packed)
	if err != nil {
		abort(ctx, outOfBounds(name, err))
	}

	var res hostResult
	st := callFrom(ctx)
	switch {
	case st == nil || st.inst.host == nil:
		res.Error = entities.ToDetail(&entities.NotFound{What: "host function", ID: name})
	default:
		out, err := st.inst.host.Dispatch(ctx, name, payload)
		var violation *entities.SecurityViolation
		if errors.As(err, &violation) {
			abort(ctx, violation)
		}
		if err != nil {
			res.Error = entities.ToDetail(err)
			break
		}
		if json.Valid(out) {
			res.Data = out
		} else {
			res.Data, _ = json.Marshal(out)
		}
	}

	raw, err := json.Marshal(res)
	if err != nil {
		abort(ctx, fmt.Errorf("encoding host result: %w", err))
	}
	result, err := writeGuest(ctx, mod, raw)
	if err != nil {
		abort(ctx, err)
	}
	return result
}

// writeGuest copies data into memory obtained from the guest's allocator
// and returns the packed pointer and length. The guest frees it.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := mod.ExportedFunction(abi.ExportAllocate)
	if alloc == nil {
		return 0, &entities.RuntimeTrap{Trap: entities.TrapUnknown, Message: "guest exports no allocate"}
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, err
	}
	ptr := api.DecodeU32(res[0])
	if err := abi.WriteBytes(mod.Memory(), ptr, data); err != nil {
		return 0, outOfBounds(abi.ExportAllocate, err)
	}
	return abi.PackPtrLen(ptr, uint32(len(data)))
}

func outOfBounds(function string, err error) *entities.RuntimeTrap {
	return &entities.RuntimeTrap{Trap: entities.TrapOutOfBounds, Function: function, Message: err.Error()}
}
