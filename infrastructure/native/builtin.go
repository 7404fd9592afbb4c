package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// BuiltinProgram is the name of the program every engine created without
// WithPrograms serves.
const BuiltinProgram = "builtin"

// Builtin is a small trusted program used by the CLI and for exercising
// limits end to end.
type Builtin struct {
	Service `name:"builtin" desc:"Trusted built-in functions"`

	EchoOp  Op[EchoInput, EchoOutput]         `desc:"Returns the message unchanged"`
	SumOp   Op[SumInput, SumOutput]           `desc:"Adds the terms, one step per term"`
	AllocOp Op[AllocInput, AllocOutput]       `desc:"Allocates linear memory and releases it"`
	SpinOp  Op[SpinInput, SpinOutput]         `desc:"Loops until the step count is reached or the call is interrupted"`
	FetchOp Op[HostCallInput, HostCallOutput] `desc:"Forwards a payload to a host function"`
	AbortOp Op[AbortInput, AbortOutput]       `desc:"Traps with the given kind"`
}

type EchoInput struct {
	Message string `json:"message"`
}

type EchoOutput struct {
	Message string `json:"message"`
}

type SumInput struct {
	Terms []int64 `json:"terms"`
}

type SumOutput struct {
	Sum int64 `json:"sum"`
}

type AllocInput struct {
	Bytes uint64 `json:"bytes"`
}

type AllocOutput struct {
	MemoryBytes uint64 `json:"memory_bytes"`
}

type SpinInput struct {
	// Steps bounds the loop; zero loops until interrupted.
	Steps uint64 `json:"steps,omitempty"`
}

type SpinOutput struct {
	Steps uint64 `json:"steps"`
}

type HostCallInput struct {
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type HostCallOutput struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type AbortInput struct {
	Trap    entities.TrapKind `json:"trap"`
	Message string            `json:"message,omitempty"`
}

type AbortOutput struct{}

func (b *Builtin) Echo(ctx context.Context, in *EchoInput) (*EchoOutput, error) {
	if err := GuestFrom(ctx).Step(1); err != nil {
		return nil, err
	}
	return &EchoOutput{Message: in.Message}, nil
}

func (b *Builtin) Sum(ctx context.Context, in *SumInput) (*SumOutput, error) {
	g := GuestFrom(ctx)
	var sum int64
	for _, t := range in.Terms {
		if err := g.Step(1); err != nil {
			return nil, err
		}
		sum += t
	}
	return &SumOutput{Sum: sum}, nil
}

func (b *Builtin) Alloc(ctx context.Context, in *AllocInput) (*AllocOutput, error) {
	g := GuestFrom(ctx)
	if err := g.Alloc(in.Bytes); err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			return nil, fmt.Errorf("allocating %d bytes: %w", in.Bytes, err)
		}
		return nil, err
	}
	defer g.Free(in.Bytes)
	if err := g.Step(in.Bytes/PageSize + 1); err != nil {
		return nil, err
	}
	return &AllocOutput{MemoryBytes: g.Memory()}, nil
}

func (b *Builtin) Spin(ctx context.Context, in *SpinInput) (*SpinOutput, error) {
	g := GuestFrom(ctx)
	var n uint64
	for in.Steps == 0 || n < in.Steps {
		if err := g.Step(1); err != nil {
			return nil, err
		}
		n++
	}
	return &SpinOutput{Steps: n}, nil
}

func (b *Builtin) Fetch(ctx context.Context, in *HostCallInput) (*HostCallOutput, error) {
	g := GuestFrom(ctx)
	if err := g.Step(1); err != nil {
		return nil, err
	}
	res, err := g.HostCall(in.Function, in.Payload)
	if err != nil {
		return nil, err
	}
	return &HostCallOutput{Result: res}, nil
}

func (b *Builtin) Abort(ctx context.Context, in *AbortInput) (*AbortOutput, error) {
	kind := in.Trap
	if kind == "" {
		kind = entities.TrapUnreachable
	}
	GuestFrom(ctx).Trap(kind, in.Message)
	return nil, nil
}
