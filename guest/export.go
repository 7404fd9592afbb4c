package guest

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
)

// Handler serves one exported guest function. params is the raw payload
// the host placed in guest memory. A []byte or json.RawMessage result is
// returned as is; anything else is encoded as JSON.
type Handler func(ctx context.Context, params []byte) (any, error)

// PanicError is a recovered panic from a Handler.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("guest panic: %v", e.Value) }

// run executes h and encodes its result.
func run(ctx context.Context, params []byte, h Handler) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	v, err := h(ctx, params)
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(v)
}
