// Package engine is the convenience surface implemented once over the
// narrow engine port: typed calls, asynchronous calls, backend access and
// an engine registry.
package engine

import (
	"context"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/application/channel"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// Call encodes params with c, invokes fn and decodes the result.
func Call[P, R any](ctx context.Context, inst ports.Instance, fn string, c channel.Codec, params P) (R, error) {
	var zero R
	raw, err := c.Marshal(params)
	if err != nil {
		return zero, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding %s params: %w", fn, err)}
	}
	out, err := inst.Call(ctx, fn, raw)
	if err != nil {
		return zero, err
	}
	var result R
	if len(out) == 0 {
		return result, nil
	}
	if err := c.Unmarshal(out, &result); err != nil {
		return zero, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s result: %w", fn, err)}
	}
	return result, nil
}

// Result is the outcome of an asynchronous call.
type Result struct {
	Value []byte
	Err   error
}

// CallAsync starts fn on its own goroutine. The returned channel delivers
// exactly one Result and is then closed.
func CallAsync(ctx context.Context, inst ports.Instance, fn string, params []byte) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		v, err := inst.Call(ctx, fn, params)
		ch <- Result{Value: v, Err: err}
	}()
	return ch
}

// unwrapper is implemented by every engine, module and instance handle.
type unwrapper interface {
	Unwrap() any
}

// maxUnwrap bounds the Unwrap chain walked by As.
const maxUnwrap = 8

// As returns the first value of type T found by following the Unwrap
// chain from handle. For example As[wazero.Runtime](eng) reaches the
// runtime behind the wazero engine.
func As[T any](handle any) (T, bool) {
	for range maxUnwrap {
		if v, ok := handle.(T); ok {
			return v, true
		}
		u, ok := handle.(unwrapper)
		if !ok {
			break
		}
		next := u.Unwrap()
		if next == nil {
			break
		}
		handle = next
	}
	var zero T
	return zero, false
}
