package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/reglet-dev/reglet-sandbox/application/channel"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct{ name string }

type stubInstance struct {
	call func(ctx context.Context, fn string, params []byte) ([]byte, error)
	be   *backend
}

func (s *stubInstance) Call(ctx context.Context, fn string, params []byte) ([]byte, error) {
	return s.call(ctx, fn, params)
}
func (s *stubInstance) MemorySize() uint64          { return 0 }
func (s *stubInstance) Closed() bool                { return false }
func (s *stubInstance) Close(context.Context) error { return nil }
func (s *stubInstance) Unwrap() any                 { return s.be }

type stubEngine struct {
	name   string
	prefix string
	closed bool
}

func (e *stubEngine) Name() string              { return e.name }
func (e *stubEngine) Info() entities.EngineInfo { return entities.EngineInfo{Name: e.name} }
func (e *stubEngine) Sniff(data []byte) bool    { return strings.HasPrefix(string(data), e.prefix) }
func (e *stubEngine) LoadModule(context.Context, []byte) (ports.Module, error) {
	return nil, errors.New("not implemented")
}
func (e *stubEngine) CreateInstance(context.Context, ports.Module, ports.InstanceConfig) (ports.Instance, error) {
	return nil, errors.New("not implemented")
}
func (e *stubEngine) Close(context.Context) error {
	e.closed = true
	return nil
}
func (e *stubEngine) Unwrap() any { return nil }

type point struct {
	X int `json:"x" cbor:"x"`
	Y int `json:"y" cbor:"y"`
}

func swapInstance() *stubInstance {
	return &stubInstance{call: func(_ context.Context, fn string, params []byte) ([]byte, error) {
		if fn != "swap" {
			return nil, &entities.RuntimeTrap{Trap: entities.TrapUnknown, Function: fn}
		}
		var p point
		if err := channel.JSON.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return channel.JSON.Marshal(point{X: p.Y, Y: p.X})
	}}
}

func TestCall_Typed(t *testing.T) {
	got, err := Call[point, point](context.Background(), swapInstance(), "swap", channel.JSON, point{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, point{X: 2, Y: 1}, got)

	_, err = Call[point, point](context.Background(), swapInstance(), "other", channel.JSON, point{})
	assert.ErrorIs(t, err, entities.ErrRuntimeTrap)
}

func TestCall_DecodeFailureIsCodecError(t *testing.T) {
	inst := &stubInstance{call: func(context.Context, string, []byte) ([]byte, error) {
		return []byte("not json"), nil
	}}
	_, err := Call[point, point](context.Background(), inst, "f", channel.JSON, point{})
	var chErr *entities.ChannelError
	require.ErrorAs(t, err, &chErr)
	assert.Equal(t, entities.ChannelCodec, chErr.Code)
}

func TestCallAsync_ResolvesOnce(t *testing.T) {
	params, err := channel.JSON.Marshal(point{X: 3, Y: 4})
	require.NoError(t, err)

	ch := CallAsync(context.Background(), swapInstance(), "swap", params)
	res, ok := <-ch
	require.True(t, ok)
	require.NoError(t, res.Err)
	assert.JSONEq(t, `{"x":4,"y":3}`, string(res.Value))

	_, ok = <-ch
	assert.False(t, ok, "channel closes after the single result")
}

func TestAs_FollowsUnwrapChain(t *testing.T) {
	be := &backend{name: "vm"}
	inst := &stubInstance{be: be}

	got, ok := As[*backend](inst)
	require.True(t, ok)
	assert.Same(t, be, got)

	self, ok := As[*stubInstance](inst)
	require.True(t, ok)
	assert.Same(t, inst, self)

	_, ok = As[*strings.Builder](inst)
	assert.False(t, ok)
}

func TestRegistry(t *testing.T) {
	wasm := &stubEngine{name: "wazero", prefix: "\x00asm"}
	native := &stubEngine{name: "native", prefix: "native:"}
	r := NewRegistry(wasm, native)

	assert.ErrorIs(t, r.Register(&stubEngine{name: "native"}), entities.ErrConfiguration)

	e, err := r.Detect([]byte("native: echo"))
	require.NoError(t, err)
	assert.Equal(t, "native", e.Name())

	_, err = r.Detect([]byte("garbage"))
	assert.ErrorIs(t, err, entities.ErrInvalidModule)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, entities.ErrNotFound)
	assert.Equal(t, []string{"native", "wazero"}, r.Names())

	require.NoError(t, r.Close(context.Background()))
	assert.True(t, wasm.closed)
	assert.True(t, native.closed)
}
