package wazero

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/reglet-dev/reglet-sandbox/application/engine"
	"github.com/reglet-dev/reglet-sandbox/application/limits"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/internal/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/tetratelabs/wazero"
)

// pack emits code packing locals 0 (ptr) and 1 (len) into an i64.
var pack = []byte{
	opLocalGet, 0, opI64ExtendU, opI64Const, 32, opI64Shl,
	opLocalGet, 1, opI64ExtendU, opI64Or,
}

// abiModule builds a guest with a bump allocator and one function per
// behavior under test.
func abiModule(hostImports ...string) []byte {
	m := &wasmModule{globals: []int32{1024}}
	var imported []uint32
	for _, name := range hostImports {
		imported = append(imported, m.importFunc(HostModule, name, []byte{i64}, []byte{i64}))
	}
	m.memory(1)

	m.function("allocate", []byte{i32}, []byte{i32}, nil,
		opGlobalGet, 0, opGlobalGet, 0, opLocalGet, 0, opI32Add, opGlobalSet, 0)
	m.function("deallocate", []byte{i32, i32}, nil, nil)
	m.function("echo", []byte{i32, i32}, []byte{i64}, nil, pack...)
	nop := m.function("nop", nil, nil, nil)
	m.function("count", []byte{i32}, []byte{i32}, nil,
		opLoop, blockEmpty,
		opCall, byte(nop),
		opLocalGet, 0, opI32Const, 1, opI32Sub, opLocalTee, 0,
		opBrIf, 0,
		opEnd,
		opI32Const, 0)
	m.function("spin", nil, nil, nil, opLoop, blockEmpty, opBr, 0, opEnd)
	m.function("grow", []byte{i32}, []byte{i32}, nil, opLocalGet, 0, opMemoryGrow, 0)
	m.function("div", []byte{i32, i32}, []byte{i32}, nil, opLocalGet, 0, opLocalGet, 1, opI32DivS)
	m.function("boom", nil, nil, nil, opUnreachable)
	for n, name := range hostImports {
		m.function("call_"+name, []byte{i32, i32}, []byte{i64}, nil, cat(pack, []byte{opCall, byte(imported[n])})...)
	}
	return m.bytes()
}

type EngineSuite struct {
	suite.Suite
	ctx    context.Context
	engine *Engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	e, err := New(s.ctx,
		WithHostFunctions("net_connect"),
		WithFuelCosts(DefaultCallCost, time.Millisecond, 100))
	s.Require().NoError(err)
	s.engine = e
}

func (s *EngineSuite) TearDownTest() {
	s.Require().NoError(s.engine.Close(s.ctx))
}

func (s *EngineSuite) instantiate(data []byte, lim entities.ResourceLimits, host ports.HostDispatcher) (ports.Instance, *limits.Limiter) {
	mod, err := s.engine.LoadModule(s.ctx, data)
	s.Require().NoError(err)
	meter, err := limits.New("inst", lim)
	s.Require().NoError(err)
	inst, err := s.engine.CreateInstance(s.ctx, mod, ports.InstanceConfig{ID: "inst", Limits: lim, Meter: meter, Host: host})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = inst.Close(context.Background()) })
	return inst, meter
}

func (s *EngineSuite) TestLoadModule_DescribesExports() {
	data := abiModule()
	mod, err := s.engine.LoadModule(s.ctx, data)
	s.Require().NoError(err)

	info := mod.Info()
	s.Equal(digest.Module(data), info.ID)
	s.Equal(Name, info.Engine)
	s.Equal(uint64(pageSize), info.MinMemoryBytes)

	var names []string
	for _, fn := range info.Exports {
		names = append(names, fn.Name)
	}
	s.Equal([]string{"boom", "count", "div", "echo", "grow", "nop", "spin"}, names)

	echo, ok := info.Export("echo")
	s.Require().True(ok)
	s.Equal([]entities.ValueType{entities.ValueBytes}, echo.Params)
	div, _ := info.Export("div")
	s.Equal([]entities.ValueType{entities.ValueI32, entities.ValueI32}, div.Params)
	s.Equal([]entities.ValueType{entities.ValueI32}, div.Results)
}

func (s *EngineSuite) TestLoadModule_Rejects() {
	disallowed := &wasmModule{}
	disallowed.importFunc("env", "abort", nil, nil)
	disallowed.function("run", nil, nil, nil)

	unknownHost := &wasmModule{}
	unknownHost.importFunc(HostModule, "fs_read", []byte{i64}, []byte{i64})
	unknownHost.function("run", nil, nil, nil)

	badSignature := &wasmModule{}
	badSignature.importFunc(HostModule, "net_connect", []byte{i32}, []byte{i64})
	badSignature.function("run", nil, nil, nil)

	noAllocator := &wasmModule{}
	noAllocator.memory(1)
	noAllocator.function("echo", []byte{i32, i32}, []byte{i64}, nil, pack...)

	tests := map[string][]byte{
		"not wasm":             []byte("native: v1"),
		"truncated":            []byte("\x00asm\x01\x00\x00\x00\x01\x05"),
		"disallowed import":    disallowed.bytes(),
		"unknown host import":  unknownHost.bytes(),
		"wrong host signature": badSignature.bytes(),
		"missing allocate":     noAllocator.bytes(),
	}
	for name, data := range tests {
		s.Run(name, func() {
			_, err := s.engine.LoadModule(s.ctx, data)
			s.ErrorIs(err, entities.ErrInvalidModule)
		})
	}
}

func (s *EngineSuite) TestCall_ByteABIRoundTrip() {
	inst, meter := s.instantiate(abiModule(), entities.ResourceLimits{}, nil)

	out, err := inst.Call(s.ctx, "echo", []byte("hello, guest"))
	s.Require().NoError(err)
	s.Equal("hello, guest", string(out))
	s.Positive(meter.Snapshot().FuelConsumed, "guest function entries are charged")
}

func (s *EngineSuite) TestCall_Numeric() {
	inst, _ := s.instantiate(abiModule(), entities.ResourceLimits{}, nil)

	out, err := inst.Call(s.ctx, "div", []byte("[7, 2]"))
	s.Require().NoError(err)
	s.JSONEq(`[3]`, string(out))

	_, err = inst.Call(s.ctx, "div", []byte("[7]"))
	s.ErrorIs(err, entities.ErrChannel)

	_, err = inst.Call(s.ctx, "allocate", []byte("[1]"))
	s.ErrorIs(err, entities.ErrNotFound)
	_, err = inst.Call(s.ctx, "missing", nil)
	s.ErrorIs(err, entities.ErrNotFound)
}

func (s *EngineSuite) TestCall_MemoryCeiling() {
	inst, meter := s.instantiate(abiModule(), entities.ResourceLimits{MaxMemoryBytes: 16 << 20}, nil)

	out, err := inst.Call(s.ctx, "grow", []byte("[512]"))
	s.Require().NoError(err, "a refused grow is not a trap")
	s.JSONEq(`[-1]`, string(out))
	requested, rejected := meter.RejectedGrowth()
	s.True(rejected)
	s.Equal(uint64(513*pageSize), requested)
	s.Equal(uint64(pageSize), inst.MemorySize())

	out, err = inst.Call(s.ctx, "grow", []byte("[1]"))
	s.Require().NoError(err)
	s.JSONEq(`[1]`, string(out), "grow returns the previous page count")
	s.Equal(uint64(2*pageSize), inst.MemorySize())
}

func (s *EngineSuite) TestCall_FuelPerCall() {
	inst, meter := s.instantiate(abiModule(), entities.ResourceLimits{MaxFuel: 1000}, nil)

	_, err := inst.Call(s.ctx, "count", []byte("[100000000]"))
	s.Require().Error(err)
	s.ErrorIs(err, ports.ErrInterrupted)
	s.ErrorIs(err, entities.ErrResourceExhausted)
	s.Zero(meter.FuelRemaining())
	s.Equal(uint64(1000), meter.Snapshot().FuelConsumed)
	s.False(inst.Closed(), "running out of fuel unwinds without closing the module")
}

func (s *EngineSuite) TestCall_FuelExhaustionKeepsMemoryAcrossRefuel() {
	inst, meter := s.instantiate(abiModule(), entities.ResourceLimits{MaxFuel: 1000}, nil)
	mem := inst.(*instance).guest.Memory()

	_, err := inst.Call(s.ctx, "grow", []byte("[1]"))
	s.Require().NoError(err)
	s.Require().True(mem.Write(pageSize+16, []byte("kept across refuel")))

	_, err = inst.Call(s.ctx, "count", []byte("[100000000]"))
	s.Require().ErrorIs(err, entities.ErrResourceExhausted)
	s.Require().False(inst.Closed())

	_, err = inst.Call(s.ctx, "nop", nil)
	s.ErrorIs(err, ports.ErrInterrupted, "no call runs until refuel")

	meter.Refill(1000)
	got, ok := mem.Read(pageSize+16, uint32(len("kept across refuel")))
	s.Require().True(ok)
	s.Equal("kept across refuel", string(got))
	s.Equal(uint64(2*pageSize), inst.MemorySize())

	out, err := inst.Call(s.ctx, "echo", []byte("after refuel"))
	s.Require().NoError(err)
	s.Equal("after refuel", string(out))
}

func (s *EngineSuite) TestCall_FuelGraceClosesLoopWithoutCalls() {
	e, err := New(s.ctx, WithFuelCosts(DefaultCallCost, time.Millisecond, 100), WithFuelGrace(5*time.Millisecond))
	s.Require().NoError(err)
	defer func() { _ = e.Close(s.ctx) }()
	mod, err := e.LoadModule(s.ctx, abiModule())
	s.Require().NoError(err)
	meter, err := limits.New("inst", entities.ResourceLimits{MaxFuel: 1000})
	s.Require().NoError(err)
	inst, err := e.CreateInstance(s.ctx, mod, ports.InstanceConfig{ID: "inst", Limits: meter.Limits(), Meter: meter})
	s.Require().NoError(err)

	_, err = inst.Call(s.ctx, "spin", nil)
	s.ErrorIs(err, entities.ErrResourceExhausted)
	s.True(inst.Closed(), "a loop that never enters a function is stopped by closing the module")
}

func (s *EngineSuite) TestCall_FuelBurnStopsTightLoop() {
	inst, meter := s.instantiate(abiModule(), entities.ResourceLimits{MaxFuel: 1000}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := inst.Call(s.ctx, "spin", nil)
		done <- err
	}()
	select {
	case err := <-done:
		s.ErrorIs(err, ports.ErrInterrupted)
		s.ErrorIs(err, entities.ErrResourceExhausted)
		s.Zero(meter.FuelRemaining())
	case <-time.After(5 * time.Second):
		s.Fail("spin was not interrupted")
	}
}

func (s *EngineSuite) TestCall_ContextDeadline() {
	inst, _ := s.instantiate(abiModule(), entities.ResourceLimits{}, nil)
	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()

	_, err := inst.Call(ctx, "spin", nil)
	s.ErrorIs(err, ports.ErrInterrupted)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *EngineSuite) TestCall_Traps() {
	inst, _ := s.instantiate(abiModule(), entities.ResourceLimits{}, nil)

	_, err := inst.Call(s.ctx, "div", []byte("[1, 0]"))
	var trap *entities.RuntimeTrap
	s.Require().ErrorAs(err, &trap)
	s.Equal(entities.TrapDivideByZero, trap.Trap)
	s.Equal("div", trap.Function)

	_, err = inst.Call(s.ctx, "boom", nil)
	s.Require().ErrorAs(err, &trap)
	s.Equal(entities.TrapUnreachable, trap.Trap)
}

func (s *EngineSuite) TestCall_HostFunctions() {
	host := ports.HostDispatcherFunc(func(_ context.Context, fn string, payload []byte) ([]byte, error) {
		var req struct {
			Host string `json:"host"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		switch req.Host {
		case "evil.com":
			return nil, &entities.SecurityViolation{
				Request: entities.NetworkRequest(entities.OpConnect, "evil.com", 443),
				Reason:  entities.ReasonNotPermitted,
				Allowed: []string{"api.example.com"},
			}
		case "down.example.com":
			return nil, &entities.ResourceExhausted{Resource: entities.ResourceConnections, Limit: 1, Used: 1}
		}
		return []byte(`{"connected":true}`), nil
	})
	inst, _ := s.instantiate(abiModule("net_connect"), entities.ResourceLimits{}, host)

	out, err := inst.Call(s.ctx, "call_net_connect", []byte(`{"host":"api.example.com"}`))
	s.Require().NoError(err)
	s.JSONEq(`{"data":{"connected":true}}`, string(out))

	out, err = inst.Call(s.ctx, "call_net_connect", []byte(`{"host":"down.example.com"}`))
	s.Require().NoError(err, "ordinary host errors are returned to the guest")
	var res hostResult
	s.Require().NoError(json.Unmarshal(out, &res))
	s.Require().NotNil(res.Error)
	s.Equal(string(entities.KindResourceExhausted), res.Error.Type)

	_, err = inst.Call(s.ctx, "call_net_connect", []byte(`{"host":"evil.com"}`))
	var violation *entities.SecurityViolation
	s.Require().ErrorAs(err, &violation)
	s.Equal("evil.com", violation.Request.Target)
	s.Equal([]string{"api.example.com"}, violation.Allowed)
	s.False(inst.Closed(), "a denied host call does not close the module")
}

func (s *EngineSuite) TestCreateInstance_InitialMemoryAboveLimit() {
	m := &wasmModule{}
	m.memory(4)
	m.function("run", nil, nil, nil)
	mod, err := s.engine.LoadModule(s.ctx, m.bytes())
	s.Require().NoError(err)

	lim := entities.ResourceLimits{MaxMemoryBytes: 2 * pageSize}
	meter, err := limits.New("inst", lim)
	s.Require().NoError(err)
	_, err = s.engine.CreateInstance(s.ctx, mod, ports.InstanceConfig{ID: "inst", Limits: lim, Meter: meter})
	var cfgErr *entities.ConfigurationError
	s.Require().ErrorAs(err, &cfgErr)
	s.Equal("max_memory_bytes", cfgErr.Field)
}

func TestNew_InterpreterMode(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, WithMode(ModeInterpreter))
	require.NoError(t, err)
	defer e.Close(ctx)

	rt, ok := engine.As[wazero.Runtime](e)
	require.True(t, ok)
	assert.NotNil(t, rt)
	assert.True(t, e.Sniff(abiModule()))
	assert.Contains(t, e.Info().Features, entities.FeatureWASI)

	_, err = New(ctx, WithMode("jit"))
	assert.ErrorIs(t, err, entities.ErrConfiguration)
}
