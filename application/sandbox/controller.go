// Package sandbox is the single entry point embedding applications use:
// it loads modules, creates limited instances bound to capabilities,
// invokes guest functions over each instance's channel and administers
// capabilities and the audit trail.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reglet-dev/reglet-sandbox/application/audit"
	"github.com/reglet-dev/reglet-sandbox/application/capability"
	"github.com/reglet-dev/reglet-sandbox/application/channel"
	"github.com/reglet-dev/reglet-sandbox/application/engine"
	"github.com/reglet-dev/reglet-sandbox/application/lifecycle"
	"github.com/reglet-dev/reglet-sandbox/application/limits"
	"github.com/reglet-dev/reglet-sandbox/application/threat"
	"github.com/reglet-dev/reglet-sandbox/application/validation"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
	"github.com/reglet-dev/reglet-sandbox/hostfuncs"
	"github.com/reglet-dev/reglet-sandbox/infrastructure/native"
	"github.com/reglet-dev/reglet-sandbox/infrastructure/wazero"
	"github.com/reglet-dev/reglet-sandbox/internal/clock"
)

// MethodInvoke is the channel method the guest side serves for calls,
// with an InvokeRequest as params and an InvokeResult as result.
const MethodInvoke = "sandbox.invoke"

// resultStreamTimeout bounds how long a streamed result waits for the
// host to read it.
const resultStreamTimeout = time.Minute

// InvokeRequest carries params inline, or names the direct stream they
// follow on when Stream is set. InvokeResult does the same for output.
type InvokeRequest struct {
	Function string `json:"function" cbor:"function"`
	Params   []byte `json:"params,omitempty" cbor:"params,omitempty"`
	Stream   uint64 `json:"stream,omitempty" cbor:"stream,omitempty"`
}

// InvokeResult is the result of MethodInvoke.
type InvokeResult struct {
	Output []byte `json:"output,omitempty" cbor:"output,omitempty"`
	Stream uint64 `json:"stream,omitempty" cbor:"stream,omitempty"`
}

// Controller owns engines, the capability store, the audit trail and
// every instance it created.
type Controller struct {
	cfg       config
	logger    *slog.Logger
	clock     clock.Clock
	recorder  *audit.Recorder
	caps      *capability.Store
	host      *hostfuncs.Host
	registry  *engine.Registry
	modules   *moduleCache
	validator *validation.Validator
	detector  *threat.Detector
	calls     chan struct{}

	// lifetime outlives individual calls; channels and the detector stop
	// when it ends.
	lifetime context.Context
	stop     context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*sandboxInstance
	handlers  map[string]channel.HandlerFunc
	closed    bool
}

// sandboxInstance is an instance and both ends of its channel.
type sandboxInstance struct {
	inst   *lifecycle.Instance
	module *cached
	host   *channel.RPC
	guest  *channel.RPC
	// hostStreams and guestStreams are nil unless streams are enabled.
	hostStreams  *channel.Streams
	guestStreams *channel.Streams

	release sync.Once
}

// New builds a controller.
func New(ctx context.Context, opts ...Option) (*Controller, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	logger := cfg.logger.With("component", "sandbox")

	validator := cfg.validator
	if validator == nil {
		v, err := validation.New()
		if err != nil {
			return nil, fmt.Errorf("building validator: %w", err)
		}
		validator = v
	}

	recOpts := []audit.RecorderOption{audit.WithClock(cfg.clock), audit.WithLogger(cfg.logger)}
	if cfg.auditLog != nil {
		recOpts = append(recOpts, audit.WithLog(cfg.auditLog))
	}
	recorder := audit.NewRecorder(recOpts...)

	storeOpts := []capability.StoreOption{
		capability.WithClock(cfg.clock),
		capability.WithRecorder(recorder),
		capability.WithLogger(cfg.logger),
	}
	if cfg.risk != nil {
		storeOpts = append(storeOpts, capability.WithRiskAnalyzer(cfg.risk))
	}
	caps := capability.NewStore(storeOpts...)

	hostOpts := append([]hostfuncs.Option{hostfuncs.WithLogger(cfg.logger)}, cfg.hostOpts...)
	host := hostfuncs.New(caps, hostOpts...)

	engines := cfg.engines
	if len(engines) == 0 {
		defaults, err := defaultEngines(ctx, cfg, validator, host.Names())
		if err != nil {
			return nil, err
		}
		engines = defaults
	}
	registry := engine.NewRegistry(engines...)

	lifetime, stop := context.WithCancel(context.WithoutCancel(ctx))
	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		clock:     cfg.clock,
		recorder:  recorder,
		caps:      caps,
		host:      host,
		registry:  registry,
		modules:   newModuleCache(registry, cfg.modules, cfg.cacheSize, logger),
		validator: validator,
		calls:     make(chan struct{}, cfg.maxCalls),
		lifetime:  lifetime,
		stop:      stop,
		instances: make(map[string]*sandboxInstance),
		handlers:  make(map[string]channel.HandlerFunc),
	}

	if cfg.threat {
		topts := append([]threat.Option{
			threat.WithClock(cfg.clock),
			threat.WithLogger(cfg.logger),
			threat.WithResponder(c),
		}, cfg.threatOpts...)
		c.detector = threat.NewDetector(recorder, topts...)
		c.detector.Start(lifetime)
	}

	logger.Info("sandbox controller started", "engines", registry.Names(), "host_functions", host.Names())
	return c, nil
}

func defaultEngines(ctx context.Context, cfg config, v *validation.Validator, hostFuncs []string) ([]ports.Engine, error) {
	nat, err := native.New(native.WithValidator(v), native.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("creating native engine: %w", err)
	}
	wopts := []wazero.Option{wazero.WithHostFunctions(hostFuncs...), wazero.WithLogger(cfg.logger)}
	if cfg.wasmCacheDir != "" {
		wopts = append(wopts, wazero.WithCompilationCacheDir(cfg.wasmCacheDir))
	}
	wz, err := wazero.New(ctx, wopts...)
	if err != nil {
		return nil, fmt.Errorf("creating wazero engine: %w", err)
	}
	return []ports.Engine{nat, wz}, nil
}

// Capabilities returns the capability store.
func (c *Controller) Capabilities() *capability.Store { return c.caps }

// Recorder returns the audit recorder.
func (c *Controller) Recorder() *audit.Recorder { return c.recorder }

// Detector returns the threat detector, nil when detection is disabled.
func (c *Controller) Detector() *threat.Detector { return c.detector }

// Engines lists the registered engine names.
func (c *Controller) Engines() []string { return c.registry.Names() }

// Handle registers a host-side channel method. Guests reach it through the
// rpc_call host function. Handlers registered after an instance was
// created are not visible to that instance.
func (c *Controller) Handle(method string, h channel.HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[method]; exists {
		panic(fmt.Sprintf("sandbox: duplicate handler for method %q", method))
	}
	c.handlers[method] = h
}

// LoadModule validates and compiles module bytes. Loading identical bytes
// again returns the cached module.
func (c *Controller) LoadModule(ctx context.Context, data []byte) (entities.ModuleInfo, error) {
	if err := c.check(); err != nil {
		return entities.ModuleInfo{}, err
	}
	m, err := c.modules.load(ctx, data)
	if err != nil {
		return entities.ModuleInfo{}, err
	}
	return m.module.Info(), nil
}

// Module returns a loaded module's description. Modules evicted from the
// cache are reloaded from the module store when one is configured.
func (c *Controller) Module(ctx context.Context, id string) (entities.ModuleInfo, error) {
	m, err := c.modules.get(ctx, id)
	if err != nil {
		return entities.ModuleInfo{}, err
	}
	return m.module.Info(), nil
}

// CreateInstance instantiates a loaded module under limits, bound to caps.
// The returned ID names the instance in every other operation.
func (c *Controller) CreateInstance(ctx context.Context, moduleID string, lim entities.ResourceLimits, caps entities.CapabilitySet) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	if err := c.validator.ValidateLimits(lim); err != nil {
		return "", err
	}
	for _, id := range caps {
		if _, err := c.caps.Get(id); err != nil {
			return "", err
		}
	}

	mod, err := c.modules.acquire(ctx, moduleID)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	logger := c.cfg.logger.With("instance", id, "module", moduleID)
	limiter, err := limits.New(id, lim,
		limits.WithRecorder(c.recorder),
		limits.WithClock(c.clock),
		limits.WithLogger(logger),
	)
	if err != nil {
		c.modules.release(ctx, mod)
		return "", err
	}

	ends, err := c.openChannel(ctx, logger)
	if err != nil {
		c.modules.release(ctx, mod)
		return "", err
	}

	binding := hostfuncs.Binding{
		InstanceID:   id,
		Capabilities: caps,
		Limiter:      limiter,
		RPC:          ends.guest,
	}
	inst, err := lifecycle.New(ctx, lifecycle.Config{
		ID:           id,
		Engine:       mod.engine,
		Module:       mod.module,
		Capabilities: caps,
		Limiter:      limiter,
		Host:         c.host.Bind(binding),
		Recorder:     c.recorder,
		Logger:       logger,
		CheckExports: c.cfg.checkExports,
	})
	if err != nil {
		_ = ends.host.Close()
		_ = ends.guest.Close()
		c.modules.release(ctx, mod)
		return "", err
	}

	si := &sandboxInstance{
		inst:         inst,
		module:       mod,
		host:         ends.host,
		guest:        ends.guest,
		hostStreams:  ends.hostStreams,
		guestStreams: ends.guestStreams,
	}
	ends.guest.Handle(MethodInvoke, func(ctx context.Context, req *channel.Request) (any, error) {
		return c.serveInvoke(ctx, si, si.guestStreams, req)
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.dispose(ctx, si)
		return "", &entities.InvalidState{Instance: id, State: entities.StateTerminated, Operation: "create"}
	}
	c.instances[id] = si
	c.mu.Unlock()

	logger.Info("instance created", "engine", mod.engine.Name(), "capabilities", len(caps))
	return id, nil
}

// channelEnds are both ends of an instance channel.
type channelEnds struct {
	host, guest               *channel.RPC
	hostStreams, guestStreams *channel.Streams
}

// openChannel connects a host end, serving the registered handlers, to a
// guest end over an in-memory pipe.
func (c *Controller) openChannel(ctx context.Context, logger *slog.Logger) (channelEnds, error) {
	hostEnd, guestEnd := channel.Pipe(c.cfg.pipeBuffer)

	guestErr := make(chan error, 1)
	go func() { guestErr <- channel.Handshake(ctx, guestEnd, c.cfg.codec) }()
	if err := channel.Handshake(ctx, hostEnd, c.cfg.codec); err != nil {
		_ = hostEnd.Close()
		<-guestErr
		return channelEnds{}, err
	}
	if err := <-guestErr; err != nil {
		_ = hostEnd.Close()
		return channelEnds{}, err
	}

	var ends channelEnds
	ends.host = channel.NewRPC(hostEnd, c.cfg.codec, channel.WithLogger(logger.With("end", "host")))
	c.mu.RLock()
	for method, h := range c.handlers {
		ends.host.Handle(method, h)
	}
	c.mu.RUnlock()
	ends.guest = channel.NewRPC(guestEnd, c.cfg.codec, channel.WithLogger(logger.With("end", "guest")))
	if c.cfg.streams != nil {
		ends.hostStreams = channel.NewStreams(ends.host, *c.cfg.streams)
		ends.guestStreams = channel.NewStreams(ends.guest, *c.cfg.streams)
	}
	ends.host.Start(c.lifetime)
	ends.guest.Start(c.lifetime)
	return ends, nil
}

// serveInvoke runs a call arriving on a guest end. streams belong to that
// end and may be nil.
func (c *Controller) serveInvoke(ctx context.Context, si *sandboxInstance, streams *channel.Streams, req *channel.Request) (any, error) {
	var in InvokeRequest
	if err := req.Decode(&in); err != nil {
		return nil, err
	}
	if in.Stream != 0 {
		if streams == nil {
			return nil, &entities.ChannelError{Code: entities.ChannelMalformed, Err: fmt.Errorf("params stream %d on a channel without streams", in.Stream)}
		}
		rcv := streams.Claim(in.Stream)
		params, err := rcv.ReadAll(ctx)
		if err != nil {
			rcv.Release()
			return nil, err
		}
		in.Params = params
	}
	out, err := si.inst.Execute(ctx, in.Function, in.Params)
	if err != nil {
		return nil, err
	}
	if streams == nil || len(out) <= streams.Config().ChunkSize {
		return InvokeResult{Output: out}, nil
	}

	// The host claims the stream once the response arrives, so the output
	// is written after returning.
	snd := streams.OpenDirect()
	go func() {
		wctx, cancel := context.WithTimeout(c.lifetime, resultStreamTimeout)
		defer cancel()
		if err := sendStream(wctx, snd, out); err != nil {
			c.logger.Debug("result stream not delivered", "instance", si.inst.ID(), "stream", snd.ID(), "error", err)
		}
	}()
	return InvokeResult{Stream: snd.ID()}, nil
}

func sendStream(ctx context.Context, snd *channel.Sender, payload []byte) error {
	if _, err := snd.Write(ctx, payload); err != nil {
		return err
	}
	return snd.Close(ctx)
}

func (c *Controller) check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return &entities.ConfigurationError{Field: "controller", Reason: "controller is closed"}
	}
	return nil
}

func (c *Controller) lookup(id string) (*sandboxInstance, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	si, ok := c.instances[id]
	if !ok {
		return nil, &entities.NotFound{What: "instance", ID: id}
	}
	return si, nil
}

// Call invokes fn on an instance. params that are []byte or
// json.RawMessage pass through unchanged; anything else is encoded as
// JSON. The call travels over the instance's channel and counts against
// the controller's concurrent call limit.
func (c *Controller) Call(ctx context.Context, id, fn string, params any) (json.RawMessage, error) {
	si, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	select {
	case c.calls <- struct{}{}:
	case <-ctx.Done():
		return nil, cancelled(ctx)
	}
	defer func() { <-c.calls }()

	req := InvokeRequest{Function: fn, Params: raw}
	if si.hostStreams != nil && len(raw) > si.hostStreams.Config().ChunkSize {
		snd := si.hostStreams.OpenDirect()
		sctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := sendStream(sctx, snd, raw); err != nil {
				c.logger.Debug("params stream not delivered", "instance", id, "stream", snd.ID(), "error", err)
			}
		}()
		req = InvokeRequest{Function: fn, Stream: snd.ID()}
	}

	var res InvokeResult
	if err := si.host.Call(ctx, MethodInvoke, req, &res); err != nil {
		return nil, err
	}
	if res.Stream == 0 {
		return res.Output, nil
	}
	if si.hostStreams == nil {
		return nil, &entities.ChannelError{Code: entities.ChannelMalformed, Err: fmt.Errorf("result stream %d on a channel without streams", res.Stream)}
	}
	rcv := si.hostStreams.Claim(res.Stream)
	out, err := rcv.ReadAll(ctx)
	if err != nil {
		rcv.Release()
		return nil, err
	}
	return out, nil
}

func encodeParams(params any) ([]byte, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding params: %w", err)}
	}
	return raw, nil
}

func cancelled(ctx context.Context) error {
	cause := entities.CauseCaller
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = entities.CauseTimeout
	}
	return &entities.Cancelled{Cause: cause, Err: ctx.Err()}
}

// Invoke calls fn and decodes its JSON result into R.
func Invoke[R any](ctx context.Context, c *Controller, id, fn string, params any) (R, error) {
	var result R
	out, err := c.Call(ctx, id, fn, params)
	if err != nil {
		return result, err
	}
	if len(out) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return result, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s result: %w", fn, err)}
	}
	return result, nil
}

// Serve exposes an instance to a remote host over conn, such as a
// websocket. The remote end handshakes with the controller's codec and
// calls MethodInvoke; each call counts against the concurrent call limit.
// Serve returns when the remote end disconnects, ctx ends or the instance
// is terminated.
func (c *Controller) Serve(ctx context.Context, id string, conn ports.Conn) error {
	si, err := c.lookup(id)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := channel.Handshake(ctx, conn, c.cfg.codec); err != nil {
		_ = conn.Close()
		return err
	}
	logger := c.logger.With("instance", id, "end", "remote")
	rpc := channel.NewRPC(conn, c.cfg.codec, channel.WithLogger(logger))
	var streams *channel.Streams
	if c.cfg.streams != nil {
		streams = channel.NewStreams(rpc, *c.cfg.streams)
	}
	rpc.Handle(MethodInvoke, func(ctx context.Context, req *channel.Request) (any, error) {
		select {
		case c.calls <- struct{}{}:
		case <-ctx.Done():
			return nil, cancelled(ctx)
		}
		defer func() { <-c.calls }()
		return c.serveInvoke(ctx, si, streams, req)
	})
	rpc.Start(ctx)
	defer rpc.Close()
	logger.Info("serving instance to remote host")

	select {
	case <-rpc.Done():
		if err := rpc.Err(); err != nil && !errors.Is(err, entities.ErrDisconnected) {
			return err
		}
		return nil
	case <-si.guest.Done():
		return si.guest.Err()
	case <-ctx.Done():
		return cancelled(ctx)
	}
}

// Streams returns the host end of an instance's channel streams. Streams
// opened on it are received on the guest end, which also carries large
// call params and results.
func (c *Controller) Streams(id string) (*channel.Streams, error) {
	si, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	if si.hostStreams == nil {
		return nil, &entities.ConfigurationError{Field: "streams", Reason: "instance channels were created without streams"}
	}
	return si.hostStreams, nil
}

// Channel returns the host end of an instance's channel.
func (c *Controller) Channel(id string) (*channel.RPC, error) {
	si, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return si.host, nil
}

// State reports an instance's lifecycle state.
func (c *Controller) State(id string) (entities.State, error) {
	si, err := c.lookup(id)
	if err != nil {
		return entities.StateTerminated, err
	}
	return si.inst.State(), nil
}

// Usage returns an instance's current resource consumption.
func (c *Controller) Usage(id string) (entities.UsageSnapshot, error) {
	si, err := c.lookup(id)
	if err != nil {
		return entities.UsageSnapshot{}, err
	}
	return si.inst.Usage(), nil
}

// Timeline returns the usage snapshots recorded for an instance.
func (c *Controller) Timeline(id string) ([]entities.UsageSnapshot, error) {
	si, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return si.inst.Timeline(), nil
}

// Instances lists live instance IDs.
func (c *Controller) Instances() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pause stops an instance from accepting calls.
func (c *Controller) Pause(ctx context.Context, id string) error {
	si, err := c.lookup(id)
	if err != nil {
		return err
	}
	return si.inst.Pause(ctx)
}

// Resume returns a paused or suspended instance to running.
func (c *Controller) Resume(ctx context.Context, id string) error {
	si, err := c.lookup(id)
	if err != nil {
		return err
	}
	return si.inst.Resume(ctx)
}

// Refuel adds fuel, resuming an instance suspended for lack of it.
func (c *Controller) Refuel(ctx context.Context, id string, fuel uint64) error {
	si, err := c.lookup(id)
	if err != nil {
		return err
	}
	return si.inst.Refuel(ctx, fuel)
}

// Terminate disposes of an instance. Pending channel calls fail with
// Disconnected. The instance stays queryable until Remove. Terminate
// always succeeds: terminating twice, or an unknown or removed ID, is a
// no-op.
func (c *Controller) Terminate(ctx context.Context, id string) error {
	si, err := c.lookup(id)
	if err != nil {
		c.logger.Debug("terminate of unknown instance ignored", "instance", id)
		return nil
	}
	c.dispose(ctx, si)
	return nil
}

// Remove terminates an instance and forgets it.
func (c *Controller) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	si, ok := c.instances[id]
	delete(c.instances, id)
	c.mu.Unlock()
	if !ok {
		return &entities.NotFound{What: "instance", ID: id}
	}
	c.dispose(ctx, si)
	return nil
}

func (c *Controller) dispose(ctx context.Context, si *sandboxInstance) {
	si.release.Do(func() {
		// Channels close first so callers observe Disconnected rather than
		// the interrupt.
		_ = si.host.Close()
		_ = si.guest.Close()
		if err := si.inst.Terminate(ctx); err != nil {
			c.logger.Warn("terminating instance failed", "instance", si.inst.ID(), "error", err)
		}
		c.modules.release(ctx, si.module)
		if c.detector != nil {
			c.detector.Forget(si.inst.ID())
		}
		c.logger.Info("instance terminated", "instance", si.inst.ID())
	})
}

// Respond carries out automatic threat responses.
func (c *Controller) Respond(ctx context.Context, instanceID string, action threat.Action, f threat.Finding) error {
	si, err := c.lookup(instanceID)
	if err != nil {
		return err
	}
	c.logger.Warn("threat response", "instance", instanceID, "action", string(action), "rule", f.Rule, "severity", f.Severity.String())
	switch action {
	case threat.ActionPause:
		// Pause waits for the running call; do not stall the detector.
		pctx, cancel := context.WithTimeout(ctx, c.cfg.responseTimeout)
		defer cancel()
		return si.inst.Pause(pctx)
	case threat.ActionTerminate:
		c.dispose(ctx, si)
		return nil
	default:
		return &entities.ConfigurationError{Field: "action", Reason: fmt.Sprintf("unknown threat action %q", action)}
	}
}

// Grant mints a root capability.
func (c *Controller) Grant(ctx context.Context, spec capability.Spec) (entities.CapabilityID, error) {
	if err := c.validator.ValidateSpec(spec); err != nil {
		return "", err
	}
	return c.caps.Grant(ctx, spec)
}

// Delegate derives a child capability from parent.
func (c *Controller) Delegate(ctx context.Context, parent entities.CapabilityID, spec capability.Spec) (entities.CapabilityID, error) {
	if err := c.validator.ValidateSpec(spec); err != nil {
		return "", err
	}
	return c.caps.Delegate(ctx, parent, spec)
}

// Revoke revokes a capability and everything delegated from it. It
// returns after every descendant is revoked.
func (c *Controller) Revoke(ctx context.Context, id entities.CapabilityID) error {
	return c.caps.Revoke(ctx, id)
}

// Check evaluates req against a capability and records the decision.
func (c *Controller) Check(ctx context.Context, id entities.CapabilityID, req entities.Request) capability.Decision {
	return c.caps.Check(ctx, id, req)
}

// Events reads up to n audit events starting at sequence number from.
func (c *Controller) Events(ctx context.Context, from uint64, n int) ([]entities.SecurityEvent, error) {
	return c.recorder.Read(ctx, from, n)
}

// Subscribe streams audit events as they are recorded.
func (c *Controller) Subscribe(buffer int) *audit.Subscription {
	return c.recorder.Subscribe(buffer)
}

// Close terminates every instance and releases engines, modules and the
// audit trail.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	instances := make([]*sandboxInstance, 0, len(c.instances))
	for _, si := range c.instances {
		instances = append(instances, si)
	}
	c.instances = make(map[string]*sandboxInstance)
	c.mu.Unlock()

	for _, si := range instances {
		c.dispose(ctx, si)
	}
	if c.detector != nil {
		c.detector.Close()
	}
	c.stop()

	var errs []error
	if err := c.modules.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing modules: %w", err))
	}
	if err := c.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.cfg.modules != nil {
		if err := c.cfg.modules.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing module store: %w", err))
		}
	}
	if err := c.recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing audit log: %w", err))
	}
	c.logger.Info("sandbox controller closed")
	return errors.Join(errs...)
}
