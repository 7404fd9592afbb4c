package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// cancelTimeout bounds the best-effort cancel frame sent when a caller
// gives up on a call.
const cancelTimeout = time.Second

// Request is an incoming request or notification.
type Request struct {
	ID      uint64
	Method  string
	Payload []byte
	codec   Codec
}

// Decode unmarshals the request parameters into v.
func (r *Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := r.codec.Unmarshal(r.Payload, v); err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s params: %w", r.Method, err)}
	}
	return nil
}

// HandlerFunc serves a peer request. The returned value is encoded as the
// response payload; a returned error travels as an error envelope and is
// reconstructed as the same error type on the caller's side. ctx is
// cancelled when the caller cancels or the channel fails.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// NotifyFunc consumes a notification. Notifications are delivered in
// order on the channel's read loop, so a NotifyFunc must not block.
type NotifyFunc func(ctx context.Context, req *Request)

// RPC multiplexes concurrent calls and peer requests over one Conn.
type RPC struct {
	conn   ports.Conn
	codec  Codec
	logger *slog.Logger

	nextID atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc
	notifiers  map[string]NotifyFunc

	mu       sync.Mutex
	pending  map[uint64]chan *Envelope
	inflight map[uint64]context.CancelFunc
	err      error
	done     chan struct{}
	started  bool
}

// RPCOption configures an RPC.
type RPCOption func(*RPC)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RPCOption {
	return func(r *RPC) {
		r.logger = logger
	}
}

// NewRPC wraps conn. Register handlers, then call Start.
func NewRPC(conn ports.Conn, c Codec, opts ...RPCOption) *RPC {
	r := &RPC{
		conn:      conn,
		codec:     c,
		handlers:  make(map[string]HandlerFunc),
		notifiers: make(map[string]NotifyFunc),
		pending:   make(map[uint64]chan *Envelope),
		inflight:  make(map[uint64]context.CancelFunc),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Open performs the codec handshake on conn and starts an RPC over it.
func Open(ctx context.Context, conn ports.Conn, c Codec, register func(*RPC), opts ...RPCOption) (*RPC, error) {
	if err := Handshake(ctx, conn, c); err != nil {
		return nil, err
	}
	r := NewRPC(conn, c, opts...)
	if register != nil {
		register(r)
	}
	r.Start(ctx)
	return r, nil
}

// Codec returns the channel codec.
func (r *RPC) Codec() Codec { return r.codec }

// Handle registers a request handler. It panics on duplicate methods.
func (r *RPC) Handle(method string, h HandlerFunc) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if _, exists := r.handlers[method]; exists {
		panic(fmt.Sprintf("channel.RPC: duplicate handler for method %q", method))
	}
	r.handlers[method] = h
}

// HandleNotify registers a notification consumer. It panics on duplicate
// methods.
func (r *RPC) HandleNotify(method string, f NotifyFunc) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if _, exists := r.notifiers[method]; exists {
		panic(fmt.Sprintf("channel.RPC: duplicate notification handler for method %q", method))
	}
	r.notifiers[method] = f
}

// Start runs the read loop until the connection fails, Close is called or
// ctx ends.
func (r *RPC) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-ctx.Done():
			r.fail(entities.Disconnected())
		case <-r.done:
		}
		cancel()
	}()
	go r.readLoop(loopCtx)
}

// Done is closed once the channel has failed or closed.
func (r *RPC) Done() <-chan struct{} { return r.done }

// Err returns the error that ended the channel, nil while it is open.
func (r *RPC) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close fails pending calls with Disconnected and closes the connection.
func (r *RPC) Close() error {
	r.fail(entities.Disconnected())
	return nil
}

// Call sends a request and decodes the response into result, which may be
// nil. Calls may be issued concurrently.
func (r *RPC) Call(ctx context.Context, method string, params, result any) error {
	payload, err := r.codec.Marshal(params)
	if err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding %s params: %w", method, err)}
	}
	res, err := r.CallRaw(ctx, method, payload)
	if err != nil {
		return err
	}
	if result == nil || len(res) == 0 {
		return nil
	}
	if err := r.codec.Unmarshal(res, result); err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s result: %w", method, err)}
	}
	return nil
}

// CallRaw sends pre-encoded params and returns the encoded result.
func (r *RPC) CallRaw(ctx context.Context, method string, payload []byte) ([]byte, error) {
	id := r.nextID.Add(1)
	ch := make(chan *Envelope, 1)

	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return nil, err
	}
	r.pending[id] = ch
	r.mu.Unlock()

	if err := r.send(ctx, &Envelope{ID: id, Kind: KindRequest, Method: method, Payload: payload}); err != nil {
		r.forget(id)
		return nil, err
	}

	select {
	case env := <-ch:
		if env.Kind == KindError {
			return nil, entities.FromDetail(env.Error)
		}
		return env.Payload, nil
	case <-r.done:
		// A response may have raced the failure.
		select {
		case env := <-ch:
			if env.Kind == KindError {
				return nil, entities.FromDetail(env.Error)
			}
			return env.Payload, nil
		default:
		}
		return nil, r.Err()
	case <-ctx.Done():
		r.forget(id)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
		if err := r.send(cctx, &Envelope{ID: id, Kind: KindCancel}); err != nil {
			r.logger.Debug("cancel frame not delivered", "method", method, "error", err)
		}
		cancel()
		return nil, cancelled(ctx.Err())
	}
}

// Notify sends a one-way message.
func (r *RPC) Notify(ctx context.Context, method string, params any) error {
	payload, err := r.codec.Marshal(params)
	if err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding %s notification: %w", method, err)}
	}
	if err := r.Err(); err != nil {
		return err
	}
	return r.send(ctx, &Envelope{Kind: KindNotify, Method: method, Payload: payload})
}

func (r *RPC) forget(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *RPC) send(ctx context.Context, env *Envelope) error {
	data, err := r.codec.encodeEnvelope(env)
	if err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: err}
	}
	if err := r.conn.SendRaw(ctx, data); err != nil {
		err = transportError(ctx, err)
		if errors.Is(err, entities.ErrChannel) {
			r.fail(err)
		}
		return err
	}
	return nil
}

// fail ends the channel with err: every pending call returns err, every
// running handler is cancelled and the connection is closed.
func (r *RPC) fail(err error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return
	}
	r.err = err
	close(r.done)
	inflight := r.inflight
	r.inflight = make(map[uint64]context.CancelFunc)
	r.pending = make(map[uint64]chan *Envelope)
	r.mu.Unlock()

	for _, cancel := range inflight {
		cancel()
	}
	if cerr := r.conn.Close(); cerr != nil {
		r.logger.Debug("closing channel connection", "error", cerr)
	}
	if !errors.Is(err, entities.ErrDisconnected) {
		r.logger.Warn("channel failed", "error", err)
	}
}

func (r *RPC) readLoop(ctx context.Context) {
	for {
		data, err := r.conn.ReceiveRaw(ctx)
		if err != nil {
			r.fail(transportError(ctx, err))
			return
		}
		env, err := r.codec.decodeEnvelope(data)
		if err != nil {
			r.fail(&entities.ChannelError{Code: entities.ChannelMalformed, Err: err})
			return
		}
		r.dispatch(ctx, env)
	}
}

func (r *RPC) dispatch(ctx context.Context, env *Envelope) {
	switch env.Kind {
	case KindResponse, KindError:
		r.mu.Lock()
		ch, ok := r.pending[env.ID]
		delete(r.pending, env.ID)
		r.mu.Unlock()
		if !ok {
			r.logger.Debug("response for unknown call", "id", env.ID)
			return
		}
		ch <- env

	case KindRequest:
		hctx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.inflight[env.ID] = cancel
		r.mu.Unlock()
		go r.serve(hctx, cancel, env)

	case KindCancel:
		r.mu.Lock()
		cancel, ok := r.inflight[env.ID]
		r.mu.Unlock()
		if ok {
			cancel()
		}

	case KindNotify:
		r.handlersMu.RLock()
		f, ok := r.notifiers[env.Method]
		r.handlersMu.RUnlock()
		if !ok {
			r.logger.Debug("unhandled notification", "method", env.Method)
			return
		}
		f(ctx, &Request{Method: env.Method, Payload: env.Payload, codec: r.codec})

	default:
		r.logger.Warn("unknown envelope kind", "kind", env.Kind)
	}
}

func (r *RPC) serve(ctx context.Context, cancel context.CancelFunc, env *Envelope) {
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.inflight, env.ID)
		r.mu.Unlock()
	}()

	result, err := r.invoke(ctx, env)
	reply := &Envelope{ID: env.ID, Kind: KindResponse}
	if err == nil {
		reply.Payload, err = r.codec.Marshal(result)
		if err != nil {
			err = &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding %s result: %w", env.Method, err)}
		}
	}
	if err != nil {
		reply = &Envelope{ID: env.ID, Kind: KindError, Error: entities.ToDetail(err)}
	}
	// The reply is sent even if the caller cancelled, so it is not
	// bound to ctx.
	if serr := r.send(context.WithoutCancel(ctx), reply); serr != nil {
		r.logger.Debug("reply not delivered", "method", env.Method, "error", serr)
	}
}

func (r *RPC) invoke(ctx context.Context, env *Envelope) (result any, err error) {
	r.handlersMu.RLock()
	h, ok := r.handlers[env.Method]
	r.handlersMu.RUnlock()
	if !ok {
		return nil, &entities.NotFound{What: "method", ID: env.Method}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("rpc handler panicked", "method", env.Method, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler %s panicked: %v", env.Method, rec)
		}
	}()
	return h(ctx, &Request{ID: env.ID, Method: env.Method, Payload: env.Payload, codec: r.codec})
}

// transportError classifies a Conn error.
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, entities.ErrChannel) {
		return err
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return cancelled(err)
	}
	return &entities.ChannelError{Code: entities.ChannelDisconnected, Err: err}
}

func cancelled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &entities.Cancelled{Cause: entities.CauseTimeout, Err: err}
	}
	return &entities.Cancelled{Cause: entities.CauseCaller, Err: err}
}
