// Package hostfuncs implements the host functions guests import from the
// sandbox module. Every call is first checked against a hostcall
// permission for the function name, then against the permission for the
// resource it touches, using the capabilities bound to the calling
// instance.
package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/reglet-dev/reglet-sandbox/application/capability"
	"github.com/reglet-dev/reglet-sandbox/application/limits"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// Host function names.
const (
	FuncLog         = "log"
	FuncEnvGet      = "env_get"
	FuncFSRead      = "fs_read"
	FuncFSWrite     = "fs_write"
	FuncNetConnect  = "net_connect"
	FuncHTTPRequest = "http_request"
	FuncRPCCall     = "rpc_call"
)

// DefaultMaxFileSize caps fs_read results and fs_write payloads.
const DefaultMaxFileSize = 10 << 20

// Handler serves one host function. The returned value is encoded as the
// JSON result.
type Handler func(ctx context.Context, call *Call) (any, error)

// Caller forwards a guest request to the host application. Params and
// result are JSON. *channel.RPC implements it.
type Caller interface {
	CallJSON(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Binding is the per-instance context host functions act in.
type Binding struct {
	InstanceID   string
	Capabilities entities.CapabilitySet
	// Limiter counts handles and connections. It may be nil.
	Limiter *limits.Limiter
	// RPC receives rpc_call requests. It may be nil.
	RPC Caller
}

// Host holds the host function table and the collaborators they share.
type Host struct {
	store       *capability.Store
	handlers    map[string]Handler
	dialer      ports.Dialer
	lookupEnv   func(string) (string, bool)
	httpOpts    []HTTPOption
	maxFileSize int64
	logger      *slog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithDialer sets the dialer for net_connect and http_request. The default
// refuses private and loopback destinations.
func WithDialer(d ports.Dialer) Option {
	return func(h *Host) { h.dialer = d }
}

// WithEnvLookup sets the environment env_get reads. The default is the
// host process environment.
func WithEnvLookup(f func(string) (string, bool)) Option {
	return func(h *Host) { h.lookupEnv = f }
}

// WithHTTPOptions adds options applied to every http_request.
func WithHTTPOptions(opts ...HTTPOption) Option {
	return func(h *Host) { h.httpOpts = append(h.httpOpts, opts...) }
}

// WithMaxFileSize caps file reads and writes.
func WithMaxFileSize(n int64) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxFileSize = n
		}
	}
}

// WithFunction registers an additional host function, or replaces a
// built-in one.
func WithFunction(name string, fn Handler) Option {
	return func(h *Host) { h.handlers[name] = fn }
}

// WithLogger sets the logger. Guest log calls are written to it.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// New returns a Host whose functions check permissions against store.
func New(store *capability.Store, opts ...Option) *Host {
	h := &Host{
		store:       store,
		dialer:      NewSafeDialer(),
		lookupEnv:   os.LookupEnv,
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	h.handlers = map[string]Handler{
		FuncLog:         h.log,
		FuncEnvGet:      h.envGet,
		FuncFSRead:      h.fsRead,
		FuncFSWrite:     h.fsWrite,
		FuncNetConnect:  h.netConnect,
		FuncHTTPRequest: h.httpRequest,
		FuncRPCCall:     h.rpcCall,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Names lists the registered host functions.
func (h *Host) Names() []string {
	names := make([]string, 0, len(h.handlers))
	for name := range h.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind returns the dispatcher an engine uses for one instance.
func (h *Host) Bind(b Binding) ports.HostDispatcher {
	return ports.HostDispatcherFunc(func(ctx context.Context, function string, payload []byte) ([]byte, error) {
		return h.Dispatch(ctx, &b, function, payload)
	})
}

// Dispatch runs function for the instance described by b.
func (h *Host) Dispatch(ctx context.Context, b *Binding, function string, payload []byte) ([]byte, error) {
	fn, ok := h.handlers[function]
	if !ok {
		return nil, &entities.NotFound{What: "host function", ID: function}
	}
	if _, ok := capability.InstanceFromContext(ctx); !ok && b.InstanceID != "" {
		ctx = capability.WithInstance(ctx, b.InstanceID)
	}
	call := &Call{Binding: b, Function: function, Payload: payload, host: h}
	if err := call.Require(ctx, entities.HostCallRequest(function)); err != nil {
		return nil, err
	}
	result, err := fn(ctx, call)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(result)
	if err != nil {
		return nil, &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("encoding %s result: %w", function, err)}
	}
	return out, nil
}

// Call is one host function invocation.
type Call struct {
	Binding  *Binding
	Function string
	Payload  []byte
	host     *Host
}

// Decode unmarshals the JSON payload into v.
func (c *Call) Decode(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return &entities.ChannelError{Code: entities.ChannelCodec, Err: fmt.Errorf("decoding %s payload: %w", c.Function, err)}
	}
	return nil
}

// Require checks req against the instance's capabilities and returns the
// SecurityViolation for a denial.
func (c *Call) Require(ctx context.Context, req entities.Request) error {
	return c.host.store.CheckSet(ctx, c.Binding.Capabilities, req).Err()
}

// Acquire takes one handle or connection from the instance's limits. The
// returned release is safe to call when nothing was acquired.
func (c *Call) Acquire(ctx context.Context, r entities.Resource) (release func(), err error) {
	l := c.Binding.Limiter
	if l == nil {
		return func() {}, nil
	}
	if err := l.Acquire(ctx, r); err != nil {
		return func() {}, err
	}
	return func() { l.Release(r) }, nil
}

// Logger returns a logger tagged with the calling instance.
func (c *Call) Logger() *slog.Logger {
	return c.host.logger.With("instance", c.Binding.InstanceID, "host_function", c.Function)
}
