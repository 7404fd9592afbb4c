// Package websocket carries the sandbox byte channel over a websocket.
// Each channel message travels as one binary frame.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

var _ ports.Conn = (*Conn)(nil)

const (
	// DefaultReadLimit caps a single inbound frame.
	DefaultReadLimit = 16 << 20
	// DefaultQueue is the number of received frames buffered before the
	// reader stops pulling from the socket.
	DefaultQueue = 64

	closeGrace = time.Second
)

// Conn adapts a websocket connection to ports.Conn.
type Conn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
}

// Option configures a Conn.
type Option func(*options)

type options struct {
	readLimit int64
	queue     int
	logger    *slog.Logger
	header    http.Header
}

func defaults() options {
	return options{readLimit: DefaultReadLimit, queue: DefaultQueue, logger: slog.Default()}
}

// WithReadLimit caps inbound frame size.
func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithQueue sets the inbound frame buffer.
func WithQueue(n int) Option {
	return func(o *options) { o.queue = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHeader adds request headers when dialing, such as Authorization.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// New wraps an established websocket and starts its reader.
func New(ws *websocket.Conn, opts ...Option) *Conn {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	return newConn(ws, o)
}

func newConn(ws *websocket.Conn, o options) *Conn {
	ws.SetReadLimit(o.readLimit)
	c := &Conn{
		ws:     ws,
		logger: o.logger,
		inbox:  make(chan []byte, max(o.queue, 1)),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a websocket endpoint such as ws://host/channel.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, &entities.ChannelError{Code: entities.ChannelDisconnected, Err: err}
	}
	return newConn(ws, o), nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isDone() {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			c.logger.Warn("dropping non-binary websocket frame", "type", kind)
			continue
		}
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// SendRaw writes msg as one binary frame. A context deadline becomes the
// write deadline.
func (c *Conn) SendRaw(ctx context.Context, msg []byte) error {
	if c.isDone() {
		return entities.Disconnected()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &entities.ChannelError{Code: entities.ChannelDisconnected, Err: err}
	}
	return nil
}

// ReceiveRaw returns the next frame. Frames received before the peer
// closed are still delivered.
func (c *Conn) ReceiveRaw(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.inbox:
			return msg, nil
		default:
			return nil, entities.Disconnected()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) IsConnected() bool { return !c.isDone() }

// Close sends a close frame and releases the socket. It is idempotent.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// Handler upgrades HTTP requests and hands each connection to serve. The
// connection is closed when serve returns.
type Handler struct {
	upgrader websocket.Upgrader
	serve    func(context.Context, *Conn)
	opts     options
}

// NewHandler returns a Handler. checkOrigin may be nil to accept any
// origin.
func NewHandler(serve func(context.Context, *Conn), checkOrigin func(*http.Request) bool, opts ...Option) *Handler {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     checkOrigin,
		},
		serve: serve,
		opts:  o,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newConn(ws, h.opts)
	defer conn.Close()
	h.serve(r.Context(), conn)
}

// IsDisconnected reports whether err means the peer is gone.
func IsDisconnected(err error) bool {
	return errors.Is(err, entities.ErrDisconnected)
}
