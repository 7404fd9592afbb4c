// Package channel implements host-guest communication: an ordered,
// message-atomic byte transport, typed request/response RPC over it, and
// chunked streaming with acknowledgement-driven backpressure.
package channel

import (
	"context"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
	"github.com/reglet-dev/reglet-sandbox/domain/ports"
)

// DefaultPipeBuffer is the number of messages a pipe end queues before
// SendRaw blocks.
const DefaultPipeBuffer = 64

var _ ports.Conn = (*PipeConn)(nil)

// PipeConn is one end of an in-memory duplex pipe.
type PipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	link *pipeLink
}

// pipeLink is the state shared by both ends. Message channels are never
// closed; closure is signalled on done so senders cannot panic.
type pipeLink struct {
	done chan struct{}
	once sync.Once
}

func (l *pipeLink) close() {
	l.once.Do(func() { close(l.done) })
}

// Pipe returns two connected ends. Closing either closes both.
func Pipe(buffer int) (*PipeConn, *PipeConn) {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	link := &pipeLink{done: make(chan struct{})}
	return &PipeConn{in: ba, out: ab, link: link}, &PipeConn{in: ab, out: ba, link: link}
}

// SendRaw queues a copy of msg for the peer.
func (c *PipeConn) SendRaw(ctx context.Context, msg []byte) error {
	select {
	case <-c.link.done:
		return entities.Disconnected()
	default:
	}
	cp := append([]byte(nil), msg...)
	select {
	case c.out <- cp:
		return nil
	case <-c.link.done:
		return entities.Disconnected()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveRaw returns the next message. Messages queued before the pipe
// closed are still delivered.
func (c *PipeConn) ReceiveRaw(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.link.done:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, entities.Disconnected()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsConnected reports whether neither end has closed.
func (c *PipeConn) IsConnected() bool {
	select {
	case <-c.link.done:
		return false
	default:
		return true
	}
}

// Close disconnects both ends. It is idempotent.
func (c *PipeConn) Close() error {
	c.link.close()
	return nil
}
