package ports

import (
	"context"
	"net"
)

// Conn is a message-oriented byte transport. Messages are delivered whole
// and in order. Once either end closes, pending and later operations fail
// with an error matching entities.ErrDisconnected.
type Conn interface {
	SendRaw(ctx context.Context, msg []byte) error

	// ReceiveRaw blocks until a message arrives, ctx is done, or the
	// connection closes.
	ReceiveRaw(ctx context.Context) ([]byte, error)

	IsConnected() bool
	Close() error
}

// Dialer opens outbound network connections for guests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
