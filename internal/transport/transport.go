// Package transport moves already-encoded RPC frames between replicas.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Receive once the connection is closed.
var ErrClosed = errors.New("transport: connection closed")

// Conn is a bidirectional, message-framed connection. Send and Receive may be
// called from different goroutines; concurrent calls to the same method are
// not allowed.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
