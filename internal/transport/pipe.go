package transport

import (
	"context"
	"sync"
)

// Pipe returns two connected in-memory endpoints. Frames are buffered, so a
// Send does not wait for the matching Receive.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	done := make(chan struct{})
	shared := &pipeShared{done: done}
	return &pipeConn{in: ba, out: ab, shared: shared}, &pipeConn{in: ab, out: ba, shared: shared}
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
}

func (p *pipeConn) Send(ctx context.Context, frame []byte) error {
	b := append([]byte(nil), frame...)
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.shared.done:
		// Deliver what was sent before the close.
		select {
		case b := <-p.in:
			return b, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes both endpoints.
func (p *pipeConn) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
