package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Settings tunes a websocket connection.
type Settings struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	// ReadTimeout must exceed PingInterval; every pong extends the deadline.
	ReadTimeout  time.Duration
	MaxFrameSize int64
}

// DefaultSettings returns sensible websocket settings.
func DefaultSettings() Settings {
	return Settings{
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		ReadTimeout:  60 * time.Second,
		MaxFrameSize: 64 << 20,
	}
}

// WSConn is a Conn over a gorilla websocket carrying binary messages.
type WSConn struct {
	ws       *websocket.Conn
	settings Settings

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWSConn wraps an established websocket and starts its keepalive.
func NewWSConn(ws *websocket.Conn, settings Settings) *WSConn {
	c := &WSConn{ws: ws, settings: settings, done: make(chan struct{})}
	if settings.MaxFrameSize > 0 {
		ws.SetReadLimit(settings.MaxFrameSize)
	}
	if settings.ReadTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
		})
	}
	if settings.PingInterval > 0 {
		go c.keepalive()
	}
	return c
}

func (c *WSConn) keepalive() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *WSConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.settings.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// Receive reads the next binary frame. Cancelling ctx closes the connection,
// since a websocket read cannot be abandoned part way.
func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	for {
		typ, b, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.mapErr(err)
		}
		switch typ {
		case websocket.BinaryMessage:
			return b, nil
		default:
			// Text frames are not part of the protocol.
			continue
		}
	}
}

func (c *WSConn) mapErr(err error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrClosed
	}
	return err
}

// Close sends a close frame and closes the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Upgrade turns an HTTP request into a Conn.
func Upgrade(w http.ResponseWriter, r *http.Request, settings Settings) (*WSConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return NewWSConn(ws, settings), nil
}

// Dial connects to a websocket server.
func Dial(ctx context.Context, url string, header http.Header, settings Settings) (*WSConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWSConn(ws, settings), nil
}

// IsClosed reports whether err means the peer went away.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || websocket.IsUnexpectedCloseError(err) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
