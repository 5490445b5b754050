// Package client is a replica that mirrors the server's tree. Local
// structural changes are sent to the server and applied when their echo
// comes back; local edits apply at once and are reconciled with the echo.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/document"
	"github.com/cowrite/cowrite/internal/filetree"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/reconcile"
	"github.com/cowrite/cowrite/internal/retry"
	"github.com/cowrite/cowrite/internal/rpc"
	"github.com/cowrite/cowrite/internal/transport"
)

// Cursor is another user's caret.
type Cursor struct {
	Path     string
	Position int
}

// Client is one connected replica.
type Client struct {
	conn     transport.Conn
	rec      *reconcile.Reconciler
	id       string
	username string

	// sendMu orders outgoing frames; it is taken before mu is released so
	// local edits leave in the order they were made.
	sendMu sync.Mutex

	mu      sync.Mutex
	tree    *filetree.Tree
	level   privilege.Level
	cursors map[string]Cursor
	waiters map[string][]chan error
	done    bool
}

// Connect sends hello on conn and waits for the server's handshake.
func Connect(ctx context.Context, conn transport.Conn, hello rpc.Hello) (*Client, error) {
	frame, err := rpc.Encode(hello)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, frame); err != nil {
		return nil, err
	}
	frame, err = conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := rpc.Decode(frame)
	if err != nil {
		return nil, err
	}

	var hs rpc.Handshake
	switch m := msg.(type) {
	case rpc.Handshake:
		hs = m
	case rpc.Error:
		return nil, m.Err()
	default:
		return nil, fserr.E("handshake", "", fserr.Protocol, "expected handshake, got "+msg.Kind().String())
	}

	tree, err := filetree.New(crdt.NewActorID(), hs.Files, hs.EmptyDirs)
	if err != nil {
		return nil, fserr.Wrap("handshake", "", fserr.InvalidData, err)
	}
	logging.Info("connected",
		zap.String("conn_id", hs.ConnID),
		zap.String("username", hs.Username),
		zap.String("privilege", hs.Privilege.String()),
		zap.Int("files", len(hs.Files)),
	)
	return &Client{
		conn:     conn,
		rec:      reconcile.NewClient(),
		id:       hs.ConnID,
		username: hs.Username,
		tree:     tree,
		level:    hs.Privilege,
		cursors:  make(map[string]Cursor),
		waiters:  make(map[string][]chan error),
	}, nil
}

// Dial connects to a server's websocket endpoint, retrying with backoff
// while the server cannot be reached.
func Dial(ctx context.Context, url string, hello rpc.Hello, cfg retry.Config) (*Client, error) {
	settings := transport.DefaultSettings()
	conn, err := retry.DoWithResult(ctx, cfg, func() (*transport.WSConn, error) {
		conn, err := transport.Dial(ctx, url, http.Header{}, settings)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	c, err := Connect(ctx, conn, hello)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Run applies messages from the server until the connection ends.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	for {
		frame, err := c.conn.Receive(ctx)
		if err != nil {
			if transport.IsClosed(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		msg, err := rpc.Decode(frame)
		if err != nil {
			logging.Warn("undecodable frame from server", zap.Error(err))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) handle(ctx context.Context, msg rpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch m := msg.(type) {
	case rpc.ChangePrivilege:
		c.level = m.Privilege
		logging.Info("privilege changed", zap.String("privilege", m.Privilege.String()))
		return
	case rpc.CursorMoved:
		if m.Username != c.username {
			c.cursors[m.Username] = Cursor{Path: m.Path, Position: m.Position}
		}
		return
	case rpc.Error:
		logging.Warn("server rejected request",
			zap.String("path", m.Path),
			zap.String("kind", m.Code.String()),
			zap.String("message", m.Message),
		)
		c.wake(m.Path, m.Err())
		return
	case rpc.FileSaved:
		logging.Debug("file saved", zap.String("path", m.Path))
	}

	_, err := c.rec.Apply(ctx, c.tree, msg, reconcile.Caller{Name: "server", Origin: reconcile.Remote})
	if err != nil {
		logging.Warn("server message not applied",
			zap.String("kind", msg.Kind().String()),
			zap.String("path", rpc.PathOf(msg)),
			zap.Error(err),
		)
	}
	switch m := msg.(type) {
	case rpc.ReadBuffer:
		c.wake(m.Path, err)
	case rpc.DeleteFile:
		c.wake(m.Path, fserr.E("fetch", m.Path, fserr.NotFound, "the file was deleted"))
	}
}

// wake must be called with mu held.
func (c *Client) wake(path string, err error) {
	for _, ch := range c.waiters[path] {
		ch <- err
	}
	delete(c.waiters, path)
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = true
	for path := range c.waiters {
		c.wake(path, fserr.E("fetch", path, fserr.NotConnected, "connection closed"))
	}
}

// Close ends the connection.
func (c *Client) Close() error { return c.conn.Close() }

// send transmits msg behind any frame already being sent.
func (c *Client) send(ctx context.Context, msg rpc.Message) error {
	frame, err := rpc.Encode(msg)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(ctx, frame)
}

// ID returns the connection id the server assigned.
func (c *Client) ID() string { return c.id }

// Username returns the name this client registered with.
func (c *Client) Username() string { return c.username }

// Privilege returns the client's current privilege.
func (c *Client) Privilege() privilege.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Cursors returns the last known caret of every other user.
func (c *Client) Cursors() map[string]Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Cursor, len(c.cursors))
	for k, v := range c.cursors {
		out[k] = v
	}
	return out
}

// Snapshot returns the client's index.
func (c *Client) Snapshot() (files, emptyDirs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Snapshot()
}

// InDir reports whether dir exists in the client's index.
func (c *Client) InDir(dir string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.InDir(dir)
}

// ReadFile returns the content of path. It fails with NotConnected until the
// document has been fetched.
func (c *Client) ReadFile(path string) (crdt.Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Read(path)
}

// Fetch requests the document at path and waits until it is installed.
func (c *Client) Fetch(ctx context.Context, path string) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return fserr.E("fetch", path, fserr.NotConnected, "connection closed")
	}
	if _, err := c.tree.Document(path); err == nil {
		c.mu.Unlock()
		return nil
	} else if fserr.KindOf(err) != fserr.NotConnected {
		c.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	c.waiters[path] = append(c.waiters[path], ch)
	c.mu.Unlock()

	if err := c.send(ctx, rpc.RequestReadBuffer{Path: path}); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) requireWrite(op, path string) error {
	if c.level.CanWrite() {
		return nil
	}
	return fserr.E(op, path, fserr.Unauthorized, "read-only session")
}

// Edit applies a local edit and sends it to the server.
func (c *Client) Edit(ctx context.Context, path string, splice document.Splice) error {
	c.mu.Lock()
	if err := c.requireWrite("edit", path); err != nil {
		c.mu.Unlock()
		return err
	}
	e, err := c.tree.Edit(path, splice)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.sendMu.Lock()
	c.mu.Unlock()
	defer c.sendMu.Unlock()

	frame, err := rpc.Encode(rpc.EditBuffer{Path: path, Changes: e.Changes, OldHeadIdx: e.OldHeadIdx, NewHeads: e.NewHeads})
	if err != nil {
		return err
	}
	return c.conn.Send(ctx, frame)
}

// Undo moves the local cursor in path back. Writers also move the server's
// cursor so that a later save matches what they see.
func (c *Client) Undo(ctx context.Context, path string) error {
	return c.step(ctx, path, rpc.Undo{Path: path}, (*filetree.Tree).Undo)
}

// Redo moves the local cursor in path forward.
func (c *Client) Redo(ctx context.Context, path string) error {
	return c.step(ctx, path, rpc.Redo{Path: path}, (*filetree.Tree).Redo)
}

func (c *Client) step(ctx context.Context, path string, msg rpc.Message, move func(*filetree.Tree, string) error) error {
	c.mu.Lock()
	if err := move(c.tree, path); err != nil {
		c.mu.Unlock()
		return err
	}
	writer := c.level.CanWrite()
	c.mu.Unlock()
	if !writer {
		return nil
	}
	return c.send(ctx, msg)
}

// request sends a write request after checking the local privilege.
func (c *Client) request(ctx context.Context, op string, msg rpc.Message) error {
	c.mu.Lock()
	err := c.requireWrite(op, rpc.PathOf(msg))
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// CreateFile asks the server to create path.
func (c *Client) CreateFile(ctx context.Context, path string) error {
	return c.request(ctx, "create file", rpc.CreateFile{Path: path})
}

// DeleteFile asks the server to delete path.
func (c *Client) DeleteFile(ctx context.Context, path string) error {
	return c.request(ctx, "delete file", rpc.DeleteFile{Path: path})
}

// MoveFile asks the server to move a file.
func (c *Client) MoveFile(ctx context.Context, oldPath, newPath string) error {
	return c.request(ctx, "move file", rpc.MoveFile{Path: oldPath, NewPath: newPath})
}

// CreateDirectory asks the server to create a directory.
func (c *Client) CreateDirectory(ctx context.Context, path string) error {
	return c.request(ctx, "create directory", rpc.CreateDirectory{Path: path})
}

// DeleteDirectory asks the server to delete a directory.
func (c *Client) DeleteDirectory(ctx context.Context, path string) error {
	return c.request(ctx, "delete directory", rpc.DeleteDirectory{Path: path})
}

// MoveDirectory asks the server to move a directory.
func (c *Client) MoveDirectory(ctx context.Context, oldPath, newPath string) error {
	return c.request(ctx, "move directory", rpc.MoveDirectory{Path: oldPath, NewPath: newPath})
}

// Save asks the server to write path to disk.
func (c *Client) Save(ctx context.Context, path string) error {
	return c.request(ctx, "save", rpc.RequestSaveFile{Path: path})
}

// MoveCursor announces the caret position in path to the other users.
func (c *Client) MoveCursor(ctx context.Context, path string, position int) error {
	return c.send(ctx, rpc.MoveCursor{Path: path, Position: position})
}
