// Package server is the authoritative replica. It owns the file tree and the
// connection registry and applies every RPC on a single dispatch loop, so
// the broadcast order is the commit order.
package server

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/document"
	"github.com/cowrite/cowrite/internal/events"
	"github.com/cowrite/cowrite/internal/filetree"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/quota"
	"github.com/cowrite/cowrite/internal/reconcile"
	"github.com/cowrite/cowrite/internal/rpc"
	"github.com/cowrite/cowrite/internal/storage"
	"github.com/cowrite/cowrite/internal/transport"
)

// Options configures a Server.
type Options struct {
	// Backend is the working tree. Nil keeps everything in memory.
	Backend storage.Backend
	// Privileges maps usernames to levels. Nil gives everyone
	// DefaultPrivilege.
	Privileges privilege.Store
	// Verifier checks handshake tokens when enabled.
	Verifier         *privilege.Verifier
	DefaultPrivilege privilege.Level

	LoadTimeout      time.Duration
	HandshakeTimeout time.Duration
	QueueSize        int
	RateLimit        float64
	RateBurst        int
	Transport        transport.Settings
}

// localName is the name the server's own user appears under.
const localName = "server"

var (
	localCaller = reconcile.Caller{Name: localName, Privilege: privilege.ReadWrite, Origin: reconcile.Local}
	diskCaller  = reconcile.Caller{Name: "disk", Privilege: privilege.ReadWrite, Origin: reconcile.Disk}
)

type request struct {
	msg    rpc.Message
	caller reconcile.Caller
	// sub is set for messages from a connection; the caller's privilege is
	// read from it at dispatch time.
	sub   *events.Subscriber
	reply chan error
}

// Server is the authoritative replica.
type Server struct {
	opts    Options
	mu      sync.Mutex // guards tree
	tree    *filetree.Tree
	rec     *reconcile.Reconciler
	hub     *events.Hub
	limiter *quota.RateLimiter
	inbox   chan request

	closeOnce sync.Once
	closed    chan struct{}
}

// New scans the backend and builds the server's tree.
func New(ctx context.Context, opts Options) (*Server, error) {
	if !opts.DefaultPrivilege.Valid() {
		opts.DefaultPrivilege = privilege.ReadOnly
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Transport == (transport.Settings{}) {
		opts.Transport = transport.DefaultSettings()
	}

	var (
		files, emptyDirs []string
		disk             reconcile.Storage
	)
	if opts.Backend != nil {
		var err error
		files, emptyDirs, err = opts.Backend.Scan(ctx)
		if err != nil {
			return nil, err
		}
		disk = opts.Backend
	}
	tree, err := filetree.New(crdt.NewActorID(), files, emptyDirs)
	if err != nil {
		return nil, err
	}
	metrics.SetTreeSize(tree.Len())
	logging.Info("working tree indexed",
		zap.Int("files", len(files)),
		zap.Int("empty_dirs", len(emptyDirs)),
	)

	return &Server{
		opts:    opts,
		tree:    tree,
		rec:     reconcile.NewServer(disk, opts.LoadTimeout),
		hub:     events.NewHub(opts.QueueSize),
		limiter: quota.NewRateLimiter(opts.RateLimit, opts.RateBurst),
		inbox:   make(chan request, 64),
		closed:  make(chan struct{}),
	}, nil
}

// Run applies submitted RPCs one at a time until ctx is done. Sessions end
// when Run returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeOnce.Do(func() { close(s.closed) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.inbox:
			err := s.dispatch(ctx, req)
			if req.reply != nil {
				req.reply <- err
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) error {
	if req.sub != nil {
		req.caller.Privilege = req.sub.Privilege()
	}
	kind := req.msg.Kind().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	out, err := s.rec.Apply(ctx, s.tree, req.msg, req.caller)
	metrics.RecordRPC(kind, result(err), time.Since(start))
	if err != nil {
		logging.Debug("rpc rejected",
			zap.String("conn_id", req.caller.ID),
			zap.String("kind", kind),
			zap.String("path", rpc.PathOf(req.msg)),
			zap.Error(err),
		)
		if req.caller.Origin == reconcile.Remote {
			s.unicast(req.caller.ID, rpc.ErrorFrom(rpc.PathOf(req.msg), err))
		}
		return err
	}

	switch out.Delivery {
	case reconcile.Broadcast:
		s.broadcast(out.Message)
	case reconcile.Unicast:
		if req.caller.Origin == reconcile.Remote {
			s.unicast(req.caller.ID, out.Message)
		}
	}
	metrics.SetTreeSize(s.tree.Len())
	metrics.SetOpenDocuments(s.tree.OpenCount())
	return nil
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ReplaceAll(fserr.KindOf(err).String(), " ", "_")
}

// broadcast must be called with mu held.
func (s *Server) broadcast(msg rpc.Message) {
	frame, err := rpc.Encode(msg)
	if err != nil {
		logging.Error("encode broadcast", zap.String("kind", msg.Kind().String()), zap.Error(err))
		return
	}
	s.hub.Publish(frame, msg.Kind().String())
}

func (s *Server) unicast(connID string, msg rpc.Message) {
	frame, err := rpc.Encode(msg)
	if err != nil {
		logging.Error("encode reply", zap.String("kind", msg.Kind().String()), zap.Error(err))
		return
	}
	if err := s.hub.Send(connID, frame); err != nil {
		logging.Debug("reply dropped", zap.String("conn_id", connID), zap.Error(err))
	}
}

// Submit queues msg for the dispatch loop and waits for it to be applied.
// It must not be called from the dispatch loop itself.
func (s *Server) Submit(ctx context.Context, msg rpc.Message, caller reconcile.Caller) error {
	req := request{msg: msg, caller: caller, reply: make(chan error, 1)}
	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fserr.E(msg.Kind().String(), rpc.PathOf(msg), fserr.NotConnected, "server stopped")
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fserr.E(msg.Kind().String(), rpc.PathOf(msg), fserr.NotConnected, "server stopped")
	}
}

// Do applies msg on behalf of the server's own user.
func (s *Server) Do(ctx context.Context, msg rpc.Message) error {
	return s.Submit(ctx, msg, localCaller)
}

// Snapshot returns the server's index.
func (s *Server) Snapshot() (files, emptyDirs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Snapshot()
}

// ReadFile returns the content of path at the server's cursor, loading the
// file from disk if needed.
func (s *Server) ReadFile(ctx context.Context, path string) (crdt.Content, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.rec.Open(ctx, s.tree, path)
	if err != nil {
		return crdt.Content{}, err
	}
	return h.Read()
}

// Edit applies an edit made by the server's own user and broadcasts it.
func (s *Server) Edit(ctx context.Context, path string, splice document.Splice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	h, err := s.rec.Open(ctx, s.tree, path)
	if err != nil {
		return err
	}
	e, err := h.Edit(splice)
	metrics.RecordRPC(rpc.KindEditBuffer.String(), result(err), time.Since(start))
	if err != nil {
		return err
	}
	s.broadcast(rpc.EditBuffer{Path: path, Changes: e.Changes, OldHeadIdx: e.OldHeadIdx, NewHeads: e.NewHeads})
	return nil
}

// Undo moves the server's cursor in path back.
func (s *Server) Undo(ctx context.Context, path string) error {
	return s.Do(ctx, rpc.Undo{Path: path})
}

// Redo moves the server's cursor in path forward.
func (s *Server) Redo(ctx context.Context, path string) error {
	return s.Do(ctx, rpc.Redo{Path: path})
}

// Save writes path to disk and tells every client.
func (s *Server) Save(ctx context.Context, path string) error {
	return s.Do(ctx, rpc.RequestSaveFile{Path: path})
}

// ChangePrivilege stores a new level for username and pushes it to the live
// connection, if any.
func (s *Server) ChangePrivilege(ctx context.Context, username string, level privilege.Level) error {
	if !level.Valid() {
		return fserr.E("change privilege", "", fserr.InvalidInput, "unknown privilege level")
	}
	if s.opts.Privileges != nil {
		if err := s.opts.Privileges.Set(ctx, username, level); err != nil {
			return err
		}
	}
	sub, ok := s.hub.SetPrivilege(username, level)
	if !ok {
		return nil
	}
	logging.Info("privilege changed", zap.String("username", username), zap.String("privilege", level.String()))
	s.unicast(sub.ID(), rpc.ChangePrivilege{Privilege: level})
	return nil
}

// CloseConnection disconnects username. It reports whether a connection was
// found.
func (s *Server) CloseConnection(username string) bool {
	return s.hub.Close(username)
}

// Connections returns the usernames of connected clients.
func (s *Server) Connections() []string {
	return s.hub.Usernames()
}
