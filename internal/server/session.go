package server

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cowrite/cowrite/internal/events"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/reconcile"
	"github.com/cowrite/cowrite/internal/rpc"
	"github.com/cowrite/cowrite/internal/transport"
)

var errEvicted = errors.New("connection removed from the registry")

// Accept runs one client session on conn: the handshake, then the read and
// write loops until either side goes away. conn is closed on return.
func (s *Server) Accept(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()

	hello, err := s.receiveHello(ctx, conn)
	if err != nil {
		s.refuse(ctx, conn, err)
		return err
	}
	level, err := s.authorize(ctx, hello)
	metrics.RecordAuthAttempt(err == nil)
	if err != nil {
		s.refuse(ctx, conn, err)
		return err
	}
	sub, err := s.register(hello.Username, level)
	if err != nil {
		s.refuse(ctx, conn, err)
		return err
	}

	ctx = logging.WithConnID(ctx, sub.ID())
	log := logging.WithContext(ctx)
	log.Info("client connected",
		zap.String("username", hello.Username),
		zap.String("privilege", level.String()),
	)
	defer func() {
		s.hub.Unregister(sub.ID())
		s.limiter.Forget(sub.ID())
		log.Info("client disconnected", zap.String("username", hello.Username))
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, conn, sub) })
	g.Go(func() error { return s.writeLoop(gctx, conn, sub) })
	err = g.Wait()
	if transport.IsClosed(err) || errors.Is(err, errEvicted) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) receiveHello(ctx context.Context, conn transport.Conn) (rpc.Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	frame, err := conn.Receive(ctx)
	if err != nil {
		return rpc.Hello{}, err
	}
	msg, err := rpc.Decode(frame)
	if err != nil {
		return rpc.Hello{}, err
	}
	hello, ok := msg.(rpc.Hello)
	if !ok {
		return rpc.Hello{}, fserr.E("handshake", "", fserr.Protocol, "expected hello, got "+msg.Kind().String())
	}
	if hello.Username == "" {
		return rpc.Hello{}, fserr.E("handshake", "", fserr.InvalidInput, "username is required")
	}
	return hello, nil
}

// authorize picks the session's privilege: the token's claim when a verifier
// is configured and the token carries one, else the stored level, else the
// default.
func (s *Server) authorize(ctx context.Context, hello rpc.Hello) (privilege.Level, error) {
	if s.opts.Verifier != nil && s.opts.Verifier.Enabled() {
		level, err := s.opts.Verifier.Verify(hello.Token, hello.Username)
		if err != nil {
			return 0, err
		}
		if level.Valid() {
			return level, nil
		}
	}
	if s.opts.Privileges == nil {
		return s.opts.DefaultPrivilege, nil
	}
	return privilege.Resolve(ctx, s.opts.Privileges, hello.Username, s.opts.DefaultPrivilege)
}

// register adds the connection and queues its handshake under the tree lock,
// so no broadcast can fall between the snapshot and the connection's queue.
func (s *Server) register(username string, level privilege.Level) (*events.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.hub.Register(username, level)
	if err != nil {
		return nil, err
	}
	files, emptyDirs := s.tree.Snapshot()
	frame, err := rpc.Encode(rpc.Handshake{
		ConnID:    sub.ID(),
		Username:  username,
		Privilege: level,
		Files:     files,
		EmptyDirs: emptyDirs,
	})
	if err == nil {
		err = s.hub.Send(sub.ID(), frame)
	}
	if err != nil {
		s.hub.Unregister(sub.ID())
		return nil, err
	}
	return sub, nil
}

// refuse tells the peer why the handshake failed. Best effort.
func (s *Server) refuse(ctx context.Context, conn transport.Conn, err error) {
	logging.WithContext(ctx).Info("handshake refused", zap.Error(err))
	frame, encErr := rpc.Encode(rpc.ErrorFrom("", err))
	if encErr != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	_ = conn.Send(ctx, frame)
}

func (s *Server) readLoop(ctx context.Context, conn transport.Conn, sub *events.Subscriber) error {
	caller := reconcile.Caller{ID: sub.ID(), Name: sub.Username(), Origin: reconcile.Remote}
	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		if s.limiter.RetryAfter(sub.ID()) > 0 {
			metrics.RecordRateLimitHit()
		}
		if err := s.limiter.Wait(ctx, sub.ID()); err != nil {
			return err
		}

		msg, err := rpc.Decode(frame)
		if err != nil {
			logging.WithContext(ctx).Warn("undecodable frame", zap.Error(err))
			s.unicast(sub.ID(), rpc.ErrorFrom("", err))
			continue
		}

		select {
		case s.inbox <- request{msg: msg, caller: caller, sub: sub}:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return transport.ErrClosed
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, conn transport.Conn, sub *events.Subscriber) error {
	for {
		select {
		case frame := <-sub.Out():
			if err := conn.Send(ctx, frame); err != nil {
				return err
			}
		case <-sub.Done():
			return errEvicted
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return transport.ErrClosed
		}
	}
}
