package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/rpc"
	"github.com/cowrite/cowrite/internal/storage/local"
	"github.com/cowrite/cowrite/internal/watcher"
)

// Watch replays changes made to the local working tree behind backend as
// structural RPCs. Changes the server made itself are already in the index and
// are skipped.
func (s *Server) Watch(ctx context.Context, backend *local.LocalBackend) (*watcher.Watcher, error) {
	w, err := watcher.New(backend, func(e watcher.Event) { s.onDiskEvent(ctx, e) })
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Server) onDiskEvent(ctx context.Context, e watcher.Event) {
	msg := s.translate(e)
	if msg == nil {
		return
	}
	metrics.RecordWatcherEvent(msg.Kind().String())
	if err := s.Submit(ctx, msg, diskCaller); err != nil {
		logging.Debug("disk change not applied",
			zap.String("kind", msg.Kind().String()),
			zap.String("path", e.Path),
			zap.Error(err),
		)
	}
}

// translate maps a disk event onto the RPC that brings the index in line, or
// nil if the index already agrees.
func (s *Server) translate(e watcher.Event) rpc.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.Op {
	case watcher.Created:
		if e.IsDir {
			if s.tree.InDir(e.Path) {
				return nil
			}
			return rpc.CreateDirectory{Path: e.Path}
		}
		if s.tree.HasFile(e.Path) {
			return nil
		}
		return rpc.CreateFile{Path: e.Path}
	case watcher.Removed:
		if s.tree.HasFile(e.Path) {
			return rpc.DeleteFile{Path: e.Path}
		}
		if dir := e.Path + "/"; s.tree.InDir(dir) {
			return rpc.DeleteDirectory{Path: dir}
		}
	}
	return nil
}
