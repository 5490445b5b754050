package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/transport"
)

// HTTPHandler serves the websocket endpoint at /ws and a health check at
// /healthz.
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebsocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok\n"))
	})
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Upgrade(w, r, s.opts.Transport)
	if err != nil {
		logging.WithContext(r.Context()).Warn("upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Accept(ctx, conn); err != nil {
		logging.WithContext(ctx).Info("session ended", zap.Error(err))
	}
}
