package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cowrite/cowrite/internal/config"
	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/privilege/postgres"
	"github.com/cowrite/cowrite/internal/server"
	"github.com/cowrite/cowrite/internal/storage"
	"github.com/cowrite/cowrite/internal/storage/local"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the working tree to editing clients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, loaded)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logging.Info("cowrite server starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	backendType, settings, err := cfg.Backend()
	if err != nil {
		return err
	}
	backend, err := storage.NewBackendFromConfig(ctx, backendType, settings)
	if err != nil {
		return err
	}
	defer backend.Close()

	var store privilege.Store
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	} else {
		logging.Info("no database configured, privileges are kept in memory")
		store = privilege.NewMemoryStore(nil)
	}

	srv, err := server.New(ctx, server.Options{
		Backend:          storage.Instrumented(backend),
		Privileges:       store,
		Verifier:         privilege.NewVerifier(cfg.JWTSecret),
		DefaultPrivilege: cfg.Privilege(),
		LoadTimeout:      cfg.LoadTimeout,
		QueueSize:        cfg.QueueSize,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
	})
	if err != nil {
		return err
	}

	if lb, ok := backend.(*local.LocalBackend); ok && cfg.Watch {
		w, err := srv.Watch(ctx, lb)
		if err != nil {
			return err
		}
		defer w.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		return listen(gctx, &http.Server{Addr: cfg.ListenAddr, Handler: srv.HTTPHandler()})
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			return listen(gctx, &http.Server{Addr: cfg.MetricsAddr, Handler: mux})
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logging.Info("cowrite server stopped")
	return err
}

// listen serves hs until ctx is done, then shuts it down gracefully.
func listen(ctx context.Context, hs *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		logging.Info("listening", zap.String("addr", hs.Addr))
		errc <- hs.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		logging.Warn("http shutdown", zap.String("addr", hs.Addr), zap.Error(err))
	}
	return ctx.Err()
}
