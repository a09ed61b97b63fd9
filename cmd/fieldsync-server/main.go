// Command fieldsync-server serves the document API that fieldsync clients
// sync against, backed by MongoDB or an in-memory store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nhle/fieldsync/internal/docapi"
	"github.com/nhle/fieldsync/internal/model"
	"github.com/nhle/fieldsync/internal/observability"
	"github.com/nhle/fieldsync/internal/remote"
	"github.com/nhle/fieldsync/internal/remote/memstore"
	"github.com/nhle/fieldsync/internal/remote/mongostore"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	fs := pflag.NewFlagSet("fieldsync-server", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", model.DefaultConfigPath(), "config file")
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	backend := fs.String("backend", "", "document store: mongo or memory (overrides remote.backend)")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		return 1
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *backend != "" {
		cfg.Remote.Backend = *backend
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// openStore returns the backing document store and its cleanup.
func openStore(ctx context.Context, cfg *model.AppConfig) (remote.Store, func(context.Context) error, error) {
	switch strings.ToLower(cfg.Remote.Backend) {
	case "mongo":
		s, client, err := mongostore.Connect(ctx, cfg.Remote.URI, cfg.Remote.Database)
		if err != nil {
			return nil, nil, err
		}
		return s, client.Disconnect, nil
	case "memory":
		return memstore.New(), func(context.Context) error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("backend %q cannot be served; use mongo or memory", cfg.Remote.Backend)
	}
}

// newHandler wraps the document API for store with the configured limits.
func newHandler(store remote.Store, cfg model.ServerConfig, logger *slog.Logger) http.Handler {
	return docapi.NewHandler(store,
		docapi.WithLogger(logger),
		docapi.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
	)
}

func serve(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger) error {
	telemetry, err := observability.New(ctx, "fieldsync-server", cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := closeStore(shutdownCtx); err != nil {
			logger.Warn("closing document store", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(store, cfg.Server, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("document API listening", "addr", srv.Addr, "backend", cfg.Remote.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
