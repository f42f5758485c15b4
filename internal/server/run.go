package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kilupskalvis/filevault/internal/config"
	"github.com/kilupskalvis/filevault/internal/query"
	"github.com/kilupskalvis/filevault/internal/vault"
)

// NewLogger builds the process logger from a level (debug|info|warn|error)
// and a format (json|text).
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Run opens the vault described by cfg and serves it on cfg.Server.Listen
// until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}
	return Serve(ctx, ln, cfg, logger)
}

// Serve is Run on an existing listener. The listener is closed on return.
func Serve(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	svc, err := vault.Open(ctx, cfg, logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer svc.Close()

	h, cleanup := Handler(svc, &Config{
		MaxUploadBytes:    cfg.Ingest.MaxUploadBytes,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		AdminToken:        cfg.Server.AdminToken,
		Limits:            query.Limits{Default: cfg.Query.DefaultLimit, Max: cfg.Query.MaxLimit},
		Webhooks: NewWebhookNotifier(&WebhookConfig{
			URLs:   cfg.Server.WebhookURLs,
			Secret: cfg.Server.WebhookSecret,
		}, logger),
	}, logger)
	defer cleanup()

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Minute,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting filevault server",
			"listen", ln.Addr().String(),
			"backend", cfg.Storage.Backend,
			"catalog", cfg.Catalog.Driver,
			"admin", cfg.Server.AdminToken != "",
		)
		if cert, key := cfg.TLSFiles(); cert != "" {
			errCh <- srv.ServeTLS(ln, cert, key)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
