// Package server implements the filevault HTTP API and its middleware.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kilupskalvis/filevault/internal/catalog"
	"github.com/kilupskalvis/filevault/internal/models"
	"github.com/kilupskalvis/filevault/internal/query"
	"github.com/kilupskalvis/filevault/internal/store"
	"github.com/kilupskalvis/filevault/internal/vault"
	"github.com/klauspost/compress/gzhttp"
)

// Vault is the set of vault operations the HTTP layer serves.
type Vault interface {
	Ingest(ctx context.Context, filename, mediaType string, r io.Reader) (*models.FileRecord, error)
	Search(ctx context.Context, f query.Filter) (*query.Result, error)
	Get(ctx context.Context, id string) (*models.FileRecord, error)
	Fetch(ctx context.Context, id string) (*vault.Download, error)
	Delete(ctx context.Context, id string) error
	Stat(ctx context.Context) (*catalog.Stats, error)
	GC(ctx context.Context) (*vault.GCResult, error)
	Scrub(ctx context.Context) (*vault.ScrubResult, error)
	Ping(ctx context.Context) error
}

// Config holds configurable limits for the server.
type Config struct {
	MaxUploadBytes    int64        // request body cap for uploads; 0 means unlimited
	RequestsPerMinute int          // per-client rate limit; 0 disables it
	AdminToken        string       // enables /admin endpoints when set
	Limits            query.Limits // page size default and cap for searches
	Webhooks          *WebhookNotifier
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() *Config {
	return &Config{RequestsPerMinute: 600, Limits: query.Limits{Default: 100, Max: 1000}}
}

// multipartOverhead is allowed on top of MaxUploadBytes for form framing.
const multipartOverhead = 1 << 20

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(svc Vault, cfg *Config, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{svc: svc, cfg: cfg, logger: logger}
	rl := newRateLimiter(cfg.RequestsPerMinute)

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", h.readyz)

	// Admin endpoints
	if cfg.AdminToken != "" {
		adminMux := http.NewServeMux()
		adminMux.HandleFunc("POST /admin/gc", h.adminGC)
		adminMux.HandleFunc("POST /admin/scrub", h.adminScrub)
		mux.Handle("/admin/", adminAuth(cfg.AdminToken, adminMux))
	}

	// Files
	api := func(fn http.HandlerFunc) http.Handler { return rl.middleware(fn) }
	mux.Handle("POST /api/v1/files", api(h.upload))
	mux.Handle("GET /api/v1/files", api(h.search))
	mux.Handle("GET /api/v1/files/{id}", api(h.getFile))
	mux.Handle("GET /api/v1/files/{id}/content", api(h.content))
	mux.Handle("DELETE /api/v1/files/{id}", api(h.deleteFile))
	mux.Handle("GET /api/v1/stats", api(h.stats))

	// Apply global middleware
	handler := applyMiddleware(mux,
		requestIDMiddleware,
		recoveryMiddleware(logger),
		loggingMiddleware(logger),
		func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) },
	)

	return handler, func() {
		rl.Stop()
		cfg.Webhooks.Wait()
	}
}

type handlers struct {
	svc    Vault
	cfg    *Config
	logger *slog.Logger
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready: catalog unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *handlers) adminGC(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.GC(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) adminScrub(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Scrub(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Helpers ---

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

// writeError maps the vault error taxonomy onto HTTP statuses.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		maxBytes *http.MaxBytesError
		ve       *vault.ValidationError
	)
	switch {
	case errors.As(err, &maxBytes), errors.Is(err, vault.ErrTooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody("too_large", err.Error()))
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "validation_error",
			"message": ve.Error(),
			"field":   ve.Field,
		})
	case errors.Is(err, vault.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody("validation_error", err.Error()))
	case errors.Is(err, vault.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not_found", err.Error()))
	case errors.Is(err, vault.ErrCorrupted):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("corrupted", err.Error()))
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody("conflict", err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody("timeout", err.Error()))
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", RequestID(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal_error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
