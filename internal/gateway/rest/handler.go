// Package rest serves the bootstrap collections that dashboard feeds load
// before subscribing to a stream, and the operational endpoints.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/endpoint"
	"github.com/countwatch/countwatch/internal/metrics"
	"github.com/countwatch/countwatch/internal/storage/postgres"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	HealthTimeout         = 5 * time.Second
)

// Lister reads a collection.
type Lister interface {
	List(ctx context.Context, table changefeed.Table, q postgres.ListQuery) ([]changefeed.Row, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) bool
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) bool

func (f HealthCheckFunc) HealthCheck(ctx context.Context) bool { return f(ctx) }

// APIError represents a structured error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Warn("Failed to encode error response", "error", err)
	}
}

// writeInternalError answers 499 when the client went away and 500 otherwise.
func writeInternalError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, context.Canceled) {
		w.WriteHeader(499) // Client Closed Request
		return
	}
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, message)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

func withTimeout(next http.HandlerFunc, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

// Handler serves the REST routes.
type Handler struct {
	lister Lister
	checks map[string]HealthChecker
	logger *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHealthCheck adds a named dependency to GET /health.
func WithHealthCheck(name string, c HealthChecker) HandlerOption {
	return func(h *Handler) {
		h.checks[name] = c
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the REST handler. lister may be nil when no database is
// configured; list routes are then not registered.
func NewHandler(lister Lister, opts ...HandlerOption) *Handler {
	h := &Handler{
		lister: lister,
		checks: make(map[string]HealthChecker),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "rest")
	return h
}

// RegisterRoutes registers the list, health and metrics routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	if h.lister != nil {
		for _, res := range endpoint.Resources() {
			mux.HandleFunc("GET "+res.ListPath(), withTimeout(h.listHandler(res), DefaultRequestTimeout))
		}
	}
	mux.HandleFunc("GET /health", withTimeout(h.handleHealth, HealthTimeout))
	mux.Handle("GET /metrics", metrics.Handler())
}
