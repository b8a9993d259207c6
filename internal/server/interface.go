package server

import (
	"context"
	"net/http"
)

// Service is the HTTP front of countwatch.
type Service interface {
	// Start listens and serves until a fatal error occurs or ctx is canceled.
	Start(ctx context.Context) error

	// Stop shuts down gracefully, waiting for active requests until ctx
	// expires. Open streams end when their request contexts are canceled.
	Stop(ctx context.Context) error

	// RegisterHTTPHandler registers a handler for a pattern.
	// This must be called BEFORE Start().
	RegisterHTTPHandler(pattern string, handler http.Handler)

	// HTTPMux returns the underlying mux for direct route registration.
	// This must be called BEFORE Start().
	HTTPMux() *http.ServeMux

	// Addr returns the bound address once Start is listening, or "".
	Addr() string
}
