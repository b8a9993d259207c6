// Package gateway assembles the HTTP routes of countwatch.
package gateway

import (
	"net/http"

	"github.com/countwatch/countwatch/internal/endpoint"
	"github.com/countwatch/countwatch/internal/gateway/rest"
)

// Server is a route registrar for the API layer: bootstrap lists and
// operational routes from rest, live streams from the endpoint factory.
type Server struct {
	rest    *rest.Handler
	streams *endpoint.Factory
}

// NewServer creates a route registrar. streams may be nil to serve the REST
// routes only.
func NewServer(restHandler *rest.Handler, streams *endpoint.Factory) *Server {
	return &Server{rest: restHandler, streams: streams}
}

// RegisterRoutes registers all API routes to the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.rest.RegisterRoutes(mux)
	if s.streams != nil {
		s.streams.RegisterRoutes(mux)
	}
}
