package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"

	"github.com/countwatch/countwatch/internal/stream"
)

const (
	// Maximum message size accepted from a WebSocket peer. Clients are not
	// expected to send anything but control frames.
	maxMessageSize = 4 * 1024

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// APIError represents a structured error response
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// writeError writes a structured JSON error response
func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Warn("Failed to encode error response", "error", err)
	}
}

// Factory builds stream handlers sharing one subscriber.
type Factory struct {
	sub      stream.Subscriber
	cfg      stream.Config
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewFactory creates a handler factory. A nil clock uses the wall clock.
func NewFactory(sub stream.Subscriber, cfg stream.Config, clk clock.Clock, logger *slog.Logger) *Factory {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		sub:    sub,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "endpoint"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Streams are public like the SSE routes, which answer any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the SSE, preflight and WebSocket routes of every
// resource.
func (f *Factory) RegisterRoutes(mux *http.ServeMux) {
	for _, res := range Resources() {
		mux.HandleFunc("GET "+res.StreamPath(), f.StreamHandler(res))
		mux.HandleFunc("OPTIONS "+res.StreamPath(), HandlePreflight)
		mux.HandleFunc("GET "+res.SocketPath(), f.SocketHandler(res))
	}
}

// HandlePreflight answers CORS preflight requests for stream routes.
func HandlePreflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Cache-Control, Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (f *Factory) sessionOptions(res Resource, r *http.Request) (stream.Options, error) {
	params, err := ParseParams(r.URL.Query())
	if err != nil {
		return stream.Options{}, err
	}
	criteria, err := params.Criteria(res)
	if err != nil {
		return stream.Options{}, err
	}
	where, err := CompileWhere(params.Where)
	if err != nil {
		return stream.Options{}, err
	}
	return stream.Options{
		Resource: res.Name,
		Channel:  res.Channel,
		Filter:   res.Filter(criteria, where),
		Config:   f.cfg,
		Clock:    f.clock,
		Logger:   f.logger,
	}, nil
}

func (f *Factory) writeParamError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidParams) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	f.logger.Error("Failed to prepare stream", "error", err)
	writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to prepare stream")
}

// StreamHandler serves a resource as Server-Sent Events. Each request gets
// its own session, cleaned up when the client goes away.
func (f *Factory) StreamHandler(res Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := f.sessionOptions(res, r)
		if err != nil {
			f.writeParamError(w, err)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		sink, err := stream.NewSSEWriter(w, f.cfg.WriteTimeout)
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Streaming unsupported")
			return
		}

		ctx := r.Context()
		session := stream.NewSession(f.sub, sink, opts)
		// The response writer must not be used once the handler returns.
		defer session.Wait()
		defer session.Cleanup()

		if err := session.Start(ctx); err != nil {
			f.logger.Error("Failed to start stream session", "resource", res.Name, "error", err)
			return
		}

		select {
		case <-ctx.Done():
		case <-session.Done():
		}
	}
}

// SocketHandler serves a resource over a WebSocket. Envelopes are sent as
// JSON text frames; anything the client sends is discarded.
func (f *Factory) SocketHandler(res Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := f.sessionOptions(res, r)
		if err != nil {
			f.writeParamError(w, err)
			return
		}

		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			f.logger.Warn("WebSocket upgrade failed", "resource", res.Name, "error", err)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		sink := stream.NewWSWriter(conn, f.cfg.WriteTimeout)
		session := stream.NewSession(f.sub, sink, opts)
		defer session.Wait()
		defer session.Cleanup()

		go readPump(conn, cancel)
		go f.pingLoop(ctx, sink, cancel)

		if err := session.Start(ctx); err != nil {
			f.logger.Error("Failed to start stream session", "resource", res.Name, "error", err)
			return
		}

		select {
		case <-ctx.Done():
		case <-session.Done():
		}
	}
}

// readPump drains the connection so close frames are processed, and cancels
// the session once the peer is gone.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// pingLoop keeps the peer's pongs coming so readPump notices a dead
// connection. A failed ping ends the session.
func (f *Factory) pingLoop(ctx context.Context, sink *stream.WSWriter, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(pingPeriod):
		}
		if err := sink.Ping(); err != nil {
			cancel()
			return
		}
	}
}
