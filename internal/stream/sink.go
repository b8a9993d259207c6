package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/countwatch/countwatch/internal/changefeed"
)

// ErrSinkClosed is returned by a Sink once its transport is gone.
var ErrSinkClosed = errors.New("stream transport closed")

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// Sink is the outbound half of a client transport. Send is only called from
// the session's writer goroutine; Close may be called concurrently with it
// and must not wait for a blocked Send.
type Sink interface {
	Send(env changefeed.Envelope) error
	// Close is idempotent.
	Close() error
}

const defaultWriteWait = 10 * time.Second

// SSEWriter writes envelopes as Server-Sent Events.
type SSEWriter struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	writeWait time.Duration
	closed    atomic.Bool
}

// NewSSEWriter writes the event-stream headers and returns a sink over w.
// Every frame must be written within writeWait.
func NewSSEWriter(w http.ResponseWriter, writeWait time.Duration) (*SSEWriter, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrStreamingUnsupported
	}
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &SSEWriter{w: w, rc: http.NewResponseController(w), writeWait: writeWait}
	if err := s.rc.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamingUnsupported, err)
	}
	return s, nil
}

// Send writes one "data:" frame and flushes it.
func (s *SSEWriter) Send(env changefeed.Envelope) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}

	// Recorders and some wrappers cannot set deadlines.
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	if err := s.rc.Flush(); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return nil
}

// Close marks the writer closed. The response itself ends when the handler
// returns.
func (s *SSEWriter) Close() error {
	s.closed.Store(true)
	return nil
}

// WSWriter writes envelopes as WebSocket text frames.
type WSWriter struct {
	conn      *websocket.Conn
	writeWait time.Duration
	closed    atomic.Bool
}

// NewWSWriter wraps an upgraded connection.
func NewWSWriter(conn *websocket.Conn, writeWait time.Duration) *WSWriter {
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	return &WSWriter{conn: conn, writeWait: writeWait}
}

// Send writes env as a JSON text frame.
func (s *WSWriter) Send(env changefeed.Envelope) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	if err := s.conn.WriteJSON(env); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return nil
}

// Ping writes a control ping frame. Control frames may be written
// concurrently with Send.
func (s *WSWriter) Ping() error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

// Close sends a close frame and closes the connection, which also unblocks
// a pending Send.
func (s *WSWriter) Close() error {
	if s.closed.Swap(true) {
		_ = s.conn.Close()
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(s.writeWait))
	return s.conn.Close()
}
