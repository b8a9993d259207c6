// Package client consumes change streams: a connection manager with timeout
// and reconnect handling, and typed feeds that keep a collection in sync.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/juju/clock"

	"github.com/countwatch/countwatch/internal/changefeed"
)

// State is the connection state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

var (
	// ErrDestroyed is returned by Connect after Destroy.
	ErrDestroyed = errors.New("connection manager destroyed")
	// ErrConnectTimeout is reported when the stream does not open in time.
	ErrConnectTimeout = errors.New("stream connection timed out")
)

// Handlers receive stream events. Any of them may be nil.
type Handlers struct {
	OnOpen    func()
	OnMessage func(env changefeed.Envelope)
	OnError   func(err error)
}

// Manager owns one outbound stream connection.
type Manager struct {
	transport Transport
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	destroyed bool
	stream    Stream
	// attempt invalidates callbacks of superseded dials.
	attempt   uint64
	timeout   clock.Timer
	reconnect clock.Timer
}

// NewManager creates an idle manager. A nil clock uses the wall clock.
func NewManager(transport Transport, cfg Config, clk clock.Clock, logger *slog.Logger) *Manager {
	cfg.ApplyDefaults()
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: transport,
		cfg:       cfg,
		clock:     clk,
		logger:    logger.With("component", "client"),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the stream is open.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// BuildURL appends non-empty params to endpoint's query string.
func BuildURL(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			if v != "" {
				q.Add(key, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens a stream to endpoint. It is a no-op while connecting or
// connected.
func (m *Manager) Connect(endpoint string, h Handlers, params url.Values) error {
	target, err := BuildURL(endpoint, params)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	old := m.stream
	m.stream = nil
	m.attempt++
	attempt := m.attempt
	m.state = StateConnecting
	m.stopTimeoutLocked()
	m.timeout = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() { m.onTimeout(attempt, h) })
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	m.logger.Info("Connecting to stream", "url", target)
	s := m.transport.Dial(target, TransportHandlers{
		OnOpen:    func() { m.onOpen(attempt, h) },
		OnMessage: func(raw []byte) { m.onMessage(attempt, h, raw) },
		OnError:   func(err error) { m.onError(attempt, h, err) },
	})

	m.mu.Lock()
	if m.attempt != attempt || m.state == StateError {
		// Disconnected or failed while dialing.
		m.mu.Unlock()
		_ = s.Close()
		return nil
	}
	m.stream = s
	m.mu.Unlock()
	return nil
}

func (m *Manager) onOpen(attempt uint64, h Handlers) {
	m.mu.Lock()
	if attempt != m.attempt || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.stopTimeoutLocked()
	m.mu.Unlock()

	m.logger.Info("Stream connected")
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (m *Manager) onMessage(attempt uint64, h Handlers, raw []byte) {
	m.mu.Lock()
	current := attempt == m.attempt
	m.mu.Unlock()
	if !current {
		return
	}

	env, err := changefeed.DecodeEnvelope(raw)
	if err != nil {
		m.logger.Warn("Ignoring malformed stream message", "error", err)
		return
	}
	if h.OnMessage != nil {
		h.OnMessage(*env)
	}
}

func (m *Manager) onError(attempt uint64, h Handlers, err error) {
	m.fail(attempt, h, err)
}

func (m *Manager) onTimeout(attempt uint64, h Handlers) {
	m.mu.Lock()
	connecting := attempt == m.attempt && m.state == StateConnecting
	m.mu.Unlock()
	if !connecting {
		return
	}
	m.fail(attempt, h, ErrConnectTimeout)
}

func (m *Manager) fail(attempt uint64, h Handlers, err error) {
	m.mu.Lock()
	if attempt != m.attempt || m.state == StateDisconnected || m.state == StateError {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	m.stopTimeoutLocked()
	s := m.stream
	m.stream = nil
	m.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	m.logger.Warn("Stream error", "error", err)
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Disconnect cancels timers and closes the transport.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.attempt++
	m.stopTimeoutLocked()
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	s := m.stream
	m.stream = nil
	wasOpen := m.state == StateConnecting || m.state == StateConnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	if wasOpen {
		m.logger.Info("Stream disconnected")
	}
}

// Destroy makes the manager permanently unusable and disconnects it.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
	m.Disconnect()
}

// SetupAutoReconnect schedules one reconnect after the retry delay. It does
// nothing while a reconnect is already scheduled. At fire time the reconnect
// is skipped if the manager was destroyed or is connecting or connected.
func (m *Manager) SetupAutoReconnect(endpoint string, h Handlers, params url.Values) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed || m.reconnect != nil {
		return
	}

	m.reconnect = m.clock.AfterFunc(m.cfg.RetryDelay, func() {
		m.mu.Lock()
		m.reconnect = nil
		skip := m.destroyed || m.state == StateConnecting || m.state == StateConnected
		m.mu.Unlock()
		if skip {
			return
		}

		m.logger.Info("Reconnecting to stream")
		if err := m.Connect(endpoint, h, params); err != nil {
			m.logger.Warn("Reconnect failed", "error", err)
		}
	})
}

// ReconnectPending reports whether a reconnect is scheduled.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnect != nil
}

func (m *Manager) stopTimeoutLocked() {
	if m.timeout != nil {
		m.timeout.Stop()
		m.timeout = nil
	}
}
