package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrMemoryClosed is returned when publishing on a closed memory source.
var ErrMemoryClosed = errors.New("memory source closed")

// Memory is an in-process Source. Publish delivers to the current connection
// only if the channel is being listened on, mirroring LISTEN semantics.
type Memory struct {
	mu        sync.Mutex
	out       chan Notification
	listening map[string]bool
	connected bool

	failConnect int
	failListen  map[string]int

	connects  int
	listens   map[string]int
	unlistens map[string]int
}

var _ Source = (*Memory)(nil)

// NewMemory returns a disconnected memory source.
func NewMemory() *Memory {
	return &Memory{
		listening:  make(map[string]bool),
		failListen: make(map[string]int),
		listens:    make(map[string]int),
		unlistens:  make(map[string]int),
	}
}

// FailConnects makes the next n Connect calls fail.
func (m *Memory) FailConnects(n int) {
	m.mu.Lock()
	m.failConnect = n
	m.mu.Unlock()
}

// FailListens makes the next n Listen calls for channel fail.
func (m *Memory) FailListens(channel string, n int) {
	m.mu.Lock()
	m.failListen[channel] = n
	m.mu.Unlock()
}

func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if m.failConnect > 0 {
		m.failConnect--
		return errors.New("memory source: connection refused")
	}
	if m.connected {
		close(m.out)
	}
	m.out = make(chan Notification, 64)
	m.listening = make(map[string]bool)
	m.connected = true
	return nil
}

func (m *Memory) Listen(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	if n := m.failListen[channel]; n > 0 {
		m.failListen[channel] = n - 1
		return errors.New("memory source: listen failed")
	}
	m.listens[channel]++
	m.listening[channel] = true
	return nil
}

func (m *Memory) Unlisten(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.unlistens[channel]++
	delete(m.listening, channel)
	return nil
}

func (m *Memory) Notifications() <-chan Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil
	}
	m.connected = false
	close(m.out)
	return nil
}

// Drop simulates a lost connection.
func (m *Memory) Drop() {
	_ = m.Close()
}

// Publish sends payload on channel. It reports whether anyone was listening.
func (m *Memory) Publish(channel string, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrMemoryClosed
	}
	if !m.listening[channel] {
		return false, nil
	}
	m.out <- Notification{Channel: channel, Payload: payload}
	return true, nil
}

// Connects returns the number of Connect calls made.
func (m *Memory) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// ListenCalls returns how many times channel was listened on.
func (m *Memory) ListenCalls(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listens[channel]
}

// UnlistenCalls returns how many times channel was unlistened.
func (m *Memory) UnlistenCalls(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlistens[channel]
}

// Listening reports whether channel is currently listened on.
func (m *Memory) Listening(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening[channel]
}
