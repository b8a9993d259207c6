package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lib/pq"
)

// listenerConn abstracts *pq.ListenerConn for testing purposes
type listenerConn interface {
	Listen(channel string) (bool, error)
	Unlisten(channel string) (bool, error)
	Ping() error
	Close() error
}

// pgDialFunc opens a listener connection (injectable for testing)
type pgDialFunc func(dsn string, ch chan<- *pq.Notification) (listenerConn, error)

var defaultPGDial pgDialFunc = func(dsn string, ch chan<- *pq.Notification) (listenerConn, error) {
	return pq.NewListenerConn(dsn, ch)
}

// Postgres implements Source on top of LISTEN/NOTIFY. It holds a single
// dedicated connection and does not reconnect on its own; a lost connection
// closes the notification channel and the caller decides when to reconnect.
type Postgres struct {
	dsn    string
	dial   pgDialFunc
	logger *slog.Logger

	mu   sync.Mutex
	conn listenerConn
	out  chan Notification
}

var _ Source = (*Postgres)(nil)

// NewPostgres creates a Postgres source for dsn.
func NewPostgres(dsn string, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		dsn:    dsn,
		dial:   defaultPGDial,
		logger: logger.With("source", "postgres"),
	}
}

// Connect opens a new listener connection, replacing a lost one.
func (p *Postgres) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}

	in := make(chan *pq.Notification, 32)
	conn, err := p.dial(p.dsn, in)
	if err != nil {
		return fmt.Errorf("failed to open listener connection: %w", err)
	}

	out := make(chan Notification, 32)
	p.conn = conn
	p.out = out

	go p.bridge(in, out)

	p.logger.Info("Connected to Postgres for notifications")
	return nil
}

// bridge forwards pq notifications until the driver closes in.
func (p *Postgres) bridge(in <-chan *pq.Notification, out chan<- Notification) {
	defer close(out)
	for n := range in {
		if n == nil {
			continue
		}
		out <- Notification{Channel: n.Channel, Payload: []byte(n.Extra)}
	}
	p.logger.Warn("Postgres notification connection closed")
}

func (p *Postgres) current() (listenerConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, ErrNotConnected
	}
	return p.conn, nil
}

// do runs op on the current connection and gives up when ctx is done.
// pq.ListenerConn has no context support, so an abandoned op still
// completes in the background.
func (p *Postgres) do(ctx context.Context, op func(listenerConn) error) error {
	conn, err := p.current()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- op(conn) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Postgres) Listen(ctx context.Context, channel string) error {
	return p.do(ctx, func(conn listenerConn) error {
		if _, err := conn.Listen(channel); err != nil {
			return fmt.Errorf("LISTEN %s: %w", channel, err)
		}
		return nil
	})
}

func (p *Postgres) Unlisten(ctx context.Context, channel string) error {
	return p.do(ctx, func(conn listenerConn) error {
		if _, err := conn.Unlisten(channel); err != nil {
			return fmt.Errorf("UNLISTEN %s: %w", channel, err)
		}
		return nil
	})
}

func (p *Postgres) Notifications() <-chan Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.do(ctx, func(conn listenerConn) error { return conn.Ping() })
}

// Close closes the listener connection. It is safe to call when not connected.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
