package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn used by the source
type natsConn interface {
	Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error)
	FlushWithContext(ctx context.Context) error
	Close()
}

type natsSubscription interface {
	Unsubscribe() error
}

// natsConnectFunc connects to NATS (injectable for testing)
type natsConnectFunc func(url string, onClosed func()) (natsConn, error)

type natsConnAdapter struct{ *nats.Conn }

func (a natsConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (natsSubscription, error) {
	return a.Conn.Subscribe(subject, cb)
}

var defaultNatsConnect natsConnectFunc = func(url string, onClosed func()) (natsConn, error) {
	nc, err := nats.Connect(url,
		nats.Name("countwatch-listener"),
		nats.NoReconnect(),
		nats.ClosedHandler(func(*nats.Conn) { onClosed() }),
	)
	if err != nil {
		return nil, err
	}
	return natsConnAdapter{nc}, nil
}

// NATS implements Source with one core NATS subject per channel. Producers
// publish the change event JSON to <prefix>.<channel>.
type NATS struct {
	url     string
	prefix  string
	connect natsConnectFunc
	logger  *slog.Logger

	mu     sync.Mutex
	nc     natsConn
	subs   map[string]natsSubscription
	out    chan Notification
	closed bool
}

var _ Source = (*NATS)(nil)

// NewNATS creates a NATS source. An empty prefix publishes on the bare
// channel name.
func NewNATS(url, prefix string, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		url:     url,
		prefix:  prefix,
		connect: defaultNatsConnect,
		logger:  logger.With("source", "nats"),
	}
}

func (n *NATS) subject(channel string) string {
	if n.prefix == "" {
		return channel
	}
	return n.prefix + "." + channel
}

func (n *NATS) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	if n.nc != nil {
		n.mu.Unlock()
		_ = n.Close()
		n.mu.Lock()
	}
	out := make(chan Notification, 32)
	n.out = out
	n.closed = false
	n.subs = make(map[string]natsSubscription)
	n.mu.Unlock()

	nc, err := n.connect(n.url, func() { n.markClosed(out) })
	if err != nil {
		n.markClosed(out)
		return fmt.Errorf("failed to connect to NATS at %s: %w", n.url, err)
	}

	n.mu.Lock()
	n.nc = nc
	n.mu.Unlock()

	n.logger.Info("Connected to NATS for notifications", "url", n.url)
	return nil
}

// markClosed closes out exactly once for the connection that owns it.
func (n *NATS) markClosed(out chan Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.out != out || n.closed {
		return
	}
	n.closed = true
	n.nc = nil
	close(out)
}

func (n *NATS) deliver(out chan Notification, channel string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.out != out || n.closed {
		return
	}
	select {
	case out <- Notification{Channel: channel, Payload: data}:
	default:
		n.logger.Warn("Dropping NATS notification, buffer full", "channel", channel)
	}
}

func (n *NATS) Listen(ctx context.Context, channel string) error {
	n.mu.Lock()
	nc, out := n.nc, n.out
	n.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}

	sub, err := nc.Subscribe(n.subject(channel), func(m *nats.Msg) {
		n.deliver(out, channel, m.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	n.mu.Lock()
	n.subs[channel] = sub
	n.mu.Unlock()
	return nil
}

func (n *NATS) Unlisten(ctx context.Context, channel string) error {
	n.mu.Lock()
	sub, ok := n.subs[channel]
	delete(n.subs, channel)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (n *NATS) Notifications() <-chan Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.out
}

func (n *NATS) Ping(ctx context.Context) error {
	n.mu.Lock()
	nc := n.nc
	n.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}
	return nc.FlushWithContext(ctx)
}

func (n *NATS) Close() error {
	n.mu.Lock()
	nc, out := n.nc, n.out
	n.mu.Unlock()
	if nc == nil {
		return nil
	}
	nc.Close()
	// The closed handler runs asynchronously; close out here as well so
	// Notifications readers observe the close right away.
	n.markClosed(out)
	return nil
}
