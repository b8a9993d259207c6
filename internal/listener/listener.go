// Package listener multiplexes change notification channels over a single
// source connection and fans decoded events out to registered callbacks.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/singleflight"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/metrics"
	"github.com/countwatch/countwatch/internal/notify"
)

// ErrConnectionFailed is returned when every connection attempt failed.
var ErrConnectionFailed = errors.New("notification source connection failed")

// Callback receives decoded events. The event is shared between callbacks
// and must not be modified.
type Callback func(evt *changefeed.Event)

// SubscriptionID identifies one registered callback.
type SubscriptionID uint64

type subscriber struct {
	id SubscriptionID
	cb Callback
}

// Listener owns the process-wide source connection.
type Listener struct {
	source notify.Source
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	connectGroup singleflight.Group

	// opMu serializes source LISTEN/UNLISTEN commands with registration.
	opMu sync.Mutex

	mu           sync.RWMutex
	connected    bool
	generation   uint64
	channels     map[string][]subscriber
	nextID       SubscriptionID
	abortConnect context.CancelFunc
}

// New creates a listener over source. A nil clock uses the wall clock.
func New(source notify.Source, cfg Config, clk clock.Clock, logger *slog.Logger) *Listener {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()
	return &Listener{
		source:   source,
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With("component", "listener"),
		channels: make(map[string][]subscriber),
	}
}

// Connected reports whether the source connection is believed to be open.
func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// Connect opens the source connection if needed. Concurrent callers share a
// single attempt that runs on a listener-owned context bounded by
// ConnectTimeout, so a caller giving up does not fail the others.
func (l *Listener) Connect(ctx context.Context) error {
	if l.Connected() {
		return nil
	}

	ch := l.connectGroup.DoChan("connect", func() (interface{}, error) {
		attemptCtx, done := l.attemptContext()
		defer done()
		return nil, l.connect(attemptCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attemptContext returns the context of a shared connection attempt.
// Disconnect cancels it.
func (l *Listener) attemptContext() (context.Context, func()) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
	l.mu.Lock()
	l.abortConnect = cancel
	l.mu.Unlock()
	return ctx, func() {
		l.mu.Lock()
		l.abortConnect = nil
		l.mu.Unlock()
		cancel()
	}
}

func (l *Listener) connect(ctx context.Context) error {
	if l.Connected() {
		return nil
	}

	attempts := 0
	var restored int
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			var err error
			restored, err = l.open(ctx)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			metrics.ConnectAttempts.WithLabelValues("failure").Inc()
			l.logger.Warn("Connection attempt failed", "attempt", attempt, "max_retries", l.cfg.MaxRetries, "error", err)
		},
		Attempts: l.cfg.MaxRetries,
		Delay:    l.cfg.BaseDelay,
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return l.cfg.BaseDelay * time.Duration(attempt)
		},
		Clock: l.clock,
		Stop:  ctx.Done(),
	})
	if err != nil {
		l.logger.Error("Giving up connecting to notification source", "attempts", attempts, "error", err)
		return fmt.Errorf("%w after %d attempts: %w", ErrConnectionFailed, attempts, retry.LastError(err))
	}
	metrics.ConnectAttempts.WithLabelValues("success").Inc()

	l.mu.Lock()
	l.connected = true
	l.generation++
	gen := l.generation
	notifications := l.source.Notifications()
	l.mu.Unlock()

	go l.dispatchLoop(gen, notifications)

	l.logger.Info("Connected to notification source", "attempts", attempts, "restored_channels", restored)
	return nil
}

// open connects the source and listens again on every channel that kept
// subscribers across a lost connection. A channel that cannot be restored
// fails the whole attempt.
func (l *Listener) open(ctx context.Context) (int, error) {
	if err := l.source.Connect(ctx); err != nil {
		return 0, err
	}

	l.mu.RLock()
	channels := make([]string, 0, len(l.channels))
	for name := range l.channels {
		channels = append(channels, name)
	}
	l.mu.RUnlock()

	for _, name := range channels {
		if err := l.source.Listen(ctx, name); err != nil {
			_ = l.source.Close()
			return 0, fmt.Errorf("restore channel %s: %w", name, err)
		}
	}
	return len(channels), nil
}

// Disconnect closes the source connection. Subscriptions are kept so a later
// Connect restores them. Safe to call when not connected.
func (l *Listener) Disconnect() error {
	l.mu.Lock()
	wasConnected := l.connected
	l.connected = false
	l.generation++
	if l.abortConnect != nil {
		l.abortConnect()
	}
	l.mu.Unlock()

	if err := l.source.Close(); err != nil {
		return fmt.Errorf("failed to close notification source: %w", err)
	}
	if wasConnected {
		l.logger.Info("Disconnected from notification source")
	}
	return nil
}

// Listen registers cb for channel. The source is asked to LISTEN only for
// the first callback on a channel.
func (l *Listener) Listen(ctx context.Context, channel string, cb Callback) (SubscriptionID, error) {
	if cb == nil {
		return 0, errors.New("listener: nil callback")
	}
	if err := l.Connect(ctx); err != nil {
		return 0, err
	}

	l.opMu.Lock()
	defer l.opMu.Unlock()

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	first := len(l.channels[channel]) == 0
	l.channels[channel] = append(l.channels[channel], subscriber{id: id, cb: cb})
	count := len(l.channels[channel])
	l.mu.Unlock()
	metrics.ChannelSubscribers.WithLabelValues(channel).Set(float64(count))

	if !first {
		return id, nil
	}

	err := l.source.Listen(ctx, channel)
	if err != nil {
		// The connection is most likely gone. Reconnecting re-issues LISTEN
		// for every registered channel, this one included.
		l.logger.Warn("LISTEN failed, reconnecting", "channel", channel, "error", err)
		l.markLost()
		err = l.Connect(ctx)
	}
	if err != nil {
		l.remove(channel, id)
		return 0, fmt.Errorf("listen on %s: %w", channel, err)
	}

	l.logger.Debug("Listening on channel", "channel", channel)
	return id, nil
}

// Unlisten removes a callback. The source is asked to UNLISTEN once the
// channel has no callbacks left.
func (l *Listener) Unlisten(ctx context.Context, channel string, id SubscriptionID) error {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	last, removed := l.remove(channel, id)
	if !removed || !last || !l.Connected() {
		return nil
	}

	if err := l.source.Unlisten(ctx, channel); err != nil {
		l.logger.Warn("UNLISTEN failed", "channel", channel, "error", err)
		return fmt.Errorf("unlisten on %s: %w", channel, err)
	}
	l.logger.Debug("Stopped listening on channel", "channel", channel)
	return nil
}

// remove drops a registration and reports whether it was the channel's last.
func (l *Listener) remove(channel string, id SubscriptionID) (last bool, removed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	subs := l.channels[channel]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		removed = true
		break
	}
	if !removed {
		return false, false
	}
	if len(subs) == 0 {
		delete(l.channels, channel)
		metrics.ChannelSubscribers.DeleteLabelValues(channel)
		return true, true
	}
	l.channels[channel] = subs
	metrics.ChannelSubscribers.WithLabelValues(channel).Set(float64(len(subs)))
	return false, true
}

// SubscriberCount returns the number of callbacks registered on channel.
func (l *Listener) SubscriberCount(channel string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.channels[channel])
}

// HealthCheck performs a round trip on the source connection.
func (l *Listener) HealthCheck(ctx context.Context) bool {
	if !l.Connected() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.HealthTimeout)
	defer cancel()
	if err := l.source.Ping(ctx); err != nil {
		l.logger.Warn("Health check failed", "error", err)
		return false
	}
	return true
}

func (l *Listener) markLost() {
	l.mu.Lock()
	l.connected = false
	l.generation++
	l.mu.Unlock()
}

func (l *Listener) dispatchLoop(gen uint64, notifications <-chan notify.Notification) {
	for n := range notifications {
		l.dispatch(n)
	}

	l.mu.Lock()
	current := l.generation == gen
	if current {
		l.connected = false
	}
	l.mu.Unlock()
	if current {
		l.logger.Warn("Notification source connection lost")
	}
}

func (l *Listener) dispatch(n notify.Notification) {
	metrics.NotificationsReceived.WithLabelValues(n.Channel).Inc()

	evt, err := changefeed.DecodeEvent(n.Payload)
	if err != nil {
		metrics.NotificationsMalformed.WithLabelValues(n.Channel).Inc()
		l.logger.Warn("Dropping malformed notification", "channel", n.Channel, "error", err)
		return
	}

	l.mu.RLock()
	subs := append([]subscriber(nil), l.channels[n.Channel]...)
	l.mu.RUnlock()

	for _, s := range subs {
		l.invoke(n.Channel, s, evt)
	}
}

func (l *Listener) invoke(channel string, s subscriber, evt *changefeed.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic in channel callback",
				"channel", channel,
				"subscription", s.id,
				"error", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.cb(evt)
}
