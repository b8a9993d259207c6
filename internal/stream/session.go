// Package stream turns channel listener callbacks into a paced outbound
// stream for a single client.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/listener"
	"github.com/countwatch/countwatch/internal/metrics"
)

// State is the session lifecycle state.
type State int

const (
	StateStarting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrAlreadyStarted is returned when Start is called twice.
var ErrAlreadyStarted = errors.New("stream session already started")

// Subscriber is the part of the channel listener a session needs.
type Subscriber interface {
	Listen(ctx context.Context, channel string, cb listener.Callback) (listener.SubscriptionID, error)
	Unlisten(ctx context.Context, channel string, id listener.SubscriptionID) error
}

// Filter decides whether an event is delivered to the client.
type Filter func(evt *changefeed.Event) bool

// Options configures a Session.
type Options struct {
	Resource string
	Channel  string
	Filter   Filter
	Config   Config
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Session is the server side of one client's live stream.
type Session struct {
	id       string
	resource string
	channel  string
	filter   Filter
	sub      Subscriber
	sink     Sink
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger

	cleanupOnce sync.Once
	done        chan struct{}

	// out is drained by writeLoop, the only goroutine that touches the sink.
	out        chan changefeed.Envelope
	quit       chan struct{}
	writerDone chan struct{}

	mu              sync.Mutex
	state           State
	started         bool
	subscribed      bool
	subID           listener.SubscriptionID
	pending         *changefeed.Event
	debounce        clock.Timer
	debounceGen     uint64
	heartbeat       clock.Timer
	lastFingerprint string
	lastSentAt      time.Time
}

// NewSession creates a session writing to sink.
func NewSession(sub Subscriber, sink Sink, opts Options) *Session {
	cfg := opts.Config
	cfg.ApplyDefaults()
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		resource: opts.Resource,
		channel:  opts.Channel,
		filter:   opts.Filter,
		sub:      sub,
		sink:     sink,
		cfg:      cfg,
		clock:    clk,
		logger:   logger.With("component", "stream", "resource", opts.Resource, "session", id),
		state:    StateStarting,
		done:     make(chan struct{}),

		out:        make(chan changefeed.Envelope, cfg.SendBuffer),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been cleaned up.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the writer goroutine has stopped touching the sink. Call
// it after Cleanup, before the transport is released. A write in progress
// ends within the sink's write timeout.
func (s *Session) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.writerDone
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribed reports whether the session holds a listener subscription.
func (s *Session) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed
}

// Start greets the client, arms the heartbeat and subscribes to the
// resource channel. A subscribe failure is reported to the client as an
// error message; the session keeps sending heartbeats.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.state != StateStarting {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	metrics.ActiveSessions.WithLabelValues(s.resource).Inc()
	go s.writeLoop()

	now := s.clock.Now()
	s.sendLocked(changefeed.MessageEnvelope(changefeed.TypeConnection,
		fmt.Sprintf("Connected to %s stream", s.resource), now))
	s.sendLocked(changefeed.MessageEnvelope(changefeed.TypeTest,
		"Stream is working", now))
	if s.state == StateStarting {
		s.state = StateActive
		s.armHeartbeatLocked()
	}
	s.mu.Unlock()

	if s.State() != StateActive {
		return nil
	}

	s.logger.Info("Stream session started", "channel", s.channel)
	s.subscribe(ctx)
	return nil
}

func (s *Session) subscribe(ctx context.Context) {
	var id listener.SubscriptionID
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			id, err = s.sub.Listen(ctx, s.channel, s.onEvent)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			s.logger.Warn("Subscribe attempt failed", "attempt", attempt, "error", err)
		},
		Attempts: s.cfg.SubscribeAttempts,
		Delay:    s.cfg.SubscribeDelay,
		Clock:    s.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		lastErr := retry.LastError(err)
		s.logger.Error("Failed to subscribe to channel", "channel", s.channel, "error", lastErr)
		s.mu.Lock()
		s.sendLocked(changefeed.ErrorEnvelope(
			fmt.Sprintf("Failed to subscribe to %s updates", s.resource), lastErr, s.clock.Now()))
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		// Cleanup ran while subscribing; the subscription is not needed.
		s.unlisten(id)
		return
	}
	s.subID = id
	s.subscribed = true
	s.mu.Unlock()
}

// onEvent runs on the listener's dispatch goroutine and must not block.
func (s *Session) onEvent(evt *changefeed.Event) {
	if s.filter != nil && !s.filter(evt) {
		metrics.EventsSuppressed.WithLabelValues(s.resource, metrics.ReasonFiltered).Inc()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	if s.pending != nil {
		metrics.EventsSuppressed.WithLabelValues(s.resource, metrics.ReasonDebounced).Inc()
	}
	s.pending = evt
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	s.debounce = s.clock.AfterFunc(s.cfg.DebounceDelay, func() { s.flush(gen) })
}

// flush delivers the pending event once the debounce window has passed.
func (s *Session) flush(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.debounceGen || s.state != StateActive || s.pending == nil {
		return
	}
	evt := s.pending
	s.pending = nil
	s.debounce = nil

	fp := changefeed.Fingerprint(evt)
	if fp == s.lastFingerprint {
		metrics.EventsSuppressed.WithLabelValues(s.resource, metrics.ReasonDuplicate).Inc()
		s.logger.Debug("Skipping duplicate change", "table", evt.Table, "action", evt.Action, "id", evt.RowID())
		return
	}

	now := s.clock.Now()
	if !s.lastSentAt.IsZero() && now.Sub(s.lastSentAt) < s.cfg.MinInterval {
		metrics.EventsSuppressed.WithLabelValues(s.resource, metrics.ReasonThrottled).Inc()
		return
	}

	if s.sendLocked(changefeed.DataEnvelope(evt, now)) {
		s.lastFingerprint = fp
		s.lastSentAt = now
	}
}

func (s *Session) armHeartbeatLocked() {
	s.heartbeat = s.clock.AfterFunc(s.cfg.HeartbeatInterval, s.beat)
}

func (s *Session) beat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.sendLocked(changefeed.NewEnvelope(changefeed.TypeHeartbeat, s.clock.Now()))
	if s.state == StateActive {
		s.armHeartbeatLocked()
	}
}

// sendLocked queues env for the writer unless the session is closing. It
// never blocks: a client whose queue is full is too slow to keep up, and the
// session moves to closing and cleans up.
func (s *Session) sendLocked(env changefeed.Envelope) bool {
	if s.state == StateClosing || s.state == StateClosed {
		return false
	}

	select {
	case s.out <- env:
		return true
	default:
	}

	s.logger.Warn("Client not keeping up, closing stream", "type", env.Type, "queued", len(s.out))
	s.state = StateClosing
	go s.Cleanup()
	return false
}

// writeLoop drains the outbound queue into the sink. A failed write means the
// client is gone: the session moves to closing and cleans up.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.quit:
			return
		case env := <-s.out:
			err := s.sink.Send(env)
			if err == nil {
				metrics.EnvelopesSent.WithLabelValues(s.resource, string(env.Type)).Inc()
				continue
			}

			if errors.Is(err, ErrSinkClosed) {
				s.logger.Debug("Stream transport already closed", "type", env.Type)
			} else {
				s.logger.Warn("Stream write failed", "type", env.Type, "error", err)
			}
			s.mu.Lock()
			if s.state != StateClosed {
				s.state = StateClosing
			}
			s.mu.Unlock()
			go s.Cleanup()
			return
		}
	}
}

// Cleanup releases everything the session holds. It is idempotent and safe
// to call from any goroutine.
func (s *Session) Cleanup() {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		if s.heartbeat != nil {
			s.heartbeat.Stop()
			s.heartbeat = nil
		}
		if s.debounce != nil {
			s.debounce.Stop()
			s.debounce = nil
		}
		s.debounceGen++
		s.pending = nil
		subscribed, id := s.subscribed, s.subID
		s.subscribed = false
		started := s.started
		s.mu.Unlock()
		close(s.quit)

		if subscribed {
			s.unlisten(id)
		}
		if err := s.sink.Close(); err != nil && !errors.Is(err, ErrSinkClosed) {
			s.logger.Warn("Failed to close stream transport", "error", err)
		}
		if started {
			metrics.ActiveSessions.WithLabelValues(s.resource).Dec()
		}
		close(s.done)
		s.logger.Info("Stream session closed")
	})
}

func (s *Session) unlisten(id listener.SubscriptionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sub.Unlisten(ctx, s.channel, id); err != nil {
		s.logger.Warn("Failed to unsubscribe", "channel", s.channel, "error", err)
	}
}
