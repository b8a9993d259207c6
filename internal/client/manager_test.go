package client

import (
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countwatch/countwatch/internal/changefeed"
)

type fakeStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type dial struct {
	url    string
	h      TransportHandlers
	stream *fakeStream
}

type fakeTransport struct {
	mu    sync.Mutex
	dials []*dial
}

func (t *fakeTransport) Dial(url string, h TransportHandlers) Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := &dial{url: url, h: h, stream: &fakeStream{}}
	t.dials = append(t.dials, d)
	return d.stream
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

func (t *fakeTransport) last() *dial {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials[len(t.dials)-1]
}

type events struct {
	mu       sync.Mutex
	opens    int
	messages []changefeed.Envelope
	errs     []error
}

func (e *events) handlers() Handlers {
	return Handlers{
		OnOpen: func() {
			e.mu.Lock()
			e.opens++
			e.mu.Unlock()
		},
		OnMessage: func(env changefeed.Envelope) {
			e.mu.Lock()
			e.messages = append(e.messages, env)
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		},
	}
}

func (e *events) errors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

const testEndpoint = "http://localhost:8080/api/stream/alerts"

func newTestManager() (*Manager, *fakeTransport, *testclock.Clock) {
	tr := &fakeTransport{}
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewManager(tr, Config{}, clk, nil), tr, clk
}

func TestBuildURL(t *testing.T) {
	u, err := BuildURL(testEndpoint, url.Values{"session_id": {"s1"}, "resolved": {"false"}, "empty": {""}})
	require.NoError(t, err)
	assert.Equal(t, testEndpoint+"?resolved=false&session_id=s1", u)

	u, err = BuildURL(testEndpoint, nil)
	require.NoError(t, err)
	assert.Equal(t, testEndpoint, u)
}

func TestManager_ConnectOpen(t *testing.T) {
	m, tr, clk := newTestManager()
	var ev events

	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), url.Values{"session_id": {"s1"}}))
	assert.Equal(t, StateConnecting, m.State())
	assert.True(t, strings.HasSuffix(tr.last().url, "?session_id=s1"))

	// A second connect while connecting does not dial again.
	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	assert.Equal(t, 1, tr.count())

	tr.last().h.OnOpen()
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, ev.opens)

	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	assert.Equal(t, 1, tr.count())

	// The connect timeout was cancelled by the open.
	clk.Advance(2 * time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	assert.Empty(t, ev.errors())
}

func TestManager_ConnectTimeout(t *testing.T) {
	m, tr, clk := newTestManager()
	var ev events

	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	require.NoError(t, clk.WaitAdvance(60*time.Second, time.Second, 1))

	require.Eventually(t, func() bool { return m.State() == StateError }, time.Second, time.Millisecond)
	errs := ev.errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrConnectTimeout)
	assert.True(t, tr.last().stream.isClosed())

	// A late open from the abandoned attempt is ignored.
	tr.last().h.OnOpen()
	assert.Equal(t, StateError, m.State())
}

func TestManager_Messages(t *testing.T) {
	m, tr, _ := newTestManager()
	var ev events
	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	tr.last().h.OnOpen()

	tr.last().h.OnMessage([]byte(`{"type":"bogus","timestamp":"2024-05-01T12:00:00Z"}`))
	tr.last().h.OnMessage([]byte(`{"type":"heartbeat"}`))
	tr.last().h.OnMessage([]byte(`not json`))
	tr.last().h.OnMessage([]byte(`{"type":"heartbeat","timestamp":"2024-05-01T12:00:00Z"}`))

	ev.mu.Lock()
	defer ev.mu.Unlock()
	require.Len(t, ev.messages, 1)
	assert.Equal(t, changefeed.TypeHeartbeat, ev.messages[0].Type)
}

func TestManager_ErrorThenReconnect(t *testing.T) {
	m, tr, clk := newTestManager()
	var ev events
	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	tr.last().h.OnOpen()

	tr.last().h.OnError(errors.New("reset"))
	assert.Equal(t, StateError, m.State())
	assert.True(t, tr.last().stream.isClosed())

	m.SetupAutoReconnect(testEndpoint, ev.handlers(), nil)
	m.SetupAutoReconnect(testEndpoint, ev.handlers(), nil)
	assert.True(t, m.ReconnectPending())

	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return tr.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnecting, m.State())
	assert.False(t, m.ReconnectPending())

	// Only one reconnect was scheduled.
	clk.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, tr.count())
}

func TestManager_ReconnectSkippedWhenConnected(t *testing.T) {
	m, tr, clk := newTestManager()
	var ev events
	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	tr.last().h.OnOpen()

	m.SetupAutoReconnect(testEndpoint, ev.handlers(), nil)
	require.NoError(t, clk.WaitAdvance(5*time.Second, time.Second, 1))
	require.Eventually(t, func() bool { return !m.ReconnectPending() }, time.Second, time.Millisecond)
	assert.Equal(t, 1, tr.count())
	assert.Equal(t, StateConnected, m.State())
}

func TestManager_Disconnect(t *testing.T) {
	m, tr, _ := newTestManager()
	var ev events

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())

	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	d := tr.last()
	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, d.stream.isClosed())

	// Callbacks of the closed attempt are ignored.
	d.h.OnOpen()
	d.h.OnError(errors.New("late"))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 0, ev.opens)
	assert.Empty(t, ev.errors())
}

func TestManager_Destroy(t *testing.T) {
	m, tr, clk := newTestManager()
	var ev events
	require.NoError(t, m.Connect(testEndpoint, ev.handlers(), nil))
	tr.last().h.OnError(errors.New("down"))
	m.SetupAutoReconnect(testEndpoint, ev.handlers(), nil)

	m.Destroy()
	assert.False(t, m.ReconnectPending())
	assert.ErrorIs(t, m.Connect(testEndpoint, ev.handlers(), nil), ErrDestroyed)

	m.SetupAutoReconnect(testEndpoint, ev.handlers(), nil)
	assert.False(t, m.ReconnectPending())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, tr.count())
}
