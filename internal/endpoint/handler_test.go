package endpoint

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countwatch/countwatch/internal/changefeed"
	"github.com/countwatch/countwatch/internal/listener"
	"github.com/countwatch/countwatch/internal/notify"
	"github.com/countwatch/countwatch/internal/stream"
)

type testEnv struct {
	src      *notify.Memory
	listener *listener.Listener
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithClock(t, nil)
}

func newTestEnvWithClock(t *testing.T, clk clock.Clock) *testEnv {
	t.Helper()
	src := notify.NewMemory()
	l := listener.New(src, listener.Config{MaxRetries: 1, BaseDelay: time.Millisecond}, nil, nil)

	f := NewFactory(l, stream.Config{
		DebounceDelay:     5 * time.Millisecond,
		HeartbeatInterval: time.Hour,
	}, clk, nil)
	mux := http.NewServeMux()
	f.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		_ = l.Disconnect()
	})
	return &testEnv{src: src, listener: l, server: srv}
}

// sseFrames decodes envelopes from an event stream in the background.
func sseFrames(t *testing.T, resp *http.Response) <-chan changefeed.Envelope {
	t.Helper()
	out := make(chan changefeed.Envelope, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			env, err := changefeed.DecodeEnvelope([]byte(strings.TrimPrefix(line, "data: ")))
			if err != nil {
				continue
			}
			out <- *env
		}
	}()
	return out
}

func next(t *testing.T, frames <-chan changefeed.Envelope) changefeed.Envelope {
	t.Helper()
	select {
	case env, ok := <-frames:
		require.True(t, ok, "stream ended")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream message")
	}
	return changefeed.Envelope{}
}

func TestStreamHandler_DeliversFilteredChanges(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.server.URL + "/api/stream/movements?session_id=s1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	frames := sseFrames(t, resp)
	assert.Equal(t, changefeed.TypeConnection, next(t, frames).Type)
	assert.Equal(t, changefeed.TypeTest, next(t, frames).Type)

	require.Eventually(t, func() bool {
		return env.listener.SubscriberCount(Movements.Channel) == 1
	}, time.Second, time.Millisecond)

	_, err = env.src.Publish(Movements.Channel, []byte(`{"table":"people_movements","action":"INSERT","data":{"id":"a","session_id":"s2"}}`))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = env.src.Publish(Movements.Channel, []byte(`{"table":"people_movements","action":"INSERT","data":{"id":"b","session_id":"s1"}}`))
	require.NoError(t, err)

	data := next(t, frames)
	assert.Equal(t, changefeed.TypeData, data.Type)
	require.NotNil(t, data.Data)
	assert.Equal(t, "b", data.Data.RowID())

	require.NoError(t, resp.Body.Close())
	require.Eventually(t, func() bool {
		return env.listener.SubscriberCount(Movements.Channel) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamHandler_TwoClientsShareChannel(t *testing.T) {
	env := newTestEnv(t)

	r1, err := http.Get(env.server.URL + "/api/stream/sessions")
	require.NoError(t, err)
	r2, err := http.Get(env.server.URL + "/api/stream/sessions")
	require.NoError(t, err)
	f1, f2 := sseFrames(t, r1), sseFrames(t, r2)
	for _, f := range []<-chan changefeed.Envelope{f1, f2} {
		next(t, f)
		next(t, f)
	}

	require.Eventually(t, func() bool {
		return env.listener.SubscriberCount(Sessions.Channel) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, env.src.ListenCalls(Sessions.Channel))

	require.NoError(t, r1.Body.Close())
	require.Eventually(t, func() bool {
		return env.listener.SubscriberCount(Sessions.Channel) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, env.src.Listening(Sessions.Channel))

	_, err = env.src.Publish(Sessions.Channel, []byte(`{"table":"sessions","action":"UPDATE","data":{"id":"1","updated_at":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, changefeed.TypeData, next(t, f2).Type)

	require.NoError(t, r2.Body.Close())
	require.Eventually(t, func() bool {
		return !env.src.Listening(Sessions.Channel)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamHandler_BadParams(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
	}{
		{"bad resolved", "/api/stream/alerts?resolved=maybe"},
		{"bad where", "/api/stream/movements?where=row%5B"},
		{"bad resolved on socket", "/api/ws/alerts?resolved=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(env.server.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var apiErr APIError
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
			assert.Equal(t, ErrCodeBadRequest, apiErr.Code)
		})
	}
}

func TestHandlePreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/stream/alerts", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Cache-Control, Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestSocketHandler(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/ws/alerts?resolved=false"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	read := func() changefeed.Envelope {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg changefeed.Envelope
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}
	assert.Equal(t, changefeed.TypeConnection, read().Type)
	assert.Equal(t, changefeed.TypeTest, read().Type)

	require.Eventually(t, func() bool {
		return env.listener.SubscriberCount(Alerts.Channel) == 1
	}, time.Second, time.Millisecond)

	_, err = env.src.Publish(Alerts.Channel, []byte(`{"table":"alert_logs","action":"INSERT","data":{"id":"7","session_id":"s1","is_resolved":false}}`))
	require.NoError(t, err)
	data := read()
	assert.Equal(t, changefeed.TypeData, data.Type)
	assert.Equal(t, "7", data.Data.RowID())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return env.listener.SubscriberCount(Alerts.Channel) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSocketHandler_PingsPeer(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	env := newTestEnvWithClock(t, clk)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + Sessions.SocketPath()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	pings := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return env.listener.SubscriberCount(Sessions.Channel) == 1
	}, time.Second, time.Millisecond)

	// The ping loop and the session heartbeat are both waiting on the clock.
	require.NoError(t, clk.WaitAdvance(pingPeriod, 2*time.Second, 2))
	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
}
