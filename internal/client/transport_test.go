package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEvents(t *testing.T) {
	input := ": connected\n\n" +
		"data: {\"a\":1}\n\n" +
		"event: ignored\n" +
		"data: line1\n" +
		"data:line2\n\n" +
		"\n\n" +
		"data: tail\n"

	var got []string
	err := readEvents(strings.NewReader(input), func(b []byte) { got = append(got, string(b)) })
	require.NoError(t, err)
	// An event without a terminating blank line is not dispatched.
	assert.Equal(t, []string{`{"a":1}`, "line1\nline2"}, got)
}

type transportEvents struct {
	mu       sync.Mutex
	opened   bool
	messages []string
	err      error
}

func (e *transportEvents) handlers() TransportHandlers {
	return TransportHandlers{
		OnOpen: func() {
			e.mu.Lock()
			e.opened = true
			e.mu.Unlock()
		},
		OnMessage: func(raw []byte) {
			e.mu.Lock()
			e.messages = append(e.messages, string(raw))
			e.mu.Unlock()
		},
		OnError: func(err error) {
			e.mu.Lock()
			e.err = err
			e.mu.Unlock()
		},
	}
}

func (e *transportEvents) snapshot() (bool, []string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened, append([]string(nil), e.messages...), e.err
}

func TestSSETransport_ReadsUntilServerCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: one\n\ndata: two\n\n"))
	}))
	defer srv.Close()

	var ev transportEvents
	s := NewSSETransport(nil).Dial(srv.URL, ev.handlers())
	defer s.Close()

	require.Eventually(t, func() bool {
		_, _, err := ev.snapshot()
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
	opened, messages, err := ev.snapshot()
	assert.True(t, opened)
	assert.Equal(t, []string{"one", "two"}, messages)
	assert.EqualError(t, err, "stream closed by server")
}

func TestSSETransport_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var ev transportEvents
	s := NewSSETransport(nil).Dial(srv.URL, ev.handlers())
	defer s.Close()

	require.Eventually(t, func() bool {
		_, _, err := ev.snapshot()
		return err != nil
	}, 2*time.Second, 5*time.Millisecond)
	opened, _, err := ev.snapshot()
	assert.False(t, opened)
	assert.Contains(t, err.Error(), "503")
}

func TestSSETransport_CloseIsSilent(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	var ev transportEvents
	s := NewSSETransport(nil).Dial(srv.URL, ev.handlers())
	require.Eventually(t, func() bool {
		opened, _, _ := ev.snapshot()
		return opened
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	time.Sleep(50 * time.Millisecond)
	_, _, err := ev.snapshot()
	assert.NoError(t, err)
}
