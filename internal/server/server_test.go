package server

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, srv Service) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(ctx) }()
	require.Eventually(t, func() bool { return srv.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	return cancel, errChan
}

func TestServer_StartServeStop(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1"}, nil)
	srv.RegisterHTTPHandler("GET /ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	cancel, errChan := startServer(t, srv)

	resp, err := http.Get("http://" + srv.Addr() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	require.NoError(t, srv.Stop(context.Background()))
	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestServer_StopEndsOpenStreams(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1"}, nil)
	ended := make(chan struct{})
	srv.HTTPMux().HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(ended)
	})
	cancel, _ := startServer(t, srv)
	defer cancel()

	resp, err := http.Get("http://" + srv.Addr() + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	require.NoError(t, srv.Stop(ctx))

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("stream handler still running after Stop")
	}
}

func TestServer_StartTwice(t *testing.T) {
	srv := New(Config{Host: "127.0.0.1"}, nil)
	cancel, _ := startServer(t, srv)
	defer cancel()
	defer srv.Stop(context.Background())

	assert.EqualError(t, srv.Start(context.Background()), "server already started")
}

func TestServer_ListenError(t *testing.T) {
	srv := New(Config{Host: "256.0.0.1", HTTPPort: 1}, nil)
	err := srv.Start(context.Background())
	assert.ErrorContains(t, err, "failed to listen")
	assert.Empty(t, srv.Addr())
}
