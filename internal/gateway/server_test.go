package gateway

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countwatch/countwatch/internal/endpoint"
	"github.com/countwatch/countwatch/internal/gateway/rest"
	"github.com/countwatch/countwatch/internal/listener"
	"github.com/countwatch/countwatch/internal/notify"
	"github.com/countwatch/countwatch/internal/stream"
)

func TestServer_RegisterRoutes(t *testing.T) {
	l := listener.New(notify.NewMemory(), listener.Config{}, nil, nil)
	t.Cleanup(func() { _ = l.Disconnect() })

	cfg := stream.DefaultConfig()
	s := NewServer(rest.NewHandler(nil), endpoint.NewFactory(l, cfg, nil, nil))
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err = client.Get(srv.URL + endpoint.Alerts.StreamPath())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	assert.Contains(t, line, `"type":"connection"`)
}

func TestServer_RESTOnly(t *testing.T) {
	mux := http.NewServeMux()
	NewServer(rest.NewHandler(nil), nil).RegisterRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, endpoint.Alerts.StreamPath(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
