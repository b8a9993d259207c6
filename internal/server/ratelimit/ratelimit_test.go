package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, requests int) (*memoryLimiter, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewMemoryLimiter(Config{Enabled: true, Requests: requests, Window: time.Minute}, clk)
	t.Cleanup(l.Stop)
	return l.(*memoryLimiter), clk
}

func TestMemoryLimiter_Allow(t *testing.T) {
	l, _ := newTestLimiter(t, 3)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// Keys are independent.
	assert.True(t, l.Allow("b"))
}

func TestMemoryLimiter_Refill(t *testing.T) {
	l, clk := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("a"))
	}
	require.False(t, l.Allow("a"))

	// 3 tokens per minute refill one token every 20s.
	clk.Advance(20 * time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestMemoryLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter(t, 1)

	require.True(t, l.Allow("a"))
	require.False(t, l.Allow("a"))
	l.Reset("a")
	assert.True(t, l.Allow("a"))
}

func TestMemoryLimiter_Disabled(t *testing.T) {
	l := NewMemoryLimiter(Config{Enabled: false, Requests: 1, Window: time.Minute}, nil)
	defer l.Stop()

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("a"))
	}
}

func TestMemoryLimiter_CleanupStale(t *testing.T) {
	l, clk := newTestLimiter(t, 2)

	l.Allow("a")
	require.Equal(t, 1, l.Len())

	require.NoError(t, clk.WaitAdvance(2*time.Minute+time.Second, time.Second, 1))
	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryLimiter_StopIsIdempotent(t *testing.T) {
	l, _ := newTestLimiter(t, 1)
	l.Stop()
	assert.NotPanics(t, l.Stop)
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(t, 1)
	handler := Middleware(l, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/stream/alerts", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "RATE_LIMITED", body["code"])
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, remote: "3.3.3.3:1", want: "1.1.1.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 4.4.4.4 "}, remote: "3.3.3.3:1", want: "4.4.4.4"},
		{name: "remote addr", remote: "3.3.3.3:1", want: "3.3.3.3"},
		{name: "remote without port", remote: "3.3.3.3", want: "3.3.3.3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetClientIP(req))
		})
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Enabled: true}
	assert.Error(t, cfg.Validate())
	cfg.ApplyDefaults()
	assert.NoError(t, cfg.Validate())
	assert.NoError(t, (&Config{}).Validate())
}
