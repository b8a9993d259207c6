package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesCollectors(t *testing.T) {
	EventsSuppressed.WithLabelValues("alerts", ReasonDuplicate).Inc()
	ActiveSessions.WithLabelValues("alerts").Set(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `countwatch_stream_events_suppressed_total{reason="duplicate",resource="alerts"}`)
	assert.Contains(t, string(body), "countwatch_stream_sessions_active")
	assert.Equal(t, float64(2), testutil.ToFloat64(ActiveSessions.WithLabelValues("alerts")))
}
