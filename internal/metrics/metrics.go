// Package metrics holds the Prometheus collectors of the change feed.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Listener
	NotificationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countwatch_notifications_received_total",
		Help: "The total number of notifications received from the source",
	}, []string{"channel"})

	NotificationsMalformed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countwatch_notifications_malformed_total",
		Help: "The total number of notification payloads dropped as malformed",
	}, []string{"channel"})

	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countwatch_listener_connect_attempts_total",
		Help: "The total number of source connection attempts",
	}, []string{"result"})

	ChannelSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "countwatch_listener_channel_subscribers",
		Help: "The current number of callbacks registered per channel",
	}, []string{"channel"})

	// Stream sessions
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "countwatch_stream_sessions_active",
		Help: "The current number of open stream sessions",
	}, []string{"resource"})

	EnvelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countwatch_stream_envelopes_sent_total",
		Help: "The total number of envelopes written to clients",
	}, []string{"resource", "type"})

	EventsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countwatch_stream_events_suppressed_total",
		Help: "The total number of change events not delivered to a client",
	}, []string{"resource", "reason"})

	// HTTP
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "countwatch_http_requests_total",
		Help: "The total number of HTTP requests by route pattern and status",
	}, []string{"pattern", "status"})
)

// Suppression reasons.
const (
	ReasonFiltered  = "filtered"
	ReasonDuplicate = "duplicate"
	ReasonThrottled = "throttled"
	ReasonDebounced = "debounced"
)

func init() {
	prometheus.MustRegister(
		NotificationsReceived,
		NotificationsMalformed,
		ConnectAttempts,
		ChannelSubscribers,
		ActiveSessions,
		EnvelopesSent,
		EventsSuppressed,
		HTTPRequests,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
