// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// ConversationsTotal tracks conversations created, by kind.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"kind"},
	)

	// MessagesTotal tracks messages appended, by conversation kind.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"kind"},
	)

	// SendRetriesTotal tracks send attempts retried after a transient
	// storage failure.
	SendRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "send_retries_total",
			Help: "Send attempts retried after transient failures",
		},
	)

	// BusSubscribersActive tracks active delivery-bus subscriptions.
	BusSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bus_subscribers_active",
			Help: "Number of active delivery bus subscriptions",
		},
	)

	// BusDroppedEvents tracks events dropped on full subscriber buffers.
	BusDroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_dropped_events_total",
			Help: "Bus events dropped because a subscriber buffer was full",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ConversationKind returns the metric label for a conversation shape.
func ConversationKind(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "direct"
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
