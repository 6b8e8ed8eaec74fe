// Package metrics defines Prometheus collectors for the stream dispatcher and HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatcher metrics
var (
	// StreamConnectedClients tracks currently registered stream clients
	StreamConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connected_clients",
			Help: "Number of currently registered stream clients",
		},
	)

	// StreamConnectionsTotal tracks lifetime client registrations by tier
	StreamConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_connections_total",
			Help: "Total client registrations by tier",
		},
		[]string{"tier"},
	)

	// StreamActiveTopics tracks topics with a running generator
	StreamActiveTopics = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_active_topics",
			Help: "Number of active stream topics",
		},
	)

	// StreamDeliveriesTotal tracks successful deliveries by topic
	StreamDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_deliveries_total",
			Help: "Total data point deliveries by topic",
		},
		[]string{"topic"},
	)

	// StreamDroppedTotal tracks deliveries dropped by the per-client rate limit
	StreamDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_dropped_total",
			Help: "Total deliveries dropped by per-client rate limiting, by topic",
		},
		[]string{"topic"},
	)

	// StreamQuotaRejectionsTotal tracks registrations/subscriptions rejected by tier quotas
	StreamQuotaRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_quota_rejections_total",
			Help: "Total operations rejected by tier quotas, by quota kind",
		},
		[]string{"quota"},
	)

	// StreamEvictionsTotal tracks client evictions by reason (stale, sink_error, shutdown)
	StreamEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_evictions_total",
			Help: "Total client evictions by reason",
		},
		[]string{"reason"},
	)

	// StreamCompressionRatio tracks the most recent compressed payload ratio estimate
	StreamCompressionRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_compression_ratio",
			Help: "Ratio of cache-reference size to original payload size for the most recent compressed delivery",
		},
	)

	// StreamCollaborationEventsTotal tracks dashboard collaboration broadcasts by event type
	StreamCollaborationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_collaboration_events_total",
			Help: "Total collaboration events broadcast, by event type",
		},
		[]string{"type"},
	)

	// DispatcherCommandChannelDepth tracks current command channel depth
	DispatcherCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_command_channel_depth",
			Help: "Current dispatcher command channel depth",
		},
	)

	// DispatcherStopTimeoutsTotal tracks forced dispatcher shutdowns
	DispatcherStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_stop_timeouts_total",
			Help: "Total dispatcher stops that exceeded the graceful timeout",
		},
	)

	// DispatcherPanicsTotal tracks dispatcher panic recoveries
	DispatcherPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_panics_total",
			Help: "Total dispatcher panic recoveries",
		},
	)
)

// Connection layer metrics
var (
	// WebSocketConnectionsCurrent tracks currently open WebSocket connections
	WebSocketConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_current",
			Help: "Number of currently open WebSocket connections",
		},
	)

	// SSEConnectionsCurrent tracks currently open SSE connections
	SSEConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_current",
			Help: "Number of currently open SSE connections",
		},
	)

	// WebSocketMessageSendDuration tracks sink write latency in seconds
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	// WebSocketPingFailures tracks failed keepalive pings
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total failed WebSocket keepalive pings",
		},
	)

	// ConnectionsRejectedTotal tracks connections refused before upgrade, by limiter
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "Total connections rejected before upgrade, by limiter (global, ip, rate)",
		},
		[]string{"limiter"},
	)
)
