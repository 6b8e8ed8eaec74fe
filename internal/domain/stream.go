package domain

import (
	"context"
	"time"
)

// TopicUserAction is the reserved topic collaboration events are wrapped in.
// Clients cannot subscribe to it; delivery is driven by dashboard membership.
const TopicUserAction = "user-action"

// SystemUserID attributes generated data points.
const SystemUserID = "system"

// ConnectionKind identifies the transport behind a client's sink.
type ConnectionKind string

const (
	ConnectionWebSocket ConnectionKind = "websocket"
	ConnectionSSE       ConnectionKind = "sse"
)

// Payload is the opaque structured value carried by a data point. Kept as a
// shallow map so the delta encoder can diff top-level fields.
type Payload map[string]any

// DataPoint is one message flowing through the dispatcher.
type DataPoint struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	UserID      string    `json:"userId"`
	DashboardID string    `json:"dashboardId,omitempty"`
	Payload     Payload   `json:"payload"`
	Timestamp   time.Time `json:"timestamp"`
	Compressed  bool      `json:"compressed,omitempty"`
	Delta       bool      `json:"delta,omitempty"`
	Source      string    `json:"source,omitempty"`
}

// CollaborationEventType enumerates user-attributed dashboard actions.
type CollaborationEventType string

const (
	CollabJoin    CollaborationEventType = "join"
	CollabLeave   CollaborationEventType = "leave"
	CollabCursor  CollaborationEventType = "cursor"
	CollabEdit    CollaborationEventType = "edit"
	CollabComment CollaborationEventType = "comment"
)

// CollaborationEvent is a user action broadcast to everyone else sharing the
// same dashboard. Not subject to topic subscription, rate limiting, or
// payload transforms - cursor and edit events must arrive in full.
type CollaborationEvent struct {
	Type        CollaborationEventType `json:"type"`
	UserID      string                 `json:"userId"`
	DashboardID string                 `json:"dashboardId"`
	Payload     Payload                `json:"payload,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Client is the dispatcher's view of one registered stream consumer.
type Client struct {
	ID          string
	UserID      string
	DashboardID string
	Tier        Tier
	Kind        ConnectionKind
	Prefs       DeliveryPrefs
	ConnectedAt time.Time
}

// Sink is the push channel the dispatcher writes deliveries to. Owned
// exclusively by the dispatcher for the registration's lifetime. Send must
// not block; a failed send marks the client for eviction.
type Sink interface {
	Send(dp DataPoint) error
	Close() error
}

// Publisher accepts data points for fan-out. The dispatcher implements it;
// producers (the demo generator, webhook ingestors) depend on it.
type Publisher interface {
	Publish(dp DataPoint)
}

// MetricsSnapshot is the aggregate counter set pushed on each reporting
// window. DeliveredInWindow resets every window.
type MetricsSnapshot struct {
	TotalClients      int       `json:"totalClients"`
	ActiveTopics      int       `json:"activeTopics"`
	DeliveredInWindow int       `json:"deliveredInWindow"`
	CompressionRatio  float64   `json:"compressionRatio"`
	At                time.Time `json:"at"`
}

// TopicStarter is notified when a topic sees its first subscriber, so a
// producer can lazily start generating data for it.
type TopicStarter interface {
	EnsureTopic(ctx context.Context, topic string)
}
