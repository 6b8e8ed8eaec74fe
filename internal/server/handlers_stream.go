package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
	apperrors "github.com/Rizz-Vii/rankpilot-stream/internal/errors"
	"github.com/Rizz-Vii/rankpilot-stream/internal/metrics"
	"github.com/Rizz-Vii/rankpilot-stream/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboards are served from a separate origin
	},
}

// clientMessage is the inbound frame format on the WebSocket stream.
type clientMessage struct {
	Action  string         `json:"action"`
	Topics  []string       `json:"topics,omitempty"`
	Type    string         `json:"type,omitempty"`
	Payload domain.Payload `json:"payload,omitempty"`
}

type streamParams struct {
	userID      string
	tier        domain.Tier
	dashboardID string
	topics      []string
}

func parseStreamParams(c echo.Context) (streamParams, error) {
	var p streamParams

	p.userID = c.QueryParam("user_id")
	if p.userID == "" {
		return p, apperrors.ValidationError("user_id is required")
	}

	tier, err := domain.ParseTier(c.QueryParam("tier"))
	if err != nil {
		return p, apperrors.ValidationError("tier must be one of free, starter, agency, enterprise, admin").
			WithContext("tier", c.QueryParam("tier"))
	}
	p.tier = tier

	p.dashboardID = c.QueryParam("dashboard_id")

	if raw := c.QueryParam("topics"); raw != "" {
		for _, topic := range strings.Split(raw, ",") {
			if topic = strings.TrimSpace(topic); topic != "" {
				p.topics = append(p.topics, topic)
			}
		}
	}

	return p, nil
}

// acquireSlots runs the per-IP and instance-wide limiters. The returned
// release function is non-nil only on success.
func (s *Server) acquireSlots(c echo.Context) (func(), error) {
	ip := c.RealIP()

	if !s.rateLimit.Allow(ip) {
		metrics.ConnectionsRejectedTotal.WithLabelValues("rate").Inc()
		return nil, apperrors.QuotaError("connection attempts too frequent").WithContext("ip", ip)
	}
	if !s.ipLimit.Acquire(ip) {
		metrics.ConnectionsRejectedTotal.WithLabelValues("ip").Inc()
		return nil, apperrors.QuotaError("too many connections from this address").WithContext("ip", ip)
	}
	if !s.globalLimit.Acquire() {
		s.ipLimit.Release(ip)
		metrics.ConnectionsRejectedTotal.WithLabelValues("global").Inc()
		return nil, apperrors.QuotaError("server at connection capacity")
	}

	return func() {
		s.globalLimit.Release()
		s.ipLimit.Release(ip)
	}, nil
}

func (s *Server) handleStreamWS(c echo.Context) error {
	params, err := parseStreamParams(c)
	if err != nil {
		return err
	}

	release, err := s.acquireSlots(c)
	if err != nil {
		return err
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}

	clientID := uuid.NewString()
	sink := newWSSink(conn, s.clock)

	cl, err := s.dispatcher.Register(stream.RegisterParams{
		ClientID:    clientID,
		UserID:      params.userID,
		Tier:        params.tier,
		Kind:        domain.ConnectionWebSocket,
		DashboardID: params.dashboardID,
		Sink:        sink,
	})
	if err != nil {
		// The connection is already hijacked; report over the wire.
		structured := apperrors.FromDomain(err)
		_ = sink.closeWith(websocket.ClosePolicyViolation, structured.Message)
		slog.Info("Stream registration rejected", "user_id", params.userID, "error", err)
		return nil
	}

	metrics.WebSocketConnectionsCurrent.Inc()
	defer metrics.WebSocketConnectionsCurrent.Dec()

	if len(params.topics) > 0 {
		accepted, err := s.dispatcher.Subscribe(clientID, params.topics)
		if err == nil {
			_ = sink.Send(ackPoint(clientID, "subscribed", accepted))
		}
	} else {
		_ = sink.Send(ackPoint(clientID, "connected", nil))
	}

	_ = conn.SetReadDeadline(s.clock.Now().Add(pongDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(s.clock.Now().Add(pongDeadline))
		s.dispatcher.Heartbeat(clientID)
		return nil
	})

	s.readPump(conn, sink, clientID, cl)

	s.dispatcher.Unregister(clientID)
	return nil
}

// readPump handles inbound frames until the connection drops. Every frame
// counts as liveness.
func (s *Server) readPump(conn *websocket.Conn, sink *wsSink, clientID string, cl domain.Client) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(s.clock.Now().Add(pongDeadline))
		s.dispatcher.Heartbeat(clientID)

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed client frame", "client_id", clientID, "error", err)
			continue
		}

		switch msg.Action {
		case "subscribe":
			if accepted, err := s.dispatcher.Subscribe(clientID, msg.Topics); err == nil {
				_ = sink.Send(ackPoint(clientID, "subscribed", accepted))
			}
		case "unsubscribe":
			_, _ = s.dispatcher.Unsubscribe(clientID, msg.Topics)
		case "heartbeat":
			// Already refreshed above.
		case "collaboration":
			s.dispatcher.BroadcastCollaboration(domain.CollaborationEvent{
				Type:        domain.CollaborationEventType(msg.Type),
				UserID:      cl.UserID,
				DashboardID: cl.DashboardID,
				Payload:     msg.Payload,
			})
		default:
			slog.Debug("Unknown client action", "client_id", clientID, "action", msg.Action)
		}
	}
}

func ackPoint(clientID, status string, topics []string) domain.DataPoint {
	payload := domain.Payload{
		"clientId": clientID,
		"status":   status,
	}
	if topics != nil {
		payload["topics"] = topics
	}
	return domain.DataPoint{
		ID:      uuid.NewString(),
		Topic:   "connection",
		UserID:  domain.SystemUserID,
		Payload: payload,
		Source:  "server",
	}
}

func (s *Server) handleStreamSSE(c echo.Context) error {
	params, err := parseStreamParams(c)
	if err != nil {
		return err
	}

	release, err := s.acquireSlots(c)
	if err != nil {
		return err
	}
	defer release()

	clientID := uuid.NewString()
	sink := newSSESink()

	_, err = s.dispatcher.Register(stream.RegisterParams{
		ClientID:    clientID,
		UserID:      params.userID,
		Tier:        params.tier,
		Kind:        domain.ConnectionSSE,
		DashboardID: params.dashboardID,
		Sink:        sink,
	})
	if err != nil {
		return apperrors.FromDomain(err)
	}
	defer s.dispatcher.Unregister(clientID)

	if len(params.topics) > 0 {
		_, _ = s.dispatcher.Subscribe(clientID, params.topics)
	}

	metrics.SSEConnectionsCurrent.Inc()
	defer metrics.SSEConnectionsCurrent.Dec()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	keepalive := s.clock.NewTicker(pingInterval)
	defer keepalive.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sink.Done():
			// Dispatcher evicted the client or is shutting down.
			return nil
		case dp := <-sink.Events():
			if err := writeSSEEvent(res, dp); err != nil {
				return nil
			}
		case <-keepalive.Chan():
			if _, err := fmt.Fprint(res, ": keepalive\n\n"); err != nil {
				return nil
			}
			res.Flush()
			// The transport is alive even if no topic data flows.
			s.dispatcher.Heartbeat(clientID)
		}
	}
}

func writeSSEEvent(res *echo.Response, dp domain.DataPoint) error {
	data, err := json.Marshal(dp)
	if err != nil {
		return nil
	}
	if _, err := fmt.Fprintf(res, "id: %s\nevent: %s\ndata: %s\n\n", dp.ID, dp.Topic, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

func (s *Server) handlePublish(c echo.Context) error {
	var dp domain.DataPoint
	if err := c.Bind(&dp); err != nil {
		return apperrors.ValidationError("invalid data point payload")
	}
	if dp.Topic == "" {
		return apperrors.ValidationError("topic is required")
	}
	if dp.Topic == domain.TopicUserAction {
		return apperrors.ValidationError("topic is reserved for collaboration events")
	}

	if dp.ID == "" {
		dp.ID = uuid.NewString()
	}
	if dp.UserID == "" {
		dp.UserID = domain.SystemUserID
	}
	if dp.Timestamp.IsZero() {
		dp.Timestamp = s.clock.Now()
	}
	if dp.Source == "" {
		dp.Source = "api"
	}

	s.dispatcher.Publish(dp)

	return c.JSON(http.StatusAccepted, map[string]string{
		"status": "accepted",
		"id":     dp.ID,
	})
}
