package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rizz-Vii/rankpilot-stream/internal/config"
	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
	apperrors "github.com/Rizz-Vii/rankpilot-stream/internal/errors"
	"github.com/Rizz-Vii/rankpilot-stream/internal/stream"
)

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:           "test",
		Port:             "0",
		LogLevel:         "error",
		LogFormat:        "text",
		TopicInterval:    5 * time.Second,
		SweepInterval:    10 * time.Second,
		StaleAfter:       30 * time.Second,
		MetricsInterval:  time.Second,
		MaxConnections:   100,
		MaxConnectionsIP: 10,
		ConnectionRate:   100,
		ConnectionBurst:  100,
	}
}

func newTestServer(t *testing.T) (*Server, *stream.Dispatcher) {
	t.Helper()

	dispatcher := stream.NewDispatcher(stream.Options{})
	t.Cleanup(dispatcher.Stop)

	srv := NewServer(testConfig(), dispatcher, clockwork.NewRealClock())
	return srv, dispatcher
}

func TestHandleLiveness(t *testing.T) {
	srv, _ := newTestServer(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.handleLiveness(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"status":"ok"`)
	assert.Contains(t, body, `"uptime"`)
}

func TestHandleReadiness(t *testing.T) {
	srv, _ := newTestServer(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.handleReadiness(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)
}

func TestHandleReadinessDispatcherStopped(t *testing.T) {
	srv, dispatcher := newTestServer(t)
	dispatcher.Stop()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.handleReadiness(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed_check":"dispatcher"`)
}

func TestHandleVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.handleVersion(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version"`)
}

func TestParseStreamParams(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/ws?user_id=u1&tier=agency&dashboard_id=dash-1&topics=seo-metrics,%20keyword-ranking,", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	params, err := parseStreamParams(c)

	require.NoError(t, err)
	assert.Equal(t, "u1", params.userID)
	assert.Equal(t, domain.TierAgency, params.tier)
	assert.Equal(t, "dash-1", params.dashboardID)
	assert.Equal(t, []string{"seo-metrics", "keyword-ranking"}, params.topics)
}

func TestParseStreamParamsMissingUserID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/ws?tier=free", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, err := parseStreamParams(c)

	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeValidation, structured.Type)
}

func TestParseStreamParamsInvalidTier(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/ws?user_id=u1&tier=platinum", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, err := parseStreamParams(c)

	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeValidation, structured.Type)
	assert.Equal(t, "platinum", structured.Context["tier"])
}

func TestHandlePublish(t *testing.T) {
	srv, dispatcher := newTestServer(t)

	body := `{"topic":"seo-metrics","payload":{"score":87}}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/stream/publish", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.handlePublish(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["id"])

	// Round trip through the dispatcher proves the publish was processed.
	snap := dispatcher.Snapshot()
	assert.Equal(t, 0, snap.TotalClients)
}

func TestHandlePublishMissingTopic(t *testing.T) {
	srv, _ := newTestServer(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/stream/publish", strings.NewReader(`{"payload":{}}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.handlePublish(c)

	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeValidation, structured.Type)
}

func TestHandlePublishReservedTopic(t *testing.T) {
	srv, _ := newTestServer(t)

	body := `{"topic":"` + domain.TopicUserAction + `","payload":{}}`
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/stream/publish", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := srv.handlePublish(c)

	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeValidation, structured.Type)
}

func TestAcquireSlotsGlobalLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1

	dispatcher := stream.NewDispatcher(stream.Options{})
	t.Cleanup(dispatcher.Stop)
	srv := NewServer(cfg, dispatcher, clockwork.NewRealClock())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/ws", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	release, err := srv.acquireSlots(c)
	require.NoError(t, err)
	defer release()

	_, err = srv.acquireSlots(c)
	var structured *apperrors.Error
	require.ErrorAs(t, err, &structured)
	assert.Equal(t, apperrors.TypeQuota, structured.Type)
}

func TestAcquireSlotsReleaseRestoresCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1

	dispatcher := stream.NewDispatcher(stream.Options{})
	t.Cleanup(dispatcher.Stop)
	srv := NewServer(cfg, dispatcher, clockwork.NewRealClock())

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/ws", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	release, err := srv.acquireSlots(c)
	require.NoError(t, err)
	release()

	release, err = srv.acquireSlots(c)
	require.NoError(t, err)
	release()
}

func TestStreamWebSocketEndToEnd(t *testing.T) {
	srv, dispatcher := newTestServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream/ws?user_id=u1&tier=agency&topics=seo-metrics"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the subscription ack on the connection topic.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack domain.DataPoint
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "connection", ack.Topic)
	assert.Equal(t, "subscribed", ack.Payload["status"])

	// The ack implies the subscription is active; a publish now reaches us.
	dispatcher.Publish(domain.DataPoint{
		ID:     "dp-1",
		Topic:  "seo-metrics",
		UserID: domain.SystemUserID,
		Payload: domain.Payload{
			"score": float64(91),
		},
		Timestamp: time.Now(),
		Source:    "test",
	})

	var dp domain.DataPoint
	require.NoError(t, conn.ReadJSON(&dp))
	assert.Equal(t, "dp-1", dp.ID)
	assert.Equal(t, "seo-metrics", dp.Topic)
	assert.Equal(t, float64(91), dp.Payload["score"])
}

func TestStreamWebSocketSubscribeAction(t *testing.T) {
	srv, dispatcher := newTestServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream/ws?user_id=u1&tier=starter"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack domain.DataPoint
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "connected", ack.Payload["status"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"topics": []string{"keyword-ranking"},
	}))

	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack.Payload["status"])

	dispatcher.Publish(domain.DataPoint{
		ID:        "dp-2",
		Topic:     "keyword-ranking",
		UserID:    domain.SystemUserID,
		Payload:   domain.Payload{"position": float64(3)},
		Timestamp: time.Now(),
		Source:    "test",
	})

	var dp domain.DataPoint
	require.NoError(t, conn.ReadJSON(&dp))
	assert.Equal(t, "dp-2", dp.ID)
}

func TestStreamWebSocketDisconnectUnregisters(t *testing.T) {
	srv, dispatcher := newTestServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream/ws?user_id=u1&tier=free"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return dispatcher.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return dispatcher.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamWebSocketRejectsInvalidTier(t *testing.T) {
	srv, _ := newTestServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream/ws?user_id=u1&tier=platinum"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamWebSocketConnectionQuota(t *testing.T) {
	srv, _ := newTestServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream/ws?user_id=u1&tier=free"

	// Free tier allows a single connection; the quota check happens after the
	// upgrade, so rejection arrives as a close frame.
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack domain.DataPoint
	require.NoError(t, first.ReadJSON(&ack))

	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = second.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestStreamSSEEndToEnd(t *testing.T) {
	srv, dispatcher := newTestServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := ts.URL + "/v1/stream/sse?user_id=u1&tier=enterprise&topics=seo-metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return dispatcher.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	dispatcher.Publish(domain.DataPoint{
		ID:        "dp-sse",
		Topic:     "seo-metrics",
		UserID:    domain.SystemUserID,
		Payload:   domain.Payload{"score": float64(72)},
		Timestamp: time.Now(),
		Source:    "test",
	})

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for !sawEvent || !sawData {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: seo-metrics") {
			sawEvent = true
		}
		if strings.HasPrefix(line, "data: ") {
			sawData = true
			assert.Contains(t, line, `"dp-sse"`)
		}
	}
}

func TestStreamSSERejectsQuotaBeforeHeaders(t *testing.T) {
	srv, _ := newTestServer(t)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	url := ts.URL + "/v1/stream/sse?user_id=u1&tier=free"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	first, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	// Second connection for the same free user exceeds the tier quota and is
	// rejected with a JSON error, not a stream.
	second, err := ts.Client().Get(url)
	require.NoError(t, err)
	defer second.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	var resp apperrors.ErrorResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&resp))
	assert.Equal(t, apperrors.TypeQuota, resp.Type)
}
