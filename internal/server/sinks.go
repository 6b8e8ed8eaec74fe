package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/Rizz-Vii/rankpilot-stream/internal/domain"
	"github.com/Rizz-Vii/rankpilot-stream/internal/metrics"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 15 * time.Second
	pongDeadline   = 45 * time.Second
	sinkBufferSize = 16
)

var errSinkBufferFull = errors.New("sink send buffer full")

// wsSink adapts a WebSocket connection to the dispatcher's Sink interface.
// A dedicated writer goroutine serializes data points and maintains
// keepalive pings; Send only enqueues, so the dispatcher never blocks on a
// slow client - a full buffer is reported as a delivery failure and the
// dispatcher evicts.
type wsSink struct {
	conn     *websocket.Conn
	clock    clockwork.Clock
	sendCh   chan domain.DataPoint
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWSSink(conn *websocket.Conn, clock clockwork.Clock) *wsSink {
	s := &wsSink{
		conn:   conn,
		clock:  clock,
		sendCh: make(chan domain.DataPoint, sinkBufferSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *wsSink) Send(dp domain.DataPoint) error {
	select {
	case s.sendCh <- dp:
		return nil
	case <-s.done:
		return errors.New("sink closed")
	default:
		return errSinkBufferFull
	}
}

func (s *wsSink) Close() error {
	return s.closeWith(websocket.CloseNormalClosure, "")
}

func (s *wsSink) closeWith(code int, reason string) error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		// The writer has exited; it is safe to write the close frame.
		closeMsg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
		_ = s.conn.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = s.conn.Close()
	})
	return nil
}

func (s *wsSink) run() {
	ticker := s.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.wg.Done()

	for {
		select {
		case dp := <-s.sendCh:
			data, err := json.Marshal(dp)
			if err != nil {
				continue
			}
			start := s.clock.Now()
			_ = s.conn.SetWriteDeadline(start.Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(s.clock.Since(start).Seconds())
		case <-ticker.Chan():
			_ = s.conn.SetWriteDeadline(s.clock.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-s.done:
			return
		}
	}
}

// sseSink adapts a Server-Sent-Events response to the Sink interface. The
// handler goroutine drains Events until Done closes; Send only enqueues.
type sseSink struct {
	sendCh    chan domain.DataPoint
	done      chan struct{}
	closeOnce sync.Once
}

func newSSESink() *sseSink {
	return &sseSink{
		sendCh: make(chan domain.DataPoint, sinkBufferSize),
		done:   make(chan struct{}),
	}
}

func (s *sseSink) Send(dp domain.DataPoint) error {
	select {
	case s.sendCh <- dp:
		return nil
	case <-s.done:
		return errors.New("sink closed")
	default:
		return errSinkBufferFull
	}
}

func (s *sseSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Events is drained by the SSE handler goroutine.
func (s *sseSink) Events() <-chan domain.DataPoint {
	return s.sendCh
}

// Done closes when the dispatcher has released the sink.
func (s *sseSink) Done() <-chan struct{} {
	return s.done
}
