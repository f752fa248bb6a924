package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/relay"
	"github.com/fyrsmithlabs/faultline/internal/signal"
)

const wsWriteWait = 10 * time.Second

// upgrader uses gorilla's default same-origin check: a page on another
// origin must not read captured signals.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// observe subscribes first and syncs second, so no broadcast falls in the
// gap between the snapshot and the stream.
func (s *Server) observe(c echo.Context) (<-chan []signal.Signal, func(), []signal.Signal, error) {
	updates, cancel, err := s.deps.Observer.Subscribe()
	if err != nil {
		return nil, nil, nil, echo.NewHTTPError(http.StatusServiceUnavailable, "relay unavailable").SetInternal(err)
	}
	snapshot, err := s.sync(c.Request().Context())
	if err != nil {
		cancel()
		return nil, nil, nil, syncFailed(err)
	}
	return updates, cancel, snapshot, nil
}

func snapshotMessage(signals []signal.Signal) relay.Message {
	return relay.Message{Type: relay.TypeSyncResponse, Signals: signals, Timestamp: time.Now().UTC()}
}

func stateMessage(signals []signal.Signal) relay.Message {
	return relay.Message{Type: relay.TypeStateBroadcast, Signals: signals, Timestamp: time.Now().UTC()}
}

// handleStream streams buffer state via Server-Sent Events.
//
//	event: SYNC_RESPONSE
//	data: {"type":"SYNC_RESPONSE","signals":[...]}
//
//	event: STATE_BROADCAST
//	data: {"type":"STATE_BROADCAST","signals":[...]}
//
// A comment line is sent every heartbeat interval to keep proxies from
// closing an idle stream.
func (s *Server) handleStream(c echo.Context) error {
	updates, cancel, snapshot, err := s.observe(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.metrics.streamOpened(c, "sse")()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, snapshotMessage(snapshot)); err != nil {
		return nil
	}

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case signals, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(w, stateMessage(signals)); err != nil {
				s.logger.Debug("sse client gone", zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case <-c.Request().Context().Done():
			return nil
		case <-s.done:
			return nil
		}
	}
}

func writeEvent(w *echo.Response, msg relay.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// handleWebSocket streams the same messages as handleStream over a
// WebSocket. Client messages are read and discarded; heartbeats are pings.
func (s *Server) handleWebSocket(c echo.Context) error {
	updates, cancel, snapshot, err := s.observe(c)
	if err != nil {
		return err
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()
	defer s.metrics.streamOpened(c, "ws")()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(msg relay.Message) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(msg)
	}
	if err := send(snapshotMessage(snapshot)); err != nil {
		return nil
	}

	ticker := time.NewTicker(s.config.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case signals, ok := <-updates:
			if !ok {
				s.closeWebSocket(conn, websocket.CloseGoingAway, "relay closed")
				return nil
			}
			if err := send(stateMessage(signals)); err != nil {
				s.logger.Debug("websocket client gone", zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-s.done:
			s.closeWebSocket(conn, websocket.CloseGoingAway, "server shutting down")
			return nil
		}
	}
}

func (s *Server) closeWebSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		s.logger.Debug("websocket close failed", zap.Error(err))
	}
}
