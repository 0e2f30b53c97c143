package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-archive/core"
	"github.com/becomeliminal/nim-archive/metrics"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
	wsWriteWait  = 10 * time.Second
)

// WSFrame is sent by the server on an ingest WebSocket. The first frame is
// a "session" frame; every inbound event gets an "ack" or "error" frame in
// order.
type WSFrame struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Seq       int64            `json:"seq,omitempty"`
	ID        string           `json:"id,omitempty"`
	State     core.RecordState `json:"state,omitempty"`
	Revision  int64            `json:"revision,omitempty"`
	Error     string           `json:"error,omitempty"`
	Status    int              `json:"status,omitempty"`
}

// handleWebsocket accepts a stream of MessageEvents, one JSON object per
// text frame, applying them in arrival order.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	logger := s.logger.With().Str("session_id", sessionID).Logger()
	metrics.WebsocketSessions.Inc()
	defer metrics.WebsocketSessions.Dec()
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("ingest session opened")

	conn.SetReadLimit(s.cfg.MaxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	if err := writeFrame(conn, WSFrame{Type: "session", SessionID: sessionID}); err != nil {
		return
	}

	var seq int64
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("ingest session read failed")
			}
			logger.Info().Int64("events", seq).Msg("ingest session closed")
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		seq++

		frame := s.ingestFrame(r, data)
		frame.Seq = seq
		if err := writeFrame(conn, frame); err != nil {
			logger.Warn().Err(err).Msg("ingest session write failed")
			return
		}
	}
}

func (s *Server) ingestFrame(r *http.Request, data []byte) WSFrame {
	var ev core.MessageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		err = fmt.Errorf("%w: decode event: %w", core.ErrInvalidEvent, err)
		return WSFrame{Type: "error", Error: err.Error(), Status: http.StatusBadRequest}
	}
	rec, err := s.router.Ingest(r.Context(), &ev)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("message_id", ev.ID).Msg("websocket ingest failed")
		}
		return WSFrame{Type: "error", ID: ev.ID, Error: err.Error(), Status: status}
	}
	return WSFrame{Type: "ack", ID: rec.ID, State: rec.State, Revision: rec.Revision}
}

func writeFrame(conn *websocket.Conn, frame WSFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(frame)
}
