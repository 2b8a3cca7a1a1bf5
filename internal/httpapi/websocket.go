package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/models"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin is enforced by the proxy
}

// handleWS streams the trace of a session as JSON text frames. It accepts
// the same types and last_event_id options as the SSE stream and closes
// normally after session_end.
// GET /agent/trace/{id}/ws
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	filter := parseStreamFilter(r)

	replay, ch, err := h.sessions.Subscribe(id, subscriberBuffer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer h.sessions.Unsubscribe(id, ch)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	send := func(evt models.TraceEvent) bool {
		if !filter.admit(evt) {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(evt) == nil
	}
	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(wsWriteWait))
	}

	for _, evt := range replay {
		if !send(evt) {
			return
		}
		if evt.Type == models.EventSessionEnd {
			closeNormal()
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Client frames are discarded; the read loop only notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("session_id", id))
			return
		case evt, ok := <-ch:
			if !ok {
				closeNormal()
				return
			}
			if !send(evt) {
				return
			}
			if evt.Type == models.EventSessionEnd {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
