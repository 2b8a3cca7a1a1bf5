package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LBatsoft/e-websearch/internal/models"
)

const (
	subscriberBuffer = 256
	sseHeartbeat     = 15 * time.Second
)

// streamFilter holds the options shared by the SSE and WebSocket streams.
type streamFilter struct {
	types  map[string]struct{}
	lastID uint64
}

func parseStreamFilter(r *http.Request) streamFilter {
	f := streamFilter{types: map[string]struct{}{}}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				f.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			f.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && f.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			f.lastID = n
		}
	}
	return f
}

// admit reports whether evt should be sent and advances the cursor. Events
// already sent through the replay are dropped when they show up live.
func (f *streamFilter) admit(evt models.TraceEvent) bool {
	if evt.Seq > 0 && evt.Seq <= f.lastID {
		return false
	}
	if evt.Seq > f.lastID {
		f.lastID = evt.Seq
	}
	if len(f.types) > 0 {
		if _, ok := f.types[evt.Type]; !ok {
			return false
		}
	}
	return true
}

func writeSSE(w http.ResponseWriter, evt models.TraceEvent) {
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(evt.Marshal()))
}

// handleSSE streams the trace of a session via Server-Sent Events. Recorded
// events are replayed first; the stream ends after session_end.
// GET /agent/trace/{id}/stream?types=a,b&last_event_id=N
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	filter := parseStreamFilter(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	replay, ch, err := h.sessions.Subscribe(id, subscriberBuffer)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer h.sessions.Unsubscribe(id, ch)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprintf(w, ": connected to session %s\n\n", id)
	for _, evt := range replay {
		ended := evt.Type == models.EventSessionEnd
		if filter.admit(evt) {
			writeSSE(w, evt)
		}
		if ended {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", id))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if filter.admit(evt) {
				writeSSE(w, evt)
				flusher.Flush()
			}
			if evt.Type == models.EventSessionEnd {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
