package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/terrpan/dispatch/internal/events"
)

// handleEvents streams executor events as server-sent events.  The
// optional plan query parameter narrows the stream to one plan and type
// accepts a comma-separated list of event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	planID := r.URL.Query().Get("plan")
	var types []events.Type
	if v := r.URL.Query().Get("type"); v != "" {
		for t := range strings.SplitSeq(v, ",") {
			types = append(types, events.Type(strings.TrimSpace(t)))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Long-lived stream: lift the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Warn("set write deadline for SSE", slog.String("error", err.Error()))
	}

	ch, unsub := s.bus.Subscribe(events.DefaultBuffer)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream closed")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if planID != "" && ev.PlanID != planID {
				continue
			}
			if len(types) > 0 && !slices.Contains(types, ev.Type) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
				continue
			}
			if err := writeSSEEvent(w, string(ev.Type), string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
