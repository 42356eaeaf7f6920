package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const keepaliveInterval = 30 * time.Second

// GET /api/v1/events/stream
//
// Server-sent events: one message per bus event, with a periodic
// keepalive comment so idle proxies keep the connection open.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.bus.Subscribe()
	defer h.bus.Unsubscribe(ch)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			project := strings.ReplaceAll(ev.Project, "\n", " ")
			detail := strings.ReplaceAll(ev.Detail, "\n", " ")
			fmt.Fprintf(w, "event: %s\ndata: %s|%s|%s\n\n",
				ev.Type, project, detail, ev.Time.Format(time.RFC3339))
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
