package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/user/ptymux/internal/sse"
)

// streamEvents serves the server event bus as Server-Sent Events. A
// reconnecting client resumes after Last-Event-ID while the bus still
// remembers it. ?session= narrows the stream to one session.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("last_event_id")
	}
	var after uint64
	if lastID != "" {
		parsed, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		after = parsed
	}
	only := r.URL.Query().Get("session")

	listener := h.registry.Events().Subscribe(after)
	defer listener.Close()

	stream := sse.NewWriter(w)
	if err := stream.WriteRetry(h.retry); err != nil {
		return
	}

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if err := stream.WriteComment("keepalive"); err != nil {
				return
			}
		case event, ok := <-listener.C():
			if !ok {
				// Detached for falling behind; the client resumes from its
				// last id.
				h.logger.Warn("event stream listener detached", "remote", r.RemoteAddr)
				return
			}
			if only != "" && event.SessionID != only {
				continue
			}
			data, err := json.Marshal(event.ServerEvent)
			if err != nil {
				h.logger.Error("encode server event", "kind", event.Kind, "error", err)
				continue
			}
			err = stream.WriteEvent(sse.Event{
				Type: string(event.Kind),
				ID:   strconv.FormatUint(event.ID, 10),
				Data: string(data),
			})
			if err != nil {
				return
			}
		}
	}
}
