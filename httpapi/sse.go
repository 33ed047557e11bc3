package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/hub"
)

// handleStreamEvents serves an issue's event stream as SSE: buffered events
// replay first, then live ones, each as a `data:` line holding the event
// JSON. The response ends when the issue reaches a terminal status, the
// client goes away, or the subscriber falls too far behind.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.triage.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	sub, err := s.triage.Subscribe(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	fl, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, errors.New("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	keepalive := time.NewTicker(s.opts.SSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			fl.Flush()
		case ev, open := <-sub.Events():
			if !open {
				if errors.Is(sub.Err(), hub.ErrSlowSubscriber) {
					s.logger.Warn("httpapi.sse.slow_drop", "issue_id", id)
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("httpapi.sse.encode_failed", "issue_id", id, "seq", ev.SequenceNo, "error", err.Error())
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			fl.Flush()

			// The terminal status event is by contract the last one; the
			// stream is complete once it has been delivered.
			if sp, isStatus := ev.Payload.(core.StatusPayload); isStatus && sp.Status.IsTerminal() {
				return
			}
		}
	}
}
