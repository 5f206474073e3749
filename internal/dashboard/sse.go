package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleEvents streams every published tick snapshot as a
// server-sent event, spec.md §6's "GET /api/events". A slow client
// misses the snapshots its buffer cannot take (Bus.Publish's
// non-blocking send), so this handler never blocks the tick; a
// disconnected client ends the handler through the request context.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
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

	ch, cancel := s.deps.Bus.Subscribe(8)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
