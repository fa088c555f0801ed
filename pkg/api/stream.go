package api

import (
	"encoding/json"
	"net/http"

	"github.com/calderahq/caldera/pkg/telemetry"
)

// handleStreamEvents streams live engine events as newline-delimited
// JSON until the client disconnects. Query parameters narrow the stream:
// stack selects one stack, level sets the minimum severity.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED",
			"the server connection does not support streaming")
		return
	}

	var filters []telemetry.EventFilter
	if stackID := r.URL.Query().Get("stack"); stackID != "" {
		filters = append(filters, telemetry.FilterByStackID(stackID))
	}
	if level := r.URL.Query().Get("level"); level != "" {
		filters = append(filters, telemetry.FilterByLevel(level))
	}
	filter := func(ev telemetry.Event) bool {
		for _, f := range filters {
			if !f(ev) {
				return false
			}
		}
		return true
	}

	// A slow client drops events rather than stalling the bus.
	ch := make(chan telemetry.Event, 64)
	unsubscribe := s.events.Subscribe(func(ev telemetry.Event) {
		select {
		case ch <- ev:
		default:
		}
	}, filter)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
