package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// heartbeatInterval paces the comment lines that keep idle event streams
// from being reaped by proxies.
const heartbeatInterval = 15 * time.Second

// handleEvents streams the event feed as server-sent events, one JSON
// encoded event per message, in collector order. The stream ends when the
// client hangs up or the daemon shuts down.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.reject(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events := s.jober.Events(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-events:
			if !ok {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to encode event", "err", err)
				continue
			}

			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
