package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rahmatullahboss/cartsync/internal/notifier"
)

const heartbeatInterval = 25 * time.Second

// Events opens a server-sent-events stream for the caller's identity.
// Channel keys come from the resolved user and/or the session token; with
// neither the stream never opens. Events are notify-and-resync signals:
// receivers pull the canonical cart rather than applying payloads as deltas.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	userID, _ := s.resolver.Resolve(r)
	sessionID := requestSession(r)

	keys := make([]string, 0, 2)
	if sessionID != "" {
		keys = append(keys, sessionID)
	}
	if userID != "" {
		keys = append(keys, userID)
	}
	if len(keys) == 0 {
		respondError(w, http.StatusBadRequest, "no_channel", "no identifiable channel")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	sub, err := s.notifier.Subscribe(r.Context(), keys)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "subscribe_failed", "failed to subscribe")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, notifier.Event{Type: notifier.EventCartReady, SessionID: sessionID})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-heartbeat.C:
			// Comment line keeps intermediaries from closing idle streams.
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notifier.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("failed to marshal event: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
}
