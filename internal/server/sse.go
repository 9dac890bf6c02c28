package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseKeepalive = 25 * time.Second

// handleEvents streams bus events as server-sent events. Optional
// repeatable ?type= parameters restrict the subscription.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	types := r.URL.Query()["type"]
	ch, unsub := s.deps.Bus.SubscribeTypes(32, types...)
	defer unsub()

	s.mu.Lock()
	streamCtx := s.streamCtx
	s.mu.Unlock()
	if streamCtx == nil {
		// Router used without Start (tests); only the client bounds the stream.
		streamCtx = context.Background()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-streamCtx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			fl.Flush()
		case <-keepalive.C:
			// Comment frame; keeps proxies from cutting the stream.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			fl.Flush()
		}
	}
}
