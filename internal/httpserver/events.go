package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseRetry is the reconnect delay suggested to EventSource clients.
const sseRetry = 3 * time.Second

// handleEvents streams slot changes as server-sent events:
//
//	data: {"slot":3,"version":7}
//
// The subscription is registered before the first byte is written, so a
// client that has seen the stream open will see every later change unless
// it falls behind and gets dropped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	// Streams outlive any server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetry.Milliseconds()); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		s.log.Error("events: response cannot stream", "error", err)
		return
	}
	s.log.Debug("events: subscribed", "id", sub.ID, "remote", r.RemoteAddr)

	keepAlive := time.NewTicker(s.cfg.Events.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				// dropped for falling behind, or shutting down
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
