// SSE event hub: fans backend events out to connected UI clients.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/agentdeck/agentdeck/internal/agent"
)

// subscriberBuffer is the per-client event queue depth. A client that falls
// this far behind starts losing events; the transcript endpoint is the
// recovery path.
const subscriberBuffer = 256

// Hub implements agent.UISurface and serves the /api/events SSE stream.
type Hub struct {
	mu   sync.Mutex
	subs map[chan agent.Event]struct{}
}

var _ agent.UISurface = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan agent.Event]struct{})}
}

// Emit fans one event out to every subscriber. Never blocks: a full
// subscriber queue drops the event for that subscriber only.
func (h *Hub) Emit(ev agent.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("sse: dropping event for slow subscriber", "type", ev.Type, "session", ev.HostSessionID)
		}
	}
}

func (h *Hub) subscribe() chan agent.Event {
	ch := make(chan agent.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan agent.Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// ServeHTTP streams events as SSE until the client disconnects. Each event
// is flushed individually so delivery stays real-time through the
// compression middleware.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, internalError("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("sse: cannot marshal event", "type", ev.Type, "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
