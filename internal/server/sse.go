package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	logx "vaultpulse/pkg/logx"
)

type sseEvent struct {
	Event string
	ID    string
	Data  []byte
}

// sseBroadcaster streams relay frames to Server-Sent Events clients.
type sseBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan sseEvent]struct{}
	log     logx.Logger
	closed  bool
}

func newSSEBroadcaster(log logx.Logger) *sseBroadcaster {
	return &sseBroadcaster{clients: map[chan sseEvent]struct{}{}, log: log}
}

func (b *sseBroadcaster) publish(ev sseEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c <- ev:
		default:
			b.log.Warn("sse client buffer full; event skipped")
		}
	}
}

func (b *sseBroadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *sseBroadcaster) add() (chan sseEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	c := make(chan sseEvent, 64)
	b.clients[c] = struct{}{}
	return c, true
}

func (b *sseBroadcaster) remove(c chan sseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c)
	}
}

// shutdown closes every stream; handlers return once their channel closes.
func (b *sseBroadcaster) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for c := range b.clients {
		close(c)
		delete(b.clients, c)
	}
}

func (b *sseBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	c, ok := b.add()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer b.remove(c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": connected %s\n\n", time.Now().UTC().Format(time.RFC3339))
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-c:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) {
	if ev.Event != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Event)
	}
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}
