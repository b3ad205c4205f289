package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/corvusc2/corvus/events"
)

// Hub serves the operator event stream: each connected client gets its own
// bus subscription and receives every published event as a JSON frame. A
// client that cannot keep up loses events rather than stalling the bus.
type Hub struct {
	Bus          *events.Bus
	Upgrader     UpgraderOptions
	WriteTimeout time.Duration
}

// NewHub builds a hub over the event bus.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{Bus: bus, WriteTimeout: 10 * time.Second}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrade(w, r, h.Upgrader)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := h.Bus.Subscribe()
	defer cancel()

	// The read side only matters for detecting a departed peer.
	done := make(chan struct{})
	go func() {
		conn.DiscardReads()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			ctx, cancelWrite := context.WithTimeout(r.Context(), h.WriteTimeout)
			err := conn.WriteJSON(ctx, ev)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
