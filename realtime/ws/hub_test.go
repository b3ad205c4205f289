package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corvusc2/corvus/events"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubStreamsEvents(t *testing.T) {
	bus := events.NewBus(8)
	hub := NewHub(bus)
	conn := dialHub(t, hub)

	// The subscription races the dial returning; publish until the frame
	// arrives or the deadline hits.
	got := make(chan events.Event, 1)
	go func() {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ev := <-got:
			if ev.Message != "agent AB12CD34 checked in" {
				t.Fatalf("event %+v", ev)
			}
			if ev.ID == "" || ev.Timestamp.IsZero() {
				t.Fatalf("event not stamped: %+v", ev)
			}
			return
		case <-tick.C:
			bus.Publish(events.Event{Type: events.TypeCheckin, Message: "agent AB12CD34 checked in"})
		case <-deadline:
			t.Fatal("no event arrived")
		}
	}
}

func TestHubRejectsBadOrigin(t *testing.T) {
	bus := events.NewBus(1)
	hub := NewHub(bus)
	hub.Upgrader.CheckOrigin = NewOriginChecker([]string{"ops.example.com"}, false)

	srv := httptest.NewServer(hub)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	if _, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example.net"}}); err == nil {
		t.Fatal("dial succeeded from disallowed origin")
	}
	if _, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://ops.example.com"}}); err != nil {
		t.Fatalf("dial failed from allowed origin: %v", err)
	}
}
