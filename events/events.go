// Package events carries structured notifications from the agent core to
// its subscribers (operator console, websocket broadcaster, webhook). The
// bus is the core's operator-visible log: anything notable is published
// here rather than written to a logger.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies an event for subscribers that filter.
type Type string

const (
	TypeCheckin Type = "checkin"
	TypeTask    Type = "task"
	TypeResult  Type = "result"
	TypeLog     Type = "log"
)

// GlobalSender tags events not tied to a single agent.
const GlobalSender = "server"

// AgentSender builds the sender tag for one agent's events.
func AgentSender(sessionID string) string {
	return "agents/" + sessionID
}

// Event is one structured notification. Print signals the console
// subscriber to render the message; quiet events still reach every sink.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"event_type"`
	Sender       string    `json:"sender"`
	Message      string    `json:"message"`
	Print        bool      `json:"print"`
	ResponseName string    `json:"response_name,omitempty"`
	TaskID       int       `json:"task_id,omitempty"`
	TaskName     string    `json:"task_name,omitempty"`
	Task         string    `json:"task,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Sink receives events. The core depends only on this interface.
type Sink interface {
	Publish(Event)
}

// NopSink discards everything; used when no bus is wired.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// Bus fans events out to subscriber channels. Publish never blocks: a
// subscriber that falls behind its buffer loses events rather than stalling
// the agent pipeline.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber channel and returns it with a cancel
// function. Cancel closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish stamps and fans out the event without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Type == "" {
		ev.Type = TypeLog
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Log publishes a plain log event.
func Log(s Sink, sender, message string, print bool) {
	s.Publish(Event{Type: TypeLog, Sender: sender, Message: message, Print: print})
}

// Logf publishes a formatted log event.
func Logf(s Sink, sender string, print bool, format string, args ...any) {
	Log(s, sender, fmt.Sprintf(format, args...), print)
}
