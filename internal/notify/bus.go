// Package notify fans job events out to subscribers and keeps a short
// in-memory history per job.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventQueued    EventType = "job:queued"
	EventStarted   EventType = "job:started"
	EventProgress  EventType = "job:progress"
	EventLog       EventType = "job:log"
	EventCompleted EventType = "job:completed"
	EventFailed    EventType = "job:failed"
	EventCancelled EventType = "job:cancelled"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"jobId"`
	At      time.Time `json:"at"`
	Level   Level     `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`

	Status         string `json:"status,omitempty"`
	Progress       int    `json:"progress,omitempty"`
	ProcessedCount int    `json:"processedCount,omitempty"`
	MatchedCount   int    `json:"matchedCount,omitempty"`
	ItemCount      int    `json:"itemCount,omitempty"`
}

// Publisher is what the orchestrator needs from a bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus delivers events to every subscriber without blocking the publisher.
// A subscriber whose buffer is full misses the event.
type Bus struct {
	log    zerolog.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus(buffer int, log zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		log:    log.With().Str("component", "notify").Logger(),
		buffer: buffer,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.log.Debug().
		Str("event", string(ev.Type)).
		Str("job_id", ev.JobID).
		Int("progress", ev.Progress).
		Str("message", ev.Message).
		Msg("event")

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug().Int("subscriber", id).Str("event", string(ev.Type)).Msg("subscriber full, event dropped")
		}
	}
}

// Close closes every subscriber channel. Later publishes are no-ops for
// subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
