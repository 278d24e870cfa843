// Package events carries pipeline progress to observers such as the
// WebSocket broadcaster.
package events

import (
	"sync"
	"time"
)

// Type names a pipeline event.
type Type string

const (
	RunStarted      Type = "run_started"
	SegmentWritten  Type = "segment_written"
	SegmentAnalyzed Type = "segment_analyzed"
	RunStopped      Type = "run_stopped"
	SessionExpired  Type = "session_expired"
)

// Event is one pipeline notification.
type Event struct {
	Type     Type      `json:"type"`
	Modality string    `json:"modality,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Index    int       `json:"index"`
	Path     string    `json:"path,omitempty"`
	Failed   bool      `json:"failed,omitempty"`
	Text     string    `json:"text,omitempty"`
	Time     time.Time `json:"time"`
}

// Emitter accepts events without blocking.
type Emitter interface {
	Emit(Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(Event) {}

// Bus buffers events for one consumer and keeps a bounded history.
type Bus struct {
	mu       sync.RWMutex
	history  []Event
	maxSize  int
	eventsCh chan Event
}

// NewBus creates a bus keeping maxHistory events and buffering eventBuffer
// undelivered ones.
func NewBus(maxHistory, eventBuffer int) *Bus {
	return &Bus{
		history:  make([]Event, 0, maxHistory),
		maxSize:  maxHistory,
		eventsCh: make(chan Event, eventBuffer),
	}
}

// Emit records the event and offers it to the consumer (non-blocking).
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.maxSize {
		b.history = b.history[len(b.history)-b.maxSize:]
	}
	b.mu.Unlock()

	select {
	case b.eventsCh <- e:
	default:
	}
}

// Events returns the delivery channel.
func (b *Bus) Events() <-chan Event {
	return b.eventsCh
}

// Recent returns up to limit of the newest events, oldest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	out := make([]Event, len(b.history)-start)
	copy(out, b.history[start:])
	return out
}
