// Package events provides lifecycle event fan-out for bankd. Components
// publish typed events; any number of subscribers observe them with no
// required handling order.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/membank/bankd/pkg/models"
)

// Type identifies a lifecycle event.
type Type string

const (
	ExecutionStarted   Type = "execution.started"
	ExecutionCompleted Type = "execution.completed"
	ExecutionTimedOut  Type = "execution.timed_out"
	ExecutionFailed    Type = "execution.failed"
	ProcessQueued      Type = "process.queued"
	ProcessStarted     Type = "process.started"
	ProcessCompleted   Type = "process.completed"
	ProcessFailed      Type = "process.failed"
	ProcessStopped     Type = "process.stopped"
	CheckpointSaved    Type = "checkpoint.saved"
	CheckpointEvicted  Type = "checkpoint.evicted"
	RewindStarted      Type = "rewind.started"
	RewindCompleted    Type = "rewind.completed"
	RewindFailed       Type = "rewind.failed"
	ModeSwitched       Type = "mode.switched"
	SessionStarted     Type = "session.started"
	SessionEnded       Type = "session.ended"
	FileChanged        Type = "file.changed"
)

// Event is one lifecycle notification.
type Event struct {
	Type         Type                    `json:"type"`
	At           time.Time               `json:"at"`
	HandleID     string                  `json:"handle_id,omitempty"`
	CheckpointID string                  `json:"checkpoint_id,omitempty"`
	SessionID    string                  `json:"session_id,omitempty"`
	Mode         string                  `json:"mode,omitempty"`
	Path         string                  `json:"path,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Result       *models.ExecutionResult `json:"result,omitempty"`
}

// Listener receives published events. Listeners must not block; slow work
// belongs on the listener's own goroutine.
type Listener func(Event)

// Bus fans events out to registered listeners. Listener invocation order is
// unspecified; each listener observes every event published after it
// subscribed.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewBus creates an event bus with no listeners.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscribe registers a listener and returns its id for Unsubscribe.
func (b *Bus) Subscribe(fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[b.nextID] = fn
	return b.nextID
}

// Unsubscribe removes a listener. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

// Publish delivers an event to every listener. Delivery is synchronous per
// listener but makes no ordering promise across listeners.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	fns := make([]Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}

	log.Trace().Str("event", string(e.Type)).Str("handleId", e.HandleID).Msg("Event published")
}

// ListenerCount returns the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
