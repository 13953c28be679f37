// Package events fans out library notifications to in-process observers and
// Server-Sent Events clients.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lucaji/Shari/internal/metrics"
)

const (
	// EventLibraryChanged carries no payload contract: observers re-read the
	// main catalog context when they receive it.
	EventLibraryChanged = "library-changed"
	// EventServerStatus is published when the file server starts or stops.
	EventServerStatus = "server-status"
)

const subscriberBuffer = 64

// Event is a notification. Only Type is part of the contract; the rest is
// diagnostic.
type Event struct {
	Type      string `json:"type"`
	Added     int    `json:"added,omitempty"`
	Removed   int    `json:"removed,omitempty"`
	Updated   int    `json:"updated,omitempty"`
	Running   *bool  `json:"running,omitempty"`
	Address   string `json:"address,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a subscriber. The returned cancel func revokes the
// subscription and closes the channel; calling it more than once is safe.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(ch) })
	}
}

func (b *Broadcaster) unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// LibraryChanged publishes the library-changed notification.
func (b *Broadcaster) LibraryChanged(added, removed, updated int) {
	b.Publish(Event{
		Type:    EventLibraryChanged,
		Added:   added,
		Removed: removed,
		Updated: updated,
	})
}

// ServerStatus publishes a server status change.
func (b *Broadcaster) ServerStatus(running bool, address string) {
	b.Publish(Event{
		Type:    EventServerStatus,
		Running: &running,
		Address: address,
	})
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
