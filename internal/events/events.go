// Package events provides the relay's lifecycle event bus and the SQLite
// audit log behind it. The controller publishes; the admin surface and the
// audit store subscribe.
package events

import (
	"sync"
	"time"
)

// Type tags a lifecycle event.
type Type string

const (
	TypeStarted         Type = "started"
	TypeStopped         Type = "stopped"
	TypeSessionMinted   Type = "sessionMinted"
	TypeCommandQueued   Type = "commandQueued"
	TypeCommandExecuted Type = "commandExecuted"
	TypeCommandFailed   Type = "commandFailed"
	TypeCommandRejected Type = "commandRejected"
)

// Event is one lifecycle event.
type Event struct {
	ID        int64     `json:"id"`
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	CommandID string    `json:"commandId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Bus is an in-memory pub/sub for lifecycle events.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewBus creates a Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives all published events.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
		}
	}
}
