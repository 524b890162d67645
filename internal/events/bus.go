// Package events provides the subscription bus the gateway publishes
// status-change and request-log events onto. Consumers (the desktop UI, the
// WebSocket hub) subscribe explicitly; there is no implicit broadcast.
package events

import (
	"sync"
	"time"
)

// Type identifies an event kind.
type Type string

const (
	// TypeGatewayStatus is published on start/stop/restart transitions.
	TypeGatewayStatus Type = "gateway_status"
	// TypeRequestLog is published once per completed inbound request.
	TypeRequestLog Type = "request_log"
	// TypeLog carries gateway log lines intended for the UI.
	TypeLog Type = "log"
)

// Event is a single published event.
type Event struct {
	Type    Type        `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload"`
}

// GatewayStatus is the payload of TypeGatewayStatus events.
type GatewayStatus struct {
	Running      bool   `json:"running"`
	Port         int    `json:"port"`
	ProviderID   string `json:"providerId,omitempty"`
	ProviderName string `json:"providerName,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given buffer size and
// returns its channel plus a cancel function. Cancel closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers.
func (b *Bus) Publish(t Type, payload interface{}) {
	ev := Event{Type: t, Time: time.Now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop for this subscriber.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
