package events

import (
	"sync"
	"time"
)

// Type identifies a kind of event published on the bus
type Type string

const (
	// ServiceRegistered is emitted when an instance is added to the registry
	ServiceRegistered Type = "serviceRegistered"
	// ServiceDeregistered is emitted when an instance is removed from the registry
	ServiceDeregistered Type = "serviceDeregistered"
	// ServiceRecovered is emitted on an unhealthy-to-healthy transition
	ServiceRecovered Type = "serviceRecovered"
	// ServiceUnhealthy is emitted on a healthy-to-unhealthy transition
	ServiceUnhealthy Type = "serviceUnhealthy"
	// BreakerStateChanged is emitted whenever a breaker changes state
	BreakerStateChanged Type = "breakerStateChanged"
	// BreakerRequestRejected is emitted when an open breaker rejects a call
	BreakerRequestRejected Type = "breakerRequestRejected"
	// BreakerRequestSucceeded is emitted when a call through a breaker succeeds
	BreakerRequestSucceeded Type = "breakerRequestSucceeded"
	// BreakerRequestFailed is emitted when a call through a breaker fails
	BreakerRequestFailed Type = "breakerRequestFailed"
	// GatewayRequest is emitted with the outcome of each proxied request
	GatewayRequest Type = "gatewayRequest"
)

// Event is a typed notification published by the resilience components.
// Interested collaborators (logging, service manager) subscribe to the bus
// instead of hooking an emitter.
type Event struct {
	Type       Type
	Service    string
	InstanceID string
	Detail     map[string]interface{}
	Time       time.Time
}

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped uint64
	closed  bool
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a buffered subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber that has buffer capacity
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events were discarded due to full subscriber buffers
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Close stops delivery and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}
