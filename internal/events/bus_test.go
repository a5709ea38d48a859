package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: ServiceRegistered, Service: "users", InstanceID: "users-1"})

	evt := <-ch
	assert.Equal(t, ServiceRegistered, evt.Type)
	assert.Equal(t, "users", evt.Service)
	assert.Equal(t, "users-1", evt.InstanceID)
	assert.False(t, evt.Time.IsZero())
}

func TestBusDropsWhenBufferFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: GatewayRequest})
	bus.Publish(Event{Type: GatewayRequest})
	bus.Publish(Event{Type: GatewayRequest})

	assert.Equal(t, uint64(2), bus.Dropped())
}

func TestBusCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancellation must not panic.
	bus.Publish(Event{Type: ServiceUnhealthy})
}

func TestBusCloseThenCancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	bus.Close()
	cancel()

	_, open := <-ch
	require.False(t, open)
	bus.Publish(Event{Type: ServiceRecovered})
	assert.Equal(t, uint64(0), bus.Dropped())
}
