package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusDeliversSynchronously(t *testing.T) {
	bus := NewEventBus()

	var first, second []EventType
	bus.Subscribe(func(e Event) { first = append(first, e.Type) })
	bus.Subscribe(func(e Event) { second = append(second, e.Type) })

	bus.Publish(Event{Type: EventPartExecuting, PositionID: "p1"})
	bus.Publish(Event{Type: EventPartCompleted, PositionID: "p1"})

	// Publish returns only after every subscriber ran, in order.
	assert.Equal(t, []EventType{EventPartExecuting, EventPartCompleted}, first)
	assert.Equal(t, first, second)
}

func TestEventBusStampsTime(t *testing.T) {
	bus := NewEventBus()
	var got Event
	bus.Subscribe(func(e Event) { got = e })

	bus.Publish(Event{Type: EventPositionStarting})
	require.False(t, got.Time.IsZero())
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Publishing into the void must not panic.
	bus.Publish(Event{Type: EventError})
}

func TestSideOpposite(t *testing.T) {
	assert.Equal(t, SideShort, SideLong.Opposite())
	assert.Equal(t, SideLong, SideShort.Opposite())
}
