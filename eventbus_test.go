package onvifctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusFiltersByType(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all, cancelAll := bus.Subscribe(4)
	defer cancelAll()
	motion, cancelMotion := bus.Subscribe(4, EventMotionDetected, EventMotionStopped)
	defer cancelMotion()

	bus.Publish(Event{Type: EventPTZError, DeviceID: "cam"})
	bus.Publish(Event{Type: EventMotionDetected, DeviceID: "cam"})

	require.Len(t, all, 2)
	require.Len(t, motion, 1)

	ev := <-motion
	assert.Equal(t, EventMotionDetected, ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestEventBusDropsWhenFull(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	slow, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Type: EventMotionDetected, Message: "first"})
	bus.Publish(Event{Type: EventMotionStopped, Message: "second"})

	require.Len(t, slow, 1)
	assert.Equal(t, "first", (<-slow).Message)
}

func TestEventBusCancelClosesChannel(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after cancel must not panic
	bus.Publish(Event{Type: EventMotionDetected})
}

func TestEventBusClose(t *testing.T) {
	bus := NewEventBus()
	ch, cancel := bus.Subscribe(1)

	bus.Close()
	bus.Close()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
