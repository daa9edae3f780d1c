package onvifctl

import (
	"sync"
	"time"
)

// EventType names an event published by the manager
type EventType string

// Event types
const (
	EventDevicesDiscovered EventType = "devices.discovered"
	EventMotionDetected    EventType = "motion.detected"
	EventMotionStopped     EventType = "motion.stopped"
	EventPTZError          EventType = "ptz.error"
)

// Event is delivered to event bus subscribers
type Event struct {
	Type     EventType `json:"type"`
	DeviceID string    `json:"device_id,omitempty"`
	Devices  []Device  `json:"devices,omitempty"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher accepts events
type Publisher interface {
	Publish(Event)
}

type subscriber struct {
	ch    chan Event
	types map[EventType]bool
}

func (s *subscriber) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// EventBus fans events out to any number of subscribers. Publishing never
// blocks: an event is dropped for a subscriber whose buffer is full.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
	now    func() time.Time
}

// NewEventBus creates an empty event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
}

// Subscribe returns a channel receiving events of the given types (all
// types when none are given) and a cancel function that closes it
func (b *EventBus) Subscribe(buffer int, types ...EventType) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every interested subscriber without blocking
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event for this subscriber only
		}
	}
}

// Close closes every subscriber channel
func (b *EventBus) Close() {
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
