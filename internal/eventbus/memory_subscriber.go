package eventbus

import (
	"context"
	"sync"

	"github.com/arterial/traffic-grid-controller/api/events"
)

// MemorySubscriber is a deterministic in-memory subscriber used by tests
// and the local runner.
type MemorySubscriber struct {
	mu     sync.Mutex
	events []events.Event
}

// NewMemorySubscriber returns an empty in-memory subscriber.
func NewMemorySubscriber() *MemorySubscriber {
	return &MemorySubscriber{events: make([]events.Event, 0, 64)}
}

// Deliver appends an event in memory.
func (s *MemorySubscriber) Deliver(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all delivered events.
func (s *MemorySubscriber) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Named returns the delivered events matching name, in delivery order.
func (s *MemorySubscriber) Named(name events.Name) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, 0, 8)
	for _, event := range s.events {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}
