package testutil

import (
	"context"
	"sync"

	"alexamedia/internal/events"
)

// RecordingSink records fired host events.
type RecordingSink struct {
	mu     sync.Mutex
	events []events.HostEvent
}

func (s *RecordingSink) Fire(_ context.Context, event events.HostEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (s *RecordingSink) Events() []events.HostEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.HostEvent(nil), s.events...)
}

// OfType returns the recorded events with the given type.
func (s *RecordingSink) OfType(eventType string) []events.HostEvent {
	var out []events.HostEvent
	for _, e := range s.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// MessageRecorder collects bus messages.
type MessageRecorder struct {
	mu       sync.Mutex
	messages []events.Message
}

// Publish implements the publisher interfaces used by the core components.
func (r *MessageRecorder) Publish(msg events.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

// Handler adapts the recorder to events.Bus.Subscribe.
func (r *MessageRecorder) Handler() events.Handler {
	return r.Publish
}

// Messages returns a copy of the recorded messages.
func (r *MessageRecorder) Messages() []events.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Message(nil), r.messages...)
}

// OfKind returns the recorded messages of one kind.
func (r *MessageRecorder) OfKind(kind events.Kind) []events.Message {
	var out []events.Message
	for _, m := range r.Messages() {
		if m.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}
