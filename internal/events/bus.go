// Package events carries change notifications from the reconciliation core
// to in-process subscribers, and user-facing events to the host.
package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler receives published messages.
type Handler func(msg Message)

// Subscription represents an active bus subscription.
type Subscription interface {
	ID() string
	Unsubscribe()
}

type subscription struct {
	id  string
	bus *Bus
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Unsubscribe() {
	s.bus.unsubscribe(s.id)
}

type subscriberEntry struct {
	id      string
	kinds   map[Kind]bool
	handler Handler
}

// Bus is a per-account typed publish/subscribe channel. Delivery is
// synchronous on the publishing goroutine, in subscription order.
type Bus struct {
	logger      *zap.Logger
	mu          sync.RWMutex
	subscribers []subscriberEntry
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger.Named("bus")}
}

// Subscribe registers handler for the given kinds, or for every kind when none
// are given.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) Subscription {
	entry := subscriberEntry{
		id:      uuid.NewString(),
		handler: handler,
	}
	if len(kinds) > 0 {
		entry.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			entry.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, entry)
	b.mu.Unlock()

	return &subscription{id: entry.id, bus: b}
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.subscribers {
		if entry.id == id {
			b.subscribers = append(b.subscribers[:i:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers msg to every matching subscriber. A panicking handler is
// logged and does not stop delivery to the others.
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	entries := append([]subscriberEntry(nil), b.subscribers...)
	b.mu.RUnlock()

	for _, entry := range entries {
		if entry.kinds != nil && !entry.kinds[msg.Kind()] {
			continue
		}
		b.deliver(entry, msg)
	}
}

func (b *Bus) deliver(entry subscriberEntry, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscriber panicked",
				zap.String("kind", msg.Kind().String()),
				zap.String("subscription", entry.id),
				zap.Any("panic", r))
		}
	}()
	entry.handler(msg)
}

// Count returns the number of active subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
