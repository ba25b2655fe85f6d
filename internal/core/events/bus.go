// Package events is the outbound notification port of custody and dispatch.
//
// Publishing is best-effort: a subscriber whose buffer is full misses the event
// and the publisher never blocks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/custody/internal/core/domain"
)

// Publisher is what emitting components depend on.
type Publisher interface {
	Publish(evt domain.Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(domain.Event) {}

// Bus fans events out to buffered subscriber channels.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscription
	closed      bool
	log         *slog.Logger
}

type subscription struct {
	ch    chan domain.Event
	types map[domain.EventType]struct{}
}

// NewBus creates an empty bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*subscription),
		log:         log,
	}
}

// Subscribe registers a subscriber with the given buffer size. With no types
// the subscriber receives every event.
func (b *Bus) Subscribe(buffer int, types ...domain.EventType) (string, <-chan domain.Event) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan domain.Event, buffer)}
	if len(types) > 0 {
		sub.types = make(map[domain.EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	id := uuid.Must(uuid.NewV7()).String()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return id, sub.ch
	}
	b.subscribers[id] = sub
	return id, sub.ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Publish delivers evt to every interested subscriber without blocking.
func (b *Bus) Publish(evt domain.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subscribers {
		if sub.types != nil {
			if _, ok := sub.types[evt.Type]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- evt:
		default:
			b.log.Debug("Subscriber buffer full, dropping event", "subscriber", id, "type", evt.Type)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// LogEvents drains a subscription into the logger until ctx is done or the channel closes.
func LogEvents(ctx context.Context, log *slog.Logger, ch <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			log.Info("Event",
				"type", evt.Type,
				"network", evt.Network,
				"user", evt.UserID,
				"address", evt.Address,
				"tx", evt.TxID,
			)
		}
	}
}
