package events

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity is the per-subscriber buffer size.
const DefaultCapacity = 100

// Bus is a bounded broadcast channel for model events. Producers never
// block: when a subscriber's buffer is full, its oldest buffered event is
// dropped so the newest one fits. Lag is logged, never surfaced.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]chan ModelEvent
	nextID   int
	capacity int
	logger   *zap.Logger
	closed   bool
}

// NewBus creates a broadcast bus with the given per-subscriber capacity.
func NewBus(capacity int, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[int]chan ModelEvent),
		capacity: capacity,
		logger:   logger.Named("eventbus"),
	}
}

// Subscribe registers a new consumer. The returned cancel function removes
// the subscription and closes its channel.
func (b *Bus) Subscribe() (<-chan ModelEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan ModelEvent, b.capacity)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish broadcasts an event to all subscribers without blocking.
func (b *Bus) Publish(event ModelEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber lags: drop its oldest event to make room.
			select {
			case dropped := <-ch:
				b.logger.Warn("Subscriber lagging, dropped oldest event",
					zap.Int("subscriber", id),
					zap.String("dropped_kind", string(dropped.Kind)))
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
