package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bus is an in-memory broadcast channel keyed by order owner. Each
// subscriber gets a buffered channel; when a subscriber falls behind, events
// are dropped for that subscriber rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[int]chan OrderStatusEvent
	nextID      int
	bufferSize  int
	logger      *zap.Logger
}

// NewBus creates a bus whose subscriber channels hold up to bufferSize
// undelivered events.
func NewBus(bufferSize int, logger *zap.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[uuid.UUID]map[int]chan OrderStatusEvent),
		bufferSize:  bufferSize,
		logger:      logger.Named("pubsub"),
	}
}

// Subscribe registers for events about the given owner's orders. The
// returned cancel function unregisters and closes the channel.
func (b *Bus) Subscribe(ownerID uuid.UUID) (<-chan OrderStatusEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan OrderStatusEvent, b.bufferSize)
	if b.subscribers[ownerID] == nil {
		b.subscribers[ownerID] = make(map[int]chan OrderStatusEvent)
	}
	b.subscribers[ownerID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[ownerID]; ok {
			if ch, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subscribers, ownerID)
			}
		}
	}
	return ch, cancel
}

// PublishStatus delivers the event to every subscriber of the event's owner.
// Slow subscribers are skipped, never waited on.
func (b *Bus) PublishStatus(ctx context.Context, event OrderStatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.OwnerID] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping status event for slow subscriber",
				zap.String("order_id", event.OrderID.String()),
				zap.String("status", event.Status))
		}
	}
}
