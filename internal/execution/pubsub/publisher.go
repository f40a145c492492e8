// Package pubsub broadcasts order lifecycle events to interested observers.
// Delivery is best-effort and asynchronous relative to the executor's
// durable writes: a missing or slow subscriber never blocks execution.
// Subscribers must tolerate duplicates and out-of-order delivery by keying
// on (order id, status) and discarding events that do not advance their
// locally known state.
package pubsub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatusEvent is published on every order transition.
type OrderStatusEvent struct {
	OrderID   uuid.UUID       `json:"order_id"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Status    string          `json:"status"`
	FillQty   decimal.Decimal `json:"fill_qty,omitempty"`
	FillPrice decimal.Decimal `json:"fill_price,omitempty"`
	Attempt   int             `json:"attempt"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusPublisher is the outbound port the executor calls after each
// transition. Implementations must not block and must not fail the caller.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, event OrderStatusEvent)
}

// Multi fans a single event out to several publishers.
type Multi []StatusPublisher

// PublishStatus delivers the event to every wrapped publisher.
func (m Multi) PublishStatus(ctx context.Context, event OrderStatusEvent) {
	for _, p := range m {
		p.PublishStatus(ctx, event)
	}
}
