package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrOrderNotFound is returned by point reads that match no order.
var ErrOrderNotFound = errors.New("order not found")

// Repository defines the interface for order and fill storage. The store is
// the single source of truth: the executor re-reads through it before every
// retry decision instead of trusting in-memory state.
type Repository interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*Order, error)
	// UpdateOrder atomically replaces the mutable fields of the order row.
	UpdateOrder(ctx context.Context, order *Order) error
	ListOrdersByOwner(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]*Order, error)
	MarkNeedsReconciliation(ctx context.Context, orderID uuid.UUID) error

	// CreateFill inserts a fill, deduplicated by venue fill id. Inserting a
	// fill whose VenueFillID is already recorded is not an error; it reports
	// created=false and leaves the stored fill untouched.
	CreateFill(ctx context.Context, fill *Fill) (created bool, err error)
	ListFillsByOrder(ctx context.Context, orderID uuid.UUID) ([]*Fill, error)
}
