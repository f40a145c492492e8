package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/execd/internal/execution/model"
)

// InMemoryRepository implements model.Repository with maps, for tests and
// local development. It copies records in and out so callers never share
// memory with the store, mirroring a real database's semantics.
type InMemoryRepository struct {
	mu           sync.RWMutex
	orders       map[uuid.UUID]*model.Order
	fills        map[uuid.UUID][]*model.Fill
	fillsByVenue map[string]struct{}

	// FailNextCreate makes the next CreateOrder fail, for storage-error
	// paths in tests.
	FailNextCreate error
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		orders:       make(map[uuid.UUID]*model.Order),
		fills:        make(map[uuid.UUID][]*model.Fill),
		fillsByVenue: make(map[string]struct{}),
	}
}

// CreateOrder stores a copy of the order.
func (r *InMemoryRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailNextCreate; err != nil {
		r.FailNextCreate = nil
		return err
	}
	cp := *order
	r.orders[order.ID] = &cp
	return nil
}

// GetOrderByID returns a copy of the stored order.
func (r *InMemoryRepository) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

// UpdateOrder replaces the stored order with a copy of the given one.
func (r *InMemoryRepository) UpdateOrder(ctx context.Context, order *model.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; !ok {
		return model.ErrOrderNotFound
	}
	order.UpdatedAt = time.Now().UTC()
	cp := *order
	r.orders[order.ID] = &cp
	return nil
}

// ListOrdersByOwner returns the owner's orders inside the window, newest first.
func (r *InMemoryRepository) ListOrdersByOwner(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Order
	for _, order := range r.orders {
		if order.OwnerID != ownerID {
			continue
		}
		if order.CreatedAt.Before(from) || order.CreatedAt.After(to) {
			continue
		}
		cp := *order
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MarkNeedsReconciliation flags the order for manual follow-up.
func (r *InMemoryRepository) MarkNeedsReconciliation(ctx context.Context, orderID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return model.ErrOrderNotFound
	}
	order.NeedsReconciliation = true
	order.UpdatedAt = time.Now().UTC()
	return nil
}

// CreateFill stores a copy of the fill unless its venue fill id is known.
func (r *InMemoryRepository) CreateFill(ctx context.Context, fill *model.Fill) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.fillsByVenue[fill.VenueFillID]; dup {
		return false, nil
	}
	cp := *fill
	r.fills[fill.OrderID] = append(r.fills[fill.OrderID], &cp)
	r.fillsByVenue[fill.VenueFillID] = struct{}{}
	return true, nil
}

// ListFillsByOrder returns copies of an order's fills ordered by timestamp.
func (r *InMemoryRepository) ListFillsByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Fill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.fills[orderID]
	out := make([]*model.Fill, len(stored))
	for i, f := range stored {
		cp := *f
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
