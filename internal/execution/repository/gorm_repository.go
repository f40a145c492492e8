// Package repository implements order and fill storage on gorm, with an
// optional redis read-through cache for hot order lookups.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tradewire/execd/internal/execution/model"
)

const orderCacheTTL = 30 * time.Second

// GormRepository implements model.Repository using GORM.
type GormRepository struct {
	db     *gorm.DB
	cache  *redis.Client
	logger *zap.Logger
}

// NewGormRepository creates a gorm-backed repository. The redis client is
// optional; when nil every read goes to the database.
func NewGormRepository(db *gorm.DB, cache *redis.Client, logger *zap.Logger) *GormRepository {
	return &GormRepository{
		db:     db,
		cache:  cache,
		logger: logger.Named("repository"),
	}
}

// CreateOrder inserts a new order row.
func (r *GormRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		r.logger.Error("failed to create order",
			zap.Error(err), zap.String("order_id", order.ID.String()))
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrderByID retrieves an order, consulting the cache first.
func (r *GormRepository) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, orderCacheKey(orderID)).Result()
		if err == nil {
			var order model.Order
			if err := json.Unmarshal([]byte(cached), &order); err == nil {
				return &order, nil
			}
		}
	}

	var order model.Order
	if err := r.db.WithContext(ctx).Where("id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if r.cache != nil {
		if data, err := json.Marshal(&order); err == nil {
			r.cache.Set(ctx, orderCacheKey(orderID), data, orderCacheTTL)
		}
	}
	return &order, nil
}

// UpdateOrder atomically replaces the mutable fields of the order row and
// invalidates the cache entry.
func (r *GormRepository) UpdateOrder(ctx context.Context, order *model.Order) error {
	order.UpdatedAt = time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"status":               order.Status,
			"filled_quantity":      order.FilledQuantity,
			"avg_fill_price":       order.AvgFillPrice,
			"needs_reconciliation": order.NeedsReconciliation,
			"updated_at":           order.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrOrderNotFound
	}
	r.invalidate(ctx, order.ID)
	return nil
}

// ListOrdersByOwner returns the owner's orders inside the time window,
// newest first.
func (r *GormRepository) ListOrdersByOwner(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]*model.Order, error) {
	var orders []*model.Order
	if err := r.db.WithContext(ctx).
		Where("owner_id = ? AND created_at >= ? AND created_at <= ?", ownerID, from, to).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders by owner: %w", err)
	}
	return orders, nil
}

// MarkNeedsReconciliation flags the order for manual follow-up after
// exhausted retries.
func (r *GormRepository) MarkNeedsReconciliation(ctx context.Context, orderID uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"needs_reconciliation": true,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark order for reconciliation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return model.ErrOrderNotFound
	}
	r.invalidate(ctx, orderID)
	return nil
}

// CreateFill inserts a fill unless the venue fill id is already recorded.
// Callers hold the order's execution lock, so the existence check cannot
// race with another writer for the same order; the unique index on
// venue_fill_id backstops everything else.
func (r *GormRepository) CreateFill(ctx context.Context, fill *model.Fill) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Fill{}).
		Where("venue_fill_id = ?", fill.VenueFillID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check fill dedup: %w", err)
	}
	if count > 0 {
		r.logger.Debug("fill already recorded, skipping",
			zap.String("venue_fill_id", fill.VenueFillID))
		return false, nil
	}
	if err := r.db.WithContext(ctx).Create(fill).Error; err != nil {
		return false, fmt.Errorf("failed to create fill: %w", err)
	}
	return true, nil
}

// ListFillsByOrder returns an order's fills ordered by timestamp.
func (r *GormRepository) ListFillsByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Fill, error) {
	var fills []*model.Fill
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&fills).Error; err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	return fills, nil
}

func (r *GormRepository) invalidate(ctx context.Context, orderID uuid.UUID) {
	if r.cache != nil {
		r.cache.Del(ctx, orderCacheKey(orderID))
	}
}

func orderCacheKey(orderID uuid.UUID) string {
	return fmt.Sprintf("order:%s", orderID.String())
}
