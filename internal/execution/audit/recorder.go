// Package audit persists the immutable trail of order lifecycle actions.
// The store interface exposes append and read only; update and delete do
// not exist here, and the AuditEntry gorm hooks reject them independently
// of any code path that might reach the table another way.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tradewire/execd/internal/execution/model"
)

// Recorder appends one audit entry per order transition, synchronously with
// respect to the transition that caused it.
type Recorder interface {
	Append(ctx context.Context, entry *model.AuditEntry) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.AuditEntry, error)
}

// GormRecorder implements Recorder on a gorm-managed table.
type GormRecorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormRecorder creates a database-backed audit recorder.
func NewGormRecorder(db *gorm.DB, logger *zap.Logger) *GormRecorder {
	return &GormRecorder{db: db, logger: logger.Named("audit")}
}

// Append inserts the entry with the next per-order sequence number. Callers
// hold the order's execution lock, so the count-then-insert pair cannot race
// with another writer for the same order.
func (r *GormRecorder) Append(ctx context.Context, entry *model.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&model.AuditEntry{}).
		Where("order_id = ?", entry.OrderID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("failed to sequence audit entry: %w", err)
	}
	entry.Seq = count + 1

	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	r.logger.Debug("audit entry appended",
		zap.String("order_id", entry.OrderID.String()),
		zap.String("action", entry.Action),
		zap.Int64("seq", entry.Seq))
	return nil
}

// ListByOrder returns the entries for an order in transition order.
func (r *GormRecorder) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.AuditEntry, error) {
	var entries []*model.AuditEntry
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("seq ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
