package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradewire/execd/internal/execution/model"
)

// MemoryRecorder is an in-memory Recorder for tests. It copies entries on
// append and on read so callers can never mutate the stored trail.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries map[uuid.UUID][]*model.AuditEntry
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{entries: make(map[uuid.UUID][]*model.AuditEntry)}
}

// Append stores a copy of the entry with the next per-order sequence.
func (r *MemoryRecorder) Append(ctx context.Context, entry *model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *entry
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.Seq = int64(len(r.entries[entry.OrderID])) + 1
	entry.Seq = stored.Seq
	r.entries[entry.OrderID] = append(r.entries[entry.OrderID], &stored)
	return nil
}

// ListByOrder returns copies of the entries for an order in append order.
func (r *MemoryRecorder) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.entries[orderID]
	out := make([]*model.AuditEntry, len(stored))
	for i, e := range stored {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
