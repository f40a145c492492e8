// Package accounts supplies the account snapshots order validation prices
// against. The in-memory provider backs local deployments and tests; a
// production deployment substitutes a client for the balances service
// behind the same interface.
package accounts

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewire/execd/internal/execution/model"
)

// MemoryProvider serves per-owner snapshots from memory, falling back to a
// default snapshot for unknown owners.
type MemoryProvider struct {
	mu        sync.RWMutex
	snapshots map[uuid.UUID]*model.AccountSnapshot
	fallback  model.AccountSnapshot
}

// NewMemoryProvider creates a provider with the given fallback snapshot.
func NewMemoryProvider(fallback model.AccountSnapshot) *MemoryProvider {
	return &MemoryProvider{
		snapshots: make(map[uuid.UUID]*model.AccountSnapshot),
		fallback:  fallback,
	}
}

// DefaultSnapshot returns a permissive snapshot for local development.
func DefaultSnapshot() model.AccountSnapshot {
	return model.AccountSnapshot{
		Balance:          decimal.NewFromInt(1_000_000),
		MarkPrices:       map[string]decimal.Decimal{},
		Positions:        map[string]decimal.Decimal{},
		MaxPositionQty:   decimal.NewFromInt(10_000),
		MaxOrderNotional: decimal.NewFromInt(5_000_000),
		DailyLossLimit:   decimal.NewFromInt(100_000),
	}
}

// Set installs or replaces an owner's snapshot.
func (p *MemoryProvider) Set(ownerID uuid.UUID, snapshot model.AccountSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := cloneSnapshot(&snapshot)
	p.snapshots[ownerID] = cp
}

// SetMarkPrice updates the fallback mark price for a symbol.
func (p *MemoryProvider) SetMarkPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fallback.MarkPrices == nil {
		p.fallback.MarkPrices = make(map[string]decimal.Decimal)
	}
	p.fallback.MarkPrices[symbol] = price
}

// Snapshot returns a copy of the owner's snapshot, or the fallback.
func (p *MemoryProvider) Snapshot(ctx context.Context, ownerID uuid.UUID) (*model.AccountSnapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if snap, ok := p.snapshots[ownerID]; ok {
		return cloneSnapshot(snap), nil
	}
	return cloneSnapshot(&p.fallback), nil
}

func cloneSnapshot(s *model.AccountSnapshot) *model.AccountSnapshot {
	cp := *s
	cp.MarkPrices = make(map[string]decimal.Decimal, len(s.MarkPrices))
	for k, v := range s.MarkPrices {
		cp.MarkPrices[k] = v
	}
	cp.Positions = make(map[string]decimal.Decimal, len(s.Positions))
	for k, v := range s.Positions {
		cp.Positions[k] = v
	}
	return &cp
}
