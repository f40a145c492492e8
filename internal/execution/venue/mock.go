package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradewire/execd/internal/execution/model"
)

// MockVenue is a scriptable in-memory venue used in tests and paper-trading
// mode. Each Submit consumes the next scripted step; like a real venue it
// collapses duplicate submissions by idempotency key, replaying the recorded
// outcome instead of executing twice.
type MockVenue struct {
	mu    sync.Mutex
	name  string
	steps []mockStep
	// executed holds the venue-side truth per idempotency key, served both
	// to duplicate submissions and to reconciliation lookups.
	executed map[string]*LookupResult
	submits  int
	lookups  int
	fillSeq  int
	autoFill bool

	// BeforeSubmit runs inside Submit before any outcome is produced. Tests
	// use it to assert the order row was durably written before the venue
	// was contacted.
	BeforeSubmit func(ctx context.Context, idempotencyKey string, order *model.Order)
}

type mockStep struct {
	result *SubmitResult
	err    error
	// visibleFills records fills the venue processed even though the caller
	// saw an error, simulating a lost acknowledgement.
	visibleFills []Fill
}

// NewMockVenue creates an empty scriptable venue.
func NewMockVenue() *MockVenue {
	return &MockVenue{
		name:     "mock",
		executed: make(map[string]*LookupResult),
	}
}

// Name identifies the venue in fill records and logs.
func (m *MockVenue) Name() string { return m.name }

// EnableAutoFill makes the venue fully fill any submission once the
// scripted steps run out. Paper-trading mode uses this.
func (m *MockVenue) EnableAutoFill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFill = true
}

func (m *MockVenue) autoFillPrice(order *model.Order) decimal.Decimal {
	if order.Price.IsPositive() {
		return order.Price
	}
	// Market orders carry no price; settle at a nominal mark.
	return decimal.NewFromInt(100)
}

// ScriptFill schedules a full fill at the given price.
func (m *MockVenue) ScriptFill(quantity, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{result: &SubmitResult{
		Outcome: OutcomeFilled,
		Fills:   []Fill{m.newFill(quantity, price)},
	}})
}

// ScriptPartialFill schedules a partial fill.
func (m *MockVenue) ScriptPartialFill(quantity, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{result: &SubmitResult{
		Outcome: OutcomePartiallyFilled,
		Fills:   []Fill{m.newFill(quantity, price)},
	}})
}

// ScriptReject schedules a terminal venue rejection.
func (m *MockVenue) ScriptReject(code, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{result: &SubmitResult{
		Outcome:   OutcomeRejected,
		ErrorCode: code,
		Reason:    reason,
	}})
}

// ScriptTimeout schedules a timeout where the venue truly did nothing.
func (m *MockVenue) ScriptTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{err: ErrTimeout})
}

// ScriptTimeoutThenVisible schedules a timeout where the venue actually
// filled the order but the acknowledgement was lost. A later lookup by
// idempotency key finds the fill.
func (m *MockVenue) ScriptTimeoutThenVisible(quantity, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, mockStep{
		err:          ErrTimeout,
		visibleFills: []Fill{m.newFill(quantity, price)},
	})
}

func (m *MockVenue) newFill(quantity, price decimal.Decimal) Fill {
	m.fillSeq++
	return Fill{
		VenueFillID: fmt.Sprintf("mock-fill-%d", m.fillSeq),
		Quantity:    quantity,
		Price:       price,
		Commission:  decimal.Zero,
	}
}

// Submit consumes the next scripted step, honoring idempotency: a key the
// venue has already executed replays the recorded outcome.
func (m *MockVenue) Submit(ctx context.Context, idempotencyKey string, order *model.Order) (*SubmitResult, error) {
	if m.BeforeSubmit != nil {
		m.BeforeSubmit(ctx, idempotencyKey, order)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++

	if prior, ok := m.executed[idempotencyKey]; ok {
		outcome := OutcomeFilled
		if prior.Status == model.OrderStatusPartiallyFilled {
			outcome = OutcomePartiallyFilled
		}
		return &SubmitResult{Outcome: outcome, Fills: prior.Fills}, nil
	}

	if len(m.steps) == 0 {
		if m.autoFill {
			result := &SubmitResult{
				Outcome: OutcomeFilled,
				Fills:   []Fill{m.newFill(order.Quantity, m.autoFillPrice(order))},
			}
			m.executed[idempotencyKey] = &LookupResult{
				Found:  true,
				Status: model.OrderStatusFilled,
				Fills:  result.Fills,
			}
			return result, nil
		}
		return nil, ErrTimeout
	}
	step := m.steps[0]
	m.steps = m.steps[1:]

	if step.err != nil {
		if len(step.visibleFills) > 0 {
			m.executed[idempotencyKey] = &LookupResult{
				Found:  true,
				Status: model.OrderStatusFilled,
				Fills:  step.visibleFills,
			}
		}
		return nil, step.err
	}

	if step.result.Outcome == OutcomeFilled || step.result.Outcome == OutcomePartiallyFilled {
		status := model.OrderStatusFilled
		if step.result.Outcome == OutcomePartiallyFilled {
			status = model.OrderStatusPartiallyFilled
		}
		m.executed[idempotencyKey] = &LookupResult{
			Found:  true,
			Status: status,
			Fills:  step.result.Fills,
		}
	}
	return step.result, nil
}

// LookupByIdempotencyKey reports the venue-side truth for the key.
func (m *MockVenue) LookupByIdempotencyKey(ctx context.Context, idempotencyKey string) (*LookupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if result, ok := m.executed[idempotencyKey]; ok {
		return result, nil
	}
	return &LookupResult{Found: false}, nil
}

// SubmitCount reports how many times Submit was called.
func (m *MockVenue) SubmitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submits
}

// LookupCount reports how many times LookupByIdempotencyKey was called.
func (m *MockVenue) LookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}
