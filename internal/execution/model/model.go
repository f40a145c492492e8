package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Constants for order types, sides, statuses, and audit actions
const (
	// Order types
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"

	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order statuses
	OrderStatusPending         = "PENDING"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusCancelled       = "CANCELLED"

	// Audit actions
	AuditActionSubmitted = "submitted"
	AuditActionApproved  = "approved"
	AuditActionExecuted  = "executed"
	AuditActionFilled    = "filled"
	AuditActionRejected  = "rejected"
	AuditActionCancelled = "cancelled"
	AuditActionRecovered = "recovered"
)

// statusTransitions encodes the order state machine. Terminal states have no
// outgoing edges; nothing ever returns to PENDING.
var statusTransitions = map[string][]string{
	OrderStatusPending: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusRejected,
		OrderStatusCancelled,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusFilled,
		OrderStatusRejected,
	},
}

// Order represents one trader's request and its execution lifecycle.
type Order struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	OwnerID        uuid.UUID       `json:"owner_id" gorm:"type:uuid;not null;index:idx_orders_owner_created"`
	Symbol         string          `json:"symbol" gorm:"type:varchar(20);not null"`
	Side           string          `json:"side" gorm:"type:varchar(10);not null"`
	Type           string          `json:"type" gorm:"type:varchar(10);not null"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(20,8)"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8);not null"`
	FilledQuantity decimal.Decimal `json:"filled_quantity" gorm:"type:decimal(20,8)"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price" gorm:"type:decimal(20,8)"`
	StopLoss       *decimal.Decimal `json:"stop_loss,omitempty" gorm:"type:decimal(20,8)"`
	TakeProfit     *decimal.Decimal `json:"take_profit,omitempty" gorm:"type:decimal(20,8)"`
	Status         string          `json:"status" gorm:"type:varchar(20);not null;index"`
	// SubmitNonce pins the idempotency key across process restarts. It is
	// captured exactly once when the order draft is created.
	SubmitNonce          int64      `json:"submit_nonce" gorm:"not null"`
	NeedsReconciliation  bool       `json:"needs_reconciliation" gorm:"not null;default:false"`
	ExpireAt             *time.Time `json:"expire_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at" gorm:"not null;index:idx_orders_owner_created"`
	UpdatedAt            time.Time  `json:"updated_at" gorm:"not null"`
}

// Fill represents one discrete execution event against an order.
// Fills are immutable once recorded and deduplicated by VenueFillID.
type Fill struct {
	ID          uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	OrderID     uuid.UUID       `json:"order_id" gorm:"type:uuid;not null;index"`
	VenueFillID string          `json:"venue_fill_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	Venue       string          `json:"venue" gorm:"type:varchar(32);not null"`
	Quantity    decimal.Decimal `json:"quantity" gorm:"type:decimal(20,8);not null"`
	Price       decimal.Decimal `json:"price" gorm:"type:decimal(20,8);not null"`
	Commission  decimal.Decimal `json:"commission" gorm:"type:decimal(20,8)"`
	CreatedAt   time.Time       `json:"created_at" gorm:"not null;index"`
}

// AuditEntry is an append-only record of one lifecycle action. Seq is
// strictly increasing per order so the trail replays deterministically.
type AuditEntry struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	OrderID   uuid.UUID `json:"order_id" gorm:"type:uuid;not null;index:idx_audit_order_seq"`
	OwnerID   uuid.UUID `json:"owner_id" gorm:"type:uuid;not null;index"`
	Action    string    `json:"action" gorm:"type:varchar(20);not null"`
	Status    string    `json:"status" gorm:"type:varchar(20);not null"`
	Reason    string    `json:"reason,omitempty" gorm:"type:text"`
	Attempt   *int      `json:"attempt,omitempty"`
	VenueCode string    `json:"venue_code,omitempty" gorm:"type:varchar(40)"`
	Seq       int64     `json:"seq" gorm:"not null;index:idx_audit_order_seq"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
}

// BeforeUpdate blocks mutation of audit entries at the storage boundary.
func (a *AuditEntry) BeforeUpdate(tx *gorm.DB) error {
	return fmt.Errorf("audit entries are append-only: update rejected for %s", a.ID)
}

// BeforeDelete blocks deletion of audit entries at the storage boundary.
func (a *AuditEntry) BeforeDelete(tx *gorm.DB) error {
	return fmt.Errorf("audit entries are append-only: delete rejected for %s", a.ID)
}

// NewOrder builds a PENDING order draft, rejecting malformed construction.
// Validation beyond structural shape (affordability, risk) belongs to the
// Validator; this constructor only refuses orders that can never be legal.
func NewOrder(ownerID uuid.UUID, symbol, side, orderType string, quantity, price decimal.Decimal) (*Order, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	side = strings.ToUpper(strings.TrimSpace(side))
	orderType = strings.ToUpper(strings.TrimSpace(orderType))

	if ownerID == uuid.Nil {
		return nil, fmt.Errorf("owner id is required")
	}
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if side != OrderSideBuy && side != OrderSideSell {
		return nil, fmt.Errorf("invalid side %q", side)
	}
	switch orderType {
	case OrderTypeMarket:
		if !price.IsZero() {
			return nil, fmt.Errorf("market order must not carry a price")
		}
	case OrderTypeLimit, OrderTypeStop:
		if price.LessThanOrEqual(decimal.Zero) {
			return nil, fmt.Errorf("%s order requires a positive price", orderType)
		}
	default:
		return nil, fmt.Errorf("invalid order type %q", orderType)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quantity must be positive, got %s", quantity)
	}

	now := time.Now().UTC()
	return &Order{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Symbol:         symbol,
		Side:           side,
		Type:           orderType,
		Price:          price,
		Quantity:       quantity,
		FilledQuantity: decimal.Zero,
		AvgFillPrice:   decimal.Zero,
		Status:         OrderStatusPending,
		SubmitNonce:    now.UnixNano(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// IsTerminal reports whether the order status permits no further transition.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the state machine allows moving to status.
func (o *Order) CanTransitionTo(status string) bool {
	for _, next := range statusTransitions[o.Status] {
		if next == status {
			return true
		}
	}
	return false
}

// TransitionTo moves the order to the given status, enforcing the state
// machine. Terminal states absorb: any transition out of them is an error.
func (o *Order) TransitionTo(status string) error {
	if o.Status == status {
		return nil
	}
	if !o.CanTransitionTo(status) {
		return fmt.Errorf("illegal order transition %s -> %s", o.Status, status)
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// RemainingQuantity returns the unfilled portion of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// ApplyFill folds one execution into the order: filled quantity grows
// monotonically and never exceeds the requested quantity, and the average
// fill price is the quantity-weighted mean across all fills. The status
// moves to PARTIALLY_FILLED or FILLED accordingly.
func (o *Order) ApplyFill(quantity, price decimal.Decimal) error {
	if quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill quantity must be positive, got %s", quantity)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("fill price must be positive, got %s", price)
	}
	newFilled := o.FilledQuantity.Add(quantity)
	if newFilled.GreaterThan(o.Quantity) {
		return fmt.Errorf("fill of %s overfills order %s: %s filled of %s requested",
			quantity, o.ID, o.FilledQuantity, o.Quantity)
	}

	// Weighted average over previously filled quantity plus this fill.
	notional := o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(quantity))
	o.AvgFillPrice = notional.Div(newFilled)
	o.FilledQuantity = newFilled

	target := OrderStatusPartiallyFilled
	if newFilled.Equal(o.Quantity) {
		target = OrderStatusFilled
	}
	return o.TransitionTo(target)
}

// IdempotencyKey derives the deterministic venue idempotency key from the
// order's defining attributes. The same logical submission always yields the
// same key across retries and process restarts.
func (o *Order) IdempotencyKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d",
		o.OwnerID, o.Symbol, o.Side, o.Type,
		o.Quantity.String(), o.Price.String(), o.SubmitNonce)
	return hex.EncodeToString(h.Sum(nil))
}

// NewFill builds an immutable fill record for a confirmed venue execution.
func NewFill(orderID uuid.UUID, venue, venueFillID string, quantity, price, commission decimal.Decimal) (*Fill, error) {
	if venueFillID == "" {
		return nil, fmt.Errorf("venue fill id is required")
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("fill quantity must be positive, got %s", quantity)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("fill price must be positive, got %s", price)
	}
	if commission.IsNegative() {
		return nil, fmt.Errorf("commission must be non-negative, got %s", commission)
	}
	return &Fill{
		ID:          uuid.New(),
		OrderID:     orderID,
		VenueFillID: venueFillID,
		Venue:       venue,
		Quantity:    quantity,
		Price:       price,
		Commission:  commission,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
