package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderRequest is the raw submission as received from a caller, before any
// normalization or validation.
type OrderRequest struct {
	OwnerID    uuid.UUID        `json:"owner_id"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	Type       string           `json:"type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      decimal.Decimal  `json:"price"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// AccountSnapshot carries the caller-supplied account state the validator
// checks against. The validator never fetches anything itself, which keeps
// it pure with respect to its inputs.
type AccountSnapshot struct {
	// Balance available to fund new orders, in quote currency.
	Balance decimal.Decimal `json:"balance"`
	// MarkPrices supplies the last known price per symbol, used to estimate
	// the cost of market orders.
	MarkPrices map[string]decimal.Decimal `json:"mark_prices"`
	// Positions holds the signed open quantity per symbol.
	Positions map[string]decimal.Decimal `json:"positions"`

	MaxPositionQty   decimal.Decimal `json:"max_position_qty"`
	MaxOrderNotional decimal.Decimal `json:"max_order_notional"`
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit"`
	DailyLoss        decimal.Decimal `json:"daily_loss"`
}
