// Package venue defines the execution venue client contract and its
// implementations. The venue fills orders, reports terminal rejections, or
// times out; it detects duplicate submissions by idempotency key.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tradewire/execd/internal/execution/model"
)

// ErrTimeout marks a venue call whose outcome is unknown. Callers must
// reconcile by idempotency key before resubmitting.
var ErrTimeout = errors.New("venue call timed out")

// Submit outcomes.
const (
	OutcomeFilled          = "FILLED"
	OutcomePartiallyFilled = "PARTIALLY_FILLED"
	OutcomeRejected        = "REJECTED"
)

// Fill is one execution reported by the venue.
type Fill struct {
	VenueFillID string          `json:"venue_fill_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Commission  decimal.Decimal `json:"commission"`
}

// SubmitResult is the venue's answer to a submission.
type SubmitResult struct {
	Outcome   string `json:"outcome"`
	Fills     []Fill `json:"fills,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LookupResult reports the venue-side state of a previously submitted order.
type LookupResult struct {
	Found  bool   `json:"found"`
	Status string `json:"status,omitempty"`
	Fills  []Fill `json:"fills,omitempty"`
}

// Client is the execution venue port. Transport failures and timeouts are
// returned as errors (wrapping ErrTimeout when the outcome is unknown);
// venue-level rejections come back inside SubmitResult.
type Client interface {
	// Submit sends the order under the given idempotency key.
	Submit(ctx context.Context, idempotencyKey string, order *model.Order) (*SubmitResult, error)
	// LookupByIdempotencyKey queries for an order previously submitted with
	// the key, used by the reconciler before any resubmission.
	LookupByIdempotencyKey(ctx context.Context, idempotencyKey string) (*LookupResult, error)
	// Name identifies the venue in fill records and logs.
	Name() string
}
