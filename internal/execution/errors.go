package execution

import (
	"errors"
	"fmt"
)

// Validation failure codes. Messages carry the concrete figures so a caller
// can act without guessing (required vs. available, limit vs. requested).
const (
	CodeInvalidQuantity   = "INVALID_QUANTITY"
	CodeInvalidSymbol     = "INVALID_SYMBOL"
	CodeInvalidPrice      = "INVALID_PRICE"
	CodeInvalidSide       = "INVALID_SIDE"
	CodeInvalidType       = "INVALID_TYPE"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodePositionLimit     = "POSITION_LIMIT"
	CodeNotionalLimit     = "NOTIONAL_LIMIT"
	CodeDailyLossLimit    = "DAILY_LOSS_LIMIT"
	CodeNoMarkPrice       = "NO_MARK_PRICE"
)

// ValidationError rejects a request before any persistence or venue contact.
// It is never retried; the caller must resubmit a corrected request.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed [%s]: %s", e.Code, e.Message)
}

// FatalExecutionError is a venue-reported terminal rejection. The order
// moves to REJECTED and the submission is not retried.
type FatalExecutionError struct {
	VenueCode string `json:"venue_code"`
	Reason    string `json:"reason"`
}

func (e *FatalExecutionError) Error() string {
	return fmt.Sprintf("venue rejected order [%s]: %s", e.VenueCode, e.Reason)
}

// RetriesExhaustedError surfaces when all retry attempts were consumed
// without resolution. The order stays PENDING, flagged for manual
// reconciliation; it is never silently auto-resolved.
type RetriesExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("execution unresolved after %d attempts, order needs manual reconciliation: %v",
		e.Attempts, e.LastErr)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.LastErr }

// ErrNotCancellable is returned when cancellation arrives after the order
// has left PENDING.
var ErrNotCancellable = errors.New("order is not cancellable")
