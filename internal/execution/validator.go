package execution

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradewire/execd/internal/execution/model"
)

// symbolPattern accepts plain symbols (BTCUSDT) and delimited pairs
// (BTC/USDT, BTC-USDT) after trim/upper normalization.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]{2,12}([/-][A-Z0-9]{2,6})?$`)

// Validator checks syntactic and business-rule constraints before any side
// effect occurs. It is pure with respect to its explicit inputs and safe to
// call repeatedly with identical arguments.
type Validator struct{}

// NewValidator creates a new order validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate runs all checks in order, short-circuiting on the first failure:
// syntactic shape, affordability against the snapshot balance, then risk
// limits. On success it returns a normalized PENDING order draft.
func (v *Validator) Validate(req *model.OrderRequest, snapshot *model.AccountSnapshot) (*model.Order, *ValidationError) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	orderType := strings.ToUpper(strings.TrimSpace(req.Type))

	if verr := v.checkSyntax(req, symbol, side, orderType); verr != nil {
		return nil, verr
	}

	cost, verr := v.estimateCost(req, snapshot, symbol, orderType)
	if verr != nil {
		return nil, verr
	}
	if cost.GreaterThan(snapshot.Balance) {
		return nil, &ValidationError{
			Code: CodeInsufficientFunds,
			Message: fmt.Sprintf("order requires %s but only %s is available",
				cost.StringFixed(2), snapshot.Balance.StringFixed(2)),
		}
	}

	if verr := v.checkRiskLimits(req, snapshot, symbol, side, cost); verr != nil {
		return nil, verr
	}

	order, err := model.NewOrder(req.OwnerID, symbol, side, orderType, req.Quantity, req.Price)
	if err != nil {
		// NewOrder re-checks shape; anything surviving the syntactic pass
		// that still fails construction is reported as an invalid type.
		return nil, &ValidationError{Code: CodeInvalidType, Message: err.Error()}
	}
	order.StopLoss = req.StopLoss
	order.TakeProfit = req.TakeProfit
	return order, nil
}

func (v *Validator) checkSyntax(req *model.OrderRequest, symbol, side, orderType string) *ValidationError {
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{
			Code:    CodeInvalidQuantity,
			Message: fmt.Sprintf("quantity must be positive, got %s", req.Quantity),
		}
	}
	if !symbolPattern.MatchString(symbol) {
		return &ValidationError{
			Code:    CodeInvalidSymbol,
			Message: fmt.Sprintf("symbol %q is not well-formed", req.Symbol),
		}
	}
	if side != model.OrderSideBuy && side != model.OrderSideSell {
		return &ValidationError{
			Code:    CodeInvalidSide,
			Message: fmt.Sprintf("side must be BUY or SELL, got %q", req.Side),
		}
	}
	switch orderType {
	case model.OrderTypeMarket:
		if !req.Price.IsZero() {
			return &ValidationError{
				Code:    CodeInvalidPrice,
				Message: fmt.Sprintf("market order must not carry a price, got %s", req.Price),
			}
		}
	case model.OrderTypeLimit, model.OrderTypeStop:
		if req.Price.LessThanOrEqual(decimal.Zero) {
			return &ValidationError{
				Code:    CodeInvalidPrice,
				Message: fmt.Sprintf("%s order requires a positive price, got %s", orderType, req.Price),
			}
		}
	default:
		return &ValidationError{
			Code:    CodeInvalidType,
			Message: fmt.Sprintf("order type must be MARKET, LIMIT or STOP, got %q", req.Type),
		}
	}
	return nil
}

// estimateCost returns the funds the order could consume. Limit and stop
// orders cost price*quantity; market orders are estimated from the
// caller-supplied mark price so the validator stays side-effect free.
func (v *Validator) estimateCost(req *model.OrderRequest, snapshot *model.AccountSnapshot, symbol, orderType string) (decimal.Decimal, *ValidationError) {
	if orderType != model.OrderTypeMarket {
		return req.Price.Mul(req.Quantity), nil
	}
	mark, ok := snapshot.MarkPrices[symbol]
	if !ok || mark.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, &ValidationError{
			Code:    CodeNoMarkPrice,
			Message: fmt.Sprintf("no mark price available for %s to estimate market order cost", symbol),
		}
	}
	return mark.Mul(req.Quantity), nil
}

func (v *Validator) checkRiskLimits(req *model.OrderRequest, snapshot *model.AccountSnapshot, symbol, side string, cost decimal.Decimal) *ValidationError {
	if snapshot.MaxOrderNotional.IsPositive() && cost.GreaterThan(snapshot.MaxOrderNotional) {
		return &ValidationError{
			Code: CodeNotionalLimit,
			Message: fmt.Sprintf("order notional %s exceeds the per-order limit of %s",
				cost.StringFixed(2), snapshot.MaxOrderNotional.StringFixed(2)),
		}
	}
	if snapshot.MaxPositionQty.IsPositive() {
		delta := req.Quantity
		if side == model.OrderSideSell {
			delta = delta.Neg()
		}
		resulting := snapshot.Positions[symbol].Add(delta)
		if resulting.Abs().GreaterThan(snapshot.MaxPositionQty) {
			return &ValidationError{
				Code: CodePositionLimit,
				Message: fmt.Sprintf("resulting position %s in %s exceeds the limit of %s",
					resulting, symbol, snapshot.MaxPositionQty),
			}
		}
	}
	if snapshot.DailyLossLimit.IsPositive() && snapshot.DailyLoss.GreaterThanOrEqual(snapshot.DailyLossLimit) {
		return &ValidationError{
			Code: CodeDailyLossLimit,
			Message: fmt.Sprintf("daily loss %s has reached the limit of %s, no new orders accepted",
				snapshot.DailyLoss.StringFixed(2), snapshot.DailyLossLimit.StringFixed(2)),
		}
	}
	return nil
}
