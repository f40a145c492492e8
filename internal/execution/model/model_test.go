package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder(t *testing.T, qty, price int64) *Order {
	t.Helper()
	order, err := NewOrder(uuid.New(), "BTC/USDT", OrderSideBuy, OrderTypeLimit,
		decimal.NewFromInt(qty), decimal.NewFromInt(price))
	require.NoError(t, err)
	return order
}

func TestNewOrderRejectsMalformedInput(t *testing.T) {
	owner := uuid.New()
	qty := decimal.NewFromInt(1)
	price := decimal.NewFromInt(100)

	_, err := NewOrder(uuid.Nil, "BTC/USDT", OrderSideBuy, OrderTypeLimit, qty, price)
	assert.Error(t, err)

	_, err = NewOrder(owner, "", OrderSideBuy, OrderTypeLimit, qty, price)
	assert.Error(t, err)

	_, err = NewOrder(owner, "BTC/USDT", "HOLD", OrderTypeLimit, qty, price)
	assert.Error(t, err)

	_, err = NewOrder(owner, "BTC/USDT", OrderSideBuy, OrderTypeMarket, qty, price)
	assert.Error(t, err, "market order must not carry a price")

	_, err = NewOrder(owner, "BTC/USDT", OrderSideBuy, OrderTypeLimit, qty, decimal.Zero)
	assert.Error(t, err, "limit order requires a price")

	_, err = NewOrder(owner, "BTC/USDT", OrderSideBuy, OrderTypeLimit, decimal.NewFromInt(-1), price)
	assert.Error(t, err)
}

func TestNewOrderNormalizes(t *testing.T) {
	order, err := NewOrder(uuid.New(), " btc/usdt ", "buy", "limit",
		decimal.NewFromInt(2), decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", order.Symbol)
	assert.Equal(t, OrderSideBuy, order.Side)
	assert.Equal(t, OrderTypeLimit, order.Type)
	assert.Equal(t, OrderStatusPending, order.Status)
	assert.NotZero(t, order.SubmitNonce)
}

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{OrderStatusPending, OrderStatusFilled, true},
		{OrderStatusPending, OrderStatusPartiallyFilled, true},
		{OrderStatusPending, OrderStatusRejected, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusPartiallyFilled, OrderStatusRejected, true},
		{OrderStatusPartiallyFilled, OrderStatusCancelled, false},
		{OrderStatusPartiallyFilled, OrderStatusPending, false},
		{OrderStatusFilled, OrderStatusCancelled, false},
		{OrderStatusFilled, OrderStatusPending, false},
		{OrderStatusCancelled, OrderStatusFilled, false},
		{OrderStatusRejected, OrderStatusPending, false},
	}
	for _, tc := range cases {
		order := newTestOrder(t, 10, 100)
		order.Status = tc.from
		err := order.TransitionTo(tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.to, order.Status)
		} else {
			assert.Error(t, err, "%s -> %s", tc.from, tc.to)
			assert.Equal(t, tc.from, order.Status, "failed transition must not change state")
		}
	}
}

func TestTransitionToSameStatusIsNoop(t *testing.T) {
	order := newTestOrder(t, 10, 100)
	require.NoError(t, order.TransitionTo(OrderStatusPending))
	assert.Equal(t, OrderStatusPending, order.Status)
}

func TestApplyFillWeightedAverage(t *testing.T) {
	order := newTestOrder(t, 10, 100)

	require.NoError(t, order.ApplyFill(decimal.NewFromInt(4), decimal.NewFromInt(90)))
	assert.Equal(t, OrderStatusPartiallyFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromInt(90)))

	require.NoError(t, order.ApplyFill(decimal.NewFromInt(6), decimal.NewFromInt(100)))
	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(10)))
	// (4*90 + 6*100) / 10 = 96
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromInt(96)),
		"got %s", order.AvgFillPrice)
}

func TestApplyFillNeverOverfills(t *testing.T) {
	order := newTestOrder(t, 5, 100)
	require.NoError(t, order.ApplyFill(decimal.NewFromInt(3), decimal.NewFromInt(100)))

	err := order.ApplyFill(decimal.NewFromInt(3), decimal.NewFromInt(100))
	assert.Error(t, err)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(3)),
		"rejected fill must not change filled quantity")
	assert.Equal(t, OrderStatusPartiallyFilled, order.Status)
}

func TestApplyFillRejectsNonPositive(t *testing.T) {
	order := newTestOrder(t, 5, 100)
	assert.Error(t, order.ApplyFill(decimal.Zero, decimal.NewFromInt(100)))
	assert.Error(t, order.ApplyFill(decimal.NewFromInt(1), decimal.Zero))
}

func TestRemainingQuantity(t *testing.T) {
	order := newTestOrder(t, 10, 100)
	require.NoError(t, order.ApplyFill(decimal.NewFromInt(4), decimal.NewFromInt(100)))
	assert.True(t, order.RemainingQuantity().Equal(decimal.NewFromInt(6)))
}

func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	order := newTestOrder(t, 10, 100)
	key1 := order.IdempotencyKey()
	key2 := order.IdempotencyKey()
	assert.Equal(t, key1, key2)
	assert.Len(t, key1, 64)

	// The key survives status and fill mutations: it derives only from the
	// defining attributes captured at creation.
	require.NoError(t, order.ApplyFill(decimal.NewFromInt(10), decimal.NewFromInt(100)))
	assert.Equal(t, key1, order.IdempotencyKey())
}

func TestIdempotencyKeyDistinguishesSubmissions(t *testing.T) {
	a := newTestOrder(t, 10, 100)
	b := newTestOrder(t, 10, 100)
	// Same owner-independent attributes but distinct nonces: distinct keys.
	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
}

func TestIsTerminal(t *testing.T) {
	order := newTestOrder(t, 1, 1)
	for status, terminal := range map[string]bool{
		OrderStatusPending:         false,
		OrderStatusPartiallyFilled: false,
		OrderStatusFilled:          true,
		OrderStatusRejected:        true,
		OrderStatusCancelled:       true,
	} {
		order.Status = status
		assert.Equal(t, terminal, order.IsTerminal(), status)
	}
}

func TestNewFillValidation(t *testing.T) {
	orderID := uuid.New()
	qty := decimal.NewFromInt(1)
	price := decimal.NewFromInt(100)

	fill, err := NewFill(orderID, "mock", "f-1", qty, price, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, "f-1", fill.VenueFillID)
	assert.NotEqual(t, uuid.Nil, fill.ID)

	_, err = NewFill(orderID, "mock", "", qty, price, decimal.Zero)
	assert.Error(t, err)
	_, err = NewFill(orderID, "mock", "f-2", decimal.Zero, price, decimal.Zero)
	assert.Error(t, err)
	_, err = NewFill(orderID, "mock", "f-3", qty, decimal.Zero, decimal.Zero)
	assert.Error(t, err)
	_, err = NewFill(orderID, "mock", "f-4", qty, price, decimal.NewFromInt(-1))
	assert.Error(t, err)
}
