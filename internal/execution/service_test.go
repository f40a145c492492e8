package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tradewire/execd/internal/execution/audit"
	"github.com/tradewire/execd/internal/execution/model"
	"github.com/tradewire/execd/internal/execution/pubsub"
	"github.com/tradewire/execd/internal/execution/repository"
	"github.com/tradewire/execd/internal/execution/venue"
)

type staticAccounts struct {
	snapshot model.AccountSnapshot
}

func (s *staticAccounts) Snapshot(ctx context.Context, ownerID uuid.UUID) (*model.AccountSnapshot, error) {
	cp := s.snapshot
	return &cp, nil
}

type serviceFixture struct {
	service *Service
	repo    *repository.InMemoryRepository
	auditor *audit.MemoryRecorder
	venue   *venue.MockVenue
	bus     *pubsub.Bus
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &serviceFixture{
		repo:    repository.NewInMemoryRepository(),
		auditor: audit.NewMemoryRecorder(),
		venue:   venue.NewMockVenue(),
		bus:     pubsub.NewBus(16, logger),
	}
	executor := NewExecutor(fastConfig(), f.repo, f.venue, f.auditor, f.bus, logger)
	accounts := &staticAccounts{snapshot: model.AccountSnapshot{
		Balance:    decimal.NewFromInt(1_000_000),
		MarkPrices: map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(50_000)},
		Positions:  map[string]decimal.Decimal{},
	}}
	f.service = NewService(DefaultServiceConfig(), NewValidator(), executor, f.repo, f.auditor, accounts, f.bus, logger)
	require.NoError(t, f.service.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.service.Stop(ctx)
	})
	return f
}

func serviceRequest(owner uuid.UUID) *model.OrderRequest {
	return &model.OrderRequest{
		OwnerID:  owner,
		Symbol:   "BTC/USDT",
		Side:     model.OrderSideBuy,
		Type:     model.OrderTypeLimit,
		Quantity: decimal.NewFromInt(2),
		Price:    decimal.NewFromInt(100),
	}
}

func TestSubmitOrderAcceptsAndExecutesAsync(t *testing.T) {
	f := newServiceFixture(t)
	owner := uuid.New()
	f.venue.ScriptFill(decimal.NewFromInt(2), decimal.NewFromInt(100))

	events, cancel, err := f.service.Subscribe(owner)
	require.NoError(t, err)
	defer cancel()

	order, err := f.service.SubmitOrder(context.Background(), serviceRequest(owner))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, order.Status)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Status == model.OrderStatusFilled {
				assert.Equal(t, order.ID, ev.OrderID)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for fill event")
		}
	}
}

func TestSubmitOrderValidationFailsSynchronously(t *testing.T) {
	f := newServiceFixture(t)
	req := serviceRequest(uuid.New())
	req.Quantity = decimal.Zero

	_, err := f.service.SubmitOrder(context.Background(), req)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, CodeInvalidQuantity, verr.Code)
	assert.Equal(t, 0, f.venue.SubmitCount(), "invalid orders never reach the venue")

	orders, err := f.repo.ListOrdersByOwner(context.Background(), req.OwnerID,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, orders, "a rejected request leaves no order record")
}

func TestSubmitAndWaitReturnsSettledOrder(t *testing.T) {
	f := newServiceFixture(t)
	f.venue.ScriptFill(decimal.NewFromInt(2), decimal.NewFromInt(100))

	order, err := f.service.SubmitAndWait(context.Background(), serviceRequest(uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
}

func TestSubmitAndWaitSurfacesFatalRejection(t *testing.T) {
	f := newServiceFixture(t)
	f.venue.ScriptReject("ACCOUNT_SUSPENDED", "account frozen")

	order, err := f.service.SubmitAndWait(context.Background(), serviceRequest(uuid.New()))
	var fatal *FatalExecutionError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, model.OrderStatusRejected, order.Status)
}

func TestGetOrderScopedToOwner(t *testing.T) {
	f := newServiceFixture(t)
	owner := uuid.New()
	f.venue.ScriptFill(decimal.NewFromInt(2), decimal.NewFromInt(100))
	order, err := f.service.SubmitAndWait(context.Background(), serviceRequest(owner))
	require.NoError(t, err)

	got, err := f.service.GetOrder(context.Background(), owner, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	_, err = f.service.GetOrder(context.Background(), uuid.New(), order.ID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound,
		"another owner must not see the order")
}

func TestCancelOrderScopedToOwner(t *testing.T) {
	f := newServiceFixture(t)
	owner := uuid.New()
	order := newPendingOrder(t, 1, 100)
	order.OwnerID = owner
	require.NoError(t, f.repo.CreateOrder(context.Background(), order))

	err := f.service.CancelOrder(context.Background(), uuid.New(), order.ID, "")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)

	require.NoError(t, f.service.CancelOrder(context.Background(), owner, order.ID, "done"))
	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, stored.Status)
}

func TestListOrdersDefaultsToLastDay(t *testing.T) {
	f := newServiceFixture(t)
	owner := uuid.New()
	f.venue.ScriptFill(decimal.NewFromInt(2), decimal.NewFromInt(100))
	_, err := f.service.SubmitAndWait(context.Background(), serviceRequest(owner))
	require.NoError(t, err)

	orders, err := f.service.ListOrders(context.Background(), owner, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	orders, err = f.service.ListOrders(context.Background(), uuid.New(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestGetAuditTrailAndFills(t *testing.T) {
	f := newServiceFixture(t)
	owner := uuid.New()
	f.venue.ScriptFill(decimal.NewFromInt(2), decimal.NewFromInt(100))
	order, err := f.service.SubmitAndWait(context.Background(), serviceRequest(owner))
	require.NoError(t, err)

	trail, err := f.service.GetAuditTrail(context.Background(), owner, order.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, trail)

	fills, err := f.service.GetFills(context.Background(), owner, order.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	_, err = f.service.GetAuditTrail(context.Background(), uuid.New(), order.ID)
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestSubmitOrderRequiresStartedService(t *testing.T) {
	logger := zaptest.NewLogger(t)
	repo := repository.NewInMemoryRepository()
	executor := NewExecutor(fastConfig(), repo, venue.NewMockVenue(), audit.NewMemoryRecorder(), pubsub.Multi{}, logger)
	svc := NewService(DefaultServiceConfig(), NewValidator(), executor, repo, audit.NewMemoryRecorder(),
		&staticAccounts{snapshot: model.AccountSnapshot{Balance: decimal.NewFromInt(1000)}}, nil, logger)

	_, err := svc.SubmitOrder(context.Background(), serviceRequest(uuid.New()))
	assert.Error(t, err)
}
