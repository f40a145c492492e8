package execution

import (
	"context"
	"errors"
	"sync"
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

// capturePublisher records every published event for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []pubsub.OrderStatusEvent
}

func (p *capturePublisher) PublishStatus(ctx context.Context, event pubsub.OrderStatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

type executorFixture struct {
	executor  *Executor
	repo      *repository.InMemoryRepository
	auditor   *audit.MemoryRecorder
	venue     *venue.MockVenue
	publisher *capturePublisher
}

func fastConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()
	cfg.Backoff = []time.Duration{5 * time.Millisecond, 5 * time.Millisecond, 5 * time.Millisecond}
	cfg.VenueTimeout = 250 * time.Millisecond
	cfg.StorageRetries = 2
	cfg.StorageBackoff = time.Millisecond
	return cfg
}

func newExecutorFixture(t *testing.T, cfg ExecutorConfig) *executorFixture {
	t.Helper()
	f := &executorFixture{
		repo:      repository.NewInMemoryRepository(),
		auditor:   audit.NewMemoryRecorder(),
		venue:     venue.NewMockVenue(),
		publisher: &capturePublisher{},
	}
	f.executor = NewExecutor(cfg, f.repo, f.venue, f.auditor, f.publisher, zaptest.NewLogger(t))
	return f
}

func newPendingOrder(t *testing.T, qty, price int64) *model.Order {
	t.Helper()
	order, err := model.NewOrder(uuid.New(), "BTC/USDT", model.OrderSideBuy, model.OrderTypeLimit,
		decimal.NewFromInt(qty), decimal.NewFromInt(price))
	require.NoError(t, err)
	return order
}

func auditActions(t *testing.T, f *executorFixture, orderID uuid.UUID) []string {
	t.Helper()
	entries, err := f.auditor.ListByOrder(context.Background(), orderID)
	require.NoError(t, err)
	actions := make([]string, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}

func TestExecuteHappyPath(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 10, 100)
	f.venue.ScriptFill(decimal.NewFromInt(10), decimal.NewFromInt(100))

	require.NoError(t, f.executor.Execute(context.Background(), order))

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, stored.Status)
	assert.True(t, stored.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, stored.AvgFillPrice.Equal(decimal.NewFromInt(100)))
	assert.False(t, stored.NeedsReconciliation)

	assert.Equal(t, 1, f.venue.SubmitCount())
	assert.Equal(t, []string{
		model.AuditActionSubmitted,
		model.AuditActionApproved,
		model.AuditActionExecuted,
		model.AuditActionFilled,
	}, auditActions(t, f, order.ID))

	fills, err := f.repo.ListFillsByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "mock", fills[0].Venue)
}

func TestExecuteNeverContactsVenueWhenPersistFails(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 1, 100)
	f.venue.ScriptFill(decimal.NewFromInt(1), decimal.NewFromInt(100))

	contacted := false
	f.venue.BeforeSubmit = func(ctx context.Context, key string, o *model.Order) {
		contacted = true
	}
	f.repo.FailNextCreate = errors.New("disk full")

	err := f.executor.Execute(context.Background(), order)
	require.Error(t, err)
	assert.False(t, contacted, "venue must not be contacted when the order was never persisted")
	assert.Empty(t, auditActions(t, f, order.ID))
	assert.Equal(t, 0, f.venue.SubmitCount())
}

func TestExecuteOrderIsDurableBeforeVenueContact(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 1, 100)
	f.venue.ScriptFill(decimal.NewFromInt(1), decimal.NewFromInt(100))

	f.venue.BeforeSubmit = func(ctx context.Context, key string, o *model.Order) {
		stored, err := f.repo.GetOrderByID(ctx, o.ID)
		require.NoError(t, err, "order must be readable before the venue sees it")
		assert.Equal(t, model.OrderStatusPending, stored.Status)
	}
	require.NoError(t, f.executor.Execute(context.Background(), order))
}

func TestExecuteFatalRejection(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 1, 100)
	f.venue.ScriptReject("INSUFFICIENT_FUNDS", "account balance too low")

	err := f.executor.Execute(context.Background(), order)
	var fatal *FatalExecutionError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "INSUFFICIENT_FUNDS", fatal.VenueCode)

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRejected, stored.Status)
	assert.Equal(t, 1, f.venue.SubmitCount(), "fatal rejection must not be retried")

	actions := auditActions(t, f, order.ID)
	assert.Equal(t, model.AuditActionRejected, actions[len(actions)-1])
}

func TestExecuteTransientRejectionRetries(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 10, 100)
	f.venue.ScriptReject("THROTTLED", "try later")
	f.venue.ScriptFill(decimal.NewFromInt(10), decimal.NewFromInt(100))

	require.NoError(t, f.executor.Execute(context.Background(), order))

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, stored.Status)
	assert.Equal(t, 2, f.venue.SubmitCount())

	entries, err := f.auditor.ListByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	var attempts []int
	for _, e := range entries {
		if e.Action == model.AuditActionExecuted {
			require.NotNil(t, e.Attempt)
			attempts = append(attempts, *e.Attempt)
		}
	}
	assert.Equal(t, []int{0, 1}, attempts, "each venue attempt is audited with its ordinal")
}

func TestExecuteTimeoutThenRecover(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 5, 200)
	// The venue fills the order but the acknowledgement is lost.
	f.venue.ScriptTimeoutThenVisible(decimal.NewFromInt(5), decimal.NewFromInt(200))

	require.NoError(t, f.executor.Execute(context.Background(), order))

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, stored.Status)

	assert.Equal(t, 1, f.venue.SubmitCount(), "recovery must not resubmit")
	assert.GreaterOrEqual(t, f.venue.LookupCount(), 1)

	fills, err := f.repo.ListFillsByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1, "the lost-ack fill is recorded exactly once")

	assert.Contains(t, auditActions(t, f, order.ID), model.AuditActionRecovered)
}

func TestExecuteTimeoutWithNoVenueStateResubmits(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 5, 200)
	f.venue.ScriptTimeout()
	f.venue.ScriptFill(decimal.NewFromInt(5), decimal.NewFromInt(200))

	require.NoError(t, f.executor.Execute(context.Background(), order))

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, stored.Status)
	assert.Equal(t, 2, f.venue.SubmitCount(), "a clean timeout resubmits under the same key")

	fills, err := f.repo.ListFillsByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestExecuteRetriesExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetries = 2
	f := newExecutorFixture(t, cfg)
	order := newPendingOrder(t, 1, 100)
	// No scripted steps: every submission times out with no venue state.

	err := f.executor.Execute(context.Background(), order)
	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, stored.Status,
		"an unresolved order is never auto-cancelled")
	assert.True(t, stored.NeedsReconciliation)
	assert.Equal(t, 3, f.venue.SubmitCount())
}

func TestExecutePartialFill(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 10, 100)
	f.venue.ScriptPartialFill(decimal.NewFromInt(4), decimal.NewFromInt(100))

	require.NoError(t, f.executor.Execute(context.Background(), order))

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, stored.Status)
	assert.True(t, stored.FilledQuantity.Equal(decimal.NewFromInt(4)))
	assert.True(t, stored.RemainingQuantity().Equal(decimal.NewFromInt(6)))
}

func TestCancelPendingOrder(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 1, 100)
	require.NoError(t, f.repo.CreateOrder(context.Background(), order))

	require.NoError(t, f.executor.Cancel(context.Background(), order.ID, "changed my mind"))

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, stored.Status)
	assert.Equal(t, []string{model.AuditActionCancelled}, auditActions(t, f, order.ID))
}

func TestCancelRejectsNonPending(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	for _, status := range []string{
		model.OrderStatusPartiallyFilled,
		model.OrderStatusFilled,
		model.OrderStatusRejected,
		model.OrderStatusCancelled,
	} {
		order := newPendingOrder(t, 1, 100)
		require.NoError(t, f.repo.CreateOrder(context.Background(), order))
		order.Status = status
		require.NoError(t, f.repo.UpdateOrder(context.Background(), order))

		err := f.executor.Cancel(context.Background(), order.ID, "")
		assert.ErrorIs(t, err, ErrNotCancellable, status)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	err := f.executor.Cancel(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, model.ErrOrderNotFound)
}

func TestCancelDuringBackoffWinsTheRace(t *testing.T) {
	cfg := fastConfig()
	cfg.Backoff = []time.Duration{500 * time.Millisecond}
	f := newExecutorFixture(t, cfg)
	order := newPendingOrder(t, 1, 100)
	// First attempt times out, putting the executor into its backoff sleep.
	f.venue.ScriptTimeout()
	f.venue.ScriptFill(decimal.NewFromInt(1), decimal.NewFromInt(100))

	attemptDone := make(chan struct{})
	f.venue.BeforeSubmit = func(ctx context.Context, key string, o *model.Order) {
		select {
		case <-attemptDone:
		default:
			close(attemptDone)
		}
	}

	execErr := make(chan error, 1)
	go func() { execErr <- f.executor.Execute(context.Background(), order) }()

	<-attemptDone
	// Give the executor a moment to enter the backoff sleep.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.executor.Cancel(context.Background(), order.ID, "user requested"))

	require.NoError(t, <-execErr)

	stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, stored.Status)
	assert.Equal(t, 1, f.venue.SubmitCount(), "no retry after cancellation committed")

	fills, err := f.repo.ListFillsByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestCancellationRaceYieldsExactlyOneTerminalState(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newExecutorFixture(t, fastConfig())
		order := newPendingOrder(t, 1, 100)
		f.venue.ScriptFill(decimal.NewFromInt(1), decimal.NewFromInt(100))

		var wg sync.WaitGroup
		wg.Add(2)
		var cancelErr error
		go func() {
			defer wg.Done()
			_ = f.executor.Execute(context.Background(), order)
		}()
		go func() {
			defer wg.Done()
			cancelErr = f.executor.Cancel(context.Background(), order.ID, "race")
		}()
		wg.Wait()

		stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
		require.NoError(t, err)
		switch stored.Status {
		case model.OrderStatusCancelled:
			assert.NoError(t, cancelErr)
			fills, _ := f.repo.ListFillsByOrder(context.Background(), order.ID)
			assert.Empty(t, fills, "a cancelled order has no fills")
		case model.OrderStatusFilled:
			if cancelErr == nil {
				t.Fatalf("both cancellation and fill claimed to win")
			}
		default:
			t.Fatalf("order ended in non-terminal state %s", stored.Status)
		}
	}
}

func TestExecutePublishesStatusTransitions(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 10, 100)
	f.venue.ScriptFill(decimal.NewFromInt(10), decimal.NewFromInt(100))

	require.NoError(t, f.executor.Execute(context.Background(), order))

	statuses := f.publisher.statuses()
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, model.OrderStatusPending, statuses[0])
	assert.Equal(t, model.OrderStatusFilled, statuses[len(statuses)-1])
}

func TestAuditTrailReconstructsFinalStatus(t *testing.T) {
	scenarios := []struct {
		name   string
		script func(m *venue.MockVenue)
		want   string
	}{
		{"filled", func(m *venue.MockVenue) {
			m.ScriptFill(decimal.NewFromInt(10), decimal.NewFromInt(100))
		}, model.OrderStatusFilled},
		{"rejected", func(m *venue.MockVenue) {
			m.ScriptReject("INVALID_SYMBOL", "unknown instrument")
		}, model.OrderStatusRejected},
		{"recovered", func(m *venue.MockVenue) {
			m.ScriptTimeoutThenVisible(decimal.NewFromInt(10), decimal.NewFromInt(100))
		}, model.OrderStatusFilled},
	}
	for _, tc := range scenarios {
		t.Run(tc.name, func(t *testing.T) {
			f := newExecutorFixture(t, fastConfig())
			order := newPendingOrder(t, 10, 100)
			tc.script(f.venue)

			_ = f.executor.Execute(context.Background(), order)

			stored, err := f.repo.GetOrderByID(context.Background(), order.ID)
			require.NoError(t, err)
			require.Equal(t, tc.want, stored.Status)

			// Replaying the trail in sequence order ends at the final status.
			entries, err := f.auditor.ListByOrder(context.Background(), order.ID)
			require.NoError(t, err)
			require.NotEmpty(t, entries)
			assert.Equal(t, stored.Status, entries[len(entries)-1].Status)
		})
	}
}

func TestAuditSequenceStrictlyIncreasing(t *testing.T) {
	f := newExecutorFixture(t, fastConfig())
	order := newPendingOrder(t, 10, 100)
	f.venue.ScriptReject("THROTTLED", "busy")
	f.venue.ScriptFill(decimal.NewFromInt(10), decimal.NewFromInt(100))

	require.NoError(t, f.executor.Execute(context.Background(), order))

	entries, err := f.auditor.ListByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq, "audit seq must be dense and increasing")
	}
}
