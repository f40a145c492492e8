package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradewire/execd/internal/execution/audit"
	"github.com/tradewire/execd/internal/execution/model"
	"github.com/tradewire/execd/internal/execution/pubsub"
	"github.com/tradewire/execd/internal/execution/venue"
	"github.com/tradewire/execd/pkg/metrics"
)

// ExecutorConfig is passed in at construction; the executor carries no
// process-wide mutable settings, so tests can inject short backoffs and run
// deterministically.
type ExecutorConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// Backoff holds the delay before each retry, indexed by retry ordinal.
	// The last entry repeats when retries outnumber entries.
	Backoff []time.Duration `yaml:"backoff" json:"backoff"`
	// FatalErrorCodes is the venue-defined list of non-retryable rejection
	// codes. Anything outside the list is treated as transient.
	FatalErrorCodes []string `yaml:"fatal_error_codes" json:"fatal_error_codes"`
	// VenueTimeout bounds each individual venue call.
	VenueTimeout time.Duration `yaml:"venue_timeout" json:"venue_timeout"`
	// StorageRetries bounds re-attempts of post-venue persistence, which
	// must not be abandoned once the venue action has happened.
	StorageRetries int           `yaml:"storage_retries" json:"storage_retries"`
	StorageBackoff time.Duration `yaml:"storage_backoff" json:"storage_backoff"`
}

// DefaultExecutorConfig returns the production retry policy.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries: 3,
		Backoff:    []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second},
		FatalErrorCodes: []string{
			"INVALID_SYMBOL",
			"AUTH_FAILED",
			"INSUFFICIENT_FUNDS",
			"ACCOUNT_SUSPENDED",
		},
		VenueTimeout:   5 * time.Second,
		StorageRetries: 3,
		StorageBackoff: 100 * time.Millisecond,
	}
}

// cancelIntent lets a cancellation request interrupt a backoff sleep. The
// executor re-reads the persisted order before acting on it.
type cancelIntent struct {
	ch   chan struct{}
	once sync.Once
}

func (c *cancelIntent) signal() { c.once.Do(func() { close(c.ch) }) }

// Executor owns the submission state machine: persist-before-venue-contact,
// exponential-backoff retries guarded by idempotency-key reconciliation, and
// cooperative cancellation. All order mutation flows through here under the
// per-order lock.
type Executor struct {
	cfg       ExecutorConfig
	repo      model.Repository
	venue     venue.Client
	auditor   audit.Recorder
	publisher pubsub.StatusPublisher
	logger    *zap.Logger

	locks   *orderLocks
	cancels sync.Map // uuid.UUID -> *cancelIntent
}

// NewExecutor creates an executor with the given retry policy and ports.
func NewExecutor(cfg ExecutorConfig, repo model.Repository, venueClient venue.Client, auditor audit.Recorder, publisher pubsub.StatusPublisher, logger *zap.Logger) *Executor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{1 * time.Second}
	}
	if cfg.StorageRetries <= 0 {
		cfg.StorageRetries = 3
	}
	return &Executor{
		cfg:       cfg,
		repo:      repo,
		venue:     venueClient,
		auditor:   auditor,
		publisher: publisher,
		logger:    logger.Named("executor"),
		locks:     newOrderLocks(),
	}
}

// Execute runs the full submission protocol for a validated order draft.
// The order is durably recorded before the venue is ever contacted; if that
// first persist fails the venue sees nothing. On ambiguous exhaustion the
// order stays PENDING, flagged for manual reconciliation, and a
// *RetriesExhaustedError is returned.
func (e *Executor) Execute(ctx context.Context, order *model.Order) error {
	start := time.Now()
	metrics.InflightExecutions.Inc()
	defer metrics.InflightExecutions.Dec()

	intent := &cancelIntent{ch: make(chan struct{})}
	e.cancels.Store(order.ID, intent)
	defer e.cancels.Delete(order.ID)

	lock := e.locks.acquire(order.ID)
	locked := true
	defer func() {
		if locked {
			e.locks.release(order.ID, lock)
		}
	}()

	// Persist before any venue contact. A storage failure here means the
	// venue was never reached, so the caller can safely resubmit.
	if err := e.repo.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("pre-venue persist failed, venue not contacted: %w", err)
	}
	if err := e.appendAudit(ctx, order, model.AuditActionSubmitted, "", nil, ""); err != nil {
		return fmt.Errorf("pre-venue audit failed, venue not contacted: %w", err)
	}
	if err := e.appendAudit(ctx, order, model.AuditActionApproved, "", nil, ""); err != nil {
		return fmt.Errorf("pre-venue audit failed, venue not contacted: %w", err)
	}
	e.publish(ctx, order, decimal.Zero, decimal.Zero, 0, "")

	key := order.IdempotencyKey()
	var lastErr error

	for attempt := 0; ; attempt++ {
		skipSubmit := false
		if attempt > 0 {
			metrics.VenueRetries.Inc()

			// Reconcile before resubmitting: if the venue already executed
			// under this key, adopt its state instead of sending again.
			recovered, err := e.reconcile(ctx, order, key, attempt)
			switch {
			case err != nil:
				// Without a verdict on the previous attempt, resubmitting
				// risks a duplicate. Wait for the next cycle instead.
				lastErr = err
				skipSubmit = true
			case recovered:
				e.observeTerminal(order, start)
				return nil
			}
		}

		if !skipSubmit {
			result, err := e.submitOnce(ctx, order, key, attempt)
			if err == nil {
				switch result.Outcome {
				case venue.OutcomeFilled, venue.OutcomePartiallyFilled:
					if err := e.adoptFills(ctx, order, result.Fills, attempt, false); err != nil {
						return err
					}
					e.observeTerminal(order, start)
					return nil
				case venue.OutcomeRejected:
					if e.isFatal(result.ErrorCode) {
						if err := e.rejectOrder(ctx, order, result.ErrorCode, result.Reason, attempt); err != nil {
							return err
						}
						e.observeTerminal(order, start)
						return &FatalExecutionError{VenueCode: result.ErrorCode, Reason: result.Reason}
					}
					lastErr = fmt.Errorf("transient venue rejection [%s]: %s", result.ErrorCode, result.Reason)
				default:
					lastErr = fmt.Errorf("unknown venue outcome %q", result.Outcome)
				}
			} else {
				lastErr = err
			}
		}

		if attempt >= e.cfg.MaxRetries {
			break
		}

		// Sleep without holding the order lock so a cancellation request can
		// commit; the intent channel interrupts the wait early.
		e.locks.release(order.ID, lock)
		locked = false
		waitErr := e.wait(ctx, e.backoffFor(attempt), intent.ch)
		lock = e.locks.acquire(order.ID)
		locked = true
		if waitErr != nil {
			return waitErr
		}

		// The store is the source of truth: re-read before deciding anything.
		fresh, err := e.repo.GetOrderByID(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to re-read order before retry: %w", err)
		}
		*order = *fresh
		if order.IsTerminal() {
			// Cancellation (or a competing adoption) won while we slept.
			e.logger.Info("order reached terminal state during backoff",
				zap.String("order_id", order.ID.String()),
				zap.String("status", order.Status))
			return nil
		}
	}

	// Deliberately fail loud: the order is neither confirmed nor safely
	// cancellable, so it stays PENDING for a human or a reconciliation job.
	metrics.RetriesExhausted.Inc()
	order.NeedsReconciliation = true
	if err := e.persist(ctx, func() error {
		return e.repo.MarkNeedsReconciliation(ctx, order.ID)
	}); err != nil {
		e.logger.Error("failed to flag order for reconciliation", zap.Error(err),
			zap.String("order_id", order.ID.String()))
	}
	e.publish(ctx, order, decimal.Zero, decimal.Zero, e.cfg.MaxRetries, "retries exhausted, needs manual reconciliation")
	return &RetriesExhaustedError{Attempts: e.cfg.MaxRetries + 1, LastErr: lastErr}
}

// errReconcileFailed marks a failed reconciliation lookup so the retry loop
// does not resubmit blindly in the same attempt.
var errReconcileFailed = errors.New("reconciliation lookup failed")

// Cancel flips a PENDING order to CANCELLED. It takes the same per-order
// lock as the execution path, so the check is atomic against a competing
// fill confirmation: exactly one of the two outcomes wins.
func (e *Executor) Cancel(ctx context.Context, orderID uuid.UUID, reason string) error {
	lock := e.locks.acquire(orderID)
	defer e.locks.release(orderID, lock)

	order, err := e.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != model.OrderStatusPending {
		return fmt.Errorf("%w: order %s is %s", ErrNotCancellable, orderID, order.Status)
	}

	if err := order.TransitionTo(model.OrderStatusCancelled); err != nil {
		return err
	}
	if err := e.repo.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}
	if reason == "" {
		reason = "cancelled by owner"
	}
	if err := e.appendAudit(ctx, order, model.AuditActionCancelled, reason, nil, ""); err != nil {
		return err
	}
	e.publish(ctx, order, decimal.Zero, decimal.Zero, 0, reason)
	metrics.OrdersTerminal.WithLabelValues(order.Status).Inc()

	// Wake any executor sleeping in its backoff for this order.
	if v, ok := e.cancels.Load(orderID); ok {
		v.(*cancelIntent).signal()
	}

	e.logger.Info("order cancelled",
		zap.String("order_id", orderID.String()),
		zap.String("reason", reason))
	return nil
}

// submitOnce performs one venue submission, recording the `executed` audit
// entry with the attempt ordinal whether the call succeeded or not.
func (e *Executor) submitOnce(ctx context.Context, order *model.Order, key string, attempt int) (*venue.SubmitResult, error) {
	callCtx, cancel := e.venueContext(ctx)
	defer cancel()

	result, err := e.venue.Submit(callCtx, key, order)
	a := attempt
	if err != nil {
		reason := err.Error()
		code := ""
		if errors.Is(err, venue.ErrTimeout) {
			code = "TIMEOUT"
		}
		if auditErr := e.appendAudit(ctx, order, model.AuditActionExecuted, reason, &a, code); auditErr != nil {
			e.logger.Error("failed to audit venue attempt", zap.Error(auditErr))
		}
		e.logger.Warn("venue submit failed",
			zap.String("order_id", order.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return nil, err
	}

	code := result.ErrorCode
	if auditErr := e.appendAudit(ctx, order, model.AuditActionExecuted, result.Reason, &a, code); auditErr != nil {
		e.logger.Error("failed to audit venue attempt", zap.Error(auditErr))
	}
	return result, nil
}

// reconcile queries the venue by idempotency key before a retry. When the
// venue already knows the key, its status and fills are adopted locally and
// no resubmission happens.
func (e *Executor) reconcile(ctx context.Context, order *model.Order, key string, attempt int) (bool, error) {
	callCtx, cancel := e.venueContext(ctx)
	defer cancel()

	lookup, err := e.venue.LookupByIdempotencyKey(callCtx, key)
	if err != nil {
		e.logger.Warn("reconciliation lookup failed",
			zap.String("order_id", order.ID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return false, fmt.Errorf("%w: %v", errReconcileFailed, err)
	}
	if !lookup.Found {
		metrics.Reconciliations.WithLabelValues("not_found").Inc()
		return false, nil
	}

	metrics.Reconciliations.WithLabelValues("recovered").Inc()
	a := attempt
	if err := e.appendAudit(ctx, order, model.AuditActionRecovered,
		fmt.Sprintf("venue reported %s on reconciliation", lookup.Status), &a, ""); err != nil {
		e.logger.Error("failed to audit recovery", zap.Error(err))
	}

	if lookup.Status == model.OrderStatusRejected {
		if err := e.rejectOrder(ctx, order, "", "rejection discovered on reconciliation", attempt); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := e.adoptFills(ctx, order, lookup.Fills, attempt, true); err != nil {
		return false, err
	}
	return true, nil
}

// adoptFills records venue fills (deduplicated by venue fill id), folds them
// into the order, persists, audits and publishes. Used both for direct
// submit results and for reconciliation adoption.
func (e *Executor) adoptFills(ctx context.Context, order *model.Order, venueFills []venue.Fill, attempt int, recovered bool) error {
	incQty := decimal.Zero
	incNotional := decimal.Zero

	for _, vf := range venueFills {
		fill, err := model.NewFill(order.ID, e.venue.Name(), vf.VenueFillID, vf.Quantity, vf.Price, vf.Commission)
		if err != nil {
			return fmt.Errorf("venue reported malformed fill: %w", err)
		}
		var created bool
		if err := e.persist(ctx, func() error {
			var perr error
			created, perr = e.repo.CreateFill(ctx, fill)
			return perr
		}); err != nil {
			return err
		}
		if !created {
			// Already recorded by an earlier attempt; do not double-apply.
			continue
		}
		if err := order.ApplyFill(vf.Quantity, vf.Price); err != nil {
			return err
		}
		incQty = incQty.Add(vf.Quantity)
		incNotional = incNotional.Add(vf.Price.Mul(vf.Quantity))
	}

	if err := e.persist(ctx, func() error {
		return e.repo.UpdateOrder(ctx, order)
	}); err != nil {
		return err
	}

	if incQty.IsPositive() {
		a := attempt
		if err := e.appendAudit(ctx, order, model.AuditActionFilled,
			fmt.Sprintf("filled %s of %s", order.FilledQuantity, order.Quantity), &a, ""); err != nil {
			e.logger.Error("failed to audit fill", zap.Error(err))
		}
		avg := incNotional.Div(incQty)
		e.publish(ctx, order, incQty, avg, attempt, "")
	} else {
		e.publish(ctx, order, decimal.Zero, decimal.Zero, attempt, "")
	}

	e.logger.Info("order fills adopted",
		zap.String("order_id", order.ID.String()),
		zap.String("status", order.Status),
		zap.String("filled", order.FilledQuantity.String()),
		zap.Bool("recovered", recovered))
	return nil
}

// rejectOrder finalizes a venue-side terminal rejection. Fills already
// recorded stay intact; only the remainder is rejected.
func (e *Executor) rejectOrder(ctx context.Context, order *model.Order, code, reason string, attempt int) error {
	if err := order.TransitionTo(model.OrderStatusRejected); err != nil {
		return err
	}
	if err := e.persist(ctx, func() error {
		return e.repo.UpdateOrder(ctx, order)
	}); err != nil {
		return err
	}
	a := attempt
	if err := e.appendAudit(ctx, order, model.AuditActionRejected, reason, &a, code); err != nil {
		e.logger.Error("failed to audit rejection", zap.Error(err))
	}
	e.publish(ctx, order, decimal.Zero, decimal.Zero, attempt, reason)
	e.logger.Info("order rejected by venue",
		zap.String("order_id", order.ID.String()),
		zap.String("venue_code", code),
		zap.String("reason", reason))
	return nil
}

// appendAudit writes one audit entry for a transition. The transition is not
// complete until this returns, so post-venue callers run it through the
// persistence retry.
func (e *Executor) appendAudit(ctx context.Context, order *model.Order, action, reason string, attempt *int, venueCode string) error {
	entry := &model.AuditEntry{
		OrderID:   order.ID,
		OwnerID:   order.OwnerID,
		Action:    action,
		Status:    order.Status,
		Reason:    reason,
		Attempt:   attempt,
		VenueCode: venueCode,
	}
	return e.persist(ctx, func() error {
		return e.auditor.Append(ctx, entry)
	})
}

// persist retries a storage write a bounded number of times. Post-venue
// writes must not be dropped: the venue action already happened and will
// not be repeated.
func (e *Executor) persist(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < e.cfg.StorageRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("storage write abandoned: %w", ctx.Err())
		case <-time.After(e.cfg.StorageBackoff * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("storage write failed after %d attempts: %w", e.cfg.StorageRetries, err)
}

func (e *Executor) publish(ctx context.Context, order *model.Order, fillQty, fillPrice decimal.Decimal, attempt int, reason string) {
	e.publisher.PublishStatus(ctx, pubsub.OrderStatusEvent{
		OrderID:   order.ID,
		OwnerID:   order.OwnerID,
		Status:    order.Status,
		FillQty:   fillQty,
		FillPrice: fillPrice,
		Attempt:   attempt,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

func (e *Executor) observeTerminal(order *model.Order, start time.Time) {
	if order.IsTerminal() || order.Status == model.OrderStatusPartiallyFilled {
		metrics.OrdersTerminal.WithLabelValues(order.Status).Inc()
		metrics.ExecutionLatency.Observe(time.Since(start).Seconds())
	}
}

func (e *Executor) isFatal(code string) bool {
	for _, fatal := range e.cfg.FatalErrorCodes {
		if code == fatal {
			return true
		}
	}
	return false
}

func (e *Executor) backoffFor(attempt int) time.Duration {
	idx := attempt
	if idx >= len(e.cfg.Backoff) {
		idx = len(e.cfg.Backoff) - 1
	}
	return e.cfg.Backoff[idx]
}

func (e *Executor) venueContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.VenueTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.VenueTimeout)
}

// wait sleeps for the backoff duration, waking early when the context ends
// or a cancellation intent is signalled for this order.
func (e *Executor) wait(ctx context.Context, d time.Duration, cancelCh <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("execution abandoned during backoff: %w", ctx.Err())
	case <-cancelCh:
		return nil
	case <-timer.C:
		return nil
	}
}
