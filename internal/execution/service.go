package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradewire/execd/internal/execution/audit"
	"github.com/tradewire/execd/internal/execution/model"
	"github.com/tradewire/execd/internal/execution/pubsub"
	"github.com/tradewire/execd/pkg/metrics"
)

// AccountProvider supplies the account snapshot the validator prices an
// order against. Implementations are expected to be fast; the snapshot is
// taken once per submission.
type AccountProvider interface {
	Snapshot(ctx context.Context, ownerID uuid.UUID) (*model.AccountSnapshot, error)
}

// ServiceConfig bounds the asynchronous execution pool.
type ServiceConfig struct {
	// MaxConcurrentExecutions caps in-flight venue submissions across all
	// orders. Zero means a sensible default.
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions" json:"max_concurrent_executions"`
	// SubmitQueueTimeout bounds how long SubmitOrder waits for a pool slot.
	SubmitQueueTimeout time.Duration `yaml:"submit_queue_timeout" json:"submit_queue_timeout"`
}

// DefaultServiceConfig returns the production pool sizing.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxConcurrentExecutions: 64,
		SubmitQueueTimeout:      2 * time.Second,
	}
}

// Service is the application facade: it validates, accepts, and tracks
// orders, delegating the submission protocol to the executor. Acceptance is
// synchronous (validate + persist + audit); venue execution runs in the
// background pool unless the caller asks to wait.
type Service struct {
	cfg       ServiceConfig
	validator *Validator
	executor  *Executor
	repo      model.Repository
	auditor   audit.Recorder
	accounts  AccountProvider
	bus       *pubsub.Bus
	logger    *zap.Logger

	sem     chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewService wires the facade. The bus may be nil when no in-process
// subscribers are needed.
func NewService(cfg ServiceConfig, validator *Validator, executor *Executor, repo model.Repository, auditor audit.Recorder, accounts AccountProvider, bus *pubsub.Bus, logger *zap.Logger) *Service {
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = 64
	}
	if cfg.SubmitQueueTimeout <= 0 {
		cfg.SubmitQueueTimeout = 2 * time.Second
	}
	return &Service{
		cfg:       cfg,
		validator: validator,
		executor:  executor,
		repo:      repo,
		auditor:   auditor,
		accounts:  accounts,
		bus:       bus,
		logger:    logger.Named("execution"),
		sem:       make(chan struct{}, cfg.MaxConcurrentExecutions),
	}
}

// Start prepares the background pool. Must be called before SubmitOrder.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("execution service already started")
	}
	s.baseCtx, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.logger.Info("execution service started",
		zap.Int("max_concurrent", s.cfg.MaxConcurrentExecutions))
	return nil
}

// Stop waits for in-flight executions to settle, then releases resources.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with executions still in flight")
	}
	s.stop()
	s.logger.Info("execution service stopped")
	return nil
}

// SubmitOrder validates the request and hands the order to the background
// pool. The returned order is PENDING; callers follow progress over the
// status stream or by polling. Validation failures surface synchronously.
func (s *Service) SubmitOrder(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	order, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	select {
	case s.sem <- struct{}{}:
	case <-time.After(s.cfg.SubmitQueueTimeout):
		return nil, fmt.Errorf("execution pool saturated, try again")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	metrics.OrdersSubmitted.WithLabelValues(order.Side).Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		// Detached from the request context: an accepted order outlives
		// the HTTP request that carried it.
		if err := s.executor.Execute(s.baseCtx, order); err != nil {
			s.logger.Warn("order execution finished with error",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
		}
	}()

	cp := *order
	return &cp, nil
}

// SubmitAndWait validates and executes inline, returning the settled order.
// Used by batch tooling and tests; interactive traffic uses SubmitOrder.
func (s *Service) SubmitAndWait(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	order, err := s.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.OrdersSubmitted.WithLabelValues(order.Side).Inc()
	execErr := s.executor.Execute(ctx, order)
	settled, getErr := s.repo.GetOrderByID(ctx, order.ID)
	if getErr != nil {
		settled = order
	}
	return settled, execErr
}

func (s *Service) validate(ctx context.Context, req *model.OrderRequest) (*model.Order, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("execution service not started")
	}

	snapshot, err := s.accounts.Snapshot(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account snapshot: %w", err)
	}
	order, verr := s.validator.Validate(req, snapshot)
	if verr != nil {
		s.logger.Info("order rejected by validation",
			zap.String("owner_id", req.OwnerID.String()),
			zap.String("code", verr.Code),
			zap.String("reason", verr.Message))
		return nil, verr
	}
	return order, nil
}

// CancelOrder requests cancellation of a PENDING order owned by ownerID.
func (s *Service) CancelOrder(ctx context.Context, ownerID, orderID uuid.UUID, reason string) error {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.OwnerID != ownerID {
		// Do not leak existence of other owners' orders.
		return model.ErrOrderNotFound
	}
	return s.executor.Cancel(ctx, orderID, reason)
}

// GetOrder returns an order scoped to its owner.
func (s *Service) GetOrder(ctx context.Context, ownerID, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != ownerID {
		return nil, model.ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns the owner's orders created inside the window.
func (s *Service) ListOrders(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]*model.Order, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-24 * time.Hour)
	}
	return s.repo.ListOrdersByOwner(ctx, ownerID, from, to)
}

// GetAuditTrail returns the ordered audit trail for an owner's order.
func (s *Service) GetAuditTrail(ctx context.Context, ownerID, orderID uuid.UUID) ([]*model.AuditEntry, error) {
	if _, err := s.GetOrder(ctx, ownerID, orderID); err != nil {
		return nil, err
	}
	return s.auditor.ListByOrder(ctx, orderID)
}

// GetFills returns the fills recorded for an owner's order.
func (s *Service) GetFills(ctx context.Context, ownerID, orderID uuid.UUID) ([]*model.Fill, error) {
	if _, err := s.GetOrder(ctx, ownerID, orderID); err != nil {
		return nil, err
	}
	return s.repo.ListFillsByOrder(ctx, orderID)
}

// Subscribe streams status events for one owner's orders. The cancel
// function must be called when the consumer goes away.
func (s *Service) Subscribe(ownerID uuid.UUID) (<-chan pubsub.OrderStatusEvent, func(), error) {
	if s.bus == nil {
		return nil, nil, fmt.Errorf("status streaming not enabled")
	}
	ch, cancel := s.bus.Subscribe(ownerID)
	return ch, cancel, nil
}
