package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/shopspring/decimal"
)

// Stage tags the worker phase that requested a transition.
const (
	StageWorkerSuccess = "worker_success"
	StageWorkerFailed  = "worker_failed"
)

// Store is the subset of persistence the order lifecycle needs.
type Store interface {
	CreateOrder(ctx context.Context, order domain.Order) (string, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	CompareAndSetOrderStatus(ctx context.Context, id string, from, to domain.OrderStatus) (int64, error)
}

// TransitionFunc moves an order to the raw target status and returns the
// resulting status.
type TransitionFunc func(ctx context.Context, orderID, to string) (domain.OrderStatus, error)

// Deps are the collaborators of a Lifecycle. A nil Transition defaults to
// StoreTransition(Store); a nil Events discards events.
type Deps struct {
	Store      Store
	Transition TransitionFunc
	Events     ports.EventSink
}

// Lifecycle creates execution orders and drives them to a terminal status.
type Lifecycle struct {
	deps Deps
}

// New creates a Lifecycle.
func New(deps Deps) *Lifecycle {
	if deps.Transition == nil {
		deps.Transition = StoreTransition(deps.Store)
	}
	if deps.Events == nil {
		deps.Events = ports.EventSinkFunc(func(context.Context, domain.OpsEvent) {})
	}
	return &Lifecycle{deps: deps}
}

// CreatePendingOrder inserts the PENDING order for a run and returns its ID.
func (l *Lifecycle) CreatePendingOrder(ctx context.Context, runID string, mode domain.ExecutionMode, dryRun bool) (string, error) {
	id, err := l.deps.Store.CreateOrder(ctx, domain.Order{
		Market:      domain.ExecutionMarket(runID),
		Side:        domain.SideForMode(mode),
		Quantity:    decimal.NewFromInt(1),
		Status:      domain.OrderPending,
		RealizedPnL: decimal.Zero,
	})
	if err != nil {
		return "", fmt.Errorf("orders.CreatePendingOrder: %w", err)
	}

	l.deps.Events.Emit(ctx, domain.OpsEvent{
		Event:    domain.EventExecutionOrderCreated,
		Severity: domain.SeverityInfo,
		RunID:    runID,
		Reason:   fmt.Sprintf("orderId=%s status=PENDING dryRun=%t", id, dryRun),
		Details:  map[string]any{"orderId": id},
	})
	return id, nil
}

// Transition runs the configured transition function.
func (l *Lifecycle) Transition(ctx context.Context, orderID, to string) (domain.OrderStatus, error) {
	return l.deps.Transition(ctx, orderID, to)
}

// MarkFilled moves the order to FILLED. An empty orderID is a no-op.
func (l *Lifecycle) MarkFilled(ctx context.Context, orderID, runID string) error {
	return l.transitionWithEvents(ctx, orderID, runID, domain.OrderFilled, StageWorkerSuccess)
}

// MarkFailed moves the order to FAILED. An empty orderID is a no-op.
func (l *Lifecycle) MarkFailed(ctx context.Context, orderID, runID string) error {
	return l.transitionWithEvents(ctx, orderID, runID, domain.OrderFailed, StageWorkerFailed)
}

// transitionWithEvents reports every failure as an ops event and returns the
// original error untouched.
func (l *Lifecycle) transitionWithEvents(ctx context.Context, orderID, runID string, to domain.OrderStatus, stage string) error {
	if orderID == "" {
		return nil
	}

	_, err := l.deps.Transition(ctx, orderID, string(to))
	if err == nil {
		return nil
	}

	base := map[string]any{
		"orderId": orderID,
		"to":      string(to),
		"stage":   stage,
	}

	var te *domain.OrderTransitionError
	if errors.As(err, &te) {
		severity := domain.SeverityCritical
		if te.Code == domain.CodeInvalidOrderTransition {
			severity = domain.SeverityWarning
		}
		l.deps.Events.Emit(ctx, domain.OpsEvent{
			Event:    domain.EventOrderTransitionBlocked,
			Severity: severity,
			RunID:    runID,
			Reason:   te.Error(),
			Details:  domain.MergeDetails(base, map[string]any{"code": te.Code}, te.Details()),
		})
		return err
	}

	l.deps.Events.Emit(ctx, domain.OpsEvent{
		Event:    domain.EventOrderTransitionError,
		Severity: domain.SeverityCritical,
		RunID:    runID,
		Reason:   err.Error(),
		Details:  base,
	})
	return err
}
