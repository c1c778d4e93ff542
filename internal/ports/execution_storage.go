package ports

import (
	"context"
	"errors"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by point queries when the row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateKey is returned by inserts that violate a unique constraint.
var ErrDuplicateKey = errors.New("duplicate key")

// RunStore persists calibration runs.
type RunStore interface {
	// CreateRun inserts a run. A reused idempotency key yields ErrDuplicateKey.
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	FindRunByIdempotencyKey(ctx context.Context, key string) (domain.Run, error)
	// UpdateRunStatus sets status, finishedAt and notes in one write.
	UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, finishedAt *time.Time, notes string) error
	// MarkRunRunning sets RUNNING and clears finishedAt, creating the row if it is missing.
	MarkRunRunning(ctx context.Context, id string, startedAt time.Time, notes string) error
	DeleteRun(ctx context.Context, id string) error
	ListRecentRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// OrderStore persists execution orders.
type OrderStore interface {
	// CreateOrder inserts an order and returns its ID. A second order for the
	// same market yields ErrDuplicateKey.
	CreateOrder(ctx context.Context, order domain.Order) (string, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	FindOrderByMarket(ctx context.Context, market string) (domain.Order, error)
	// CompareAndSetOrderStatus sets status=to only where status=from and
	// returns the number of rows changed.
	CompareAndSetOrderStatus(ctx context.Context, id string, from, to domain.OrderStatus) (int64, error)
	DeleteOrder(ctx context.Context, id string) error
	ListRecentOrders(ctx context.Context, limit int) ([]domain.Order, error)

	// SumNegativePnL sums realized PnL of orders created in [from, to) whose PnL is below zero.
	SumNegativePnL(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	// CountOrdersSince counts orders created at or after since, leaving out
	// orders on excludeMarkets.
	CountOrdersSince(ctx context.Context, since time.Time, excludeMarkets ...string) (int, error)
}

// ControlStore persists the kill-switch singleton.
type ControlStore interface {
	// LoadKillSwitch returns the singleton, creating it disabled when missing.
	LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error)
	// SaveKillSwitch upserts the singleton and returns the stored state.
	SaveKillSwitch(ctx context.Context, enabled bool, reason *string) (domain.KillSwitchState, error)
}

// PositionStore exposes aggregate exposure.
type PositionStore interface {
	// TotalExposure returns the sum of absolute position sizes.
	TotalExposure(ctx context.Context) (float64, error)
}

// ExecutionStorage is everything the control plane persists.
type ExecutionStorage interface {
	RunStore
	OrderStore
	ControlStore
	PositionStore
	Ping(ctx context.Context) error
	Close() error
}
