package riskguard

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/shopspring/decimal"
)

// rateWindow is the trailing window counted by the order-rate guard.
const rateWindow = 60 * time.Second

// Store is the subset of persistence the evaluator reads.
type Store interface {
	SumNegativePnL(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	CountOrdersSince(ctx context.Context, since time.Time, excludeMarkets ...string) (int, error)
}

// LimitsFunc returns the configured ceilings. It is read on every evaluation
// so config reloads take effect without rebuilding the evaluator.
type LimitsFunc func() domain.RiskLimits

// Evaluator computes the risk snapshot and enforces the loss and rate ceilings.
type Evaluator struct {
	store  Store
	limits LimitsFunc
	now    func() time.Time
}

// New creates an Evaluator. A nil limits func uses the defaults.
func New(store Store, limits LimitsFunc) *Evaluator {
	if limits == nil {
		limits = func() domain.RiskLimits { return domain.RiskLimits{} }
	}
	return &Evaluator{store: store, limits: limits, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate reads today's realized losses and the orders created in the last
// minute. It never writes; storage errors are returned as is.
func (e *Evaluator) Evaluate(ctx context.Context) (domain.RiskSnapshot, error) {
	return e.evaluate(ctx, nil)
}

func (e *Evaluator) evaluate(ctx context.Context, excludeMarkets []string) (domain.RiskSnapshot, error) {
	limits := sanitize(e.limits())
	now := e.now()

	dayStart, dayEnd := localDay(now)
	loss, err := e.store.SumNegativePnL(ctx, dayStart, dayEnd)
	if err != nil {
		return domain.RiskSnapshot{}, err
	}

	count, err := e.store.CountOrdersSince(ctx, now.Add(-rateWindow), excludeMarkets...)
	if err != nil {
		return domain.RiskSnapshot{}, err
	}

	return domain.RiskSnapshot{
		CurrentLossAbs:   loss.Abs().InexactFloat64(),
		MaxDailyLoss:     limits.MaxDailyLoss,
		OrdersLastMinute: count,
		LimitPerMinute:   limits.LimitPerMinute,
	}, nil
}

// AssertOrFail evaluates and returns a *domain.RiskGuardError when a ceiling
// is reached. The loss guard is checked first. guardContext tags the error
// with the caller ("producer", "worker"). Orders on excludeMarkets are left
// out of the rate count; the worker passes the market of its own order.
func (e *Evaluator) AssertOrFail(ctx context.Context, guardContext string, excludeMarkets ...string) (domain.RiskSnapshot, error) {
	snap, err := e.evaluate(ctx, excludeMarkets)
	if err != nil {
		return snap, fmt.Errorf("riskguard.AssertOrFail: evaluate: %w", err)
	}
	if err := Check(snap, guardContext); err != nil {
		return snap, err
	}
	return snap, nil
}

// Check applies the ceilings to an already computed snapshot.
func Check(snap domain.RiskSnapshot, guardContext string) error {
	if snap.CurrentLossAbs >= snap.MaxDailyLoss {
		return &domain.RiskGuardError{
			Code:           domain.CodeRiskLimitExceeded,
			Context:        guardContext,
			CurrentLossAbs: snap.CurrentLossAbs,
			MaxDailyLoss:   snap.MaxDailyLoss,
		}
	}
	if snap.OrdersLastMinute >= snap.LimitPerMinute {
		return &domain.RiskGuardError{
			Code:             domain.CodeOrderRateLimitExceeded,
			Context:          guardContext,
			OrdersLastMinute: snap.OrdersLastMinute,
			LimitPerMinute:   snap.LimitPerMinute,
		}
	}
	return nil
}

// sanitize replaces non-positive or non-finite limits with the defaults.
func sanitize(l domain.RiskLimits) domain.RiskLimits {
	if l.MaxDailyLoss <= 0 || math.IsNaN(l.MaxDailyLoss) || math.IsInf(l.MaxDailyLoss, 0) {
		l.MaxDailyLoss = domain.DefaultMaxDailyLoss
	}
	if l.LimitPerMinute <= 0 {
		l.LimitPerMinute = domain.DefaultOrderRateLimit
	}
	return l
}

// localDay returns [00:00, next 00:00) of t's day in t's location.
func localDay(t time.Time) (time.Time, time.Time) {
	y, m, d := t.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}
