package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an execution order.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderFailed   OrderStatus = "FAILED"
)

// OrderStatuses lists every known status in declaration order.
var OrderStatuses = []OrderStatus{OrderPending, OrderFilled, OrderCanceled, OrderFailed}

// orderTransitions holds the legal moves out of each status. Identity moves are
// handled separately by CanTransition and are always allowed.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:  {OrderFilled, OrderCanceled, OrderFailed},
	OrderFilled:   {},
	OrderCanceled: {},
	OrderFailed:   {},
}

// ExecutionMarketPrefix prefixes the market key of every execution order.
const ExecutionMarketPrefix = "EXECUTION:"

// Order is the at-most-once side effect tied to a Run.
type Order struct {
	ID          string
	Market      string // EXECUTION:<runID>, unique
	Side        string // BUY | PAPER_BUY
	Quantity    decimal.Decimal
	Price       *decimal.Decimal // nil until filled
	Status      OrderStatus
	RealizedPnL decimal.Decimal
	CreatedAt   time.Time
}

// ExecutionMarket derives the unique market key for a run.
func ExecutionMarket(runID string) string {
	return ExecutionMarketPrefix + runID
}

// SideForMode returns BUY for live executions and PAPER_BUY for everything else.
func SideForMode(mode ExecutionMode) string {
	if mode == ModeLive {
		return "BUY"
	}
	return "PAPER_BUY"
}

// ParseOrderStatus normalizes raw (trim + upper case) and validates it.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	for _, s := range OrderStatuses {
		if string(s) == normalized {
			return s, nil
		}
	}
	return "", &OrderTransitionError{
		Code:       CodeUnknownOrderStatus,
		Message:    fmt.Sprintf("unknown order status: %s", raw),
		Raw:        raw,
		Normalized: normalized,
	}
}

// IsTerminal reports whether s has no outgoing transition other than itself.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderFailed
}

// AllowedNext returns the statuses reachable from s, excluding s itself.
func (s OrderStatus) AllowedNext() []OrderStatus {
	next := orderTransitions[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an INVALID_ORDER_STATUS_TRANSITION error when
// from -> to is not in the transition table.
func CheckTransition(from, to OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &OrderTransitionError{
		Code:        CodeInvalidOrderTransition,
		Message:     fmt.Sprintf("invalid order status transition: %s -> %s", from, to),
		From:        from,
		To:          to,
		Terminal:    from.IsTerminal(),
		AllowedNext: from.AllowedNext(),
	}
}

func statusStrings(ss []OrderStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
