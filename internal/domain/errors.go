package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to callers. Every typed error below exposes one of
// these through ErrorCode so callers can branch without string matching.
const (
	CodeExecutionDisabled      = "EXECUTION_DISABLED"
	CodeKillSwitchOn           = "KILL_SWITCH_ON"
	CodeRiskLimitExceeded      = "RISK_LIMIT_EXCEEDED"
	CodeOrderRateLimitExceeded = "ORDER_RATE_LIMIT_EXCEEDED"
	CodeUnknownOrderStatus     = "UNKNOWN_ORDER_STATUS"
	CodeInvalidOrderTransition = "INVALID_ORDER_STATUS_TRANSITION"
	CodeOrderNotFound          = "ORDER_NOT_FOUND"
	CodeOrderStateConflict     = "ORDER_STATE_CONFLICT"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeEnqueueFailed          = "ENQUEUE_FAILED"
	CodeExposureExceeded       = "EXPOSURE_LIMIT_EXCEEDED"
)

// Coded is implemented by every execgate error kind.
type Coded interface {
	error
	ErrorCode() string
}

// CodeOf returns the code of the first Coded error in err's chain, or "".
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}

// PolicyError: the execution feature is disabled. Never retried.
type PolicyError struct {
	Message string
}

func (e *PolicyError) Error() string       { return e.Message }
func (e *PolicyError) ErrorCode() string   { return CodeExecutionDisabled }
func (e *PolicyError) Unrecoverable() bool { return true }

// IsUnrecoverable reports whether err, or any error it wraps, asks the queue
// not to retry.
func IsUnrecoverable(err error) bool {
	var u interface{ Unrecoverable() bool }
	return errors.As(err, &u) && u.Unrecoverable()
}

// ErrExecutionDisabled is returned by producer and worker when the policy flag is off.
var ErrExecutionDisabled = &PolicyError{Message: "execution is disabled by policy (EXECUTION_API_ENABLED=false)"}

// KillSwitchError: the global kill-switch blocked the operation.
type KillSwitchError struct {
	Stage string
	State KillSwitchState
}

func (e *KillSwitchError) Error() string {
	return fmt.Sprintf("kill-switch is ON: %s (stage=%s)", e.State.ReasonOr("no reason provided"), e.Stage)
}

func (e *KillSwitchError) ErrorCode() string { return CodeKillSwitchOn }

// RiskGuardError: a loss or order-rate ceiling was reached. It carries the
// numbers used for the decision.
type RiskGuardError struct {
	Code    string // RISK_LIMIT_EXCEEDED | ORDER_RATE_LIMIT_EXCEEDED
	Context string // producer | worker
	// Loss limit
	CurrentLossAbs float64
	MaxDailyLoss   float64
	// Order rate
	OrdersLastMinute int
	LimitPerMinute   int
}

func (e *RiskGuardError) Error() string {
	if e.Code == CodeRiskLimitExceeded {
		return fmt.Sprintf("[%s] blocked: daily loss limit exceeded", e.Context)
	}
	return fmt.Sprintf("[%s] blocked: order rate limit exceeded", e.Context)
}

func (e *RiskGuardError) ErrorCode() string { return e.Code }

// Details returns the values relevant to the violated guard.
func (e *RiskGuardError) Details() map[string]any {
	if e.Code == CodeRiskLimitExceeded {
		return map[string]any{
			"currentLossAbs": e.CurrentLossAbs,
			"maxDailyLoss":   e.MaxDailyLoss,
		}
	}
	return map[string]any{
		"ordersLastMinute": e.OrdersLastMinute,
		"limitPerMinute":   e.LimitPerMinute,
	}
}

// IsLossLimit reports whether err is a RISK_LIMIT_EXCEEDED violation.
func IsLossLimit(err error) bool {
	var rg *RiskGuardError
	return errors.As(err, &rg) && rg.Code == CodeRiskLimitExceeded
}

// OrderTransitionError: any failure of the order state machine. Which fields
// are populated depends on Code.
type OrderTransitionError struct {
	Code    string
	Message string

	OrderID string // ORDER_NOT_FOUND, ORDER_STATE_CONFLICT

	// UNKNOWN_ORDER_STATUS
	Raw        string
	Normalized string

	// INVALID_ORDER_STATUS_TRANSITION, ORDER_STATE_CONFLICT (From = expected)
	From        OrderStatus
	To          OrderStatus
	Terminal    bool
	AllowedNext []OrderStatus
}

func (e *OrderTransitionError) Error() string     { return e.Message }
func (e *OrderTransitionError) ErrorCode() string { return e.Code }

// Details flattens the populated fields for ops events.
func (e *OrderTransitionError) Details() map[string]any {
	switch e.Code {
	case CodeUnknownOrderStatus:
		return map[string]any{
			"raw":        e.Raw,
			"normalized": e.Normalized,
			"allowed":    statusStrings(OrderStatuses),
		}
	case CodeInvalidOrderTransition:
		return map[string]any{
			"from":        string(e.From),
			"to":          string(e.To),
			"terminal":    e.Terminal,
			"allowedNext": statusStrings(e.AllowedNext),
		}
	case CodeOrderNotFound:
		return map[string]any{"orderId": e.OrderID}
	case CodeOrderStateConflict:
		return map[string]any{
			"orderId":      e.OrderID,
			"expectedFrom": string(e.From),
			"to":           string(e.To),
		}
	}
	return map[string]any{}
}

// ValidationError: a start request failed input validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) ErrorCode() string { return CodeInvalidRequest }

// ExposureError: current aggregate exposure is above a cap.
type ExposureError struct {
	Current float64
	Limit   float64
	Infra   bool // true when the hard infrastructure cap was hit
}

func (e *ExposureError) Error() string {
	if e.Infra {
		return fmt.Sprintf("risk-guard: infra maxPositionLimit=%g exceeded by currentPosition(%g)", e.Limit, e.Current)
	}
	return fmt.Sprintf("risk-guard: currentPosition(%g) > maxPosition(%g)", e.Current, e.Limit)
}

func (e *ExposureError) ErrorCode() string { return CodeExposureExceeded }

// EnqueueError wraps an infrastructure failure while handing a job to the queue.
type EnqueueError struct {
	Err error
}

func (e *EnqueueError) Error() string     { return fmt.Sprintf("enqueue failed: %v", e.Err) }
func (e *EnqueueError) Unwrap() error     { return e.Err }
func (e *EnqueueError) ErrorCode() string { return CodeEnqueueFailed }
