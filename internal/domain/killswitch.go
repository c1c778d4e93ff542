package domain

import "time"

// KillSwitchKey is the fixed key of the singleton execution_control row.
const KillSwitchKey = "global"

// KillSwitchState is the global safety flag.
type KillSwitchState struct {
	Enabled   bool
	Reason    *string
	UpdatedAt time.Time
}

// ReasonOr returns the reason, or fallback when none was recorded.
func (k KillSwitchState) ReasonOr(fallback string) string {
	if k.Reason == nil || *k.Reason == "" {
		return fallback
	}
	return *k.Reason
}

// RiskSnapshot is the point-in-time view evaluated by the risk guards.
type RiskSnapshot struct {
	CurrentLossAbs   float64
	MaxDailyLoss     float64
	OrdersLastMinute int
	LimitPerMinute   int
}

// RiskLimits are the ceilings the guards compare against.
type RiskLimits struct {
	MaxDailyLoss   float64
	LimitPerMinute int
}

// Default risk ceilings, used when settings are unset or invalid.
const (
	DefaultMaxDailyLoss   = 500_000
	DefaultOrderRateLimit = 30
)
