package domain

import (
	"fmt"
	"math"
	"strconv"
)

// TriggerType names the condition that tripped the auto kill-switch.
type TriggerType string

const (
	TriggerConsecutiveFailures TriggerType = "consecutive_failures"
	TriggerLossLimit           TriggerType = "loss_limit"
	TriggerLatencyThreshold    TriggerType = "latency_threshold"
	TriggerLatencySpike        TriggerType = "latency_spike"
)

// BreakerConfig holds the auto kill-switch thresholds.
type BreakerConfig struct {
	Enabled                     bool
	ConsecutiveFailureThreshold int
	MaxDailyLoss                float64
	LatencyThresholdMs          float64
	LatencySpikeMultiplier      float64
	LatencySpikeMinSamples      int
	LatencyEWMAAlpha            float64
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:                     true,
		ConsecutiveFailureThreshold: 3,
		MaxDailyLoss:                DefaultMaxDailyLoss,
		LatencyThresholdMs:          30_000,
		LatencySpikeMultiplier:      3,
		LatencySpikeMinSamples:      5,
		LatencyEWMAAlpha:            0.2,
	}
}

// Normalize replaces out-of-range thresholds with the defaults. MaxDailyLoss
// falls back to fallbackLoss when it is unset.
func (c BreakerConfig) Normalize(fallbackLoss float64) BreakerConfig {
	def := DefaultBreakerConfig()
	if !positive(fallbackLoss) {
		fallbackLoss = def.MaxDailyLoss
	}
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = def.ConsecutiveFailureThreshold
	}
	if !positive(c.MaxDailyLoss) {
		c.MaxDailyLoss = fallbackLoss
	}
	if !positive(c.LatencyThresholdMs) {
		c.LatencyThresholdMs = def.LatencyThresholdMs
	}
	if !positive(c.LatencySpikeMultiplier) {
		c.LatencySpikeMultiplier = def.LatencySpikeMultiplier
	}
	if c.LatencySpikeMinSamples <= 0 {
		c.LatencySpikeMinSamples = def.LatencySpikeMinSamples
	}
	if !positive(c.LatencyEWMAAlpha) || c.LatencyEWMAAlpha > 1 {
		c.LatencyEWMAAlpha = def.LatencyEWMAAlpha
	}
	return c
}

// BreakerState is the process-local runtime state of the breaker. It is never
// persisted: a restart starts from a clean slate.
type BreakerState struct {
	ConsecutiveFailures int
	LatencySamples      int
	LatencyEWMAMs       *float64
}

// FoldLatency adds one latency sample to the EWMA baseline.
func (s *BreakerState) FoldLatency(latencyMs, alpha float64) {
	if s.LatencyEWMAMs == nil {
		v := latencyMs
		s.LatencyEWMAMs = &v
	} else {
		v := alpha*latencyMs + (1-alpha)*(*s.LatencyEWMAMs)
		s.LatencyEWMAMs = &v
	}
	s.LatencySamples++
}

// TriggerInput is what EvaluateTrigger decides on. Nil pointers mean the
// signal is absent.
type TriggerInput struct {
	ConsecutiveFailures int
	CurrentLossAbs      *float64
	LatestLatencyMs     *float64
	LatencySamples      int
	LatencyEWMAMs       *float64
}

// Trigger is the outcome of EvaluateTrigger.
type Trigger struct {
	Triggered bool
	Type      TriggerType
	Reason    string
	Details   map[string]any
}

// EvaluateTrigger decides whether the breaker should trip. Conditions are
// checked in priority order and all comparisons are inclusive.
func EvaluateTrigger(in TriggerInput, cfg BreakerConfig) Trigger {
	if !cfg.Enabled {
		return Trigger{}
	}

	if in.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold {
		return Trigger{
			Triggered: true,
			Type:      TriggerConsecutiveFailures,
			Reason: fmt.Sprintf("auto kill-switch: consecutive failures %d >= %d",
				in.ConsecutiveFailures, cfg.ConsecutiveFailureThreshold),
			Details: map[string]any{
				"consecutiveFailures": in.ConsecutiveFailures,
				"threshold":           cfg.ConsecutiveFailureThreshold,
			},
		}
	}

	if loss, ok := finite(in.CurrentLossAbs); ok && loss >= cfg.MaxDailyLoss {
		return Trigger{
			Triggered: true,
			Type:      TriggerLossLimit,
			Reason:    fmt.Sprintf("auto kill-switch: daily loss %s >= %s", num(loss), num(cfg.MaxDailyLoss)),
			Details: map[string]any{
				"currentLossAbs": loss,
				"maxDailyLoss":   cfg.MaxDailyLoss,
			},
		}
	}

	latency, hasLatency := finite(in.LatestLatencyMs)
	if hasLatency && latency >= cfg.LatencyThresholdMs {
		return Trigger{
			Triggered: true,
			Type:      TriggerLatencyThreshold,
			Reason:    fmt.Sprintf("auto kill-switch: latency %sms >= %sms", num(latency), num(cfg.LatencyThresholdMs)),
			Details: map[string]any{
				"latestLatencyMs":    latency,
				"latencyThresholdMs": cfg.LatencyThresholdMs,
			},
		}
	}

	if ewma, ok := finite(in.LatencyEWMAMs); ok && hasLatency &&
		in.LatencySamples >= cfg.LatencySpikeMinSamples &&
		latency >= ewma*cfg.LatencySpikeMultiplier {
		return Trigger{
			Triggered: true,
			Type:      TriggerLatencySpike,
			Reason: fmt.Sprintf("auto kill-switch: latency spike %sms >= %sx baseline(%sms)",
				num(latency), num(cfg.LatencySpikeMultiplier), num(ewma)),
			Details: map[string]any{
				"latestLatencyMs":        latency,
				"latencyEwmaMs":          ewma,
				"latencySpikeMultiplier": cfg.LatencySpikeMultiplier,
				"latencySamples":         in.LatencySamples,
			},
		}
	}

	return Trigger{}
}

func finite(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
