package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// KillSwitch is the flag the breaker trips.
type KillSwitch interface {
	Get(ctx context.Context) (domain.KillSwitchState, error)
	Set(ctx context.Context, enabled bool, reason *string) (domain.KillSwitchState, error)
}

// ConfigFunc returns the current thresholds. It is read on every record call.
type ConfigFunc func() domain.BreakerConfig

// Outcome describes one finished execution attempt.
type Outcome struct {
	RunID          string
	JobID          string
	Reason         string   // failure reason, empty on success
	LatencyMs      *float64 // nil when the attempt never reached the task
	CurrentLossAbs *float64 // nil when the loss snapshot could not be read
}

// Breaker is the auto kill-switch. Its counters live in memory and are
// scoped to this process: each worker process judges its own health.
type Breaker struct {
	killSwitch KillSwitch
	events     ports.EventSink
	config     ConfigFunc

	mu    sync.Mutex
	state domain.BreakerState

	activateMu sync.Mutex
}

// New creates a Breaker. A nil config uses domain.DefaultBreakerConfig.
func New(killSwitch KillSwitch, events ports.EventSink, config ConfigFunc) *Breaker {
	if config == nil {
		config = domain.DefaultBreakerConfig
	}
	if events == nil {
		events = ports.EventSinkFunc(func(context.Context, domain.OpsEvent) {})
	}
	return &Breaker{killSwitch: killSwitch, events: events, config: config}
}

// RecordSuccess resets the failure streak, evaluates the trigger against the
// baseline as it was before this sample, then folds the sample in.
// The kill-switch is activated after the counters are released.
func (b *Breaker) RecordSuccess(ctx context.Context, o Outcome) error {
	b.mu.Lock()
	cfg := b.config().Normalize(0)
	b.state.ConsecutiveFailures = 0

	trigger := domain.EvaluateTrigger(b.input(o), cfg)
	if latency, ok := finite(o.LatencyMs); ok {
		b.state.FoldLatency(latency, cfg.LatencyEWMAAlpha)
	}
	b.mu.Unlock()

	return b.Activate(ctx, trigger, map[string]any{
		"runId": o.RunID,
		"jobId": o.JobID,
		"phase": "success",
	})
}

// RecordFailure extends the failure streak and evaluates the trigger. The
// latency sample is folded in only when present.
func (b *Breaker) RecordFailure(ctx context.Context, o Outcome) error {
	b.mu.Lock()
	cfg := b.config().Normalize(0)
	b.state.ConsecutiveFailures++

	trigger := domain.EvaluateTrigger(b.input(o), cfg)
	if latency, ok := finite(o.LatencyMs); ok {
		b.state.FoldLatency(latency, cfg.LatencyEWMAAlpha)
	}
	b.mu.Unlock()

	return b.Activate(ctx, trigger, map[string]any{
		"runId":         o.RunID,
		"jobId":         o.JobID,
		"phase":         "failure",
		"failureReason": o.Reason,
	})
}

// Activate turns the kill-switch on for a triggered result. It does nothing
// when the trigger did not fire or the switch is already on, so repeated
// activations produce a single kill_switch_on event. The event is emitted
// without holding any breaker lock.
func (b *Breaker) Activate(ctx context.Context, trigger domain.Trigger, callerContext map[string]any) error {
	if !trigger.Triggered || trigger.Reason == "" || trigger.Type == "" {
		return nil
	}

	updated, switched, err := b.switchOn(ctx, trigger.Reason)
	if err != nil || !switched {
		return err
	}

	slog.Warn("breaker: kill-switch activated",
		"trigger", trigger.Type,
		"reason", trigger.Reason,
	)

	details := domain.MergeDetails(
		map[string]any{
			"source":      "auto_kill_switch",
			"triggerType": string(trigger.Type),
			"updatedAt":   updated.UpdatedAt.Format(time.RFC3339Nano),
		},
		trigger.Details,
		callerContext,
	)
	runID, _ := callerContext["runId"].(string)
	jobID, _ := callerContext["jobId"].(string)

	b.events.Emit(ctx, domain.OpsEvent{
		Event:    domain.EventKillSwitchOn,
		Severity: domain.SeverityCritical,
		RunID:    runID,
		JobID:    jobID,
		Reason:   trigger.Reason,
		Details:  details,
	})
	return nil
}

// switchOn sets the kill-switch unless it is already on. activateMu makes
// the read and the write one step for this process.
func (b *Breaker) switchOn(ctx context.Context, reason string) (domain.KillSwitchState, bool, error) {
	b.activateMu.Lock()
	defer b.activateMu.Unlock()

	current, err := b.killSwitch.Get(ctx)
	if err != nil {
		return domain.KillSwitchState{}, false, fmt.Errorf("breaker.Activate: read kill-switch: %w", err)
	}
	if current.Enabled {
		return current, false, nil
	}

	updated, err := b.killSwitch.Set(ctx, true, &reason)
	if err != nil {
		return domain.KillSwitchState{}, false, fmt.Errorf("breaker.Activate: set kill-switch: %w", err)
	}
	return updated, true, nil
}

// State returns a copy of the runtime counters.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state
	if st.LatencyEWMAMs != nil {
		v := *st.LatencyEWMAMs
		st.LatencyEWMAMs = &v
	}
	return st
}

// Reset clears the runtime counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = domain.BreakerState{}
	b.mu.Unlock()
}

// input must be called with b.mu held.
func (b *Breaker) input(o Outcome) domain.TriggerInput {
	in := domain.TriggerInput{
		ConsecutiveFailures: b.state.ConsecutiveFailures,
		CurrentLossAbs:      o.CurrentLossAbs,
		LatestLatencyMs:     o.LatencyMs,
		LatencySamples:      b.state.LatencySamples,
	}
	if b.state.LatencyEWMAMs != nil {
		v := *b.state.LatencyEWMAMs
		in.LatencyEWMAMs = &v
	}
	return in
}

func finite(v *float64) (float64, bool) {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0, false
	}
	return *v, true
}

// Ms converts a duration to the float milliseconds the breaker works in.
func Ms(d time.Duration) *float64 {
	v := float64(d) / float64(time.Millisecond)
	return &v
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
