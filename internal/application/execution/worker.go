package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/application/breaker"
	"github.com/alejandrodnm/execgate/internal/domain"
)

// Worker consumes execution jobs.
type Worker struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// NewWorker creates a Worker.
func NewWorker(cfg Config, deps Deps) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Worker{cfg: cfg, deps: deps.withDefaults(), now: clock}
}

// Process runs one delivery of job: re-checks policy, kill-switch, risk and
// exposure, runs the task and moves the run and order to their final status.
// Any error is a failed attempt; see HandleFailure.
func (w *Worker) Process(ctx context.Context, job domain.Job) (domain.ProcessResult, error) {
	p := job.Payload
	start := w.now()

	if !w.cfg.Enabled {
		return domain.ProcessResult{}, domain.ErrExecutionDisabled
	}

	ks, err := w.deps.KillSwitch.Refresh(ctx)
	if err != nil {
		slog.Warn("worker: kill-switch refresh failed, using cached state", "run_id", p.RunID, "err", err)
		if ks, err = w.deps.KillSwitch.Get(ctx); err != nil {
			return domain.ProcessResult{}, fmt.Errorf("execution.Process: kill-switch: %w", err)
		}
	}
	if ks.Enabled {
		w.deps.Events.Emit(ctx, domain.OpsEvent{
			Event:    domain.EventExecutionStartBlocked,
			Severity: domain.SeverityCritical,
			RunID:    p.RunID,
			JobID:    job.ID,
			Reason:   ks.ReasonOr("kill-switch is ON"),
			Details:  map[string]any{"stage": stageWorkerPrecheck},
		})
		return domain.ProcessResult{}, &domain.KillSwitchError{Stage: stageWorkerPrecheck, State: ks}
	}

	var own []string
	if p.OrderID != "" {
		own = append(own, domain.ExecutionMarket(p.RunID))
	}
	snap, err := w.deps.Risk.AssertOrFail(ctx, guardWorker, own...)
	if err != nil {
		if domain.IsLossLimit(err) {
			w.recordFailure(ctx, breaker.Outcome{
				RunID:          p.RunID,
				JobID:          job.ID,
				Reason:         err.Error(),
				LatencyMs:      breaker.Ms(w.now().Sub(start)),
				CurrentLossAbs: breaker.Float(snap.CurrentLossAbs),
			})
		}
		return domain.ProcessResult{}, err
	}

	if err := w.deps.Store.MarkRunRunning(ctx, p.RunID, p.RequestedAt, domain.RunNotes(p, "worker picked job")); err != nil {
		return domain.ProcessResult{}, fmt.Errorf("execution.Process: mark running: %w", err)
	}

	exposure, err := w.deps.Store.TotalExposure(ctx)
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("execution.Process: exposure: %w", err)
	}
	if exposure > p.MaxPosition {
		return domain.ProcessResult{}, &domain.ExposureError{Current: exposure, Limit: p.MaxPosition}
	}
	if w.cfg.MaxPositionLimit > 0 && exposure > w.cfg.MaxPositionLimit {
		return domain.ProcessResult{}, &domain.ExposureError{Current: exposure, Limit: w.cfg.MaxPositionLimit, Infra: true}
	}

	summary, err := w.execute(ctx, p)
	if err != nil {
		return domain.ProcessResult{}, err
	}

	status := domain.RunCompleted
	if p.DryRun {
		status = domain.RunDryRunDone
	}
	finished := w.now()
	if err := w.deps.Store.UpdateRunStatus(ctx, p.RunID, status, &finished, domain.RunNotes(p, summary)); err != nil {
		return domain.ProcessResult{}, fmt.Errorf("execution.Process: update run: %w", err)
	}
	if p.OrderID != "" {
		if err := w.deps.Orders.MarkFilled(ctx, p.OrderID, p.RunID); err != nil {
			return domain.ProcessResult{}, err
		}
	}

	latency := w.now().Sub(start)
	w.recordSuccess(ctx, breaker.Outcome{
		RunID:          p.RunID,
		JobID:          job.ID,
		LatencyMs:      breaker.Ms(latency),
		CurrentLossAbs: currentLoss(ctx, w.deps.Risk),
	})

	slog.Info("worker: job completed",
		"run_id", p.RunID,
		"job_id", job.ID,
		"status", status,
		"latency", latency.Round(time.Millisecond),
	)
	return domain.ProcessResult{RunID: p.RunID, Status: status}, nil
}

// execute runs the calibration task, or simulates it for dry runs, and
// returns the summary stored in the run notes.
func (w *Worker) execute(ctx context.Context, p domain.JobPayload) (string, error) {
	if p.DryRun {
		return fmt.Sprintf("calibration pipeline dry-run | mode=%s | maxPosition=%g", p.Mode, p.MaxPosition), nil
	}

	out, err := w.deps.Runner.Run(ctx, p.RunID, true)
	if err != nil {
		return "", fmt.Errorf("%w | mode=%s", err, p.Mode)
	}
	if !out.Success {
		reason := "pipeline did not report success"
		if f := out.Failure; f != nil {
			reason = fmt.Sprintf("%s: %s", orDefault(f.Stage, "unknown"), orDefault(f.Reason, "failure"))
		}
		return "", fmt.Errorf("calibration pipeline failed | runId=%s | requestedAt=%s | reason=%s",
			p.RunID, p.RequestedAt.UTC().Format(time.RFC3339Nano), reason)
	}
	return fmt.Sprintf("calibration pipeline done | runId=%s | entrypoint=%s | stages=%d",
		p.RunID, w.deps.Runner.Name(), len(out.Stages)), nil
}

// HandleFailure records a failed delivery: critical worker_failed event,
// breaker failure, retry_exhausted once the attempt budget is spent, and the
// run marked FAILED. The order is moved to FAILED only when exhausted is true,
// that is when the queue will not deliver the job again. Failing it on every
// attempt would leave nothing for a later retry to fill.
func (w *Worker) HandleFailure(ctx context.Context, job domain.Job, cause error, exhausted bool) {
	p := job.Payload
	attempts := job.AttemptsMade + 1
	reason := cause.Error()

	w.deps.Events.Emit(ctx, domain.OpsEvent{
		Event:    domain.EventWorkerFailed,
		Severity: domain.SeverityCritical,
		RunID:    p.RunID,
		JobID:    job.ID,
		Reason:   reason,
		Details:  map[string]any{"attemptsMade": attempts},
	})

	w.recordFailure(ctx, breaker.Outcome{
		RunID:          p.RunID,
		JobID:          job.ID,
		Reason:         reason,
		CurrentLossAbs: currentLoss(ctx, w.deps.Risk),
	})

	if attempts >= job.MaxAttempts {
		w.deps.Events.Emit(ctx, domain.OpsEvent{
			Event:    domain.EventRetryExhausted,
			Severity: domain.SeverityCritical,
			RunID:    p.RunID,
			JobID:    job.ID,
			Reason:   reason,
			Details: map[string]any{
				"attemptsMade":       attempts,
				"configuredAttempts": job.MaxAttempts,
			},
		})
	}

	finished := w.now()
	if err := w.deps.Store.UpdateRunStatus(ctx, p.RunID, domain.RunFailed, &finished, domain.RunNotes(p, failureNotes(cause))); err != nil {
		slog.Error("worker: failed to mark run FAILED", "run_id", p.RunID, "err", err)
	}

	if exhausted && p.OrderID != "" {
		if err := w.deps.Orders.MarkFailed(ctx, p.OrderID, p.RunID); err != nil {
			slog.Warn("worker: order not moved to FAILED", "order_id", p.OrderID, "run_id", p.RunID, "err", err)
		}
	}
}

// failureNotes is the run notes message for a failed attempt. Guard
// violations carry their code and numbers.
func failureNotes(err error) string {
	msg := fmt.Sprintf("status=FAILED | error=%s", err.Error())
	var rg *domain.RiskGuardError
	if errors.As(err, &rg) {
		details, _ := json.Marshal(rg.Details())
		msg += fmt.Sprintf(" | code=%s | details=%s", rg.Code, details)
	}
	return msg
}

func (w *Worker) recordSuccess(ctx context.Context, o breaker.Outcome) {
	if err := w.deps.Breaker.RecordSuccess(ctx, o); err != nil {
		slog.Error("worker: breaker record success failed", "run_id", o.RunID, "err", err)
	}
}

func (w *Worker) recordFailure(ctx context.Context, o breaker.Outcome) {
	if err := w.deps.Breaker.RecordFailure(ctx, o); err != nil {
		slog.Error("worker: breaker record failure failed", "run_id", o.RunID, "err", err)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
