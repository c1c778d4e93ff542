package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/application/breaker"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
)

// Producer accepts start requests and hands them to the queue.
type Producer struct {
	cfg   Config
	deps  Deps
	now   func() time.Time
	newID func() string
}

// NewProducer creates a Producer.
func NewProducer(cfg Config, deps Deps) *Producer {
	return &Producer{
		cfg:   cfg,
		deps:  deps.withDefaults(),
		now:   clock,
		newID: uuid.NewString,
	}
}

// Start validates req, runs the kill-switch and risk checks, persists a
// QUEUED run and a PENDING order, and enqueues the job. The checks run before
// any row exists so the request's own order is not counted by the rate guard.
// A request whose idempotency key already has a run is answered from that run
// with Replayed set and nothing enqueued.
func (p *Producer) Start(ctx context.Context, req domain.StartRequest) (domain.StartResult, error) {
	if !p.cfg.Enabled {
		return domain.StartResult{}, domain.ErrExecutionDisabled
	}

	req, err := req.Normalize()
	if err != nil {
		return domain.StartResult{}, err
	}

	if res, ok, err := p.replay(ctx, req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	if err := p.admit(ctx, stageStart, ""); err != nil {
		return domain.StartResult{}, p.rejected(ctx, "", err)
	}

	runID := p.newID()
	requestedAt := p.now().UTC()
	notes := req.Notes
	if notes == "" {
		notes = fmt.Sprintf("execution.start request accepted (mode=%s)", req.Mode)
	}
	run := domain.Run{
		ID:        runID,
		Status:    domain.RunQueued,
		StartedAt: requestedAt,
		Notes:     notes,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		run.IdempotencyKey = &key
	}

	if err := p.deps.Store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, ports.ErrDuplicateKey) {
			// Otra petición con la misma key ganó la carrera
			if res, ok, rerr := p.replay(ctx, req.IdempotencyKey); rerr == nil && ok {
				return res, nil
			}
		}
		return domain.StartResult{}, fmt.Errorf("execution.Start: create run: %w", err)
	}

	orderID, err := p.deps.Orders.CreatePendingOrder(ctx, runID, req.Mode, *req.DryRun)
	if err != nil {
		p.rollback(ctx, runID, "")
		return domain.StartResult{}, &domain.EnqueueError{Err: err}
	}

	enq, err := p.push(ctx, domain.JobPayload{
		RunID:          runID,
		Mode:           req.Mode,
		RequestedAt:    requestedAt,
		DryRun:         *req.DryRun,
		MaxPosition:    *req.MaxPosition,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        orderID,
	})
	if err != nil {
		p.rollback(ctx, runID, orderID)
		return domain.StartResult{}, err
	}

	slog.Info("producer: job enqueued",
		"run_id", runID,
		"job_id", enq.JobID,
		"order_id", orderID,
		"mode", req.Mode,
		"dry_run", *req.DryRun,
	)

	return domain.StartResult{
		RunID:       runID,
		JobID:       enq.JobID,
		QueueName:   enq.QueueName,
		OrderID:     orderID,
		Status:      domain.RunQueued,
		Mode:        req.Mode,
		DryRun:      *req.DryRun,
		MaxPosition: *req.MaxPosition,
	}, nil
}

// Enqueue re-checks policy, kill-switch and risk guards and adds the job to
// the queue. Loss-limit violations are reported to the breaker; rate-limit
// violations are not.
func (p *Producer) Enqueue(ctx context.Context, payload domain.JobPayload) (domain.EnqueueResult, error) {
	if !p.cfg.Enabled {
		return domain.EnqueueResult{}, domain.ErrExecutionDisabled
	}
	if err := p.admit(ctx, stageProducer, payload.RunID); err != nil {
		return domain.EnqueueResult{}, err
	}
	return p.push(ctx, payload)
}

// admit runs the kill-switch and risk checks shared by Start and Enqueue.
// A kill-switch rejection emits execution_start_blocked here, once.
func (p *Producer) admit(ctx context.Context, stage, runID string) error {
	ks, err := p.deps.KillSwitch.Get(ctx)
	if err != nil {
		return fmt.Errorf("execution.admit: kill-switch: %w", err)
	}
	if ks.Enabled {
		p.deps.Events.Emit(ctx, domain.OpsEvent{
			Event:    domain.EventExecutionStartBlocked,
			Severity: domain.SeverityCritical,
			RunID:    runID,
			Reason:   ks.ReasonOr("kill-switch is ON"),
			Details:  map[string]any{"stage": stage, "code": domain.CodeKillSwitchOn},
		})
		return &domain.KillSwitchError{Stage: stage, State: ks}
	}

	snap, err := p.deps.Risk.AssertOrFail(ctx, guardProducer)
	if err != nil {
		if domain.IsLossLimit(err) {
			if berr := p.deps.Breaker.RecordFailure(ctx, breaker.Outcome{
				RunID:          runID,
				Reason:         err.Error(),
				CurrentLossAbs: breaker.Float(snap.CurrentLossAbs),
			}); berr != nil {
				slog.Error("producer: breaker record failed", "run_id", runID, "err", berr)
			}
		}
		return err
	}
	return nil
}

// push adds payload to the queue without further checks.
func (p *Producer) push(ctx context.Context, payload domain.JobPayload) (domain.EnqueueResult, error) {
	jobID, err := p.deps.Queue.Enqueue(ctx, JobID(payload.IdempotencyKey), payload)
	if err != nil {
		return domain.EnqueueResult{}, &domain.EnqueueError{Err: err}
	}
	return domain.EnqueueResult{
		RunID:     payload.RunID,
		JobID:     jobID,
		QueueName: p.deps.Queue.Name(),
	}, nil
}

// replay answers a request from the run already stored under key.
func (p *Producer) replay(ctx context.Context, key string) (domain.StartResult, bool, error) {
	if key == "" {
		return domain.StartResult{}, false, nil
	}
	run, err := p.deps.Store.FindRunByIdempotencyKey(ctx, key)
	if errors.Is(err, ports.ErrNotFound) {
		return domain.StartResult{}, false, nil
	}
	if err != nil {
		return domain.StartResult{}, false, fmt.Errorf("execution.Start: replay lookup: %w", err)
	}

	res := domain.StartResult{
		RunID:     run.ID,
		JobID:     JobID(key),
		QueueName: p.deps.Queue.Name(),
		Status:    run.Status,
		Replayed:  true,
	}
	if order, err := p.deps.Store.FindOrderByMarket(ctx, domain.ExecutionMarket(run.ID)); err == nil {
		res.OrderID = order.ID
	}

	slog.Info("producer: idempotent replay", "run_id", run.ID, "status", run.Status, "idempotency_key", key)
	return res, true, nil
}

// rollback deletes the rows created for a start that could not be enqueued.
// Errors are logged only.
func (p *Producer) rollback(ctx context.Context, runID, orderID string) {
	if orderID != "" {
		if err := p.deps.Store.DeleteOrder(ctx, orderID); err != nil {
			slog.Error("producer: failed to rollback order row", "order_id", orderID, "err", err)
		}
	}
	if err := p.deps.Store.DeleteRun(ctx, runID); err != nil {
		slog.Error("producer: failed to rollback run row", "run_id", runID, "err", err)
	}
}

// rejected emits execution_start_blocked for risk guard rejections and
// returns the error callers should see. Kill-switch rejections were already
// reported by admit.
func (p *Producer) rejected(ctx context.Context, runID string, err error) error {
	var rg *domain.RiskGuardError
	if errors.As(err, &rg) {
		p.deps.Events.Emit(ctx, domain.OpsEvent{
			Event:    domain.EventExecutionStartBlocked,
			Severity: domain.SeverityCritical,
			RunID:    runID,
			Reason:   err.Error(),
			Details:  domain.MergeDetails(map[string]any{"stage": stageStart, "code": rg.Code}, rg.Details()),
		})
		return err
	}
	if domain.CodeOf(err) != "" {
		return err
	}
	return &domain.EnqueueError{Err: err}
}
