package execution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/execgate/internal/adapters/queue"
	"github.com/alejandrodnm/execgate/internal/adapters/runner"
	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/application/breaker"
	"github.com/alejandrodnm/execgate/internal/application/execution"
	"github.com/alejandrodnm/execgate/internal/application/killswitch"
	"github.com/alejandrodnm/execgate/internal/application/orders"
	"github.com/alejandrodnm/execgate/internal/application/riskguard"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

type recordingSink struct {
	mu     sync.Mutex
	events []domain.OpsEvent
}

func (r *recordingSink) Emit(_ context.Context, e domain.OpsEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) named(name domain.EventName) []domain.OpsEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OpsEvent
	for _, e := range r.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// fakeRunner devuelve el resultado de fn para cada llamada (1-based).
type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (ports.TaskOutcome, error)
}

func (f *fakeRunner) Name() string { return "fake-entrypoint" }

func (f *fakeRunner) Run(_ context.Context, runID string, _ bool) (ports.TaskOutcome, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fn == nil {
		return ports.TaskOutcome{RunID: runID, Success: true, Stages: []ports.TaskStage{{Name: "fetch"}, {Name: "fit"}}}, nil
	}
	return f.fn(call)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	store     *storage.SQLiteStorage
	queue     *queue.Memory
	events    *recordingSink
	ks        *killswitch.Store
	breaker   *breaker.Breaker
	lifecycle *orders.Lifecycle
	runner    *fakeRunner
	producer  *execution.Producer
	worker    *execution.Worker
}

type options struct {
	producer execution.Config
	worker   execution.Config
	limits   domain.RiskLimits
	breaker  domain.BreakerConfig
	runner   ports.TaskRunner // nil: fakeRunner
}

func enabled() options {
	return options{
		producer: execution.Config{Enabled: true},
		worker:   execution.Config{Enabled: true},
		breaker:  domain.DefaultBreakerConfig(),
	}
}

func newHarness(t *testing.T, o options) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	q := queue.NewMemory(queue.Options{Attempts: 3, Backoff: time.Millisecond})
	t.Cleanup(func() { q.Close() })

	h := &harness{store: db, queue: q, events: &recordingSink{}, runner: &fakeRunner{}}
	h.ks = killswitch.New(db)
	h.breaker = breaker.New(h.ks, h.events, func() domain.BreakerConfig { return o.breaker })
	h.lifecycle = orders.New(orders.Deps{Store: db, Events: h.events})

	deps := execution.Deps{
		Store:      db,
		Queue:      q,
		Orders:     h.lifecycle,
		Risk:       riskguard.New(db, func() domain.RiskLimits { return o.limits }),
		KillSwitch: h.ks,
		Breaker:    h.breaker,
		Runner:     h.runner,
		Events:     h.events,
	}
	if o.runner != nil {
		deps.Runner = o.runner
	}
	h.producer = execution.NewProducer(o.producer, deps)
	h.worker = execution.NewWorker(o.worker, deps)
	return h
}

func (h *harness) reserve(t *testing.T) domain.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := h.queue.Reserve(ctx)
	require.NoError(t, err)
	return job
}

func (h *harness) assertQueueEmpty(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := h.queue.Reserve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func (h *harness) runs(t *testing.T) []domain.Run {
	t.Helper()
	runs, err := h.store.ListRecentRuns(context.Background(), 100)
	require.NoError(t, err)
	return runs
}

func (h *harness) orderCount(t *testing.T) int {
	t.Helper()
	list, err := h.store.ListRecentOrders(context.Background(), 100)
	require.NoError(t, err)
	return len(list)
}

// seedLoss crea una orden cerrada con PnL negativo creada hoy.
func (h *harness) seedLoss(t *testing.T, market string, pnl string) {
	t.Helper()
	_, err := h.store.CreateOrder(context.Background(), domain.Order{
		Market:      market,
		Side:        "SELL",
		Quantity:    decimal.NewFromInt(1),
		Status:      domain.OrderFilled,
		RealizedPnL: decimal.RequireFromString(pnl),
	})
	require.NoError(t, err)
}

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

// --- producer ---

func TestStart_EndToEnd_DryRun(t *testing.T) {
	h := newHarness(t, enabled())
	ctx := context.Background()

	res, err := h.producer.Start(ctx, domain.StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, res.Status)
	assert.Equal(t, domain.ModeMock, res.Mode)
	assert.True(t, res.DryRun)
	assert.Equal(t, float64(domain.DefaultMaxPosition), res.MaxPosition)
	assert.Equal(t, "execution_start", res.QueueName)
	assert.False(t, res.Replayed)

	order, err := h.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, domain.ExecutionMarket(res.RunID), order.Market)
	require.Len(t, h.events.named(domain.EventExecutionOrderCreated), 1)

	job := h.reserve(t)
	assert.Equal(t, res.JobID, job.ID)

	out, err := h.worker.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.RunDryRunDone, out.Status)
	assert.Zero(t, h.runner.count(), "dry runs never call the task")

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunDryRunDone, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Contains(t, run.Notes, "calibration pipeline dry-run | mode=mock")

	order, err = h.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)

	// Un fallo posterior no puede reabrir la orden
	err = h.lifecycle.MarkFailed(ctx, res.OrderID, res.RunID)
	var te *domain.OrderTransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.CodeInvalidOrderTransition, te.Code)

	blocked := h.events.named(domain.EventOrderTransitionBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, domain.SeverityWarning, blocked[0].Severity)

	assert.Equal(t, 0, h.breaker.State().ConsecutiveFailures)
	assert.Equal(t, 1, h.breaker.State().LatencySamples)
}

func TestStart_EndToEnd_RunsTask(t *testing.T) {
	h := newHarness(t, enabled())
	ctx := context.Background()

	res, err := h.producer.Start(ctx, domain.StartRequest{Mode: domain.ModePaper, DryRun: boolPtr(false)})
	require.NoError(t, err)

	out, err := h.worker.Process(ctx, h.reserve(t))
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, out.Status)
	assert.Equal(t, 1, h.runner.count())

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Contains(t, run.Notes, "calibration pipeline done | runId="+res.RunID+" | entrypoint=fake-entrypoint | stages=2")
	assert.Contains(t, run.Notes, "mode=paper | dryRun=false")
}

func TestStart_IdempotentReplay(t *testing.T) {
	h := newHarness(t, enabled())
	ctx := context.Background()
	req := domain.StartRequest{IdempotencyKey: "client-key-1"}

	first, err := h.producer.Start(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "execution.start:client-key-1", first.JobID)

	second, err := h.producer.Start(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, domain.RunQueued, second.Status)

	assert.Len(t, h.runs(t), 1)
	assert.Equal(t, 1, h.orderCount(t))

	h.reserve(t)
	h.assertQueueEmpty(t)

	// Tras procesar, el replay refleja el estado actual del run
	job := domain.Job{ID: first.JobID, MaxAttempts: 3, Payload: domain.JobPayload{
		RunID: first.RunID, Mode: domain.ModeMock, DryRun: true, MaxPosition: 100,
		OrderID: first.OrderID, RequestedAt: time.Now(),
	}}
	_, err = h.worker.Process(ctx, job)
	require.NoError(t, err)

	third, err := h.producer.Start(ctx, req)
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, domain.RunDryRunDone, third.Status)
}

func TestStart_PolicyDisabled(t *testing.T) {
	o := enabled()
	o.producer.Enabled = false
	h := newHarness(t, o)

	_, err := h.producer.Start(context.Background(), domain.StartRequest{})
	var pe *domain.PolicyError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, domain.CodeExecutionDisabled, domain.CodeOf(err))
	assert.Empty(t, h.runs(t))

	_, err = h.producer.Enqueue(context.Background(), domain.JobPayload{RunID: "r"})
	assert.ErrorAs(t, err, &pe)
}

func TestStart_ValidationError(t *testing.T) {
	h := newHarness(t, enabled())

	_, err := h.producer.Start(context.Background(), domain.StartRequest{MaxPosition: floatPtr(-1)})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "maxPosition", ve.Field)

	_, err = h.producer.Start(context.Background(), domain.StartRequest{Mode: "yolo"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "mode", ve.Field)
	assert.Empty(t, h.runs(t))
}

func TestStart_KillSwitchOn(t *testing.T) {
	h := newHarness(t, enabled())
	ctx := context.Background()
	reason := "maintenance"
	_, err := h.ks.Set(ctx, true, &reason)
	require.NoError(t, err)

	_, err = h.producer.Start(ctx, domain.StartRequest{})
	var ke *domain.KillSwitchError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "start", ke.Stage)
	assert.Equal(t, domain.CodeKillSwitchOn, domain.CodeOf(err))

	blocked := h.events.named(domain.EventExecutionStartBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, domain.SeverityCritical, blocked[0].Severity)
	assert.Equal(t, "maintenance", blocked[0].Reason)
	assert.Equal(t, "start", blocked[0].Details["stage"])
	assert.Empty(t, h.runs(t))
	assert.Zero(t, h.orderCount(t))
}

func TestStart_LossLimitBlocksBeforePersistingAndFeedsBreaker(t *testing.T) {
	o := enabled()
	o.limits = domain.RiskLimits{MaxDailyLoss: 500, LimitPerMinute: 30}
	o.breaker.MaxDailyLoss = 500
	h := newHarness(t, o)
	ctx := context.Background()
	h.seedLoss(t, "seed-1", "-600")

	_, err := h.producer.Start(ctx, domain.StartRequest{})
	var rg *domain.RiskGuardError
	require.ErrorAs(t, err, &rg)
	assert.Equal(t, domain.CodeRiskLimitExceeded, rg.Code)
	assert.Equal(t, "producer", rg.Context)
	assert.Equal(t, 600.0, rg.CurrentLossAbs)

	// No se crea run ni orden PENDING; la orden sembrada sigue
	assert.Empty(t, h.runs(t))
	assert.Equal(t, 1, h.orderCount(t))
	h.assertQueueEmpty(t)

	blocked := h.events.named(domain.EventExecutionStartBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, domain.CodeRiskLimitExceeded, blocked[0].Details["code"])
	assert.Equal(t, 600.0, blocked[0].Details["currentLossAbs"])
	assert.Equal(t, 500.0, blocked[0].Details["maxDailyLoss"])

	assert.Equal(t, 1, h.breaker.State().ConsecutiveFailures)
	on := h.events.named(domain.EventKillSwitchOn)
	require.Len(t, on, 1)
	assert.Equal(t, "loss_limit", on[0].Details["triggerType"])

	ks, err := h.ks.Get(ctx)
	require.NoError(t, err)
	assert.True(t, ks.Enabled)
}

func TestStart_RateLimitDoesNotFeedBreaker(t *testing.T) {
	o := enabled()
	o.limits = domain.RiskLimits{MaxDailyLoss: 1000, LimitPerMinute: 2}
	h := newHarness(t, o)
	h.seedLoss(t, "seed-1", "0")
	h.seedLoss(t, "seed-2", "0")

	_, err := h.producer.Start(context.Background(), domain.StartRequest{})
	var rg *domain.RiskGuardError
	require.ErrorAs(t, err, &rg)
	assert.Equal(t, domain.CodeOrderRateLimitExceeded, rg.Code)
	assert.Equal(t, 2, rg.OrdersLastMinute)

	assert.Zero(t, h.breaker.State().ConsecutiveFailures)
	assert.Empty(t, h.events.named(domain.EventKillSwitchOn))
	assert.Equal(t, 2, h.orderCount(t))
	assert.Empty(t, h.runs(t))
}

func TestStart_RateLimitIgnoresOwnOrder(t *testing.T) {
	o := enabled()
	o.limits = domain.RiskLimits{MaxDailyLoss: 1000, LimitPerMinute: 1}
	h := newHarness(t, o)
	ctx := context.Background()

	// BD vacía: la primera petición entra aunque el límite sea 1
	res, err := h.producer.Start(ctx, domain.StartRequest{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, res.JobID, h.reserve(t).ID)

	// La segunda ya ve la orden de la primera
	_, err = h.producer.Start(ctx, domain.StartRequest{})
	var rg *domain.RiskGuardError
	require.ErrorAs(t, err, &rg)
	assert.Equal(t, domain.CodeOrderRateLimitExceeded, rg.Code)
	assert.Equal(t, 1, rg.OrdersLastMinute)
	assert.Equal(t, 1, h.orderCount(t))
	assert.Len(t, h.runs(t), 1)
}

func TestStart_EnqueueFailureRollsBack(t *testing.T) {
	h := newHarness(t, enabled())
	require.NoError(t, h.queue.Close())

	_, err := h.producer.Start(context.Background(), domain.StartRequest{IdempotencyKey: "k"})
	var ee *domain.EnqueueError
	require.ErrorAs(t, err, &ee)
	assert.ErrorIs(t, err, queue.ErrClosed)
	assert.Equal(t, domain.CodeEnqueueFailed, domain.CodeOf(err))

	assert.Empty(t, h.runs(t))
	assert.Zero(t, h.orderCount(t))
	assert.Empty(t, h.events.named(domain.EventExecutionStartBlocked))
}

func TestEnqueue_WithoutKeyGetsQueueID(t *testing.T) {
	h := newHarness(t, enabled())

	res, err := h.producer.Enqueue(context.Background(), domain.JobPayload{RunID: "run-x", Mode: domain.ModeMock})
	require.NoError(t, err)
	assert.Equal(t, "run-x", res.RunID)
	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, res.JobID, h.reserve(t).ID)
}

func TestEnqueue_KillSwitchEmitsBlockedOnce(t *testing.T) {
	h := newHarness(t, enabled())
	ctx := context.Background()
	_, err := h.ks.Set(ctx, true, nil)
	require.NoError(t, err)

	_, err = h.producer.Enqueue(ctx, domain.JobPayload{RunID: "run-x", Mode: domain.ModeMock})
	var ke *domain.KillSwitchError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "producer", ke.Stage)

	blocked := h.events.named(domain.EventExecutionStartBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "producer", blocked[0].Details["stage"])
	assert.Equal(t, "run-x", blocked[0].RunID)
	h.assertQueueEmpty(t)
}

func TestJobID(t *testing.T) {
	assert.Equal(t, "", execution.JobID(""))
	assert.Equal(t, "execution.start:abc", execution.JobID("abc"))
}

// --- worker ---

func startJob(t *testing.T, h *harness, req domain.StartRequest) (domain.StartResult, domain.Job) {
	t.Helper()
	res, err := h.producer.Start(context.Background(), req)
	require.NoError(t, err)
	return res, h.reserve(t)
}

func TestProcess_KillSwitchBlocks(t *testing.T) {
	h := newHarness(t, enabled())
	ctx := context.Background()
	res, job := startJob(t, h, domain.StartRequest{})

	reason := "operator stop"
	_, err := h.ks.Set(ctx, true, &reason)
	require.NoError(t, err)

	_, err = h.worker.Process(ctx, job)
	var ke *domain.KillSwitchError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "worker_precheck", ke.Stage)
	assert.Contains(t, err.Error(), "operator stop")

	blocked := h.events.named(domain.EventExecutionStartBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, "worker_precheck", blocked[0].Details["stage"])
	assert.Equal(t, res.RunID, blocked[0].RunID)
	assert.Equal(t, job.ID, blocked[0].JobID)

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, run.Status, "rejected before RUNNING")
}

func TestProcess_RateLimitIgnoresOwnOrder(t *testing.T) {
	o := enabled()
	o.limits = domain.RiskLimits{MaxDailyLoss: 1000, LimitPerMinute: 1}
	h := newHarness(t, o)
	ctx := context.Background()
	res, job := startJob(t, h, domain.StartRequest{})

	out, err := h.worker.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.RunDryRunDone, out.Status)

	order, err := h.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, order.Status)

	// Otra orden reciente sí cuenta
	h.seedLoss(t, "other", "0")
	_, err = h.worker.Process(ctx, job)
	var rg *domain.RiskGuardError
	require.ErrorAs(t, err, &rg)
	assert.Equal(t, domain.CodeOrderRateLimitExceeded, rg.Code)
	assert.Equal(t, "worker", rg.Context)
}

func TestProcess_ExposureCaps(t *testing.T) {
	t.Run("request cap", func(t *testing.T) {
		h := newHarness(t, enabled())
		_, job := startJob(t, h, domain.StartRequest{MaxPosition: floatPtr(100)})
		require.NoError(t, h.store.SavePosition(context.Background(), "m1", decimal.NewFromInt(-150)))

		_, err := h.worker.Process(context.Background(), job)
		var xe *domain.ExposureError
		require.ErrorAs(t, err, &xe)
		assert.False(t, xe.Infra)
		assert.Equal(t, 150.0, xe.Current)
		assert.Equal(t, 100.0, xe.Limit)
	})

	t.Run("infra cap", func(t *testing.T) {
		o := enabled()
		o.worker.MaxPositionLimit = 50
		h := newHarness(t, o)
		_, job := startJob(t, h, domain.StartRequest{MaxPosition: floatPtr(1000)})
		require.NoError(t, h.store.SavePosition(context.Background(), "m1", decimal.NewFromInt(60)))

		_, err := h.worker.Process(context.Background(), job)
		var xe *domain.ExposureError
		require.ErrorAs(t, err, &xe)
		assert.True(t, xe.Infra)
		assert.Contains(t, err.Error(), "infra maxPositionLimit=50")
	})
}

func TestProcess_TaskFailureSurfacesStage(t *testing.T) {
	h := newHarness(t, enabled())
	h.runner.fn = func(int) (ports.TaskOutcome, error) {
		return ports.TaskOutcome{Success: false, Failure: &ports.TaskFailure{Stage: "fit", Reason: "diverged"}}, nil
	}
	res, job := startJob(t, h, domain.StartRequest{DryRun: boolPtr(false)})

	_, err := h.worker.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calibration pipeline failed | runId="+res.RunID)
	assert.Contains(t, err.Error(), "reason=fit: diverged")

	h.runner.fn = func(int) (ports.TaskOutcome, error) { return ports.TaskOutcome{}, nil }
	_, err = h.worker.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reason=pipeline did not report success")

	h.runner.fn = func(int) (ports.TaskOutcome, error) { return ports.TaskOutcome{}, errors.New("exec: not found") }
	_, err = h.worker.Process(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec: not found | mode=mock")
}

func TestHandleFailure_LossViolationNotes(t *testing.T) {
	o := enabled()
	o.limits = domain.RiskLimits{MaxDailyLoss: 500, LimitPerMinute: 30}
	h := newHarness(t, o)
	ctx := context.Background()
	res, job := startJob(t, h, domain.StartRequest{})
	h.seedLoss(t, "seed-1", "-700")

	_, err := h.worker.Process(ctx, job)
	require.True(t, domain.IsLossLimit(err))
	assert.Equal(t, 1, h.breaker.State().ConsecutiveFailures)

	h.worker.HandleFailure(ctx, job, err, false)
	assert.Equal(t, 2, h.breaker.State().ConsecutiveFailures)

	run, err := h.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Notes, "status=FAILED | error=[worker] blocked: daily loss limit exceeded")
	assert.Contains(t, run.Notes, `code=RISK_LIMIT_EXCEEDED | details={"currentLossAbs":700,"maxDailyLoss":500}`)

	failed := h.events.named(domain.EventWorkerFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Details["attemptsMade"])
	assert.Empty(t, h.events.named(domain.EventRetryExhausted))

	// No agotado: la orden sigue PENDING para el reintento
	order, err := h.store.GetOrder(ctx, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
}

// --- run loop ---

func runWorker(t *testing.T, h *harness) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRun_RetriesUntilExhausted(t *testing.T) {
	h := newHarness(t, enabled())
	h.runner.fn = func(int) (ports.TaskOutcome, error) { return ports.TaskOutcome{}, errors.New("task crashed") }
	res, err := h.producer.Start(context.Background(), domain.StartRequest{DryRun: boolPtr(false)})
	require.NoError(t, err)

	runWorker(t, h)

	require.Eventually(t, func() bool {
		return len(h.events.named(domain.EventRetryExhausted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		order, err := h.store.GetOrder(context.Background(), res.OrderID)
		return err == nil && order.Status == domain.OrderFailed
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, h.runner.count())
	assert.Len(t, h.events.named(domain.EventWorkerFailed), 3)

	exhausted := h.events.named(domain.EventRetryExhausted)[0]
	assert.Equal(t, 3, exhausted.Details["attemptsMade"])
	assert.Equal(t, 3, exhausted.Details["configuredAttempts"])

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Notes, "error=task crashed | mode=mock")

	// Tres fallos seguidos disparan el breaker
	on := h.events.named(domain.EventKillSwitchOn)
	require.Len(t, on, 1)
	assert.Equal(t, "consecutive_failures", on[0].Details["triggerType"])
}

func TestRun_RetryCanStillFill(t *testing.T) {
	h := newHarness(t, enabled())
	h.runner.fn = func(call int) (ports.TaskOutcome, error) {
		if call == 1 {
			return ports.TaskOutcome{}, errors.New("transient")
		}
		return ports.TaskOutcome{Success: true}, nil
	}
	res, err := h.producer.Start(context.Background(), domain.StartRequest{DryRun: boolPtr(false)})
	require.NoError(t, err)

	runWorker(t, h)

	require.Eventually(t, func() bool {
		order, err := h.store.GetOrder(context.Background(), res.OrderID)
		return err == nil && order.Status == domain.OrderFilled
	}, 2*time.Second, 5*time.Millisecond)

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Len(t, h.events.named(domain.EventWorkerFailed), 1)
	assert.Empty(t, h.events.named(domain.EventRetryExhausted))
	assert.Eventually(t, func() bool {
		return h.breaker.State().ConsecutiveFailures == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRun_UnconfiguredRunnerFailsRealRuns(t *testing.T) {
	o := enabled()
	o.runner = runner.Unconfigured{}
	h := newHarness(t, o)
	ctx := context.Background()

	live, err := h.producer.Start(ctx, domain.StartRequest{DryRun: boolPtr(false), IdempotencyKey: "live"})
	require.NoError(t, err)

	runWorker(t, h)

	require.Eventually(t, func() bool {
		order, err := h.store.GetOrder(ctx, live.OrderID)
		return err == nil && order.Status == domain.OrderFailed
	}, 2*time.Second, 5*time.Millisecond)

	// Sin comando no hay reintentos ni DRY_RUN_DONE
	assert.Len(t, h.events.named(domain.EventWorkerFailed), 1)
	assert.Empty(t, h.events.named(domain.EventRetryExhausted))
	h.assertQueueEmpty(t)

	run, err := h.store.GetRun(ctx, live.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Notes, "no calibration command configured")
	assert.NotContains(t, run.Notes, "dry-run")

	// Los dry runs siguen funcionando
	dry, err := h.producer.Start(ctx, domain.StartRequest{IdempotencyKey: "dry"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		order, err := h.store.GetOrder(ctx, dry.OrderID)
		return err == nil && order.Status == domain.OrderFilled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRun_PolicyRejectionIsNotRetried(t *testing.T) {
	o := enabled()
	o.worker.Enabled = false
	h := newHarness(t, o)
	res, err := h.producer.Start(context.Background(), domain.StartRequest{})
	require.NoError(t, err)

	runWorker(t, h)

	require.Eventually(t, func() bool {
		order, err := h.store.GetOrder(context.Background(), res.OrderID)
		return err == nil && order.Status == domain.OrderFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, h.events.named(domain.EventWorkerFailed), 1)
	assert.Empty(t, h.events.named(domain.EventRetryExhausted))
	h.assertQueueEmpty(t)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, enabled())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, enabled())
	res, err := h.producer.Start(context.Background(), domain.StartRequest{})
	require.NoError(t, err)

	ok, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	run, err := h.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunDryRunDone, run.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
