// Package execution moves a start request from guard checks to a terminal
// order: Producer persists and enqueues, Worker consumes and reconciles.
package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/application/breaker"
	"github.com/alejandrodnm/execgate/internal/application/killswitch"
	"github.com/alejandrodnm/execgate/internal/application/orders"
	"github.com/alejandrodnm/execgate/internal/application/riskguard"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// Guard contexts and event stages.
const (
	guardProducer = "producer"
	guardWorker   = "worker"

	stageStart          = "start"
	stageProducer       = "producer"
	stageWorkerPrecheck = "worker_precheck"
)

// Config is the execution policy shared by Producer and Worker.
type Config struct {
	Enabled          bool    // EXECUTION_API_ENABLED
	MaxPositionLimit float64 // hard exposure cap; <= 0 disables it
	Concurrency      int     // worker goroutines; <= 0 means 1
}

// Store is the persistence the execution path touches directly.
type Store interface {
	ports.RunStore
	ports.OrderStore
	ports.PositionStore
}

// Deps are the collaborators of Producer and Worker. Runner is only used by
// the Worker. A nil Events discards events.
type Deps struct {
	Store      Store
	Queue      ports.JobQueue
	Orders     *orders.Lifecycle
	Risk       *riskguard.Evaluator
	KillSwitch *killswitch.Store
	Breaker    *breaker.Breaker
	Runner     ports.TaskRunner
	Events     ports.EventSink
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = ports.EventSinkFunc(func(context.Context, domain.OpsEvent) {})
	}
	return d
}

// JobID derives the transport job ID from an idempotency key. Without a key
// the queue assigns one.
func JobID(idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return domain.ExecutionJobName + ":" + idempotencyKey
}

// currentLoss reads a fresh loss figure for the breaker, nil when unavailable.
func currentLoss(ctx context.Context, risk *riskguard.Evaluator) *float64 {
	snap, err := risk.Evaluate(ctx)
	if err != nil {
		slog.Warn("execution: risk snapshot unavailable", "err", err)
		return nil
	}
	return breaker.Float(snap.CurrentLossAbs)
}

func clock() time.Time { return time.Now() }
