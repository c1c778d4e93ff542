package execution

// pool.go: pool de consumidores sobre la cola de ejecución.
//
// Cada goroutine toma un job a la vez; Concurrency acota cuántos corren en
// paralelo dentro del proceso.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// reserveRetryWait es la pausa tras un error de transporte al reservar.
const reserveRetryWait = time.Second

// Run consume jobs hasta que ctx se cancele o la cola se cierre. Los jobs en
// curso terminan aunque ctx se cancele.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker starting",
		"queue", w.deps.Queue.Name(),
		"concurrency", w.cfg.Concurrency,
	)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, slot)
		}(i)
	}
	wg.Wait()

	slog.Info("worker stopped")
	return nil
}

func (w *Worker) consume(ctx context.Context, slot int) {
	for {
		job, err := w.deps.Queue.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ports.ErrQueueClosed) {
				return
			}
			slog.Error("worker: reserve failed", "slot", slot, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reserveRetryWait):
			}
			continue
		}
		w.handle(context.WithoutCancel(ctx), job)
	}
}

// handle procesa una entrega y la confirma o la marca fallida en la cola.
func (w *Worker) handle(ctx context.Context, job domain.Job) {
	slog.Info("worker: job active",
		"job_id", job.ID,
		"run_id", job.Payload.RunID,
		"attempts_made", job.AttemptsMade,
	)

	if _, err := w.Process(ctx, job); err != nil {
		slog.Error("worker: job failed",
			"job_id", job.ID,
			"run_id", job.Payload.RunID,
			"code", domain.CodeOf(err),
			"err", err,
		)
		exhausted, qerr := w.deps.Queue.Fail(ctx, job, err)
		if qerr != nil {
			slog.Error("worker: queue fail ack failed", "job_id", job.ID, "err", qerr)
			exhausted = job.LastAttempt()
		}
		w.HandleFailure(ctx, job, err, exhausted)
		return
	}

	if err := w.deps.Queue.Complete(ctx, job); err != nil {
		slog.Error("worker: queue complete ack failed", "job_id", job.ID, "err", err)
	}
}

// RunOnce reserva y procesa un solo job. Devuelve false cuando ctx termina
// sin que haya llegado ninguno.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.deps.Queue.Reserve(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, fmt.Errorf("execution.RunOnce: reserve: %w", err)
	}
	w.handle(context.WithoutCancel(ctx), job)
	return true, nil
}
