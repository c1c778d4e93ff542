package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alejandrodnm/execgate/internal/adapters/queue"
	"github.com/alejandrodnm/execgate/internal/domain"
)

// startOutput es la respuesta impresa por `execctl start`.
type startOutput struct {
	OK        bool             `json:"ok"`
	RunID     string           `json:"runId"`
	JobID     string           `json:"jobId"`
	OrderID   string           `json:"orderId,omitempty"`
	State     string           `json:"state"`
	Queue     string           `json:"queue"`
	Replayed  bool             `json:"replayed,omitempty"`
	RunStatus domain.RunStatus `json:"runStatus,omitempty"`
	Params    map[string]any   `json:"params"`
}

func runStart(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	g.register(fs)
	mode := fs.String("mode", string(domain.DefaultMode), "execution mode: paper|live|mock")
	dryRun := fs.Bool("dry-run", true, "simulate the calibration task")
	maxPosition := fs.Float64("max-position", domain.DefaultMaxPosition, "exposure cap for this run")
	notes := fs.String("notes", "", "free text stored on the run")
	key := fs.String("idempotency-key", "", "reuse the run of an earlier request with the same key")
	token := fs.String("token", os.Getenv("EXECGATE_ADMIN_TOKEN"), "admin token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := g.load()
	if err := requireAdmin(cfg, *token); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.producer.Start(ctx, domain.StartRequest{
		Mode:           domain.ExecutionMode(*mode),
		DryRun:         dryRun,
		MaxPosition:    maxPosition,
		Notes:          *notes,
		IdempotencyKey: *key,
	})
	if err != nil {
		return fmt.Errorf("start rejected (code=%s): %w", domain.CodeOf(err), err)
	}

	out := startOutput{
		OK:       true,
		RunID:    res.RunID,
		JobID:    res.JobID,
		OrderID:  res.OrderID,
		State:    "queued",
		Queue:    res.QueueName,
		Replayed: res.Replayed,
		Params: map[string]any{
			"mode":        res.Mode,
			"dryRun":      res.DryRun,
			"maxPosition": res.MaxPosition,
		},
	}
	if res.Replayed {
		out.State = "replayed"
		out.RunStatus = res.Status
	}

	// La cola en memoria muere con el proceso: el job se procesa aquí mismo
	if cfg.Queue.Backend == "memory" && !res.Replayed {
		drain(ctx, a, cfg.QueueBackoff(), cfg.Queue.Attempts)
		if run, err := a.store.GetRun(ctx, res.RunID); err == nil {
			out.State = "processed"
			out.RunStatus = run.Status
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// drain procesa jobs de la cola en memoria hasta que no llegue ninguno dentro
// de la mayor espera de backoff posible.
func drain(ctx context.Context, a *app, backoff time.Duration, attempts int) {
	wait := queue.BackoffDelay(backoff, attempts) + time.Second
	for {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		ok, err := a.worker.RunOnce(waitCtx)
		cancel()
		if err != nil {
			slog.Error("start: in-process worker failed", "err", err)
			return
		}
		if !ok {
			return
		}
	}
}
