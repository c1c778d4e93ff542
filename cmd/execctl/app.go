package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/execgate/config"
	"github.com/alejandrodnm/execgate/internal/adapters/notify"
	"github.com/alejandrodnm/execgate/internal/adapters/queue"
	"github.com/alejandrodnm/execgate/internal/adapters/runner"
	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/application/breaker"
	"github.com/alejandrodnm/execgate/internal/application/execution"
	"github.com/alejandrodnm/execgate/internal/application/killswitch"
	"github.com/alejandrodnm/execgate/internal/application/orders"
	"github.com/alejandrodnm/execgate/internal/application/riskguard"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// app agrupa los componentes cableados a partir de la config.
type app struct {
	cfg      *config.Config
	store    *storage.SQLiteStorage
	queue    ports.JobQueue
	events   ports.EventSink
	webhook  *notify.Webhook
	ks       *killswitch.Store
	risk     *riskguard.Evaluator
	producer *execution.Producer
	worker   *execution.Worker
}

// newApp abre storage y cola y construye producer y worker.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}

	q, err := openQueue(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	task, err := openRunner(cfg)
	if err != nil {
		q.Close()
		store.Close()
		return nil, err
	}

	webhook := notify.NewWebhook(cfg.Alerts.WebhookURL, cfg.Alerts.RatePerSec)
	events := notify.Multi{notify.NewLogSink(slog.Default()), webhook}

	ks := killswitch.New(store)
	risk := riskguard.New(store, cfg.RiskLimits)
	deps := execution.Deps{
		Store:      store,
		Queue:      q,
		Orders:     orders.New(orders.Deps{Store: store, Events: events}),
		Risk:       risk,
		KillSwitch: ks,
		Breaker:    breaker.New(ks, events, cfg.BreakerConfig),
		Runner:     task,
		Events:     events,
	}
	execCfg := execution.Config{
		Enabled:          cfg.Execution.Enabled,
		MaxPositionLimit: cfg.Execution.MaxPositionLimit,
		Concurrency:      cfg.Execution.Concurrency,
	}

	return &app{
		cfg:      cfg,
		store:    store,
		queue:    q,
		events:   events,
		webhook:  webhook,
		ks:       ks,
		risk:     risk,
		producer: execution.NewProducer(execCfg, deps),
		worker:   execution.NewWorker(execCfg, deps),
	}, nil
}

// Close vacía las alertas pendientes antes de cerrar cola y storage.
func (a *app) Close() {
	if err := a.webhook.Close(); err != nil {
		slog.Warn("webhook close failed", "err", err)
	}
	if err := a.queue.Close(); err != nil {
		slog.Warn("queue close failed", "err", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("storage close failed", "err", err)
	}
}

func openQueue(ctx context.Context, cfg *config.Config) (ports.JobQueue, error) {
	opts := queue.Options{
		Name:         cfg.Queue.Name,
		Attempts:     cfg.Queue.Attempts,
		Backoff:      cfg.QueueBackoff(),
		PollInterval: cfg.QueuePollInterval(),
	}
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemory(opts), nil
	case "redis":
		return queue.DialRedis(ctx, cfg.Queue.RedisURL, opts)
	}
	return nil, fmt.Errorf("unknown queue backend %q (memory|redis)", cfg.Queue.Backend)
}

func openRunner(cfg *config.Config) (ports.TaskRunner, error) {
	if cfg.Execution.TaskCommand == "" {
		slog.Warn("no task command configured, only dry-run jobs can execute")
		return runner.Unconfigured{}, nil
	}
	return runner.NewCommand(cfg.Execution.TaskCommand, cfg.TaskTimeout())
}
