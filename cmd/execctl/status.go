package main

import (
	"context"
	"flag"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/adapters/notify"
)

func runStatus(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	g.register(fs)
	limit := fs.Int("limit", 10, "recent runs and orders to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := g.load()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report := notify.StatusReport{
		GeneratedAt: time.Now(),
		StorageOK:   a.store.Ping(ctx) == nil,
	}

	if report.KillSwitch, err = a.ks.Refresh(ctx); err != nil {
		slog.Warn("status: kill-switch unavailable", "err", err)
	}
	if report.Risk, err = a.risk.Evaluate(ctx); err != nil {
		slog.Warn("status: risk snapshot unavailable", "err", err)
	}
	if report.Runs, err = a.store.ListRecentRuns(ctx, *limit); err != nil {
		slog.Warn("status: runs unavailable", "err", err)
	}
	if report.Orders, err = a.store.ListRecentOrders(ctx, *limit); err != nil {
		slog.Warn("status: orders unavailable", "err", err)
	}

	notify.NewConsole().PrintStatus(report)
	return nil
}
