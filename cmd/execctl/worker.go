package main

import (
	"context"
	"flag"
)

func runWorker(ctx context.Context, args []string) error {
	var g globalFlags
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	g.register(fs)
	concurrency := fs.Int("concurrency", 0, "worker goroutines (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := g.load()
	if *concurrency > 0 {
		cfg.Execution.Concurrency = *concurrency
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.worker.Run(ctx)
}
