package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/execgate/config"
)

const usage = `execctl controls the execution pipeline.

Usage:
  execctl worker     [flags]               consume execution jobs until SIGINT/SIGTERM
  execctl start      [flags]               submit an execution start request
  execctl killswitch on|off|status [flags] operate the global kill-switch
  execctl status     [flags]               print kill-switch, risk and recent activity

Run "execctl <command> -h" for the flags of each command.
`

// globalFlags son los flags comunes a todos los subcomandos.
type globalFlags struct {
	configPath string
	verbose    bool
	logFormat  string
}

func (g *globalFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.configPath, "config", "config/config.yaml", "path to config file")
	fs.BoolVar(&g.verbose, "verbose", false, "set log level to debug")
	fs.StringVar(&g.logFormat, "format", "", "log format: text|json (overrides config)")
}

// load carga la config y configura el logger global.
func (g *globalFlags) load() *config.Config {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", g.configPath)
		os.Exit(1)
	}
	if g.verbose {
		cfg.Log.Level = "debug"
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	setupLogger(cfg.Log)
	return cfg
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "worker":
		err = runWorker(ctx, args)
	case "start":
		err = runStart(ctx, args)
	case "killswitch":
		err = runKillSwitch(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			slog.Error("execctl "+cmd+" failed", "err", err)
		}
		os.Exit(1)
	}
}

// errUnauthorized es devuelto cuando el token de admin no coincide.
var errUnauthorized = errors.New("unauthorized: admin token required")

// requireAdmin exige el token configurado para operaciones que escriben.
func requireAdmin(cfg *config.Config, token string) error {
	if cfg.Execution.AdminToken == "" {
		return nil
	}
	if token != cfg.Execution.AdminToken {
		return errUnauthorized
	}
	return nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
