package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/execgate/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv vacía las variables que Load lee, restaurándolas al final.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EXECUTION_API_ENABLED", "ADMIN_API_TOKEN", "CALIBRATION_COMMAND", "CALIBRATION_TIMEOUT_MS",
		"MAX_POSITION_LIMIT", "RISK_MAX_DAILY_LOSS", "ORDER_RATE_LIMIT_PER_MIN",
		"AUTO_KILL_SWITCH_ENABLED", "AUTO_KILL_SWITCH_CONSECUTIVE_FAILURES", "AUTO_KILL_SWITCH_MAX_DAILY_LOSS",
		"AUTO_KILL_SWITCH_LATENCY_THRESHOLD_MS", "AUTO_KILL_SWITCH_LATENCY_SPIKE_MULTIPLIER",
		"AUTO_KILL_SWITCH_LATENCY_SPIKE_MIN_SAMPLES", "AUTO_KILL_SWITCH_LATENCY_EWMA_ALPHA",
		"QUEUE_BACKEND", "REDIS_URL", "DATABASE_DSN", "ALERT_WEBHOOK_URL", "LOG_LEVEL", "LOG_FORMAT",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.False(t, cfg.Execution.Enabled)
	assert.Equal(t, 1_000_000.0, cfg.Execution.MaxPositionLimit)
	assert.Equal(t, 120*time.Second, cfg.TaskTimeout())
	assert.Equal(t, 1, cfg.Execution.Concurrency)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, "execution_start", cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.Attempts)
	assert.Equal(t, time.Second, cfg.QueueBackoff())
	assert.Equal(t, 200*time.Millisecond, cfg.QueuePollInterval())
	assert.Equal(t, "execgate.db", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	limits := cfg.RiskLimits()
	assert.Equal(t, 500_000.0, limits.MaxDailyLoss)
	assert.Equal(t, 30, limits.LimitPerMinute)

	b := cfg.BreakerConfig()
	assert.True(t, b.Enabled)
	assert.Equal(t, 3, b.ConsecutiveFailureThreshold)
	assert.Equal(t, 500_000.0, b.MaxDailyLoss)
	assert.Equal(t, 30_000.0, b.LatencyThresholdMs)
	assert.Equal(t, 3.0, b.LatencySpikeMultiplier)
	assert.Equal(t, 5, b.LatencySpikeMinSamples)
	assert.Equal(t, 0.2, b.LatencyEWMAAlpha)
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
execution:
  enabled: true
  task_command: "python -m calibration"
  task_timeout_ms: 5000
  concurrency: 4
risk:
  max_daily_loss: 2500
  order_rate_limit_per_min: 10
breaker:
  enabled: false
  consecutive_failures: 5
queue:
  backend: redis
  redis_url: redis://localhost:6379/0
storage:
  dsn: ":memory:"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Execution.Enabled)
	assert.Equal(t, "python -m calibration", cfg.Execution.TaskCommand)
	assert.Equal(t, 5*time.Second, cfg.TaskTimeout())
	assert.Equal(t, 4, cfg.Execution.Concurrency)
	assert.Equal(t, "redis", cfg.Queue.Backend)
	assert.Equal(t, ":memory:", cfg.Storage.DSN)

	b := cfg.BreakerConfig()
	assert.False(t, b.Enabled)
	assert.Equal(t, 5, b.ConsecutiveFailureThreshold)
	// Sin override propio, la pérdida del breaker cae al techo del risk guard
	assert.Equal(t, 2500.0, b.MaxDailyLoss)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "execution:\n  enabled: true\nlog:\n  level: debug\n")

	t.Setenv("EXECUTION_API_ENABLED", "yes") // solo "true" activa
	t.Setenv("RISK_MAX_DAILY_LOSS", "750")
	t.Setenv("ORDER_RATE_LIMIT_PER_MIN", "5")
	t.Setenv("AUTO_KILL_SWITCH_ENABLED", "0")
	t.Setenv("AUTO_KILL_SWITCH_MAX_DAILY_LOSS", "300")
	t.Setenv("AUTO_KILL_SWITCH_LATENCY_EWMA_ALPHA", "1.5")
	t.Setenv("MAX_POSITION_LIMIT", "NaN")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CALIBRATION_COMMAND", "/usr/bin/calibrate")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Execution.Enabled)
	assert.Equal(t, "/usr/bin/calibrate", cfg.Execution.TaskCommand)
	assert.Equal(t, 1_000_000.0, cfg.Execution.MaxPositionLimit)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 750.0, cfg.RiskLimits().MaxDailyLoss)
	assert.Equal(t, 5, cfg.RiskLimits().LimitPerMinute)

	b := cfg.BreakerConfig()
	assert.False(t, b.Enabled)
	assert.Equal(t, 300.0, b.MaxDailyLoss)
	assert.Equal(t, 0.2, b.LatencyEWMAAlpha, "alpha outside (0,1] falls back")
}

func TestLoad_BreakerEnabledByAnyOtherValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("AUTO_KILL_SWITCH_ENABLED", "off")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.BreakerConfig().Enabled)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	_, err := config.Load(writeYAML(t, "execution: [not, a, map"))
	assert.Error(t, err)

	t.Setenv("ORDER_RATE_LIMIT_PER_MIN", "many")
	_, err = config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORDER_RATE_LIMIT_PER_MIN")
}
