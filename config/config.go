package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del control plane.
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	Risk      RiskConfig      `yaml:"risk"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Queue     QueueConfig     `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Log       LogConfig       `yaml:"log"`
}

// ExecutionConfig controla la política de ejecución y la tarea externa.
type ExecutionConfig struct {
	Enabled          bool    `yaml:"enabled"`     // EXECUTION_API_ENABLED, solo "true" lo activa
	AdminToken       string  `yaml:"admin_token"` // ADMIN_API_TOKEN
	MaxPositionLimit float64 `yaml:"max_position_limit"`
	TaskCommand      string  `yaml:"task_command"` // vacío = runner dry-run
	TaskTimeoutMs    int     `yaml:"task_timeout_ms"`
	Concurrency      int     `yaml:"concurrency"`
}

// RiskConfig son los techos del risk guard.
type RiskConfig struct {
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
	OrderRateLimitPerMin int     `yaml:"order_rate_limit_per_min"`
}

// BreakerConfig son los umbrales del auto kill-switch. Enabled es un puntero
// para distinguir "no configurado" (activo) de false.
type BreakerConfig struct {
	Enabled                *bool   `yaml:"enabled"`
	ConsecutiveFailures    int     `yaml:"consecutive_failures"`
	MaxDailyLoss           float64 `yaml:"max_daily_loss"` // 0 = usa risk.max_daily_loss
	LatencyThresholdMs     float64 `yaml:"latency_threshold_ms"`
	LatencySpikeMultiplier float64 `yaml:"latency_spike_multiplier"`
	LatencySpikeMinSamples int     `yaml:"latency_spike_min_samples"`
	LatencyEWMAAlpha       float64 `yaml:"latency_ewma_alpha"`
}

// QueueConfig selecciona el transporte de jobs.
type QueueConfig struct {
	Backend        string `yaml:"backend"` // memory | redis
	RedisURL       string `yaml:"redis_url"`
	Name           string `yaml:"name"`
	Attempts       int    `yaml:"attempts"`
	BackoffMs      int    `yaml:"backoff_ms"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// AlertsConfig controla el webhook de eventos críticos.
type AlertsConfig struct {
	WebhookURL string  `yaml:"webhook_url"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Un YAML inexistente no es error: se usan env y defaults. Las variables de
// entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("config file not found, using env and defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	return &cfg, nil
}

// RiskLimits devuelve los techos del risk guard.
func (c *Config) RiskLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxDailyLoss:   c.Risk.MaxDailyLoss,
		LimitPerMinute: c.Risk.OrderRateLimitPerMin,
	}
}

// BreakerConfig devuelve los umbrales del breaker ya normalizados; la
// pérdida máxima cae al techo del risk guard si no está configurada.
func (c *Config) BreakerConfig() domain.BreakerConfig {
	enabled := true
	if c.Breaker.Enabled != nil {
		enabled = *c.Breaker.Enabled
	}
	return domain.BreakerConfig{
		Enabled:                     enabled,
		ConsecutiveFailureThreshold: c.Breaker.ConsecutiveFailures,
		MaxDailyLoss:                c.Breaker.MaxDailyLoss,
		LatencyThresholdMs:          c.Breaker.LatencyThresholdMs,
		LatencySpikeMultiplier:      c.Breaker.LatencySpikeMultiplier,
		LatencySpikeMinSamples:      c.Breaker.LatencySpikeMinSamples,
		LatencyEWMAAlpha:            c.Breaker.LatencyEWMAAlpha,
	}.Normalize(c.Risk.MaxDailyLoss)
}

// TaskTimeout devuelve el timeout de la tarea externa.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.Execution.TaskTimeoutMs) * time.Millisecond
}

// QueueBackoff devuelve el backoff base de la cola.
func (c *Config) QueueBackoff() time.Duration {
	return time.Duration(c.Queue.BackoffMs) * time.Millisecond
}

// QueuePollInterval devuelve el intervalo de polling de Redis.
func (c *Config) QueuePollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	if v, ok := os.LookupEnv("EXECUTION_API_ENABLED"); ok {
		cfg.Execution.Enabled = strings.TrimSpace(v) == "true"
	}
	str(&cfg.Execution.AdminToken, "ADMIN_API_TOKEN")
	str(&cfg.Execution.TaskCommand, "CALIBRATION_COMMAND")
	str(&cfg.Queue.Backend, "QUEUE_BACKEND")
	str(&cfg.Queue.RedisURL, "REDIS_URL")
	str(&cfg.Storage.DSN, "DATABASE_DSN")
	str(&cfg.Alerts.WebhookURL, "ALERT_WEBHOOK_URL")
	str(&cfg.Log.Level, "LOG_LEVEL")
	str(&cfg.Log.Format, "LOG_FORMAT")

	if v, ok := os.LookupEnv("AUTO_KILL_SWITCH_ENABLED"); ok {
		raw := strings.ToLower(strings.TrimSpace(v))
		enabled := raw != "false" && raw != "0"
		cfg.Breaker.Enabled = &enabled
	}

	floats := []struct {
		dst *float64
		key string
	}{
		{&cfg.Execution.MaxPositionLimit, "MAX_POSITION_LIMIT"},
		{&cfg.Risk.MaxDailyLoss, "RISK_MAX_DAILY_LOSS"},
		{&cfg.Breaker.MaxDailyLoss, "AUTO_KILL_SWITCH_MAX_DAILY_LOSS"},
		{&cfg.Breaker.LatencyThresholdMs, "AUTO_KILL_SWITCH_LATENCY_THRESHOLD_MS"},
		{&cfg.Breaker.LatencySpikeMultiplier, "AUTO_KILL_SWITCH_LATENCY_SPIKE_MULTIPLIER"},
		{&cfg.Breaker.LatencyEWMAAlpha, "AUTO_KILL_SWITCH_LATENCY_EWMA_ALPHA"},
	}
	for _, f := range floats {
		if err := float(f.dst, f.key); err != nil {
			return err
		}
	}

	ints := []struct {
		dst *int
		key string
	}{
		{&cfg.Execution.TaskTimeoutMs, "CALIBRATION_TIMEOUT_MS"},
		{&cfg.Risk.OrderRateLimitPerMin, "ORDER_RATE_LIMIT_PER_MIN"},
		{&cfg.Breaker.ConsecutiveFailures, "AUTO_KILL_SWITCH_CONSECUTIVE_FAILURES"},
		{&cfg.Breaker.LatencySpikeMinSamples, "AUTO_KILL_SWITCH_LATENCY_SPIKE_MIN_SAMPLES"},
	}
	for _, i := range ints {
		if err := integer(i.dst, i.key); err != nil {
			return err
		}
	}
	return nil
}

func str(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func float(dst *float64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = f
	return nil
}

func integer(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("env %s: %w", key, err)
	}
	*dst = n
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if !positive(cfg.Execution.MaxPositionLimit) {
		cfg.Execution.MaxPositionLimit = domain.DefaultMaxPosition
	}
	if cfg.Execution.TaskTimeoutMs <= 0 {
		cfg.Execution.TaskTimeoutMs = 120_000
	}
	if cfg.Execution.Concurrency <= 0 {
		cfg.Execution.Concurrency = 1
	}
	if !positive(cfg.Risk.MaxDailyLoss) {
		cfg.Risk.MaxDailyLoss = domain.DefaultMaxDailyLoss
	}
	if cfg.Risk.OrderRateLimitPerMin <= 0 {
		cfg.Risk.OrderRateLimitPerMin = domain.DefaultOrderRateLimit
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "execution_start"
	}
	if cfg.Queue.Attempts <= 0 {
		cfg.Queue.Attempts = 3
	}
	if cfg.Queue.BackoffMs <= 0 {
		cfg.Queue.BackoffMs = 1000
	}
	if cfg.Queue.PollIntervalMs <= 0 {
		cfg.Queue.PollIntervalMs = 200
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "execgate.db"
	}
	if cfg.Alerts.RatePerSec <= 0 {
		cfg.Alerts.RatePerSec = 1
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// positive es false para cero, negativos, NaN e Inf.
func positive(f float64) bool {
	return f > 0 && f < math.Inf(1)
}
