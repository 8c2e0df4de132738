package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "warden.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "WARDEN_PORT")
	setString(&cfg.Server.CORSOrigin, "WARDEN_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "WARDEN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "WARDEN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "WARDEN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "WARDEN_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "WARDEN_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.ScheduleBucket, "WARDEN_SCHEDULE_BUCKET")
	setString(&cfg.NATS.WorkerQueue, "WARDEN_WORKER_QUEUE")
	setString(&cfg.Model.URL, "WARDEN_MODEL_URL")
	setString(&cfg.Model.APIKey, "WARDEN_MODEL_API_KEY")
	setString(&cfg.Model.Default, "WARDEN_MODEL_DEFAULT")
	setDuration(&cfg.Model.Timeout, "WARDEN_MODEL_TIMEOUT")
	setInt(&cfg.Model.MaxTokens, "WARDEN_MODEL_MAX_TOKENS")
	setString(&cfg.Logging.Level, "WARDEN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "WARDEN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "WARDEN_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "WARDEN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "WARDEN_BREAKER_TIMEOUT")

	// Loop
	setInt(&cfg.Loop.MaxIterations, "WARDEN_LOOP_MAX_ITERATIONS")
	setDuration(&cfg.Loop.MaxWallClock, "WARDEN_LOOP_MAX_WALL_CLOCK")
	setInt(&cfg.Loop.MaxSameToolStreak, "WARDEN_LOOP_MAX_SAME_TOOL_STREAK")
	setInt(&cfg.Loop.MaxToolCallsPerIter, "WARDEN_LOOP_MAX_TOOL_CALLS_PER_ITER")
	setInt(&cfg.Loop.ModelRetries, "WARDEN_LOOP_MODEL_RETRIES")
	setDuration(&cfg.Loop.ModelRetryDelay, "WARDEN_LOOP_MODEL_RETRY_DELAY")
	setInt(&cfg.Loop.TaskAgentMaxLogTurns, "WARDEN_LOOP_TASK_MAX_LOG_TURNS")

	// Retry
	setDuration(&cfg.Retry.BackoffBase, "WARDEN_RETRY_BACKOFF_BASE")
	setDuration(&cfg.Retry.BackoffCap, "WARDEN_RETRY_BACKOFF_CAP")
	setFloat64(&cfg.Retry.JitterFraction, "WARDEN_RETRY_JITTER")
	setInt(&cfg.Retry.MaxAttemptsRate, "WARDEN_RETRY_MAX_ATTEMPTS_RATE")
	setInt(&cfg.Retry.MaxAttemptsNet, "WARDEN_RETRY_MAX_ATTEMPTS_NET")
	setInt(&cfg.Retry.MaxAttemptsOther, "WARDEN_RETRY_MAX_ATTEMPTS_OTHER")

	// Sweep
	setDuration(&cfg.Sweep.Interval, "WARDEN_SWEEP_INTERVAL")
	setDuration(&cfg.Sweep.StuckLockAfter, "WARDEN_SWEEP_STUCK_LOCK_AFTER")
	setDuration(&cfg.Sweep.TaskStaleAfter, "WARDEN_SWEEP_TASK_STALE_AFTER")
	setDuration(&cfg.Sweep.GoalStaleAfter, "WARDEN_SWEEP_GOAL_STALE_AFTER")
	setDuration(&cfg.Sweep.PausedExpiry, "WARDEN_SWEEP_PAUSED_EXPIRY")
	setInt(&cfg.Sweep.MaxLogTurns, "WARDEN_SWEEP_MAX_LOG_TURNS")
	setInt(&cfg.Sweep.MaxConcurrency, "WARDEN_SWEEP_MAX_CONCURRENCY")

	// Checkin
	setDuration(&cfg.Checkin.MinFollowUp, "WARDEN_CHECKIN_MIN_FOLLOW_UP")
	setDuration(&cfg.Checkin.MaxFollowUp, "WARDEN_CHECKIN_MAX_FOLLOW_UP")

	// Session
	setDuration(&cfg.Session.IdleTimeout, "WARDEN_SESSION_IDLE_TIMEOUT")
	setString(&cfg.Session.SummaryModel, "WARDEN_SESSION_SUMMARY_MODEL")

	// Cache
	setInt64(&cfg.Cache.MaxSizeMB, "WARDEN_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "WARDEN_CACHE_TTL")

	// Telemetry
	setBool(&cfg.Telemetry.Enabled, "WARDEN_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	setString(&cfg.Env, "WARDEN_ENV")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Loop.MaxIterations < 1 {
		return errors.New("loop.max_iterations must be >= 1")
	}
	if cfg.Loop.MaxToolCallsPerIter < 1 {
		return errors.New("loop.max_tool_calls_per_iter must be >= 1")
	}
	if cfg.Retry.BackoffBase <= 0 {
		return errors.New("retry.backoff_base must be positive")
	}
	if cfg.Sweep.Interval <= 0 {
		return errors.New("sweep.interval must be positive")
	}
	if cfg.Checkin.MinFollowUp >= cfg.Checkin.MaxFollowUp {
		return errors.New("checkin.min_follow_up must be below checkin.max_follow_up")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
