package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_DefaultsOnly(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Server.Port != "8090" {
		t.Errorf("expected default port 8090, got %q", cfg.Server.Port)
	}
	if cfg.Loop.MaxIterations != 20 {
		t.Errorf("expected default max iterations 20, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Sweep.Interval != 5*time.Minute {
		t.Errorf("expected default sweep interval 5m, got %s", cfg.Sweep.Interval)
	}
	if cfg.Retry.MaxAttemptsRate != 5 {
		t.Errorf("expected default rate-limit attempts 5, got %d", cfg.Retry.MaxAttemptsRate)
	}
}

func TestLoadFrom_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	yaml := `
server:
  port: "9999"
loop:
  max_iterations: 7
sweep:
  stuck_lock_after: 15m
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("expected port 9999 from yaml, got %q", cfg.Server.Port)
	}
	if cfg.Loop.MaxIterations != 7 {
		t.Errorf("expected max iterations 7 from yaml, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Sweep.StuckLockAfter != 15*time.Minute {
		t.Errorf("expected stuck lock threshold 15m from yaml, got %s", cfg.Sweep.StuckLockAfter)
	}
	// Untouched fields keep defaults.
	if cfg.Loop.MaxToolCallsPerIter != 2 {
		t.Errorf("expected default tool call cap 2, got %d", cfg.Loop.MaxToolCallsPerIter)
	}
}

func TestLoadFrom_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("WARDEN_PORT", "7777")
	t.Setenv("WARDEN_LOOP_MAX_ITERATIONS", "3")
	t.Setenv("WARDEN_RETRY_BACKOFF_CAP", "90s")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Server.Port != "7777" {
		t.Errorf("expected env port 7777, got %q", cfg.Server.Port)
	}
	if cfg.Loop.MaxIterations != 3 {
		t.Errorf("expected env max iterations 3, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Retry.BackoffCap != 90*time.Second {
		t.Errorf("expected env backoff cap 90s, got %s", cfg.Retry.BackoffCap)
	}
}

func TestLoadFrom_InvalidEnvValueIgnored(t *testing.T) {
	t.Setenv("WARDEN_LOOP_MAX_ITERATIONS", "not-a-number")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Loop.MaxIterations != 20 {
		t.Errorf("expected invalid env to be ignored, got %d", cfg.Loop.MaxIterations)
	}
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing port", func(c *Config) { c.Server.Port = "" }},
		{"missing dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }},
		{"zero iterations", func(c *Config) { c.Loop.MaxIterations = 0 }},
		{"zero tool cap", func(c *Config) { c.Loop.MaxToolCallsPerIter = 0 }},
		{"zero backoff", func(c *Config) { c.Retry.BackoffBase = 0 }},
		{"inverted follow-up bounds", func(c *Config) { c.Checkin.MinFollowUp = c.Checkin.MaxFollowUp }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
