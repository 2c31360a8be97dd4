package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault_Valid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("SEATSYNC_API_URL", "https://api.example.edu")
	t.Setenv("SEATSYNC_TOKEN", "abc")
	t.Setenv("SEATSYNC_WS_MAX_ATTEMPTS", "7")
	t.Setenv("SEATSYNC_SNAPSHOT_TIMEOUT", "750ms")
	t.Setenv("SEATSYNC_COURSE_ID", "cs101")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.API.BaseURL != "https://api.example.edu" || cfg.API.Token != "abc" {
		t.Fatalf("unexpected api config %+v", cfg.API)
	}
	if cfg.Realtime.MaxAttempts != 7 {
		t.Fatalf("max attempts = %d", cfg.Realtime.MaxAttempts)
	}
	if cfg.Engine.SnapshotTimeout != 750*time.Millisecond {
		t.Fatalf("snapshot timeout = %v", cfg.Engine.SnapshotTimeout)
	}
	if cfg.CourseID != "cs101" {
		t.Fatalf("course id = %q", cfg.CourseID)
	}
}

func TestLoadFromEnv_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SEATSYNC_SESSION_ID=sess-42\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SEATSYNC_SESSION_ID") })

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionID != "sess-42" {
		t.Fatalf("session id = %q", cfg.SessionID)
	}
}

func TestLoadFromEnv_BadValues(t *testing.T) {
	t.Setenv("SEATSYNC_API_RETRIES", "many")
	t.Setenv("SEATSYNC_WS_BACKOFF_BASE", "soon")

	_, err := LoadFromEnv(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"SEATSYNC_API_RETRIES", "SEATSYNC_WS_BACKOFF_BASE"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not mention %s", err, key)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative api url", func(c *Config) { c.API.BaseURL = "/api" }},
		{"socket scheme", func(c *Config) { c.Realtime.URL = "http://localhost/ws" }},
		{"cap below base", func(c *Config) { c.Realtime.BackoffCap = time.Millisecond }},
		{"no attempts", func(c *Config) { c.Realtime.MaxAttempts = 0 }},
		{"engine timeout", func(c *Config) { c.Engine.RequestTimeout = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"missing section", func(c *Config) { c.Engine = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLogger_WritesToFile(t *testing.T) {
	cfg := Default()
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "seat-sync.log")

	logger, err := cfg.Logger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Fatalf("unexpected log contents %q", data)
	}
}
