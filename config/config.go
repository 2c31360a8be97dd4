package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "SEATSYNC_"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	API      *APIConfig      `json:"api"`
	Realtime *RealtimeConfig `json:"realtime"`
	Engine   *EngineConfig   `json:"engine"`
	Log      *LogConfig      `json:"log"`
	Serve    *ServeConfig    `json:"serve"`

	// CourseID and SessionID pick the session to follow. SessionID wins.
	CourseID  string `json:"course_id"`
	SessionID string `json:"session_id"`
}

type APIConfig struct {
	BaseURL string        `json:"base_url"`
	Token   string        `json:"-"`
	Timeout time.Duration `json:"timeout"`
	Retries int           `json:"retries"`
}

type RealtimeConfig struct {
	// URL defaults to the API base with a ws scheme and /ws path.
	URL          string        `json:"url"`
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BackoffBase  time.Duration `json:"backoff_base"`
	BackoffCap   time.Duration `json:"backoff_cap"`
	MaxAttempts  int           `json:"max_attempts"`
}

type EngineConfig struct {
	SnapshotTimeout time.Duration `json:"snapshot_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

type LogConfig struct {
	Level string `json:"level"`
	// File receives the log; empty discards it.
	File string `json:"file"`
}

type ServeConfig struct {
	Addr   string `json:"addr"`
	Secret string `json:"-"`
}

func Default() *Config {
	return &Config{
		API: &APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 15 * time.Second,
			Retries: 2,
		},
		Realtime: &RealtimeConfig{
			PingInterval: 25 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 5 * time.Second,
			BackoffBase:  time.Second,
			BackoffCap:   5 * time.Second,
			MaxAttempts:  5,
		},
		Engine: &EngineConfig{
			SnapshotTimeout: 3 * time.Second,
			RequestTimeout:  15 * time.Second,
		},
		Log: &LogConfig{
			Level: "info",
			File:  defaultLogFile(),
		},
		Serve: &ServeConfig{
			Addr: ":8080",
		},
	}
}

// LoadFromEnv reads an optional .env file, then applies SEATSYNC_* variables
// over the defaults. Values that fail to parse are reported, not ignored.
func LoadFromEnv(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := Default()
	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envStr("API_URL", &cfg.API.BaseURL)
	envStr("TOKEN", &cfg.API.Token)
	record(envDur("API_TIMEOUT", &cfg.API.Timeout))
	record(envInt("API_RETRIES", &cfg.API.Retries))

	envStr("WS_URL", &cfg.Realtime.URL)
	record(envDur("WS_PING_INTERVAL", &cfg.Realtime.PingInterval))
	record(envDur("WS_READ_TIMEOUT", &cfg.Realtime.ReadTimeout))
	record(envDur("WS_WRITE_TIMEOUT", &cfg.Realtime.WriteTimeout))
	record(envDur("WS_BACKOFF_BASE", &cfg.Realtime.BackoffBase))
	record(envDur("WS_BACKOFF_CAP", &cfg.Realtime.BackoffCap))
	record(envInt("WS_MAX_ATTEMPTS", &cfg.Realtime.MaxAttempts))

	record(envDur("SNAPSHOT_TIMEOUT", &cfg.Engine.SnapshotTimeout))
	record(envDur("REQUEST_TIMEOUT", &cfg.Engine.RequestTimeout))

	envStr("LOG_LEVEL", &cfg.Log.Level)
	envStr("LOG_FILE", &cfg.Log.File)

	envStr("SERVE_ADDR", &cfg.Serve.Addr)
	envStr("SERVE_SECRET", &cfg.Serve.Secret)

	envStr("COURSE_ID", &cfg.CourseID)
	envStr("SESSION_ID", &cfg.SessionID)

	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.API == nil || c.Realtime == nil || c.Engine == nil || c.Log == nil || c.Serve == nil {
		return fmt.Errorf("%w: missing section", ErrInvalid)
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: api url %q must be an absolute http(s) url", ErrInvalid, c.API.BaseURL)
	}
	if c.Realtime.URL != "" {
		u, err := url.Parse(c.Realtime.URL)
		if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("%w: socket url %q must be an absolute ws(s) url", ErrInvalid, c.Realtime.URL)
		}
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api timeout must be positive", ErrInvalid)
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("%w: api retries cannot be negative", ErrInvalid)
	}
	if c.Realtime.PingInterval <= 0 || c.Realtime.ReadTimeout <= 0 || c.Realtime.WriteTimeout <= 0 {
		return fmt.Errorf("%w: socket timeouts must be positive", ErrInvalid)
	}
	if c.Realtime.BackoffBase <= 0 || c.Realtime.BackoffCap < c.Realtime.BackoffBase {
		return fmt.Errorf("%w: backoff cap must be at least the base delay", ErrInvalid)
	}
	if c.Realtime.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max reconnect attempts must be positive", ErrInvalid)
	}
	if c.Engine.SnapshotTimeout <= 0 || c.Engine.RequestTimeout <= 0 {
		return fmt.Errorf("%w: engine timeouts must be positive", ErrInvalid)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

// Logger builds a JSON logger writing to the configured file. The terminal
// belongs to the UI, so nothing is written to stderr.
func (c *Config) Logger() (*zap.Logger, error) {
	if c.Log == nil || strings.TrimSpace(c.Log.File) == "" {
		return zap.NewNop(), nil
	}
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	if err := os.MkdirAll(filepath.Dir(c.Log.File), 0o755); err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{c.Log.File}
	zc.ErrorOutputPaths = []string{c.Log.File}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

func envStr(key string, target *string) {
	if value := strings.TrimSpace(os.Getenv(envPrefix + key)); value != "" {
		*target = value
	}
}

func envInt(key string, target *int) error {
	value := strings.TrimSpace(os.Getenv(envPrefix + key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s%s: invalid int %q", envPrefix, key, value)
	}
	*target = n
	return nil
}

func envDur(key string, target *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(envPrefix + key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, value)
	}
	*target = d
	return nil
}

func defaultLogFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "seat-sync", "seat-sync.log")
}
