package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "verity.db"
	defaultGlobalSlots     = 16
	defaultOrgSlots        = 8
	defaultProjectSlots    = 4
	defaultMaxAttempts     = 3
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxDelay   = 30 * time.Second
	defaultRunTimeout      = 30 * time.Minute
	defaultReleaseGrace    = 30 * time.Second
	defaultCaseConcurrency = 2
	defaultSchedulerTick   = time.Second

	envListenAddr      = "VERITY_LISTEN_ADDR"
	envDBPath          = "VERITY_DB_PATH"
	envLogLevel        = "VERITY_LOG_LEVEL"
	envGlobalSlots     = "VERITY_GLOBAL_SLOTS"
	envOrgSlots        = "VERITY_ORG_SLOTS"
	envProjectSlots    = "VERITY_PROJECT_SLOTS"
	envMaxAttempts     = "VERITY_MAX_ATTEMPTS"
	envRetryBaseDelay  = "VERITY_RETRY_BASE_DELAY"
	envRetryMaxDelay   = "VERITY_RETRY_MAX_DELAY"
	envRunTimeout      = "VERITY_RUN_TIMEOUT"
	envReleaseGrace    = "VERITY_RELEASE_GRACE"
	envCaseConcurrency = "VERITY_CASE_CONCURRENCY"
	envSchedulerTick   = "VERITY_SCHEDULER_TICK"
	envWebhookURL      = "VERITY_WEBHOOK_URL"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Concurrency slot limits, nested global >= org >= project.
	GlobalSlots  int
	OrgSlots     int
	ProjectSlots int

	// Retry policy for infrastructure failures.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Run execution bounds.
	RunTimeout      time.Duration
	ReleaseGrace    time.Duration
	CaseConcurrency int
	SchedulerTick   time.Duration

	// WebhookURL, when set, receives lifecycle transition notifications.
	WebhookURL string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		GlobalSlots:     defaultGlobalSlots,
		OrgSlots:        defaultOrgSlots,
		ProjectSlots:    defaultProjectSlots,
		MaxAttempts:     defaultMaxAttempts,
		RetryBaseDelay:  defaultRetryBaseDelay,
		RetryMaxDelay:   defaultRetryMaxDelay,
		RunTimeout:      defaultRunTimeout,
		ReleaseGrace:    defaultReleaseGrace,
		CaseConcurrency: defaultCaseConcurrency,
		SchedulerTick:   defaultSchedulerTick,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWebhookURL); v != "" {
		cfg.WebhookURL = v
	}

	cfg.GlobalSlots = intEnv(envGlobalSlots, cfg.GlobalSlots)
	cfg.OrgSlots = intEnv(envOrgSlots, cfg.OrgSlots)
	cfg.ProjectSlots = intEnv(envProjectSlots, cfg.ProjectSlots)
	cfg.MaxAttempts = intEnv(envMaxAttempts, cfg.MaxAttempts)
	cfg.CaseConcurrency = intEnv(envCaseConcurrency, cfg.CaseConcurrency)

	cfg.RetryBaseDelay = durationEnv(envRetryBaseDelay, cfg.RetryBaseDelay)
	cfg.RetryMaxDelay = durationEnv(envRetryMaxDelay, cfg.RetryMaxDelay)
	cfg.RunTimeout = durationEnv(envRunTimeout, cfg.RunTimeout)
	cfg.ReleaseGrace = durationEnv(envReleaseGrace, cfg.ReleaseGrace)
	cfg.SchedulerTick = durationEnv(envSchedulerTick, cfg.SchedulerTick)

	return cfg
}

// intEnv parses a positive integer environment variable, keeping the default
// for unset, malformed, or non-positive values.
func intEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

// durationEnv parses a Go duration string (e.g. "45s", "10m"), keeping the
// default for unset, malformed, or non-positive values.
func durationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
