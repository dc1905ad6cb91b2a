// Package config handles environment-based configuration loading and the
// CAPTCHA chain config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	DataDir string
	TempDir string

	// Network
	ListenAddress string
	Port          int

	// API
	MaxBodyBytes  int
	ServiceSecret string

	// Time
	Timezone string

	// Portal
	PortalBaseURL string

	// Solvers
	ImageSolverURL     string
	ImageSolverKey     string
	ChallengeSolverURL string
	ChallengeSolverKey string
	CaptchaConfigPath  string

	// Object store
	GCSBucket          string
	GCSPrefix          string
	GCSCredentialsFile string

	// Browser
	BrowserPoolSize    int
	MaxPagesPerBrowser int
	PageTimeout        time.Duration
	NavigationTimeout  time.Duration

	// Workers
	WorkerConcurrency int

	// Rate limit (shared across all lanes)
	RateLimitMax    int
	RateLimitWindow time.Duration

	// Scheduler
	SchedulerInterval time.Duration
	SchedulerJitter   time.Duration

	// Adaptive frequency thresholds (days)
	YoungCaseDays         int
	RecentChangeDays      int
	HighStaleDays         int
	VeryStaleDays         int
	HighStaleRescrapeDays int
	VeryStaleRescrapeDays int

	// Retry
	JobMaxAttempts int
	JobBackoffBase time.Duration

	// Janitor
	JanitorSchedule string
	JobRetention    time.Duration
	JobLogRetention time.Duration

	// Shutdown
	ShutdownTimeout time.Duration
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.DataDir = envStr("CASEWATCH_DATA_DIR", "/var/lib/casewatch")
	cfg.TempDir = envStr("CASEWATCH_TEMP_DIR", os.TempDir())

	// --- Network / API ---
	cfg.ListenAddress = strings.TrimSpace(envStr("CASEWATCH_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("CASEWATCH_PORT", 8310, &errs)
	cfg.MaxBodyBytes = envInt("CASEWATCH_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Time ---
	cfg.Timezone = envStr("CASEWATCH_TIMEZONE", "America/Lima")

	// --- Portal ---
	cfg.PortalBaseURL = strings.TrimSpace(envStr("CASEWATCH_PORTAL_BASE_URL", ""))

	// --- Solvers ---
	cfg.ImageSolverURL = envStr("CASEWATCH_IMAGE_SOLVER_URL", "")
	cfg.ImageSolverKey = envStr("CASEWATCH_IMAGE_SOLVER_KEY", "")
	cfg.ChallengeSolverURL = envStr("CASEWATCH_CHALLENGE_SOLVER_URL", "")
	cfg.ChallengeSolverKey = envStr("CASEWATCH_CHALLENGE_SOLVER_KEY", "")
	cfg.CaptchaConfigPath = envStr("CASEWATCH_CAPTCHA_CONFIG", "")

	// --- Object store ---
	cfg.GCSBucket = envStr("CASEWATCH_GCS_BUCKET", "")
	cfg.GCSPrefix = envStr("CASEWATCH_GCS_PREFIX", "casewatch")
	cfg.GCSCredentialsFile = envStr("CASEWATCH_GCS_CREDENTIALS_FILE", "")

	// --- Browser ---
	cfg.BrowserPoolSize = envInt("CASEWATCH_BROWSER_POOL_SIZE", 3, &errs)
	cfg.MaxPagesPerBrowser = envInt("CASEWATCH_MAX_PAGES_PER_BROWSER", 20, &errs)
	cfg.PageTimeout = envDuration("CASEWATCH_PAGE_TIMEOUT", 30*time.Second, &errs)
	cfg.NavigationTimeout = envDuration("CASEWATCH_NAVIGATION_TIMEOUT", 60*time.Second, &errs)

	// --- Workers ---
	cfg.WorkerConcurrency = envInt("CASEWATCH_WORKER_CONCURRENCY", 6, &errs)

	// --- Rate limit ---
	cfg.RateLimitMax = envInt("CASEWATCH_RATE_LIMIT_MAX", 10, &errs)
	cfg.RateLimitWindow = envDuration("CASEWATCH_RATE_LIMIT_WINDOW", 60*time.Second, &errs)

	// --- Scheduler ---
	cfg.SchedulerInterval = envDuration("CASEWATCH_SCHEDULER_INTERVAL", 10*time.Minute, &errs)
	cfg.SchedulerJitter = envDuration("CASEWATCH_SCHEDULER_JITTER", 30*time.Second, &errs)

	// --- Adaptive thresholds ---
	cfg.YoungCaseDays = envInt("CASEWATCH_YOUNG_CASE_DAYS", 7, &errs)
	cfg.RecentChangeDays = envInt("CASEWATCH_RECENT_CHANGE_DAYS", 7, &errs)
	cfg.HighStaleDays = envInt("CASEWATCH_HIGH_STALE_DAYS", 30, &errs)
	cfg.VeryStaleDays = envInt("CASEWATCH_VERY_STALE_DAYS", 90, &errs)
	cfg.HighStaleRescrapeDays = envInt("CASEWATCH_HIGH_STALE_RESCRAPE_DAYS", 3, &errs)
	cfg.VeryStaleRescrapeDays = envInt("CASEWATCH_VERY_STALE_RESCRAPE_DAYS", 7, &errs)

	// --- Retry ---
	cfg.JobMaxAttempts = envInt("CASEWATCH_JOB_MAX_ATTEMPTS", 3, &errs)
	cfg.JobBackoffBase = envDuration("CASEWATCH_JOB_BACKOFF_BASE", 30*time.Second, &errs)

	// --- Janitor ---
	cfg.JanitorSchedule = envStr("CASEWATCH_JANITOR_SCHEDULE", "0 4 * * *")
	cfg.JobRetention = envDuration("CASEWATCH_JOB_RETENTION", 7*24*time.Hour, &errs)
	cfg.JobLogRetention = envDuration("CASEWATCH_JOB_LOG_RETENTION", 30*24*time.Hour, &errs)

	// --- Shutdown ---
	cfg.ShutdownTimeout = envDuration("CASEWATCH_SHUTDOWN_TIMEOUT", 30*time.Second, &errs)

	// --- Auth (must be defined; empty means auth disabled) ---
	secret, hasSecret := os.LookupEnv("CASEWATCH_SERVICE_SECRET")
	cfg.ServiceSecret = secret

	// --- Validation ---
	if !hasSecret {
		errs = append(errs, "CASEWATCH_SERVICE_SECRET must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "CASEWATCH_LISTEN_ADDRESS must not be empty")
	}
	if cfg.PortalBaseURL == "" {
		errs = append(errs, "CASEWATCH_PORTAL_BASE_URL must be defined")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("CASEWATCH_TIMEZONE: unknown zone %q", cfg.Timezone))
	}
	if _, err := cron.ParseStandard(cfg.JanitorSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CASEWATCH_JANITOR_SCHEDULE: invalid cron expression %q: %v", cfg.JanitorSchedule, err))
	}

	validatePort("CASEWATCH_PORT", cfg.Port, &errs)
	validatePositive("CASEWATCH_API_MAX_BODY_BYTES", cfg.MaxBodyBytes, &errs)
	validatePositive("CASEWATCH_BROWSER_POOL_SIZE", cfg.BrowserPoolSize, &errs)
	validatePositive("CASEWATCH_MAX_PAGES_PER_BROWSER", cfg.MaxPagesPerBrowser, &errs)
	validatePositive("CASEWATCH_WORKER_CONCURRENCY", cfg.WorkerConcurrency, &errs)
	validatePositive("CASEWATCH_RATE_LIMIT_MAX", cfg.RateLimitMax, &errs)
	validatePositive("CASEWATCH_JOB_MAX_ATTEMPTS", cfg.JobMaxAttempts, &errs)
	validatePositive("CASEWATCH_YOUNG_CASE_DAYS", cfg.YoungCaseDays, &errs)
	validatePositive("CASEWATCH_RECENT_CHANGE_DAYS", cfg.RecentChangeDays, &errs)
	validatePositive("CASEWATCH_HIGH_STALE_DAYS", cfg.HighStaleDays, &errs)
	validatePositive("CASEWATCH_VERY_STALE_DAYS", cfg.VeryStaleDays, &errs)
	validatePositive("CASEWATCH_HIGH_STALE_RESCRAPE_DAYS", cfg.HighStaleRescrapeDays, &errs)
	validatePositive("CASEWATCH_VERY_STALE_RESCRAPE_DAYS", cfg.VeryStaleRescrapeDays, &errs)

	for name, d := range map[string]time.Duration{
		"CASEWATCH_PAGE_TIMEOUT":       cfg.PageTimeout,
		"CASEWATCH_NAVIGATION_TIMEOUT": cfg.NavigationTimeout,
		"CASEWATCH_RATE_LIMIT_WINDOW":  cfg.RateLimitWindow,
		"CASEWATCH_SCHEDULER_INTERVAL": cfg.SchedulerInterval,
		"CASEWATCH_JOB_BACKOFF_BASE":   cfg.JobBackoffBase,
		"CASEWATCH_JOB_RETENTION":      cfg.JobRetention,
		"CASEWATCH_JOB_LOG_RETENTION":  cfg.JobLogRetention,
		"CASEWATCH_SHUTDOWN_TIMEOUT":   cfg.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, name+" must be positive")
		}
	}
	if cfg.SchedulerJitter < 0 {
		errs = append(errs, "CASEWATCH_SCHEDULER_JITTER must not be negative")
	}
	if cfg.HighStaleDays >= cfg.VeryStaleDays {
		errs = append(errs, "CASEWATCH_HIGH_STALE_DAYS must be less than CASEWATCH_VERY_STALE_DAYS")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
