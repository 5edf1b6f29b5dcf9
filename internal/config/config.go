package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KeepaliveConfig controls the per-task heartbeat cadence.
type KeepaliveConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// JitterSeconds bounds the uniform random delay added to every interval.
	JitterSeconds int `yaml:"jitter_seconds"`
	MaxFailures   int `yaml:"max_failures"`
}

// ProbeConfig bounds traffic towards the external service. Both limits are
// process-wide.
type ProbeConfig struct {
	MaxConcurrent      int `yaml:"max_concurrent"`
	MinIntervalMS      int `yaml:"min_interval_ms"`
	RetryMarginSeconds int `yaml:"retry_margin_seconds"`
}

type TelegramConfig struct {
	// BotToken authenticates the notification bot. Empty disables Telegram
	// notifications; lifecycle events are then only logged.
	BotToken    string `yaml:"bot_token"`
	APIEndpoint string `yaml:"api_endpoint"`
	// Commands enables /tasks and /remove on the notification bot.
	Commands       bool    `yaml:"commands"`
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
}

type JournalConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	PruneSchedule string `yaml:"prune_schedule"`
}

type TelemetryConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"`
	APIToken string `yaml:"api_token"`
	LogLevel string `yaml:"log_level"`

	// Admin API rate limit, requests per second with a burst allowance.
	APIRateLimitRPS   float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst int     `yaml:"api_rate_limit_burst"`

	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Probe     ProbeConfig     `yaml:"probe"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Missing is set when no config.yaml exists and defaults were used.
	Missing bool `yaml:"-"`
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.Keepalive.IntervalSeconds) * time.Second
}

func (c Config) Jitter() time.Duration {
	return time.Duration(c.Keepalive.JitterSeconds) * time.Second
}

func (c Config) ProbeMinInterval() time.Duration {
	return time.Duration(c.Probe.MinIntervalMS) * time.Millisecond
}

func (c Config) ProbeRetryMargin() time.Duration {
	return time.Duration(c.Probe.RetryMarginSeconds) * time.Second
}

func (c Config) JournalRetention() time.Duration {
	return time.Duration(c.Journal.RetentionDays) * 24 * time.Hour
}

// JournalPath is the SQLite lifecycle journal location.
func (c Config) JournalPath() string {
	return filepath.Join(c.HomeDir, "journal.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "interval=%d|jitter=%d|max_failures=%d|data=%s|probe=%d/%d/%d|bind=%s|log=%s",
		c.Keepalive.IntervalSeconds, c.Keepalive.JitterSeconds, c.Keepalive.MaxFailures, c.DataDir,
		c.Probe.MaxConcurrent, c.Probe.MinIntervalMS, c.Probe.RetryMarginSeconds, c.BindAddr, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:          "127.0.0.1:18790",
		LogLevel:          "info",
		APIRateLimitRPS:   5,
		APIRateLimitBurst: 10,
		Keepalive: KeepaliveConfig{
			IntervalSeconds: 86400,
			JitterSeconds:   300,
			MaxFailures:     3,
		},
		Probe: ProbeConfig{
			MaxConcurrent:      10,
			MinIntervalMS:      500,
			RetryMarginSeconds: 5,
		},
		Journal: JournalConfig{
			RetentionDays: 30,
			PruneSchedule: "@daily",
		},
		Telemetry: TelemetryConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("KEEPALIVE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".keepalive")
}

// Load reads config.yaml from HomeDir, applies env overrides and validates.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create keepalive home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	defaults := defaultConfig()
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(cfg.HomeDir, "data")
	} else if !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(cfg.HomeDir, cfg.DataDir)
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaults.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.Keepalive.IntervalSeconds == 0 {
		cfg.Keepalive.IntervalSeconds = defaults.Keepalive.IntervalSeconds
	}
	if cfg.Keepalive.MaxFailures == 0 {
		cfg.Keepalive.MaxFailures = defaults.Keepalive.MaxFailures
	}
	if cfg.Probe.MaxConcurrent == 0 {
		cfg.Probe.MaxConcurrent = defaults.Probe.MaxConcurrent
	}
	if cfg.APIRateLimitRPS <= 0 {
		cfg.APIRateLimitRPS = defaults.APIRateLimitRPS
	}
	if cfg.APIRateLimitBurst <= 0 {
		cfg.APIRateLimitBurst = defaults.APIRateLimitBurst
	}
	if strings.TrimSpace(cfg.Journal.PruneSchedule) == "" {
		cfg.Journal.PruneSchedule = defaults.Journal.PruneSchedule
	}
	cfg.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
}

// Validate rejects values the scheduler and probe gate cannot operate with.
func (c Config) Validate() error {
	var errs []error
	if c.Keepalive.IntervalSeconds < 0 {
		errs = append(errs, fmt.Errorf("keepalive.interval_seconds must be positive, got %d", c.Keepalive.IntervalSeconds))
	}
	if c.Keepalive.JitterSeconds < 0 {
		errs = append(errs, fmt.Errorf("keepalive.jitter_seconds must be >= 0, got %d", c.Keepalive.JitterSeconds))
	}
	if c.Keepalive.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("keepalive.max_failures must be positive, got %d", c.Keepalive.MaxFailures))
	}
	if c.Probe.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("probe.max_concurrent must be positive, got %d", c.Probe.MaxConcurrent))
	}
	if c.Probe.MinIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("probe.min_interval_ms must be >= 0, got %d", c.Probe.MinIntervalMS))
	}
	if c.Probe.RetryMarginSeconds < 0 {
		errs = append(errs, fmt.Errorf("probe.retry_margin_seconds must be >= 0, got %d", c.Probe.RetryMarginSeconds))
	}
	if c.Journal.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("journal.retention_days must be >= 0, got %d", c.Journal.RetentionDays))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	intVars := map[string]*int{
		"KEEPALIVE_INTERVAL_SECONDS":       &cfg.Keepalive.IntervalSeconds,
		"KEEPALIVE_JITTER_SECONDS":         &cfg.Keepalive.JitterSeconds,
		"KEEPALIVE_MAX_FAILURES":           &cfg.Keepalive.MaxFailures,
		"KEEPALIVE_PROBE_MAX_CONCURRENT":   &cfg.Probe.MaxConcurrent,
		"KEEPALIVE_PROBE_MIN_INTERVAL_MS":  &cfg.Probe.MinIntervalMS,
		"KEEPALIVE_PROBE_RETRY_MARGIN":     &cfg.Probe.RetryMarginSeconds,
		"KEEPALIVE_JOURNAL_RETENTION_DAYS": &cfg.Journal.RetentionDays,
	}
	for name, dst := range intVars {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	if raw := os.Getenv("KEEPALIVE_DATA_DIR"); raw != "" {
		cfg.DataDir = raw
	}
	if raw := os.Getenv("KEEPALIVE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("KEEPALIVE_API_TOKEN"); raw != "" {
		cfg.APIToken = raw
	}
	if raw := os.Getenv("KEEPALIVE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("KEEPALIVE_BOT_TOKEN"); raw != "" {
		cfg.Telegram.BotToken = raw
	}
	if raw := os.Getenv("KEEPALIVE_TELEMETRY_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Telemetry.Enabled = v
		}
	}
}
