package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-schedd/internal/otel"
	"github.com/basket/go-schedd/internal/persistence"
)

type RetryConfig struct {
	// MaxRetries is the default retry budget for newly scheduled tasks.
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// RetentionConfig holds retention windows in days. 0 = keep forever.
type RetentionConfig struct {
	ReadNotificationDays int    `yaml:"read_notification_days"`
	TerminalTaskDays     int    `yaml:"terminal_task_days"`
	EventDays            int    `yaml:"event_days"`
	SweepCron            string `yaml:"sweep_cron"`
}

type ExecutorConfig struct {
	// Command is run with sh -c for every attempt.
	Command string `yaml:"command"`
	WorkDir string `yaml:"work_dir"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	WorkerID string `yaml:"worker_id"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchSize       int           `yaml:"batch_size"`
	Concurrency     int           `yaml:"concurrency"`
	LeaseDuration   time.Duration `yaml:"lease_duration"`
	RenewInterval   time.Duration `yaml:"renew_interval"`
	ExecuteTimeout  time.Duration `yaml:"execute_timeout"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	NotifyOnFailure bool          `yaml:"notify_on_failure"`

	Retry     RetryConfig     `yaml:"retry"`
	Retention RetentionConfig `yaml:"retention"`
	Executor  ExecutorConfig  `yaml:"executor"`
	OTel      otel.Config     `yaml:"otel"`

	// Missing is set when config.yaml does not exist and defaults are in use.
	Missing bool `yaml:"-"`
}

// RetentionPolicy converts the retention windows for the store.
func (c Config) RetentionPolicy() persistence.RetentionPolicy {
	return persistence.RetentionPolicy{
		ReadNotificationDays: c.Retention.ReadNotificationDays,
		TerminalTaskDays:     c.Retention.TerminalTaskDays,
		EventDays:            c.Retention.EventDays,
	}
}

// Fingerprint returns a stable hash of the settings that shape scheduling.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|poll=%s|batch=%d|conc=%d|lease=%s|renew=%s|exec=%s|retries=%d|cmd=%s",
		c.DBPath, c.PollInterval, c.BatchSize, c.Concurrency, c.LeaseDuration, c.RenewInterval,
		c.ExecuteTimeout, c.Retry.MaxRetries, c.Executor.Command)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel:        "info",
		PollInterval:    time.Second,
		BatchSize:       16,
		Concurrency:     4,
		LeaseDuration:   5 * time.Minute,
		ExecuteTimeout:  30 * time.Minute,
		DispatchTimeout: 50 * time.Millisecond,
		DrainTimeout:    10 * time.Second,
		NotifyOnFailure: true,
		Retry: RetryConfig{
			MaxRetries: persistence.DefaultMaxRetries,
			BaseDelay:  5 * time.Second,
			MaxDelay:   5 * time.Minute,
		},
		Retention: RetentionConfig{
			ReadNotificationDays: 30,
			TerminalTaskDays:     30,
			EventDays:            90,
			SweepCron:            "17 3 * * *",
		},
		OTel: otel.Config{Exporter: "none", ServiceName: "schedd", SampleRate: 1},
	}
}

func HomeDir() string {
	if override := os.Getenv("SCHEDD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".schedd")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults, then applies
// SCHEDD_* environment overrides. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create schedd home: %w", err)
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

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "schedd.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.LeaseDuration / 3
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 50 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = persistence.DefaultMaxRetries
	}
	if cfg.Retention.SweepCron == "" {
		cfg.Retention.SweepCron = "17 3 * * *"
	}
}

// validate rejects settings under which a healthy worker could lose its own
// lease between renewals.
func validate(cfg Config) error {
	if cfg.RenewInterval >= cfg.LeaseDuration {
		return fmt.Errorf("renew_interval (%s) must be shorter than lease_duration (%s)",
			cfg.RenewInterval, cfg.LeaseDuration)
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		return fmt.Errorf("retry.base_delay (%s) must not exceed retry.max_delay (%s)",
			cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	}
	if cfg.ExecuteTimeout < 0 {
		return fmt.Errorf("execute_timeout must not be negative")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv("SCHEDD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("SCHEDD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("SCHEDD_WORKER_ID"); raw != "" {
		cfg.WorkerID = raw
	}
	if raw := os.Getenv("SCHEDD_EXECUTOR_COMMAND"); raw != "" {
		cfg.Executor.Command = raw
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"SCHEDD_BATCH_SIZE", &cfg.BatchSize},
		{"SCHEDD_CONCURRENCY", &cfg.Concurrency},
		{"SCHEDD_MAX_RETRIES", &cfg.Retry.MaxRetries},
	}
	for _, o := range ints {
		if raw := os.Getenv(o.env); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
			*o.dst = v
		}
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SCHEDD_POLL_INTERVAL", &cfg.PollInterval},
		{"SCHEDD_LEASE_DURATION", &cfg.LeaseDuration},
		{"SCHEDD_RENEW_INTERVAL", &cfg.RenewInterval},
		{"SCHEDD_EXECUTE_TIMEOUT", &cfg.ExecuteTimeout},
		{"SCHEDD_DRAIN_TIMEOUT", &cfg.DrainTimeout},
	}
	for _, o := range durations {
		if raw := os.Getenv(o.env); raw != "" {
			v, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", o.env, err)
			}
			*o.dst = v
		}
	}

	if raw := os.Getenv("SCHEDD_NOTIFY_ON_FAILURE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("SCHEDD_NOTIFY_ON_FAILURE: %w", err)
		}
		cfg.NotifyOnFailure = v
	}
	return nil
}
