package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Queue       QueueConfig       `yaml:"queue"`
	Degradation DegradationConfig `yaml:"degradation"`
	DR          DRConfig          `yaml:"dr"`
	Notify      NotifyConfig      `yaml:"notify"`
	Storage     StorageConfig     `yaml:"storage"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

type MonitorConfig struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	DegradedThreshold  int           `yaml:"degraded_threshold"`
	OfflineThreshold   int           `yaml:"offline_threshold"`
	AvailabilityWindow time.Duration `yaml:"availability_window"`
	TrendTransitions   int           `yaml:"trend_transitions"`
}

type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	FailureWindow      time.Duration `yaml:"failure_window"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout"`
	MaxRecoveryTimeout time.Duration `yaml:"max_recovery_timeout"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`
}

type QueueConfig struct {
	MaxSize           int           `yaml:"max_size"`
	BatchSize         int           `yaml:"batch_size"`
	BaseRetryDelay    time.Duration `yaml:"base_retry_delay"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	RetentionDays     int           `yaml:"retention_days"`
}

type DegradationConfig struct {
	ReadOnlyGrace    time.Duration `yaml:"read_only_grace"`
	ReadOnlyCooldown time.Duration `yaml:"read_only_cooldown"`
	WriteCritical    []string      `yaml:"write_critical"`
}

type DRConfig struct {
	ScenarioTimeout time.Duration `yaml:"scenario_timeout"`
	RTOTarget       time.Duration `yaml:"rto_target"`
	RPOTarget       time.Duration `yaml:"rpo_target"`
}

type NotifyConfig struct {
	WebhookURL    string  `yaml:"webhook_url"`
	RatePerMinute float64 `yaml:"rate_per_minute"`
}

// StorageConfig selects the object-store backend. Mode "memory" is for
// local development only.
type StorageConfig struct {
	Mode      string        `yaml:"mode"`
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Region    string        `yaml:"region"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Default returns a config with production-sensible values. Every value
// can be overridden by YAML and then by environment variables.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
		},
		Monitor: MonitorConfig{
			ProbeInterval:      30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			DegradedThreshold:  1,
			OfflineThreshold:   3,
			AvailabilityWindow: 24 * time.Hour,
			TrendTransitions:   5,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			FailureWindow:      time.Minute,
			RecoveryTimeout:    60 * time.Second,
			MaxRecoveryTimeout: 10 * time.Minute,
			BackoffMultiplier:  2.0,
		},
		Queue: QueueConfig{
			MaxSize:           10000,
			BatchSize:         25,
			BaseRetryDelay:    time.Second,
			DefaultMaxRetries: 3,
			DrainInterval:     5 * time.Second,
			RetentionDays:     30,
		},
		Degradation: DegradationConfig{
			ReadOnlyGrace:    2 * time.Minute,
			ReadOnlyCooldown: 5 * time.Minute,
			WriteCritical:    []string{"object-store", "database"},
		},
		DR: DRConfig{
			ScenarioTimeout: 5 * time.Minute,
			RTOTarget:       15 * time.Minute,
			RPOTarget:       5 * time.Minute,
		},
		Notify: NotifyConfig{
			RatePerMinute: 10,
		},
		Storage: StorageConfig{
			Mode:     "s3",
			Region:   "us-east-1",
			CacheTTL: 15 * time.Minute,
		},
	}
}

// Load reads YAML from path on top of defaults. A missing file is not an
// error; env overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path comes from operator
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	LoadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would break the state machines.
func (c *Config) Validate() error {
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker.recovery_timeout must be positive")
	}
	if c.Breaker.MaxRecoveryTimeout < c.Breaker.RecoveryTimeout {
		return fmt.Errorf("breaker.max_recovery_timeout must be >= recovery_timeout")
	}
	if c.Monitor.OfflineThreshold <= c.Monitor.DegradedThreshold {
		return fmt.Errorf("monitor.offline_threshold must exceed degraded_threshold")
	}
	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("queue.max_size must be >= 1, got %d", c.Queue.MaxSize)
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be >= 1, got %d", c.Queue.BatchSize)
	}
	if c.Queue.BaseRetryDelay <= 0 {
		return fmt.Errorf("queue.base_retry_delay must be positive")
	}
	if c.DR.RTOTarget <= 0 || c.DR.RPOTarget <= 0 {
		return fmt.Errorf("dr.rto_target and dr.rpo_target must be positive")
	}
	if c.Storage.Mode != "s3" && c.Storage.Mode != "memory" {
		return fmt.Errorf("storage.mode must be s3 or memory, got %q", c.Storage.Mode)
	}
	return nil
}
