package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv loads configuration overrides from environment variables.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("FAILSAFE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("FAILSAFE_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}

	if host := os.Getenv("FAILSAFE_DB_HOST"); host != "" {
		cfg.Database.Host = host
	}
	if port := os.Getenv("FAILSAFE_DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}
	if name := os.Getenv("FAILSAFE_DB_NAME"); name != "" {
		cfg.Database.Database = name
	}
	if user := os.Getenv("FAILSAFE_DB_USER"); user != "" {
		cfg.Database.User = user
	}
	if pass := os.Getenv("FAILSAFE_DB_PASSWORD"); pass != "" {
		cfg.Database.Password = pass
	}

	if interval := os.Getenv("FAILSAFE_PROBE_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Monitor.ProbeInterval = d
		}
	}
	if size := os.Getenv("FAILSAFE_QUEUE_MAX_SIZE"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			cfg.Queue.MaxSize = n
		}
	}
	if url := os.Getenv("FAILSAFE_WEBHOOK_URL"); url != "" {
		cfg.Notify.WebhookURL = url
	}

	if mode := os.Getenv("FAILSAFE_STORAGE_MODE"); mode != "" {
		cfg.Storage.Mode = mode
	}
	if endpoint := os.Getenv("FAILSAFE_S3_ENDPOINT"); endpoint != "" {
		cfg.Storage.Endpoint = endpoint
	}
	if key := os.Getenv("FAILSAFE_S3_ACCESS_KEY"); key != "" {
		cfg.Storage.AccessKey = key
	}
	if secret := os.Getenv("FAILSAFE_S3_SECRET_KEY"); secret != "" {
		cfg.Storage.SecretKey = secret
	}
	if region := os.Getenv("FAILSAFE_S3_REGION"); region != "" {
		cfg.Storage.Region = region
	}
}

// GetEnvOrDefault returns environment variable or default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
