package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("defaults when file missing", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 3, cfg.Monitor.OfflineThreshold)
		assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "failsafe.yaml")
		yaml := `
server:
  port: 9999
queue:
  max_size: 42
breaker:
  recovery_timeout: 30s
  max_recovery_timeout: 5m
`
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, 42, cfg.Queue.MaxSize)
		assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	})

	t.Run("env overrides yaml", func(t *testing.T) {
		t.Setenv("FAILSAFE_PORT", "7001")
		t.Setenv("FAILSAFE_QUEUE_MAX_SIZE", "7")

		cfg, err := Load("")
		require.NoError(t, err)

		assert.Equal(t, 7001, cfg.Server.Port)
		assert.Equal(t, 7, cfg.Queue.MaxSize)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"negative recovery timeout", func(c *Config) { c.Breaker.RecoveryTimeout = -time.Second }},
		{"max recovery below base", func(c *Config) { c.Breaker.MaxRecoveryTimeout = time.Second }},
		{"offline not above degraded", func(c *Config) { c.Monitor.OfflineThreshold = 1 }},
		{"zero queue size", func(c *Config) { c.Queue.MaxSize = 0 }},
		{"zero batch size", func(c *Config) { c.Queue.BatchSize = 0 }},
		{"zero base delay", func(c *Config) { c.Queue.BaseRetryDelay = 0 }},
		{"zero rto target", func(c *Config) { c.DR.RTOTarget = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
