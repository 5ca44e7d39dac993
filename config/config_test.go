package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-tracker/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("API_KEYS", "a,b")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 15, cfg.Scheduler.DefaultInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.FetchTimeout)
	assert.Equal(t, time.Duration(0), cfg.Scheduler.HistoryRetention)
	assert.Equal(t, 3, cfg.Safety.SoftBlockThreshold)
	assert.Equal(t, 2.0, cfg.Safety.SafeModeFactor)
	assert.Equal(t, int64(42), cfg.Telegram.ChatID)
	assert.Equal(t, []string{"a", "b"}, cfg.API.Keys)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Address())
}

func TestLoad_InvalidBounds(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MIN_MINUTES", "60")
	t.Setenv("POLL_INTERVAL_MAX_MINUTES", "30")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, models.IsConfigurationError(err))
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		t.Setenv("DB_DRIVER", "sqlite")
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "DB_DRIVER"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "DB_POSTGRES_DSN"},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }, "SCHEDULER_WORKERS"},
		{"default outside bounds", func(c *Config) { c.Scheduler.DefaultInterval = 1 }, "POLL_INTERVAL_DEFAULT_MINUTES"},
		{"jitter", func(c *Config) { c.Scheduler.JitterFraction = 1 }, "POLL_JITTER_FRACTION"},
		{"threshold", func(c *Config) { c.Safety.SoftBlockThreshold = 0 }, "SOFT_BLOCK_THRESHOLD"},
		{"factor", func(c *Config) { c.Safety.SafeModeFactor = 0.5 }, "SAFE_MODE_FACTOR"},
		{"basket without secret", func(c *Config) { c.Basket.Enabled = true }, "APP_SECRET_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			var ce *models.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestPollIntervalInBounds(t *testing.T) {
	cfg := &Config{Scheduler: SchedulerConfig{MinInterval: 5, MaxInterval: 60}}
	assert.True(t, cfg.PollIntervalInBounds(0))
	assert.True(t, cfg.PollIntervalInBounds(5))
	assert.True(t, cfg.PollIntervalInBounds(60))
	assert.False(t, cfg.PollIntervalInBounds(4))
	assert.False(t, cfg.PollIntervalInBounds(61))
}
