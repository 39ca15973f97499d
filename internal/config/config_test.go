package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upstream:\n  base_url: http://pricing.local\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, time.Second, cfg.Scheduler.BatchDelay)
	assert.Equal(t, 10, cfg.Alerting.DailyCap)
	assert.Equal(t, 24*time.Hour, cfg.Alerting.ThrottleWindow)
	assert.Equal(t, 3, cfg.Upstream.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, 720*time.Hour, cfg.Retention.Observations)
	assert.Equal(t, "http://pricing.local", cfg.Upstream.BaseURL)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOTELWATCH_ALERTING_DAILY_CAP", "20")
	t.Setenv("HOTELWATCH_SCHEDULER_BATCH_SIZE", "10")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Alerting.DailyCap)
	assert.Equal(t, 10, cfg.Scheduler.BatchSize)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Scheduler: SchedulerConfig{Interval: time.Minute, BatchSize: 5, DigestAt: "08:00", MaintenanceAt: "03:30", Timezone: "UTC"},
			Upstream:  UpstreamConfig{MaxAttempts: 3},
			Alerting:  AlertingConfig{DailyCap: 10, ThrottleWindow: 24 * time.Hour},
			Export:    ExportConfig{MaxDataPoints: 10},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }},
		{"zero batch", func(c *Config) { c.Scheduler.BatchSize = 0 }},
		{"bad digest time", func(c *Config) { c.Scheduler.DigestAt = "25:99" }},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"zero cap", func(c *Config) { c.Alerting.DailyCap = 0 }},
		{"negative drop amount", func(c *Config) { c.Alerting.PriceDropAmount = -1 }},
		{"negative last room threshold", func(c *Config) { c.Alerting.LastRoomThreshold = -1 }},
		{"email without url", func(c *Config) { c.Email.Enabled = true }},
		{"telegram without token", func(c *Config) { c.Ops.Telegram.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestZeroThresholdsSurviveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alerting:\n  price_drop_amount: 0\n  price_drop_percent: 0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Alerting.PriceDropAmount)
	assert.Zero(t, cfg.Alerting.PriceDropPercent)
	assert.Equal(t, 3, cfg.Alerting.LastRoomThreshold)
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("07:45")
	require.NoError(t, err)
	assert.Equal(t, Clock{Hour: 7, Minute: 45}, c)

	_, err = ParseClock("7pm")
	assert.Error(t, err)
}
