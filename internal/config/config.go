package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"hotel-price-watch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Email     EmailConfig     `mapstructure:"email"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Retention RetentionConfig `mapstructure:"retention"`
	Control   ControlConfig   `mapstructure:"control"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ApplicationName string        `mapstructure:"application_name"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs the price-check cadence and auxiliary jobs.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchDelay      time.Duration `mapstructure:"batch_delay"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	DigestAt        string        `mapstructure:"digest_at"`
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	MaintenanceAt   string        `mapstructure:"maintenance_at"`
	Timezone        string        `mapstructure:"timezone"`
}

// UpstreamConfig covers the hotel pricing API.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// AlertingConfig defines alert thresholds and the per-user budget.
type AlertingConfig struct {
	DailyCap          int           `mapstructure:"daily_cap"`
	ThrottleWindow    time.Duration `mapstructure:"throttle_window"`
	PriceDropAmount   float64       `mapstructure:"price_drop_amount"`
	PriceDropPercent  float64       `mapstructure:"price_drop_percent"`
	LastRoomThreshold int           `mapstructure:"last_room_threshold"`
}

// EmailConfig configures user notification delivery.
type EmailConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// OpsConfig routes operator alerts (health failures, aborted cycles).
type OpsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram operator channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// RetentionConfig sets how long each table keeps rows.
type RetentionConfig struct {
	Observations time.Duration `mapstructure:"observations"`
	Alerts       time.Duration `mapstructure:"alerts"`
	Ledger       time.Duration `mapstructure:"ledger"`
	MonitorQueue time.Duration `mapstructure:"monitor_queue"`
}

// ControlConfig exposes the operational HTTP surface.
type ControlConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// MetricsConfig toggles the Prometheus endpoint on the control server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOTELWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "hotelwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.application_name", "hotelwatch")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("scheduler.interval", "15m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x686f7465))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.batch_delay", "1s")
	v.SetDefault("scheduler.shutdown_grace", "30s")
	v.SetDefault("scheduler.digest_at", "08:00")
	v.SetDefault("scheduler.health_interval", "5m")
	v.SetDefault("scheduler.maintenance_at", "03:30")
	v.SetDefault("scheduler.timezone", "Asia/Tokyo")

	v.SetDefault("upstream.request_timeout", "10s")
	v.SetDefault("upstream.max_attempts", 3)
	v.SetDefault("upstream.requests_per_second", 5.0)
	v.SetDefault("upstream.burst", 5)
	v.SetDefault("upstream.cache_ttl", "1m")
	v.SetDefault("upstream.user_agent", "hotelwatch/1.0")

	v.SetDefault("alerting.daily_cap", 10)
	v.SetDefault("alerting.throttle_window", "24h")
	v.SetDefault("alerting.price_drop_amount", 1000.0)
	v.SetDefault("alerting.price_drop_percent", 10.0)
	v.SetDefault("alerting.last_room_threshold", 3)

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.timeout", "10s")

	v.SetDefault("ops.telegram.enabled", false)
	v.SetDefault("ops.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("retention.observations", "720h")
	v.SetDefault("retention.alerts", "2160h")
	v.SetDefault("retention.ledger", "720h")
	v.SetDefault("retention.monitor_queue", "168h")

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.listen", "127.0.0.1:8085")
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be greater than zero")
	}
	if c.Scheduler.BatchDelay < 0 {
		return fmt.Errorf("scheduler.batch_delay cannot be negative")
	}
	if _, err := ParseClock(c.Scheduler.DigestAt); err != nil {
		return fmt.Errorf("scheduler.digest_at: %w", err)
	}
	if _, err := ParseClock(c.Scheduler.MaintenanceAt); err != nil {
		return fmt.Errorf("scheduler.maintenance_at: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	if c.Upstream.MaxAttempts <= 0 {
		return fmt.Errorf("upstream.max_attempts must be greater than zero")
	}
	if c.Alerting.DailyCap <= 0 {
		return fmt.Errorf("alerting.daily_cap must be greater than zero")
	}
	if c.Alerting.ThrottleWindow <= 0 {
		return fmt.Errorf("alerting.throttle_window must be greater than zero")
	}
	if c.Alerting.PriceDropAmount < 0 || c.Alerting.PriceDropPercent < 0 {
		return fmt.Errorf("alerting price drop thresholds cannot be negative")
	}
	if c.Alerting.LastRoomThreshold < 0 {
		return fmt.Errorf("alerting.last_room_threshold cannot be negative")
	}
	if c.Email.Enabled && c.Email.URL == "" {
		return fmt.Errorf("email.url is required when email is enabled")
	}
	if c.Ops.Telegram.Enabled {
		if c.Ops.Telegram.BotToken == "" {
			return fmt.Errorf("ops.telegram.bot_token is required")
		}
		if c.Ops.Telegram.ChatID == "" {
			return fmt.Errorf("ops.telegram.chat_id is required")
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Clock is a local wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses an HH:MM string.
func ParseClock(v string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", v)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}
