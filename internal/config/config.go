// Package config loads application configuration from file and environment
// and bootstraps the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`
	Remote    RemoteConfig    `yaml:"remote" mapstructure:"remote"`
	Validate  ValidateConfig  `yaml:"validate" mapstructure:"validate"`
	Alert     AlertConfig     `yaml:"alert" mapstructure:"alert"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SyncConfig configures the write-back sync worker.
type SyncConfig struct {
	IntervalSecs  int     `yaml:"interval_secs" mapstructure:"interval_secs"`
	BatchSize     int     `yaml:"batch_size" mapstructure:"batch_size"`
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseMS int     `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	RateLimitRPS  float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// Interval returns the sync cycle interval as a duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// BackoffBase returns the base retry delay as a duration.
func (c SyncConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// RetentionConfig configures raw intake retention and archival.
type RetentionConfig struct {
	IntervalHours   int    `yaml:"interval_hours" mapstructure:"interval_hours"`
	WindowDays      int    `yaml:"window_days" mapstructure:"window_days"`
	BatchSize       int    `yaml:"batch_size" mapstructure:"batch_size"`
	ArchivalEnabled bool   `yaml:"archival_enabled" mapstructure:"archival_enabled"`
	DryRun          bool   `yaml:"dry_run" mapstructure:"dry_run"`
	ArchiveDir      string `yaml:"archive_dir" mapstructure:"archive_dir"`
}

// Interval returns the retention job interval as a duration.
func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// Window returns the retention window as a duration.
func (c RetentionConfig) Window() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

// RemoteConfig configures the external system client.
type RemoteConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ValidateConfig configures the delta validation gate.
type ValidateConfig struct {
	SchemaPath string `yaml:"schema_path" mapstructure:"schema_path"`
}

// AlertConfig configures operator notifications.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FORECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "forecast.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("sync.interval_secs", 60)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.backoff_base_ms", 500)
	v.SetDefault("sync.rate_limit_rps", 5.0)
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("retention.interval_hours", 24)
	v.SetDefault("retention.window_days", 90)
	v.SetDefault("retention.batch_size", 1000)
	v.SetDefault("retention.archival_enabled", true)
	v.SetDefault("retention.dry_run", false)
	v.SetDefault("retention.archive_dir", "archive")
	v.SetDefault("remote.timeout_secs", 30)
	v.SetDefault("server.port", 8080)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
