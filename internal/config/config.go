// Package config loads application configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/herald-io/herald/internal/channel"
)

const envPrefix = "HERALD_"

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Queue     QueueConfig     `koanf:"queue"`
	Manager   ManagerConfig   `koanf:"manager"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Webhook   WebhookConfig   `koanf:"webhook"`

	// Channels is the static per-channel configuration; it is validated
	// and frozen at startup.
	Channels []channel.Config `koanf:"channels"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required,nefield=Port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json text"`
}

// QueueConfig contains delivery queue settings.
type QueueConfig struct {
	Workers         int           `koanf:"workers"`
	MaxSize         int           `koanf:"max_size"`
	PromoteInterval time.Duration `koanf:"promote_interval"`
}

// ManagerConfig contains channel manager settings.
type ManagerConfig struct {
	HealthInterval         time.Duration `koanf:"health_interval"`
	MaxConsecutiveFailures int           `koanf:"max_consecutive_failures"`
	RateWindow             time.Duration `koanf:"rate_window"`
	SendTimeout            time.Duration `koanf:"send_timeout"`
}

// SchedulerConfig contains scheduler settings.
type SchedulerConfig struct {
	Retention            time.Duration `koanf:"retention"`
	PurgeInterval        time.Duration `koanf:"purge_interval"`
	DefaultMaxRetries    int           `koanf:"default_max_retries"`
	DefaultRetryDelay    time.Duration `koanf:"default_retry_delay"`
	DefaultBackoffFactor float64       `koanf:"default_backoff_factor"`
}

// WebhookConfig contains webhook tracker and handler settings.
type WebhookConfig struct {
	TTL             time.Duration          `koanf:"ttl"`
	CleanupInterval time.Duration          `koanf:"cleanup_interval"`
	HistoryLimit    int                    `koanf:"history_limit"`
	Handlers        []WebhookHandlerConfig `koanf:"handlers"`
}

// WebhookHandlerConfig registers one inbound webhook endpoint.
type WebhookHandlerConfig struct {
	Platform string `koanf:"platform" validate:"required"`
	Name     string `koanf:"name" validate:"required"`
	Scheme   string `koanf:"scheme" validate:"required,oneof=bot callback"`
	Secret   string `koanf:"secret"`
	Token    string `koanf:"token"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Workers:         5,
			MaxSize:         10000,
			PromoteInterval: 1 * time.Second,
		},
		Manager: ManagerConfig{
			HealthInterval:         5 * time.Minute,
			MaxConsecutiveFailures: 5,
			RateWindow:             60 * time.Second,
			SendTimeout:            30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Retention:            7 * 24 * time.Hour,
			PurgeInterval:        1 * time.Hour,
			DefaultMaxRetries:    3,
			DefaultRetryDelay:    1 * time.Second,
			DefaultBackoffFactor: 2.0,
		},
		Webhook: WebhookConfig{
			TTL:             24 * time.Hour,
			CleanupInterval: 1 * time.Hour,
			HistoryLimit:    20,
		},
	}
}

// Load reads configuration from the YAML file at path (optional) and
// applies HERALD_* environment overrides. Nested keys use double
// underscores: HERALD_SERVER__PORT=8080.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration, including every channel
// config and webhook handler registration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	for _, ch := range c.Channels {
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}

	for _, h := range c.Webhook.Handlers {
		switch h.Scheme {
		case "bot":
			if h.Secret == "" {
				return fmt.Errorf("invalid config: webhook handler %s/%s: bot scheme requires a secret", h.Platform, h.Name)
			}
		case "callback":
			if h.Token == "" {
				return fmt.Errorf("invalid config: webhook handler %s/%s: callback scheme requires a token", h.Platform, h.Name)
			}
		}
	}
	return nil
}
