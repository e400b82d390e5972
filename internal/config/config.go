// Package config loads server configuration from the environment, with an
// optional .env file for development. Command line flags override whatever
// is loaded here.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
type Config struct {
	// Listener
	Endpoint string `env:"SQUAWKBUS_ENDPOINT" envDefault:":8558"`
	TLS      bool   `env:"SQUAWKBUS_TLS" envDefault:"false"`
	CertFile string `env:"SQUAWKBUS_CERT_FILE" envDefault:""`
	KeyFile  string `env:"SQUAWKBUS_KEY_FILE" envDefault:""`

	// Policy and credentials. An empty password file selects the "none"
	// authentication method.
	PasswordFile       string `env:"SQUAWKBUS_PASSWORD_FILE" envDefault:""`
	AuthorizationsFile string `env:"SQUAWKBUS_AUTHORIZATIONS_FILE" envDefault:""`

	// Observability. Empty endpoint disables the metrics HTTP server.
	MetricsEndpoint string `env:"SQUAWKBUS_METRICS_ENDPOINT" envDefault:":9102"`
	LogLevel        string `env:"SQUAWKBUS_LOG_LEVEL" envDefault:"info"`
	LogFormat       string `env:"SQUAWKBUS_LOG_FORMAT" envDefault:"json"`

	// Queues
	HubQueueSize    int `env:"SQUAWKBUS_HUB_QUEUE_SIZE" envDefault:"64"`
	ClientQueueSize int `env:"SQUAWKBUS_CLIENT_QUEUE_SIZE" envDefault:"128"`

	// Limits
	MaxFrameBytes  uint32  `env:"SQUAWKBUS_MAX_FRAME_BYTES" envDefault:"1048576"`
	MaxConnections int     `env:"SQUAWKBUS_MAX_CONNECTIONS" envDefault:"1024"`
	ConnRateLimit  float64 `env:"SQUAWKBUS_CONN_RATE_LIMIT" envDefault:"32"`
	ConnRatePerIP  float64 `env:"SQUAWKBUS_CONN_RATE_PER_IP" envDefault:"8"`

	// Timeouts
	WriteTimeout    time.Duration `env:"SQUAWKBUS_WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SQUAWKBUS_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load reads configuration from a .env file (if present) and environment
// variables, then validates. Priority: environment > .env > defaults.
func Load() (*Config, error) {
	// Missing .env is fine; deployments set real environment variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("SQUAWKBUS_ENDPOINT is required")
	}
	if c.TLS && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("SQUAWKBUS_TLS requires SQUAWKBUS_CERT_FILE and SQUAWKBUS_KEY_FILE")
	}
	if c.HubQueueSize < 32 || c.HubQueueSize > 256 {
		return fmt.Errorf("SQUAWKBUS_HUB_QUEUE_SIZE must be 32-256, got %d", c.HubQueueSize)
	}
	if c.ClientQueueSize < 1 {
		return fmt.Errorf("SQUAWKBUS_CLIENT_QUEUE_SIZE must be > 0, got %d", c.ClientQueueSize)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("SQUAWKBUS_MAX_FRAME_BYTES must be >= 1024, got %d", c.MaxFrameBytes)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SQUAWKBUS_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("SQUAWKBUS_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "console": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("SQUAWKBUS_LOG_FORMAT must be one of: json, console (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("endpoint", c.Endpoint).
		Bool("tls", c.TLS).
		Str("password_file", c.PasswordFile).
		Str("authorizations_file", c.AuthorizationsFile).
		Str("metrics_endpoint", c.MetricsEndpoint).
		Int("hub_queue_size", c.HubQueueSize).
		Int("client_queue_size", c.ClientQueueSize).
		Uint32("max_frame_bytes", c.MaxFrameBytes).
		Int("max_connections", c.MaxConnections).
		Float64("conn_rate_limit", c.ConnRateLimit).
		Float64("conn_rate_per_ip", c.ConnRatePerIP).
		Dur("write_timeout", c.WriteTimeout).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
