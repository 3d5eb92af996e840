// Package config loads the server and client configuration from environment
// variables layered over an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Registry RegistryConfig `yaml:"registry" envconfig:"REGISTRY"`
	Client   ClientConfig   `yaml:"client" envconfig:"CLIENT"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/postguard.log"`
}

// RegistryConfig contains the server-side registry configuration.
type RegistryConfig struct {
	DatabasePath     string  `yaml:"database_path" envconfig:"DATABASE_PATH" default:"data/registry.db"`
	AttemptsPerSec   float64 `yaml:"attempts_per_sec" envconfig:"ATTEMPTS_PER_SEC" default:"1"`
	AttemptBurst     int     `yaml:"attempt_burst" envconfig:"ATTEMPT_BURST" default:"5"`
	RateLimitEnabled bool    `yaml:"rate_limit_enabled" envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// ClientConfig contains the validation client configuration used by the
// check CLI and any embedding application.
type ClientConfig struct {
	ServerURL       string        `yaml:"server_url" envconfig:"SERVER_URL" default:"http://localhost:8080"`
	Timeout         time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
	MaxRetries      int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3"`
	RetryStep       time.Duration `yaml:"retry_step" envconfig:"RETRY_STEP" default:"2s"`
	OfflineCooldown time.Duration `yaml:"offline_cooldown" envconfig:"OFFLINE_COOLDOWN" default:"5m"`
	CachePath       string        `yaml:"cache_path" envconfig:"CACHE_PATH" default:"data/license-cache.json"`
}

// Load reads configuration: defaults, then the YAML file at path (if it
// exists, empty path means skip), then POSTGUARD_* environment variables on
// top.
func Load(path string) (*Config, error) {
	var cfg Config

	// envconfig applies struct defaults even when no variables are set.
	if err := envconfig.Process("POSTGUARD", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fileCfg, err := loadFromFile(path)
			if err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
			cfg = merge(*fileCfg, cfg)
			// Environment wins over the file.
			if err := envconfig.Process("POSTGUARD", &cfg); err != nil {
				return nil, fmt.Errorf("overlay env config: %w", err)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merge overlays non-zero fields of the file config onto the base.
func merge(file, base Config) Config {
	out := base
	if file.Server.Port != 0 {
		out.Server.Port = file.Server.Port
	}
	if file.Server.ReadTimeout != 0 {
		out.Server.ReadTimeout = file.Server.ReadTimeout
	}
	if file.Server.WriteTimeout != 0 {
		out.Server.WriteTimeout = file.Server.WriteTimeout
	}
	if file.Server.IdleTimeout != 0 {
		out.Server.IdleTimeout = file.Server.IdleTimeout
	}
	if file.Server.ShutdownTimeout != 0 {
		out.Server.ShutdownTimeout = file.Server.ShutdownTimeout
	}
	if file.Logging.Level != "" {
		out.Logging.Level = file.Logging.Level
	}
	if file.Logging.Output != "" {
		out.Logging.Output = file.Logging.Output
	}
	if file.Logging.FilePath != "" {
		out.Logging.FilePath = file.Logging.FilePath
	}
	if file.Registry.DatabasePath != "" {
		out.Registry.DatabasePath = file.Registry.DatabasePath
	}
	if file.Registry.AttemptsPerSec != 0 {
		out.Registry.AttemptsPerSec = file.Registry.AttemptsPerSec
	}
	if file.Registry.AttemptBurst != 0 {
		out.Registry.AttemptBurst = file.Registry.AttemptBurst
	}
	if file.Client.ServerURL != "" {
		out.Client.ServerURL = file.Client.ServerURL
	}
	if file.Client.Timeout != 0 {
		out.Client.Timeout = file.Client.Timeout
	}
	if file.Client.MaxRetries != 0 {
		out.Client.MaxRetries = file.Client.MaxRetries
	}
	if file.Client.RetryStep != 0 {
		out.Client.RetryStep = file.Client.RetryStep
	}
	if file.Client.OfflineCooldown != 0 {
		out.Client.OfflineCooldown = file.Client.OfflineCooldown
	}
	if file.Client.CachePath != "" {
		out.Client.CachePath = file.Client.CachePath
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}
	if c.Registry.DatabasePath == "" {
		return fmt.Errorf("registry database path is required")
	}
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client server URL is required")
	}
	if c.Client.MaxRetries < 0 {
		return fmt.Errorf("client max retries must not be negative")
	}
	return nil
}

// ListenAddr returns the server's listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
