// ABOUTME: Configuration loading and parsing for convogrid
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete convogrid configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Workers  WorkersConfig  `yaml:"workers"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds credential configuration
type AuthConfig struct {
	// CookieSecret signs session-access cookies. Dedicated to that use.
	CookieSecret string `yaml:"cookie_secret"`

	CookieMaxAge    time.Duration `yaml:"-"`
	CookieMaxAgeRaw string        `yaml:"cookie_max_age"`
}

// WorkersConfig holds cooperative dispatcher configuration
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`

	AwaitTimeout    time.Duration `yaml:"-"`
	AwaitTimeoutRaw string        `yaml:"await_timeout"`
}

// WebhooksConfig holds inbound webhook configuration
type WebhooksConfig struct {
	DedupeMaxSize int `yaml:"dedupe_max_size"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.CookieSecret) < 32 {
		return fmt.Errorf("auth.cookie_secret must be at least 32 bytes")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.CookieMaxAgeRaw != "" {
		cfg.Auth.CookieMaxAge, err = time.ParseDuration(cfg.Auth.CookieMaxAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing cookie_max_age %q: %w", cfg.Auth.CookieMaxAgeRaw, err)
		}
	}

	if cfg.Workers.AwaitTimeoutRaw != "" {
		cfg.Workers.AwaitTimeout, err = time.ParseDuration(cfg.Workers.AwaitTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing await_timeout %q: %w", cfg.Workers.AwaitTimeoutRaw, err)
		}
	}

	if cfg.Webhooks.DedupeTTLRaw != "" {
		cfg.Webhooks.DedupeTTL, err = time.ParseDuration(cfg.Webhooks.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Webhooks.DedupeTTLRaw, err)
		}
	}

	return nil
}
