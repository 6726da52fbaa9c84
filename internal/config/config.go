package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	Security SecurityConfig `yaml:"security" envconfig:"SECURITY"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	SendTimeout     time.Duration `yaml:"send_timeout" envconfig:"SEND_TIMEOUT" default:"10s"`
}

// DatabaseConfig contains the durable store configuration.
type DatabaseConfig struct {
	// DSN is the SQLite data source name. ":memory:" is accepted for tests.
	DSN string `yaml:"dsn" envconfig:"DSN" default:"file:custody.db?_pragma=busy_timeout(5000)"`
}

// SecurityConfig contains authentication, encryption and rate limiting.
type SecurityConfig struct {
	// OperatorTokens are the bearer tokens accepted on authenticated routes.
	OperatorTokens []string `yaml:"operator_tokens" envconfig:"OPERATOR_TOKENS"`
	// MasterPassphrase derives the AES-256 key that seals key material at
	// rest. It is process configuration and is never persisted.
	MasterPassphrase string          `yaml:"master_passphrase" envconfig:"MASTER_PASSPHRASE"`
	RateLimit        RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig bounds the unauthenticated validation endpoint.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"50"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"25"`
}

// QuotaPolicy selects how revoked site licenses count against an
// organization's max_sites quota.
type QuotaPolicy string

const (
	// QuotaActiveSites counts only active licenses; revoking frees quota.
	QuotaActiveSites QuotaPolicy = "active"
	// QuotaEverIssued counts every license ever minted for the org.
	QuotaEverIssued QuotaPolicy = "ever_issued"
)

// LicenseConfig contains licensing policy knobs.
type LicenseConfig struct {
	QuotaPolicy QuotaPolicy `yaml:"quota_policy" envconfig:"QUOTA_POLICY" default:"active"`
	// DefaultKeyTTL is the expiry applied to registered keys when the caller
	// does not supply one.
	DefaultKeyTTL time.Duration `yaml:"default_key_ttl" envconfig:"DEFAULT_KEY_TTL" default:"8760h"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
}

// Load loads configuration from environment variables with an optional YAML
// overlay. Environment variables use the CUSTODY prefix and take precedence.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("CUSTODY_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("CUSTODY", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks invariants that a misconfigured deployment would violate.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Security.MasterPassphrase == "" {
		return fmt.Errorf("master passphrase is required")
	}
	switch c.License.QuotaPolicy {
	case QuotaActiveSites, QuotaEverIssued:
	default:
		return fmt.Errorf("unknown quota policy: %q", c.License.QuotaPolicy)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Logging.Level)
	}
	return nil
}
