// ABOUTME: Configuration loading and parsing for kvgate
// ABOUTME: YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kvgate configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds server address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// StorageConfig holds the data directory containing the principal store and
// the per-tenant database files.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// AuthConfig holds session configuration.
type AuthConfig struct {
	DefaultSessionTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	DefaultSessionTTLRaw string `yaml:"default_session_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
// An unset session TTL defaults to 24h.
func parseDurations(cfg *Config) error {
	if cfg.Auth.DefaultSessionTTLRaw == "" {
		cfg.Auth.DefaultSessionTTL = 24 * time.Hour
		return nil
	}

	d, err := time.ParseDuration(cfg.Auth.DefaultSessionTTLRaw)
	if err != nil {
		return fmt.Errorf("parsing default_session_ttl %q: %w", cfg.Auth.DefaultSessionTTLRaw, err)
	}
	cfg.Auth.DefaultSessionTTL = d
	return nil
}
