// ABOUTME: Configuration loading and parsing for chatsync
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chatsync configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Cache    CacheConfig    `yaml:"cache"`
	Sync     SyncConfig     `yaml:"sync"`
	Presence PresenceConfig `yaml:"presence"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the backend endpoints
type ServerConfig struct {
	APIURL     string `yaml:"api_url"`     // base URL of the request API
	ChannelURL string `yaml:"channel_url"` // websocket endpoint for the event stream

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// AuthConfig holds session authentication configuration
type AuthConfig struct {
	Token     string `yaml:"token"`      // bearer token for the request API and channel
	JWTSecret string `yaml:"jwt_secret"` // secret for decoding the identity claims locally
}

// CacheConfig holds the local session cache configuration
type CacheConfig struct {
	Path string `yaml:"path"` // sqlite file, ":memory:" for ephemeral sessions
}

// SyncConfig holds reconnect timing configuration
type SyncConfig struct {
	ReconnectWait    time.Duration `yaml:"-"`
	MaxReconnectWait time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectWaitRaw    string `yaml:"reconnect_wait"`
	MaxReconnectWaitRaw string `yaml:"max_reconnect_wait"`
}

// PresenceConfig holds typing indicator timing configuration
type PresenceConfig struct {
	TypingTTL    time.Duration `yaml:"-"`
	TypingTTLRaw string        `yaml:"typing_ttl"`
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

	// Expand environment variables in the raw YAML content
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
	if c.Server.APIURL == "" {
		return fmt.Errorf("server.api_url is required")
	}
	if c.Server.ChannelURL == "" {
		return fmt.Errorf("server.channel_url is required")
	}
	if c.Auth.Token == "" {
		return fmt.Errorf("auth.token is required")
	}
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path is required (use \":memory:\" for ephemeral sessions)")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"sync.reconnect_wait", cfg.Sync.ReconnectWaitRaw, &cfg.Sync.ReconnectWait},
		{"sync.max_reconnect_wait", cfg.Sync.MaxReconnectWaitRaw, &cfg.Sync.MaxReconnectWait},
		{"presence.typing_ttl", cfg.Presence.TypingTTLRaw, &cfg.Presence.TypingTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
