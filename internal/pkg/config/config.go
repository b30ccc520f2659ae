// Package config loads raris-stream settings from an optional YAML file and
// RARIS_-prefixed environment variables.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when Load is given no path.
const DefaultPath = "raris.yaml"

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: RARIS_API__BASE_URL sets api.base_url.
const EnvPrefix = "RARIS_"

type Config struct {
	API       APIConfig       `koanf:"api"`
	Retry     RetryConfig     `koanf:"retry"`
	Stream    StreamConfig    `koanf:"stream"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Log       LogConfig       `koanf:"log"`
}

type APIConfig struct {
	BaseURL    string `koanf:"base_url"`
	APIKey     string `koanf:"api_key"`
	AuthHeader string `koanf:"auth_header"`
	UserAgent  string `koanf:"user_agent"`
	// Timeout bounds non-streaming requests. Streams are bounded only by cancellation.
	Timeout time.Duration `koanf:"timeout"`
}

type RetryConfig struct {
	// DefaultDelay is used when a throttling response has no Retry-After.
	DefaultDelay time.Duration `koanf:"default_delay"`
	// MaxDelay caps a server-suggested delay. Zero disables the cap.
	MaxDelay time.Duration `koanf:"max_delay"`
}

type StreamConfig struct {
	MaxLineBytes int `koanf:"max_line_bytes"`
	ReadBuffer   int `koanf:"read_buffer"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

var defaults = map[string]any{
	"api.base_url":           "http://localhost:8000/api",
	"api.auth_header":        "X-API-Key",
	"api.user_agent":         "raris-stream/1.0",
	"api.timeout":            "30s",
	"retry.default_delay":    "2s",
	"retry.max_delay":        "60s",
	"stream.max_line_bytes":  1024 * 1024,
	"stream.read_buffer":     4 * 1024,
	"telemetry.enabled":      false,
	"telemetry.service_name": "raris-stream",
	"log.level":              "info",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then environment overrides, then
// fills defaults. A missing DefaultPath is not an error; a missing explicit
// path is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	// Environment variables override the file.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.API.APIKey = substituteEnvVars(cfg.API.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that would otherwise fail on first use.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute http(s) URL, got %q", c.API.BaseURL)
	}
	if c.Retry.DefaultDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.Stream.MaxLineBytes <= 0 || c.Stream.ReadBuffer <= 0 {
		return fmt.Errorf("stream.max_line_bytes and stream.read_buffer must be positive")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := ParseLevel(c.Log.Level)
	return lvl
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
