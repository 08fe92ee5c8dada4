// Package config loads and validates the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	goyaml "github.com/goccy/go-yaml"
)

// Duration parses YAML scalars like "100ms" or "2s" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements goccy/go-yaml's BytesUnmarshaler.
func (d *Duration) UnmarshalYAML(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level daemon configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Log       LogConfig                 `yaml:"log"`
	Executors map[string]ExecutorConfig `yaml:"executors"`
	Routes    []RouteConfig             `yaml:"routes"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level      string   `yaml:"level"`
	Format     string   `yaml:"format"`
	Outputs    []string `yaml:"outputs"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	MaxAgeDays int      `yaml:"max_age_days"`
}

// ExecutorConfig configures one single-worker executor. Script points at
// the Lua file whose handle function resolves requests.
type ExecutorConfig struct {
	Script     string   `yaml:"script"`
	Interval   Duration `yaml:"interval"`
	Retention  Duration `yaml:"retention"`
	MaxPending int      `yaml:"max_pending"`
}

// RouteConfig binds a route key to an executor, with an optional JSON
// schema applied to request bodies.
type RouteConfig struct {
	Key      []string `yaml:"key"`
	Executor string   `yaml:"executor"`
	Schema   string   `yaml:"schema"`
}

// Default returns a configuration with sensible defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"stdout"},
		},
	}
}

// Load reads, parses, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - Path comes from the operator.
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML onto the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := goyaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not one of json, console", c.Log.Format)
	}

	if len(c.Executors) == 0 {
		return fmt.Errorf("at least one executor must be configured")
	}
	for tag, ec := range c.Executors {
		if tag == "" {
			return fmt.Errorf("executor tags must not be empty")
		}
		if ec.Script == "" {
			return fmt.Errorf("executor %q: script must be set", tag)
		}
		if ec.Interval < 0 || ec.Retention < 0 || ec.MaxPending < 0 {
			return fmt.Errorf("executor %q: negative values are not allowed", tag)
		}
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for i, rc := range c.Routes {
		if len(rc.Key) == 0 {
			return fmt.Errorf("route %d: key must not be empty", i)
		}
		if rc.Executor != "" {
			if _, ok := c.Executors[rc.Executor]; !ok {
				return fmt.Errorf("route %d: executor %q is not configured", i, rc.Executor)
			}
		} else if len(c.Executors) > 1 {
			return fmt.Errorf("route %d: executor must be named when more than one is configured", i)
		}
		joined := strings.Join(rc.Key, "/")
		if _, dup := seen[joined]; dup {
			return fmt.Errorf("route %d: duplicate key %q", i, joined)
		}
		seen[joined] = struct{}{}
	}
	return nil
}
