// Package config loads the dev server configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
)

// Config is the root configuration document.
type Config struct {
	PagesDir       string         `yaml:"pages_dir"`
	PageExtensions []string       `yaml:"page_extensions"`
	BuildID        string         `yaml:"build_id"`
	OnDemand       OnDemandConfig `yaml:"on_demand"`
	HTTP           HTTPConfig     `yaml:"http"`
}

// OnDemandConfig tunes the on-demand build scheduler.
type OnDemandConfig struct {
	// MaxInactiveAge is how long a built page may go without keep-alive pings
	// before it is disposed.
	MaxInactiveAge Duration `yaml:"max_inactive_age"`
	// PagesBufferLength is the number of most recently viewed pages that are
	// never disposed.
	PagesBufferLength int      `yaml:"pages_buffer_length"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	PingInterval      Duration `yaml:"ping_interval"`
	KeepAlivePath     string   `yaml:"keepalive_path"`
}

// HTTPConfig represents HTTP server configuration.
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
	HealthPath  string `yaml:"health_path"`
}

// Duration decodes YAML duration strings ("60s", "1m30s") and plain integers
// as milliseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if err := value.Decode(&ms); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Load reads the configuration at path, applying .env files, ${VAR}
// expansion and defaults, then validates the result.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ferrors.ConfigError("configuration file not found").WithContext("path", path).Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to read config file").WithContext("path", path).Build()
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "failed to unmarshal config").Fatal().Build()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnvFiles loads .env and .env.local when present. Existing process
// environment variables are not overwritten.
func loadEnvFiles() {
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "Note: %s could not be loaded: %v\n", name, err)
		}
	}
}

// Validate checks invariants that defaults cannot repair.
func (c *Config) Validate() error {
	switch {
	case c.OnDemand.MaxInactiveAge <= 0:
		return ferrors.ConfigError("on_demand.max_inactive_age must be > 0").Build()
	case c.OnDemand.PagesBufferLength < 1:
		return ferrors.ConfigError("on_demand.pages_buffer_length must be >= 1").
			WithContext("value", c.OnDemand.PagesBufferLength).Build()
	case c.OnDemand.SweepInterval <= 0:
		return ferrors.ConfigError("on_demand.sweep_interval must be > 0").Build()
	case c.OnDemand.PingInterval <= 0:
		return ferrors.ConfigError("on_demand.ping_interval must be > 0").Build()
	case !strings.HasPrefix(c.OnDemand.KeepAlivePath, "/"):
		return ferrors.ConfigError("on_demand.keepalive_path must start with /").
			WithContext("value", c.OnDemand.KeepAlivePath).Build()
	case len(c.PageExtensions) == 0:
		return ferrors.ConfigError("page_extensions must not be empty").Build()
	}
	for _, ext := range c.PageExtensions {
		if ext == "" || strings.Contains(ext, "/") {
			return ferrors.ConfigError("invalid page extension").WithContext("value", ext).Build()
		}
	}
	return nil
}
