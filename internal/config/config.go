// Package config loads and validates the Atelier TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "5s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	General General `toml:"general"`
	API     API     `toml:"api"`
	Assist  Assist  `toml:"assist"`
}

type General struct {
	LogLevel string `toml:"log_level"`
	StateDB  string `toml:"state_db"`
}

type API struct {
	Bind string `toml:"bind"`
	// GraphCacheSize bounds the per-project dependency graph cache.
	GraphCacheSize int         `toml:"graph_cache_size"`
	Security       APISecurity `toml:"security"`
}

// APISecurity gates the mutating API endpoints.
type APISecurity struct {
	Enabled          bool     `toml:"enabled"`
	AllowedTokens    []string `toml:"allowed_tokens"`
	RequireLocalOnly bool     `toml:"require_local_only"`
	AuditLog         string   `toml:"audit_log"`
}

// Assist configures the call-assistant connection state machine.
type Assist struct {
	Enabled     bool     `toml:"enabled"`
	UpstreamURL string   `toml:"upstream_url"`
	RetryDelay  Duration `toml:"retry_delay"` // fixed backoff between reconnects
	MaxRetries  int      `toml:"max_retries"`
}

// Load reads and validates an Atelier TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.StateDB == "" {
		cfg.General.StateDB = "atelier.db"
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1:8080"
	}
	if cfg.API.GraphCacheSize == 0 {
		cfg.API.GraphCacheSize = 32
	}
	if cfg.Assist.RetryDelay.Duration == 0 {
		cfg.Assist.RetryDelay.Duration = 3 * time.Second
	}
	if cfg.Assist.MaxRetries == 0 {
		cfg.Assist.MaxRetries = 5
	}
}

func validate(cfg *Config) error {
	if cfg.API.GraphCacheSize < 0 {
		return fmt.Errorf("api.graph_cache_size must be positive")
	}
	if cfg.Assist.MaxRetries < 0 {
		return fmt.Errorf("assist.max_retries must not be negative")
	}
	if cfg.Assist.Enabled && cfg.Assist.UpstreamURL == "" {
		return fmt.Errorf("assist.upstream_url is required when assist is enabled")
	}
	if cfg.API.Security.Enabled && len(cfg.API.Security.AllowedTokens) == 0 {
		return fmt.Errorf("api.security.allowed_tokens must not be empty when security is enabled")
	}

	if cfg.General.StateDB != "" && cfg.General.StateDB != ":memory:" {
		dir := ExpandHome(filepath.Dir(cfg.General.StateDB))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("state_db directory %q does not exist: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("state_db parent path %q is not a directory", dir)
		}
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
