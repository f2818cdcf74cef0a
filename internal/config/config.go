// Package config loads the host configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devdeck-tools/azdoconn/internal/settings"
)

// EnvPassphrase overrides the master passphrase without putting it in a file.
const EnvPassphrase = "AZDOCONN_PASSPHRASE"

// PoolConfig tunes the connection pool's idle reclamation.
type PoolConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// Config is the full host configuration.
type Config struct {
	SettingsPath     string     `yaml:"settings_path"`
	MasterPassphrase string     `yaml:"master_passphrase"`
	LogLevel         string     `yaml:"log_level"`
	Pool             PoolConfig `yaml:"pool"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		SettingsPath: settings.DefaultPath(),
		LogLevel:     "info",
		Pool: PoolConfig{
			SweepInterval: time.Minute,
			IdleTimeout:   5 * time.Minute,
		},
	}
}

// Load reads path if it exists and overlays it onto the defaults. An empty
// path or missing file yields the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv(EnvPassphrase); v != "" {
		cfg.MasterPassphrase = v
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = settings.DefaultPath()
	}
	if cfg.Pool.SweepInterval <= 0 {
		cfg.Pool.SweepInterval = time.Minute
	}
	if cfg.Pool.IdleTimeout <= 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	return cfg, nil
}
