// Package config loads the zonesmoke driver configuration and builds its
// logger.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Smoke configures the zonesmoke driver.
type Smoke struct {
	Interval time.Duration
	Ticks    int
	Timeout  time.Duration
	StatPath string
	LogLevel string
	Metrics  bool
}

// DefaultSmoke returns the configuration used when no file is given.
func DefaultSmoke() Smoke {
	return Smoke{
		Interval: 100 * time.Millisecond,
		Ticks:    3,
		Timeout:  250 * time.Millisecond,
		StatPath: ".",
		LogLevel: "info",
	}
}

type fileConfig struct {
	Interval string `toml:"interval" yaml:"interval"`
	Ticks    int    `toml:"ticks" yaml:"ticks"`
	Timeout  string `toml:"timeout" yaml:"timeout"`
	StatPath string `toml:"stat_path" yaml:"stat_path"`
	LogLevel string `toml:"log_level" yaml:"log_level"`
	Metrics  bool   `toml:"metrics" yaml:"metrics"`
}

// Load reads path over DefaultSmoke. Files ending in .yaml or .yml are YAML,
// everything else is TOML. Keys missing from the file keep their default.
func Load(path string) (Smoke, error) {
	var (
		raw     fileConfig
		defined func(key string) bool
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Smoke{}, fmt.Errorf("load smoke config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Smoke{}, fmt.Errorf("load smoke config: %w", err)
		}
		keys := map[string]any{}
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return Smoke{}, fmt.Errorf("load smoke config: %w", err)
		}
		defined = func(key string) bool {
			_, ok := keys[key]
			return ok
		}
	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Smoke{}, fmt.Errorf("load smoke config: %w", err)
		}
		defined = func(key string) bool { return meta.IsDefined(key) }
	}
	return raw.apply(DefaultSmoke(), defined)
}

func (raw fileConfig) apply(cfg Smoke, defined func(string) bool) (Smoke, error) {
	if defined("interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Interval))
		if err != nil {
			return Smoke{}, fmt.Errorf("parse interval: %w", err)
		}
		cfg.Interval = d
	}
	if defined("ticks") {
		cfg.Ticks = raw.Ticks
	}
	if defined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return Smoke{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if defined("stat_path") {
		cfg.StatPath = strings.TrimSpace(raw.StatPath)
	}
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("metrics") {
		cfg.Metrics = raw.Metrics
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the driver cannot run with.
func (c Smoke) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.Ticks < 1 {
		return fmt.Errorf("ticks must be at least 1, got %d", c.Ticks)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	if _, ok := parseLevel(c.LogLevel); !ok && strings.TrimSpace(c.LogLevel) != "" {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
