// Package config loads and validates the process-wide, constructor-time
// configuration: no field here is reloaded at runtime.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	AOF     AOFConfig     `yaml:"aof"`
	Filter  FilterConfig  `yaml:"filter"`
	Logging LoggingConfig `yaml:"logging"`
}

// NetworkConfig configures the listening socket and admission control.
type NetworkConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	MaxClients int    `yaml:"max_clients"`
}

// AOFConfig configures the append-only log.
type AOFConfig struct {
	Enabled     bool   `yaml:"enabled"`
	File        string `yaml:"file"`
	FsyncPolicy string `yaml:"fsync_policy"` // ALWAYS, EVERYSEC, NO
}

// FilterConfig configures the optional negative-lookup prefilter ahead of
// GET/MGET/EXISTS. Disabled by default: it is a pure performance
// enrichment, never required for correctness.
type FilterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	ExpectedItems     uint64  `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level         string `yaml:"level"` // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
}

// Load reads and parses the configuration file at path, filling in
// defaults for anything unset. A missing file is not an error: the
// process starts with pure defaults.
func Load(path string) (*Config, error) {
	config := &Config{
		Network: NetworkConfig{
			Host:       "127.0.0.1",
			Port:       31337,
			MaxClients: 64,
		},
		AOF: AOFConfig{
			Enabled:     true,
			File:        "redis_clone.aof",
			FsyncPolicy: "EVERYSEC",
		},
		Filter: FilterConfig{
			Enabled:           false,
			ExpectedItems:     1_000_000,
			FalsePositiveRate: 0.001,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return config, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Network.Host == "" {
		return fmt.Errorf("network.host cannot be empty")
	}
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return fmt.Errorf("network.port must be between 1 and 65535")
	}
	if c.Network.MaxClients <= 0 {
		return fmt.Errorf("network.max_clients must be >= 1")
	}
	if c.AOF.Enabled && c.AOF.File == "" {
		return fmt.Errorf("aof.file cannot be empty when aof.enabled is true")
	}
	if !isValidFsyncPolicy(c.AOF.FsyncPolicy) {
		return fmt.Errorf("invalid aof.fsync_policy: %s", c.AOF.FsyncPolicy)
	}
	if c.Filter.Enabled {
		if c.Filter.ExpectedItems == 0 {
			return fmt.Errorf("filter.expected_items must be >= 1 when filter.enabled is true")
		}
		if c.Filter.FalsePositiveRate <= 0 || c.Filter.FalsePositiveRate >= 1 {
			return fmt.Errorf("filter.false_positive_rate must be between 0 and 1")
		}
	}
	return nil
}

func isValidFsyncPolicy(policy string) bool {
	switch policy {
	case "ALWAYS", "EVERYSEC", "NO":
		return true
	default:
		return false
	}
}
