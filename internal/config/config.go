// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kmacleod/litime-ble/internal/bms"
)

// Config holds all application configuration.
type Config struct {
	Device                 DeviceConfig `yaml:"device"`
	PollIntervalSeconds    int          `yaml:"poll_interval_seconds"`
	ResponseTimeoutSeconds int          `yaml:"response_timeout_seconds"`
	ConnectAttempts        int          `yaml:"connect_attempts"`
	LogLevel               string       `yaml:"log_level"`
}

// DeviceConfig identifies the BMS to poll.
type DeviceConfig struct {
	// Address is the BLE device address: a MAC on Linux, a CoreBluetooth
	// UUID string on macOS.
	Address string `yaml:"address"`
	// Name is the display name used in logs. Defaults to the address.
	Name string `yaml:"name"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "litime-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The device
// address has no default and must come from the file or a flag.
func Default() *Config {
	return &Config{
		PollIntervalSeconds:    int(bms.DefaultUpdateInterval / time.Second),
		ResponseTimeoutSeconds: int(bms.DefaultResponseTimeout / time.Second),
		ConnectAttempts:        3,
		LogLevel:               "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.Device.Name == "" {
		cfg.Device.Name = cfg.Device.Address
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}

	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll_interval_seconds must be > 0")
	}

	if c.ResponseTimeoutSeconds <= 0 {
		return fmt.Errorf("response_timeout_seconds must be > 0")
	}

	if c.ConnectAttempts <= 0 {
		return fmt.Errorf("connect_attempts must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}
