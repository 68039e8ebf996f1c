// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/zigsniff/pkg/device"
	"github.com/mbeema/zigsniff/pkg/node"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the zigsniff daemon.
type Config struct {
	LogLevel      string         `yaml:"log_level" env:"ZIGSNIFF_LOG_LEVEL"`
	LogFile       string         `yaml:"log_file" env:"ZIGSNIFF_LOG_FILE"`
	LogMaxSizeMB  int            `yaml:"log_max_size_mb"`
	LogMaxBackups int            `yaml:"log_max_backups"`
	Output        string         `yaml:"output" env:"ZIGSNIFF_OUTPUT"`
	Registry      RegistryConfig `yaml:"registry"`
	Device        DeviceConfig   `yaml:"device"`
	Forward       ForwardConfig  `yaml:"forward"`
	Health        HealthConfig   `yaml:"health"`
}

// RegistryConfig lists the monitored nodes. Inline lists take precedence
// over the legacy key=value file.
type RegistryConfig struct {
	File     string `yaml:"file"`
	Nodes    []int  `yaml:"nodes"`
	Channels []int  `yaml:"channels"`
}

type DeviceConfig struct {
	PathPrefix  string        `yaml:"path_prefix"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
	MaxDrain    int           `yaml:"max_drain"`
	Ioctls      device.Ioctls `yaml:"ioctls"`
}

type ForwardConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	Interface   string `yaml:"interface"` // bind to this interface's IPv4 address
	SuppressFCS bool   `yaml:"suppress_fcs"`
	FCSLength   int    `yaml:"fcs_length"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		LogMaxSizeMB:  10,
		LogMaxBackups: 3,
		Output:        "/mnt/data.pcapng",
		Registry: RegistryConfig{
			File: "/mnt/sniffer.cfg",
		},
		Device: DeviceConfig{
			PathPrefix:  device.DefaultPathPrefix,
			PollTimeout: time.Second,
			MaxDrain:    64,
			Ioctls:      device.DefaultIoctls,
		},
		Forward: ForwardConfig{
			Enabled:   true,
			Address:   "10.0.0.1",
			Port:      17754,
			FCSLength: 2,
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
	}
}

// ApplyEnvOverrides reads ZIGSNIFF_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"ZIGSNIFF_LOG_LEVEL":         func(v string) { c.LogLevel = v },
		"ZIGSNIFF_LOG_FILE":          func(v string) { c.LogFile = v },
		"ZIGSNIFF_OUTPUT":            func(v string) { c.Output = v },
		"ZIGSNIFF_REGISTRY_FILE":     func(v string) { c.Registry.File = v },
		"ZIGSNIFF_DEVICE_PREFIX":     func(v string) { c.Device.PathPrefix = v },
		"ZIGSNIFF_FORWARD_ADDRESS":   func(v string) { c.Forward.Address = v },
		"ZIGSNIFF_FORWARD_INTERFACE": func(v string) { c.Forward.Interface = v },
		"ZIGSNIFF_HEALTH_PORT":       func(v string) { c.Health.Port = v },
	}

	boolOverrides := map[string]*bool{
		"ZIGSNIFF_FORWARD_ENABLED":      &c.Forward.Enabled,
		"ZIGSNIFF_FORWARD_SUPPRESS_FCS": &c.Forward.SuppressFCS,
		"ZIGSNIFF_HEALTH_ENABLED":       &c.Health.Enabled,
	}

	intOverrides := map[string]*int{
		"ZIGSNIFF_FORWARD_PORT":     &c.Forward.Port,
		"ZIGSNIFF_DEVICE_MAX_DRAIN": &c.Device.MaxDrain,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}

	if val := os.Getenv("ZIGSNIFF_DEVICE_POLL_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Device.PollTimeout = d
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if c.Output == "" {
		return errors.New("output is required")
	}

	if len(c.Registry.Nodes) > node.Capacity || len(c.Registry.Channels) > node.Capacity {
		return fmt.Errorf("registry: at most %d nodes and channels", node.Capacity)
	}
	for _, ch := range c.Registry.Channels {
		if ch < node.MinChannel || ch > node.MaxChannel {
			return fmt.Errorf("registry.channels: %d not in [%d,%d]", ch, node.MinChannel, node.MaxChannel)
		}
	}

	if c.Device.PollTimeout < time.Millisecond {
		return errors.New("device.poll_timeout must be at least 1ms")
	}
	if c.Device.MaxDrain <= 0 {
		return errors.New("device.max_drain must be positive")
	}

	if c.Forward.Enabled {
		if c.Forward.Address == "" {
			return errors.New("forward.address is required when forwarding is enabled")
		}
		if c.Forward.Port <= 0 || c.Forward.Port > 65535 {
			return fmt.Errorf("forward.port %d out of range", c.Forward.Port)
		}
		if c.Forward.FCSLength < 0 || c.Forward.FCSLength > 4 {
			return fmt.Errorf("forward.fcs_length must be between 0 and 4, got %d", c.Forward.FCSLength)
		}
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return errors.New("health.port is required when health is enabled")
	}

	return nil
}

// RestartRequired reports which settings differ between c and next that
// only take effect when the capture loop is restarted.
func (c *Config) RestartRequired(next *Config) []string {
	var changed []string
	if c.Output != next.Output {
		changed = append(changed, "output")
	}
	if !equalInts(c.Registry.Nodes, next.Registry.Nodes) ||
		!equalInts(c.Registry.Channels, next.Registry.Channels) ||
		c.Registry.File != next.Registry.File {
		changed = append(changed, "registry")
	}
	if c.Device != next.Device {
		changed = append(changed, "device")
	}
	if c.Forward != next.Forward {
		changed = append(changed, "forward")
	}
	if c.Health != next.Health {
		changed = append(changed, "health")
	}
	if c.LogFile != next.LogFile {
		changed = append(changed, "log_file")
	}
	return changed
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
