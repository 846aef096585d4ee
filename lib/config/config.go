// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the sensormuxd daemon configuration.
type Config struct {
	// Socket is the filesystem path of the Unix socket clients connect
	// to for the sensor data plane.
	Socket string `yaml:"socket"`

	// ControlSocket is the path of the CBOR control socket. Defaults
	// to Socket + ".ctl".
	ControlSocket string `yaml:"control_socket"`

	// Backend selects the hardware backend: "sim" or "host".
	Backend string `yaml:"backend"`

	// MaxClients bounds the number of simultaneously connected
	// sessions. Connections beyond the bound are closed before the
	// handshake.
	MaxClients int `yaml:"max_clients"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// Host configures the host thermal backend. Ignored for "sim".
	Host HostConfig `yaml:"host"`
}

// HostConfig tunes the gopsutil-backed host sensor backend.
type HostConfig struct {
	// DefaultDelay is the sampling interval used before any client has
	// negotiated one. Written as a Go duration string in YAML, e.g.
	// "250ms".
	DefaultDelay time.Duration `yaml:"default_delay"`
}

// UnmarshalYAML parses default_delay as a duration string. yaml.v3 has
// no built-in time.Duration support; an absent or empty value keeps
// whatever the struct already holds, so defaults survive the overlay.
func (h *HostConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		DefaultDelay string `yaml:"default_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.DefaultDelay == "" {
		return nil
	}
	d, err := time.ParseDuration(raw.DefaultDelay)
	if err != nil {
		return fmt.Errorf("host.default_delay: %w", err)
	}
	h.DefaultDelay = d
	return nil
}

// Default returns the built-in configuration used when no file is
// given.
func Default() *Config {
	return &Config{
		Socket:     "/run/sensormux/sensormux.sock",
		Backend:    "sim",
		MaxClients: 8,
		LogLevel:   "info",
		Host: HostConfig{
			DefaultDelay: time.Second,
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values. Called by Load and again by the daemon
// after flag overrides are applied.
func (c *Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("socket path must not be empty")
	}
	switch c.Backend {
	case "sim", "host":
	default:
		return fmt.Errorf("unknown backend %q (want \"sim\" or \"host\")", c.Backend)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("max_clients must be at least 1, got %d", c.MaxClients)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if c.Host.DefaultDelay <= 0 {
		return fmt.Errorf("host.default_delay must be positive, got %v", c.Host.DefaultDelay)
	}
	return nil
}

// ControlSocketPath returns the control socket path, deriving it from
// the data socket when unset.
func (c *Config) ControlSocketPath() string {
	if c.ControlSocket != "" {
		return c.ControlSocket
	}
	return c.Socket + ".ctl"
}
