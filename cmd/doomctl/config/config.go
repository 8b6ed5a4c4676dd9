// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config holds the doomctl configuration types and loader.
//
// Configuration is a plain YAML file. A zero-value Config is usable after
// ApplyDefaults; the engine receives the resulting value as an immutable
// snapshot at construction time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManagedLabel marks containers created by this engine.
const ManagedLabel = "coding.doom.managed"

// Config is the full doomctl configuration.
type Config struct {
	// Stack locates the compose definition and names the containers.
	Stack StackConfig `yaml:"stack"`

	// Ports maps each role to its requested host port.
	Ports PortsConfig `yaml:"ports"`

	// VPN configures the host VPN client used for URL resolution.
	VPN VPNConfig `yaml:"vpn"`

	// Backup configures where migration backups are written.
	Backup BackupConfig `yaml:"backup"`

	// Logging configures the dual-channel logger.
	Logging LoggingConfig `yaml:"logging"`

	// Timeouts bound lifecycle operations.
	Timeouts TimeoutConfig `yaml:"timeouts"`
}

type StackConfig struct {
	// Dir is the directory containing the compose file. Default: ~/.doom-coding
	Dir string `yaml:"dir"`

	// ComposeFile is the compose file name inside Dir.
	// Default: docker-compose.yml
	ComposeFile string `yaml:"compose_file"`

	// ProjectName is the compose project name. Default: doomcoding
	ProjectName string `yaml:"project_name"`

	// ContainerNames maps role name to canonical container name.
	// Defaults: code-server=doom-code-server, vpn=doom-tailscale,
	// assistant=doom-assistant.
	ContainerNames map[string]string `yaml:"container_names"`

	// Volumes are the named persistent volumes backed up before migration.
	Volumes []string `yaml:"volumes"`

	// SameKindSignature marks unmanaged containers as the same kind of
	// service when their image or name contains it. Default: code-server
	SameKindSignature string `yaml:"same_kind_signature"`
}

type PortsConfig struct {
	// Targets maps role name to requested host port.
	// Defaults: code-server=8443, vpn=41641, assistant=8600.
	Targets map[string]int `yaml:"targets"`

	// WellKnown are additional ports probed during detection.
	WellKnown []int `yaml:"well_known"`

	// ScanStart/ScanEnd bound the alternate-port search. Default 8000-9000.
	ScanStart int `yaml:"scan_start"`
	ScanEnd   int `yaml:"scan_end"`
}

type VPNConfig struct {
	// Binary is the host VPN client. Default: tailscale
	Binary string `yaml:"binary"`

	// Container is the role name of the VPN sidecar. Default: vpn
	Container string `yaml:"container"`
}

type BackupConfig struct {
	// Dir is where backups land. Default: ~/.doom-coding/backups
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	// Dir is the durable log sink directory. Default: ~/.doom-coding/logs
	Dir string `yaml:"dir"`

	// Verbose disables the noise filter and shows debug output.
	Verbose bool `yaml:"verbose"`
}

type TimeoutConfig struct {
	// Operation bounds a whole Start/Stop. Default: 10m
	Operation time.Duration `yaml:"operation"`

	// HealthPerService bounds one role's health poll. Default: 60s
	HealthPerService time.Duration `yaml:"health_per_service"`

	// StopGrace is the grace period passed to container stop. Default: 10s
	StopGrace time.Duration `yaml:"stop_grace"`
}

// Load reads a YAML config file and applies defaults.
//
// A missing file is not an error: defaults are returned so doomctl works out
// of the box. A malformed file is an error.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills empty fields in place. Only empty/zero fields are
// touched, so a partial YAML file overrides exactly what it names.
func (c *Config) ApplyDefaults() {
	home, _ := os.UserHomeDir()
	baseDir := filepath.Join(home, ".doom-coding")

	if c.Stack.Dir == "" {
		c.Stack.Dir = baseDir
	}
	if c.Stack.ComposeFile == "" {
		c.Stack.ComposeFile = "docker-compose.yml"
	}
	if c.Stack.ProjectName == "" {
		c.Stack.ProjectName = "doomcoding"
	}
	if len(c.Stack.ContainerNames) == 0 {
		c.Stack.ContainerNames = map[string]string{
			"code-server": "doom-code-server",
			"vpn":         "doom-tailscale",
			"assistant":   "doom-assistant",
		}
	}
	if len(c.Stack.Volumes) == 0 {
		c.Stack.Volumes = []string{"doom-code-server-data"}
	}
	if c.Stack.SameKindSignature == "" {
		c.Stack.SameKindSignature = "code-server"
	}

	if len(c.Ports.Targets) == 0 {
		c.Ports.Targets = map[string]int{
			"code-server": 8443,
			"vpn":         41641,
			"assistant":   8600,
		}
	}
	if len(c.Ports.WellKnown) == 0 {
		c.Ports.WellKnown = []int{8443, 8080, 8600, 3000}
	}
	if c.Ports.ScanStart == 0 {
		c.Ports.ScanStart = 8000
	}
	if c.Ports.ScanEnd == 0 {
		c.Ports.ScanEnd = 9000
	}

	if c.VPN.Binary == "" {
		c.VPN.Binary = "tailscale"
	}
	if c.VPN.Container == "" {
		c.VPN.Container = "vpn"
	}

	if c.Backup.Dir == "" {
		c.Backup.Dir = filepath.Join(baseDir, "backups")
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = filepath.Join(baseDir, "logs")
	}

	if c.Timeouts.Operation == 0 {
		c.Timeouts.Operation = 10 * time.Minute
	}
	if c.Timeouts.HealthPerService == 0 {
		c.Timeouts.HealthPerService = 60 * time.Second
	}
	if c.Timeouts.StopGrace == 0 {
		c.Timeouts.StopGrace = 10 * time.Second
	}
}

// ComposePath returns the absolute compose file path.
func (c Config) ComposePath() string {
	return filepath.Join(c.Stack.Dir, c.Stack.ComposeFile)
}

// CanonicalNames returns the container names in a stable role order.
func (c Config) CanonicalNames() []string {
	roles := []string{"code-server", "vpn", "assistant"}
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		if name, ok := c.Stack.ContainerNames[role]; ok {
			names = append(names, name)
		}
	}
	return names
}
