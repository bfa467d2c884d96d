// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the supervisor's declarative configuration
// document (spec.md §6). Configuration is loaded from a single file
// specified by the SENTINEL_CONFIG environment variable or a --config
// flag. There is no implicit discovery and no fallback: deterministic,
// auditable configuration with no hidden overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkMode selects how a profile's guest reaches the outside world.
type NetworkMode string

const (
	NetworkNAT    NetworkMode = "nat"
	NetworkProxy  NetworkMode = "proxy"
	NetworkNone   NetworkMode = "none"
)

// Config is the supervisor's declarative configuration document.
type Config struct {
	HostID            string              `yaml:"host_id"`
	Slots             int                 `yaml:"slots"`
	ImageDir          string              `yaml:"image_dir"`
	KernelPath        string              `yaml:"kernel_path"`
	OverlayDir        string              `yaml:"overlay_dir"`
	HypervisorBin     string              `yaml:"hypervisor_bin"`
	TaskTypes         []string            `yaml:"task_types"`
	HeartbeatInterval time.Duration       `yaml:"heartbeat_interval"`
	DrainDeadline     time.Duration       `yaml:"drain_deadline"`
	AuditRotateBytes  int64               `yaml:"audit_rotate_bytes"`
	Namespace         string              `yaml:"namespace"`
	Profiles          map[string]*Profile `yaml:"profiles"`
	Bus               BusConfig           `yaml:"bus"`
	State             StateConfig         `yaml:"state"`
}

// Profile is a named VM profile (spec.md §3 "VM profile").
type Profile struct {
	VCPUs         int           `yaml:"vcpus"`
	MemMB         int           `yaml:"mem_mb"`
	Rootfs        string        `yaml:"rootfs"`
	TimeoutSec    int           `yaml:"timeout_sec"`
	Network       NetworkMode   `yaml:"network"`
	NetworkPolicy NetworkPolicy `yaml:"network_policy,omitempty"`
	ToolPolicy    ToolPolicy    `yaml:"tool_policy,omitempty"`
}

// NetworkPolicy restricts proxy-mode egress to an allowlist of host:port
// pairs (spec.md §4.5).
type NetworkPolicy struct {
	Allow []string `yaml:"allow,omitempty"`
}

// ToolPolicy restricts broker-mode capability calls (spec.md §4.9).
type ToolPolicy struct {
	AllowedTools []string  `yaml:"allowed_tools,omitempty"`
	RateLimit    RateLimit `yaml:"rate_limit,omitempty"`
}

// RateLimit bounds per-task tool-call throughput.
type RateLimit struct {
	CallsPerMinute int `yaml:"calls_per_minute"`
}

// BusConfig holds transport options opaque to this package — the bus
// implementation parses the fields it needs.
type BusConfig struct {
	URL string `yaml:"url"`
}

// StateConfig holds state-store options opaque to this package.
type StateConfig struct {
	URL string `yaml:"url"`
}

// Default returns a Config with sensible zero-values. HostID stays empty
// here; LoadFile fills it from os.Hostname when the file leaves it unset.
func Default() *Config {
	return &Config{
		Slots:             1,
		ImageDir:          "/var/lib/sentinel/images",
		KernelPath:        "/var/lib/sentinel/kernels/vmlinux",
		OverlayDir:        "/var/lib/sentinel/overlays",
		HypervisorBin:     "firecracker",
		HeartbeatInterval: 10 * time.Second,
		DrainDeadline:     30 * time.Second,
		AuditRotateBytes:  64 << 20,
		Namespace:         "gbe",
		Profiles:          make(map[string]*Profile),
	}
}

// Load loads configuration from the SENTINEL_CONFIG environment variable.
// There are no fallbacks — if it is unset, Load fails.
func Load() (*Config, error) {
	path := os.Getenv("SENTINEL_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("SENTINEL_CONFIG environment variable not set; " +
			"set it to the path of your sentinel.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, expanding
// ${VAR} and ${VAR:-default} references in the path fields (image_dir,
// kernel_path, overlay_dir, hypervisor_bin); other fields are not expanded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()

	if cfg.HostID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("host_id not set and hostname lookup failed: %w", err)
		}
		cfg.HostID = hostname
	}

	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path-like
// fields.
func (c *Config) expandVariables() {
	c.ImageDir = expandVars(c.ImageDir)
	c.KernelPath = expandVars(c.KernelPath)
	c.OverlayDir = expandVars(c.OverlayDir)
	c.HypervisorBin = expandVars(c.HypervisorBin)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name, defaultValue := parts[1], ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for internal consistency, accumulating
// every problem found rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Slots < 1 {
		errs = append(errs, fmt.Errorf("slots must be >= 1, got %d", c.Slots))
	}
	if c.ImageDir == "" {
		errs = append(errs, fmt.Errorf("image_dir is required"))
	}
	if c.KernelPath == "" {
		errs = append(errs, fmt.Errorf("kernel_path is required"))
	}
	if c.OverlayDir == "" {
		errs = append(errs, fmt.Errorf("overlay_dir is required"))
	}
	if c.HypervisorBin == "" {
		errs = append(errs, fmt.Errorf("hypervisor_bin is required"))
	}
	if len(c.TaskTypes) == 0 {
		errs = append(errs, fmt.Errorf("task_types must list at least one type"))
	}
	if len(c.Profiles) == 0 {
		errs = append(errs, fmt.Errorf("profiles must define at least one profile"))
	}

	for name, profile := range c.Profiles {
		if profile.VCPUs < 1 {
			errs = append(errs, fmt.Errorf("profile %q: vcpus must be >= 1", name))
		}
		if profile.MemMB < 1 {
			errs = append(errs, fmt.Errorf("profile %q: mem_mb must be >= 1", name))
		}
		if profile.Rootfs == "" {
			errs = append(errs, fmt.Errorf("profile %q: rootfs is required", name))
		}
		if profile.TimeoutSec < 1 {
			errs = append(errs, fmt.Errorf("profile %q: timeout_sec must be >= 1", name))
		}
		switch profile.Network {
		case NetworkNAT, NetworkProxy, NetworkNone:
		default:
			errs = append(errs, fmt.Errorf("profile %q: network must be one of nat, proxy, none", name))
		}
		if profile.Network == NetworkProxy && len(profile.NetworkPolicy.Allow) == 0 {
			errs = append(errs, fmt.Errorf("profile %q: proxy mode requires network_policy.allow", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the filesystem layout directories (spec.md §6) if
// they don't exist.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.ImageDir, c.OverlayDir} {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// ResolveHypervisorBin finds the hypervisor binary on PATH if HypervisorBin
// is not an absolute path already known to exist.
func (c *Config) ResolveHypervisorBin() (string, error) {
	if _, err := os.Stat(c.HypervisorBin); err == nil {
		return c.HypervisorBin, nil
	}
	path, err := exec.LookPath(c.HypervisorBin)
	if err != nil {
		return "", fmt.Errorf("hypervisor binary %q not found: %w", c.HypervisorBin, err)
	}
	return path, nil
}
