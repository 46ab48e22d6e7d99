// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the hivedoor
// daemon and CLI.
//
// Configuration is loaded from a single YAML file specified by:
//   - HIVEDOOR_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. Environment variables
// never override file values; the only expansion performed is
// ${HOME}-style path portability.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a hivedoor host.
type Config struct {
	// Listen is the TCP address the wire-protocol transport binds.
	Listen string `yaml:"listen"`

	// Console configures the operator console front-end.
	Console ConsoleConfig `yaml:"console"`

	// Rings configures append-log capacities.
	Rings RingsConfig `yaml:"rings"`

	// BootText is the banner published at /proc/boot and seeded into
	// the queen log.
	BootText string `yaml:"boot_text"`

	// TickInterval is the pump timer period, as a Go duration string.
	TickInterval string `yaml:"tick_interval"`

	// Keystore configures the sealed ticket master secret.
	Keystore KeystoreConfig `yaml:"keystore"`

	// Archive configures the eviction archive for append logs.
	Archive ArchiveConfig `yaml:"archive"`

	// PolicyOverlay is the path to the JSONC policy overlay file.
	// Empty disables the overlay.
	PolicyOverlay string `yaml:"policy_overlay"`

	// GPUs lists the GPU nodes the bridge publishes at startup.
	GPUs []GPUConfig `yaml:"gpus"`

	// Services maps service names to canonical namespace paths for
	// queen mount commands. Targets are validated at startup.
	Services map[string]string `yaml:"services"`
}

// ConsoleConfig configures the console sources of the event pump.
type ConsoleConfig struct {
	// Listen is the TCP address of the network console. Empty
	// disables the listener.
	Listen string `yaml:"listen"`

	// SerialDevice is the serial console device path. Empty disables
	// the serial source.
	SerialDevice string `yaml:"serial_device"`

	// SerialBaud is the serial line rate. Only consulted when
	// SerialDevice is set.
	SerialBaud int `yaml:"serial_baud"`
}

// RingsConfig sets append-log ring capacities in bytes.
type RingsConfig struct {
	// QueenLog is the capacity of /log/queen.log.
	QueenLog int `yaml:"queen_log"`

	// Telemetry is the capacity of each /worker/<id>/telemetry node.
	Telemetry int `yaml:"telemetry"`

	// GPUStatus is the capacity of each /gpu/<id>/{ctl,status,job} node.
	GPUStatus int `yaml:"gpu_status"`
}

// KeystoreConfig locates the sealed ticket master secret.
type KeystoreConfig struct {
	// Path is the age-sealed master secret file.
	Path string `yaml:"path"`

	// IdentityPath is the file holding the age identity that unseals
	// Path. The daemon reads it once at startup.
	IdentityPath string `yaml:"identity_path"`
}

// ArchiveConfig configures the compressed archive that receives bytes
// evicted from append-log rings.
type ArchiveConfig struct {
	// Dir is the archive segment directory. Empty disables archiving;
	// evicted bytes are then dropped.
	Dir string `yaml:"dir"`

	// Codec selects the segment compression: "zstd" or "lz4".
	Codec string `yaml:"codec"`

	// SegmentBytes is the uncompressed size at which a segment
	// rotates.
	SegmentBytes int `yaml:"segment_bytes"`
}

// GPUConfig describes one GPU node published by the bridge.
type GPUConfig struct {
	// ID is the node name under /gpu/.
	ID string `yaml:"id"`

	// Info is the static content of /gpu/<id>/info.
	Info string `yaml:"info"`
}

// Default returns the default configuration. These defaults exist so
// every field has a workable zero-value; the config file remains the
// source of truth.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "hivedoor")

	return &Config{
		Listen: "127.0.0.1:9564",
		Console: ConsoleConfig{
			Listen:     "127.0.0.1:9565",
			SerialBaud: 115200,
		},
		Rings: RingsConfig{
			QueenLog:  256 * 1024,
			Telemetry: 64 * 1024,
			GPUStatus: 64 * 1024,
		},
		BootText:     "hivedoor: host online\n",
		TickInterval: "1s",
		Keystore: KeystoreConfig{
			Path:         filepath.Join(defaultRoot, "master.age"),
			IdentityPath: filepath.Join(defaultRoot, "identity.txt"),
		},
		Archive: ArchiveConfig{
			Dir:          "",
			Codec:        "zstd",
			SegmentBytes: 1 << 20,
		},
	}
}

// Load loads configuration from the HIVEDOOR_CONFIG environment
// variable. There are no fallbacks: if HIVEDOOR_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("HIVEDOOR_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HIVEDOOR_CONFIG environment variable not set; " +
			"set it to the path of your hivedoor.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging the
// file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// path-valued fields for portability.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Keystore.Path = expandVars(c.Keystore.Path, vars)
	c.Keystore.IdentityPath = expandVars(c.Keystore.IdentityPath, vars)
	c.Archive.Dir = expandVars(c.Archive.Dir, vars)
	c.PolicyOverlay = expandVars(c.PolicyOverlay, vars)
	c.Console.SerialDevice = expandVars(c.Console.SerialDevice, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Tick returns the parsed pump timer period.
func (c *Config) Tick() (time.Duration, error) {
	interval, err := time.ParseDuration(c.TickInterval)
	if err != nil {
		return 0, fmt.Errorf("tick_interval: %w", err)
	}
	if interval <= 0 {
		return 0, fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	return interval, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, fmt.Errorf("listen is required"))
	}
	if c.Rings.QueenLog <= 0 {
		errs = append(errs, fmt.Errorf("rings.queen_log must be positive"))
	}
	if c.Rings.Telemetry <= 0 {
		errs = append(errs, fmt.Errorf("rings.telemetry must be positive"))
	}
	if c.Rings.GPUStatus <= 0 {
		errs = append(errs, fmt.Errorf("rings.gpu_status must be positive"))
	}
	if c.BootText == "" {
		errs = append(errs, fmt.Errorf("boot_text is required"))
	}
	if _, err := c.Tick(); err != nil {
		errs = append(errs, err)
	}
	if c.Keystore.Path == "" {
		errs = append(errs, fmt.Errorf("keystore.path is required"))
	}
	if c.Keystore.IdentityPath == "" {
		errs = append(errs, fmt.Errorf("keystore.identity_path is required"))
	}

	switch c.Archive.Codec {
	case "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("archive.codec must be zstd or lz4, got %q", c.Archive.Codec))
	}
	if c.Archive.Dir != "" && c.Archive.SegmentBytes <= 0 {
		errs = append(errs, fmt.Errorf("archive.segment_bytes must be positive"))
	}

	if c.Console.SerialDevice != "" && c.Console.SerialBaud <= 0 {
		errs = append(errs, fmt.Errorf("console.serial_baud must be positive"))
	}

	seen := make(map[string]bool)
	for _, gpu := range c.GPUs {
		if gpu.ID == "" || strings.ContainsAny(gpu.ID, "/") {
			errs = append(errs, fmt.Errorf("invalid gpu id %q", gpu.ID))
			continue
		}
		if seen[gpu.ID] {
			errs = append(errs, fmt.Errorf("duplicate gpu id %q", gpu.ID))
		}
		seen[gpu.ID] = true
	}

	for name, target := range c.Services {
		if name == "" {
			errs = append(errs, fmt.Errorf("service name must not be empty"))
		}
		if !strings.HasPrefix(target, "/") {
			errs = append(errs, fmt.Errorf("service %s: target %q must be an absolute namespace path", name, target))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directories the daemon writes under.
func (c *Config) EnsurePaths() error {
	paths := []string{
		filepath.Dir(c.Keystore.Path),
		c.Archive.Dir,
	}
	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
