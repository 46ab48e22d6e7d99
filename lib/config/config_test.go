// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Listen != "127.0.0.1:9564" {
		t.Errorf("expected listen=127.0.0.1:9564, got %s", cfg.Listen)
	}
	if cfg.Archive.Codec != "zstd" {
		t.Errorf("expected archive codec zstd, got %s", cfg.Archive.Codec)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	tick, err := cfg.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if tick != time.Second {
		t.Errorf("default tick = %v, want 1s", tick)
	}
}

func TestLoad_RequiresHivedoorConfig(t *testing.T) {
	origConfig := os.Getenv("HIVEDOOR_CONFIG")
	defer os.Setenv("HIVEDOOR_CONFIG", origConfig)

	os.Unsetenv("HIVEDOOR_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when HIVEDOOR_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "HIVEDOOR_CONFIG") {
		t.Errorf("error should mention HIVEDOOR_CONFIG, got %q", err)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "hivedoor.yaml")

	configContent := `
listen: "0.0.0.0:7000"

console:
  listen: "0.0.0.0:7001"
  serial_device: /dev/ttyS1
  serial_baud: 9600

rings:
  queen_log: 1024
  telemetry: 512

tick_interval: 250ms

keystore:
  path: /custom/master.age
  identity_path: /custom/identity.txt

archive:
  dir: /custom/archive
  codec: lz4
  segment_bytes: 4096

gpus:
  - id: gpu0
    info: "mem_mb=8192"

services:
  boot: /proc/boot
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Listen != "0.0.0.0:7000" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.Console.SerialDevice != "/dev/ttyS1" || cfg.Console.SerialBaud != 9600 {
		t.Errorf("serial = %s @ %d", cfg.Console.SerialDevice, cfg.Console.SerialBaud)
	}
	if cfg.Rings.QueenLog != 1024 || cfg.Rings.Telemetry != 512 {
		t.Errorf("rings = %+v", cfg.Rings)
	}
	// Unset fields keep their defaults.
	if cfg.Rings.GPUStatus != 64*1024 {
		t.Errorf("gpu_status default = %d", cfg.Rings.GPUStatus)
	}
	if cfg.Archive.Codec != "lz4" {
		t.Errorf("archive codec = %s", cfg.Archive.Codec)
	}
	if len(cfg.GPUs) != 1 || cfg.GPUs[0].ID != "gpu0" {
		t.Errorf("gpus = %+v", cfg.GPUs)
	}
	if cfg.Services["boot"] != "/proc/boot" {
		t.Errorf("services = %+v", cfg.Services)
	}
	tick, err := cfg.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if tick != 250*time.Millisecond {
		t.Errorf("tick = %v", tick)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{"${HOME}/hivedoor", map[string]string{"HOME": "/home/user"}, "/home/user/hivedoor"},
		{"${MISSING:-default}", map[string]string{}, "default"},
		{"${PRESENT:-default}", map[string]string{"PRESENT": "value"}, "value"},
		{"no variables here", map[string]string{}, "no variables here"},
	}
	for _, tt := range tests {
		if got := expandVars(tt.input, tt.vars); got != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"empty listen", func(c *Config) { c.Listen = "" }, true},
		{"zero queen log", func(c *Config) { c.Rings.QueenLog = 0 }, true},
		{"bad tick", func(c *Config) { c.TickInterval = "soon" }, true},
		{"negative tick", func(c *Config) { c.TickInterval = "-1s" }, true},
		{"bad codec", func(c *Config) { c.Archive.Codec = "gzip" }, true},
		{"empty keystore", func(c *Config) { c.Keystore.Path = "" }, true},
		{"bad gpu id", func(c *Config) { c.GPUs = []GPUConfig{{ID: "a/b"}} }, true},
		{
			"duplicate gpu id",
			func(c *Config) { c.GPUs = []GPUConfig{{ID: "gpu0"}, {ID: "gpu0"}} },
			true,
		},
		{
			"relative service target",
			func(c *Config) { c.Services = map[string]string{"x": "proc/boot"} },
			true,
		},
		{
			"serial without baud",
			func(c *Config) { c.Console.SerialDevice = "/dev/ttyS0"; c.Console.SerialBaud = 0 },
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Keystore.Path = filepath.Join(tmpDir, "keys", "master.age")
	cfg.Archive.Dir = filepath.Join(tmpDir, "archive")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}
	for _, path := range []string{filepath.Join(tmpDir, "keys"), cfg.Archive.Dir} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}

func TestParseOverlay(t *testing.T) {
	data := []byte(`{
		// let observers watch the GPU fleet
		"observer_read_prefixes": ["/gpu"],
		"disabled_console_verbs": ["SPAWN", "KILL"], // read-only console
	}`)

	overlay, err := ParseOverlay(data)
	if err != nil {
		t.Fatalf("ParseOverlay: %v", err)
	}
	if len(overlay.ObserverReadPrefixes) != 1 || overlay.ObserverReadPrefixes[0] != "/gpu" {
		t.Errorf("prefixes = %v", overlay.ObserverReadPrefixes)
	}
	if !overlay.VerbDisabled("spawn") || !overlay.VerbDisabled("KILL") {
		t.Error("disabled verbs should match case-insensitively")
	}
	if overlay.VerbDisabled("PING") {
		t.Error("PING should not be disabled")
	}
}

func TestParseOverlayRejectsBadPrefix(t *testing.T) {
	for _, data := range []string{
		`{"observer_read_prefixes": ["gpu"]}`,
		`{"observer_read_prefixes": ["/"]}`,
	} {
		if _, err := ParseOverlay([]byte(data)); err == nil {
			t.Errorf("ParseOverlay(%s) should fail", data)
		}
	}
}

func TestLoadOverlayEmptyPath(t *testing.T) {
	overlay, err := LoadOverlay("")
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	if len(overlay.ObserverReadPrefixes) != 0 || len(overlay.DisabledConsoleVerbs) != 0 {
		t.Errorf("empty path should yield empty overlay, got %+v", overlay)
	}
}
