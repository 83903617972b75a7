// ABOUTME: Tests for configuration loading
// ABOUTME: Covers defaults, file and environment layering, validation and save
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), filepath.Join(t.TempDir(), "missing-is-ok-only-for-default.yaml"))
	if err == nil {
		t.Fatal("explicit missing config file should fail")
	}

	t.Chdir(t.TempDir())
	cfg, err = Load(New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 7172 || cfg.Transport != "tcp" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.BufferDuration != 100*time.Millisecond || cfg.Backoff != 5*time.Second {
		t.Errorf("unexpected duration defaults: %v %v", cfg.BufferDuration, cfg.Backoff)
	}
	if !strings.HasSuffix(cfg.ClientName, "-loopstream") {
		t.Errorf("unexpected client name %q", cfg.ClientName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loopstream.yaml")
	content := "transport: udp\nport: 9000\nbackoff: 10s\nbuffer_duration: 50ms\nclient_name: studio\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LOOPSTREAM_PORT", "9100")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Transport != "udp" || cfg.ClientName != "studio" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Port != 9100 {
		t.Errorf("expected env override 9100, got %d", cfg.Port)
	}
	if cfg.Backoff != 10*time.Second || cfg.BufferDuration != 50*time.Millisecond {
		t.Errorf("durations not parsed: %v %v", cfg.Backoff, cfg.BufferDuration)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loopstream.yaml")

	cfg := Default()
	cfg.Transport = "websocket"
	cfg.Address = "10.0.0.5"
	cfg.Backoff = 1500 * time.Millisecond
	cfg.MDNS = true

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"bad transport", func(c *Config) { c.Transport = "sctp" }, "transport"},
		{"compression on udp", func(c *Config) { c.Transport = "udp"; c.Compression = true }, "compression"},
		{"port zero", func(c *Config) { c.Port = 0 }, "port"},
		{"zero buffer", func(c *Config) { c.BufferDuration = 0 }, "buffer_duration"},
		{"negative backoff", func(c *Config) { c.Backoff = -time.Second }, "backoff"},
		{"bad output", func(c *Config) { c.Output = "alsa" }, "output"},
		{"zero ring", func(c *Config) { c.BufferSeconds = 0 }, "buffer_seconds"},
		{"zero probe cycles", func(c *Config) { c.ProbeCycles = 0 }, "probe_cycles"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("expected error mentioning %q, got %v", tt.errSub, err)
			}
		})
	}
}

func TestHelpers(t *testing.T) {
	cfg := Default()
	cfg.Address = "127.0.0.1"
	if cfg.ListenAddr() != "127.0.0.1:7172" {
		t.Errorf("unexpected listen addr %s", cfg.ListenAddr())
	}
	cfg.BufferSeconds = 0.5
	if cfg.PlaybackBuffer() != 500*time.Millisecond {
		t.Errorf("unexpected playback buffer %v", cfg.PlaybackBuffer())
	}
}
