package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValidWithBackendURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.URL = "ws://localhost:8000/ws/realtime-call"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing backend url", func(c *Config) { c.Backend.URL = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"segment interval too small", func(c *Config) { c.Audio.SegmentIntervalMs = 100 }},
		{"bad finalize timeout", func(c *Config) { c.Backend.FinalizeTimeoutSecs = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Backend.URL = "ws://localhost:8000/ws"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
port = 9090

[backend]
url = "ws://backend:8000/ws/realtime-call"
language = "ja"

[audio]
segment_interval_ms = 3000
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Backend.Language != "ja" {
		t.Fatalf("expected language ja, got %s", cfg.Backend.Language)
	}
	if cfg.Audio.SegmentIntervalMs != 3000 {
		t.Fatalf("expected segment interval 3000, got %d", cfg.Audio.SegmentIntervalMs)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Storage.MaxCallsInAPI != 200 {
		t.Fatalf("expected default max_calls_in_api, got %d", cfg.Storage.MaxCallsInAPI)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadWithFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "preferred.toml")
	content := `
[backend]
url = "ws://backend:8000/ws/realtime-call"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback failed: %v", err)
	}
	if cfg.Backend.URL != "ws://backend:8000/ws/realtime-call" {
		t.Fatalf("unexpected backend url: %s", cfg.Backend.URL)
	}
}
