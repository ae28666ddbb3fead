package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Engine.BufferSize != 30 {
		t.Errorf("expected buffer size 30, got %d", cfg.Engine.BufferSize)
	}
	if cfg.Engine.TieBreak != "longest" {
		t.Errorf("expected longest tie break, got %q", cfg.Engine.TieBreak)
	}
	if cfg.Input.Backend != "auto" {
		t.Errorf("expected auto backend, got %q", cfg.Input.Backend)
	}
	if !strings.Contains(cfg.DatabasePath(), "snipd") {
		t.Errorf("database path should contain snipd: %s", cfg.DatabasePath())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("SNIPD_CONFIG", "")
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}

	t.Setenv("SNIPD_CONFIG", "/etc/snipd/custom.yaml")
	if got := ConfigPath(); got != "/etc/snipd/custom.yaml" {
		t.Errorf("SNIPD_CONFIG not honored: %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.SettleDelayMs != 50 {
		t.Errorf("expected default settle delay, got %d", cfg.Engine.SettleDelayMs)
	}
}

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "config.toml",
			content: `version = 1
[engine]
settle_delay_ms = 20
tie_break = "store-order"
[input]
layout = "de"
`,
		},
		{
			name:    "json",
			file:    "config.json",
			content: `{"version": 1, "engine": {"settle_delay_ms": 20, "tie_break": "store-order"}, "input": {"layout": "de"}}`,
		},
		{
			name: "yaml",
			file: "config.yaml",
			content: `version: 1
engine:
  settle_delay_ms: 20
  tie_break: store-order
input:
  layout: de
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tc.file)
			if err := os.WriteFile(path, []byte(tc.content), 0600); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if cfg.Engine.SettleDelayMs != 20 {
				t.Errorf("settle delay = %d, want 20", cfg.Engine.SettleDelayMs)
			}
			if cfg.Engine.TieBreak != "store-order" {
				t.Errorf("tie break = %q, want store-order", cfg.Engine.TieBreak)
			}
			if cfg.Input.Layout != "de" {
				t.Errorf("layout = %q, want de", cfg.Input.Layout)
			}
			// Unset fields keep their defaults.
			if cfg.Engine.BufferSize != 30 {
				t.Errorf("buffer size = %d, want default 30", cfg.Engine.BufferSize)
			}
		})
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[engine\nbroken"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error for malformed TOML")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range SupportedConfigFormats() {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config"+ext)
			cfg := DefaultConfig()
			cfg.Engine.SettleDelayMs = 75
			cfg.Input.PasteChord = "ctrl+shift+v"

			if err := cfg.Save(path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if loaded.Engine.SettleDelayMs != 75 || loaded.Input.PasteChord != "ctrl+shift+v" {
				t.Errorf("round trip lost values: %+v %+v", loaded.Engine, loaded.Input)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SNIPD_BACKEND", "evdev")
	t.Setenv("SNIPD_LOG_LEVEL", "debug")
	t.Setenv("SNIPD_SETTLE_DELAY_MS", "5")
	t.Setenv("SNIPD_HISTORY", "false")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Input.Backend != "evdev" {
		t.Errorf("backend = %q, want evdev", cfg.Input.Backend)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Engine.SettleDelayMs != 5 {
		t.Errorf("settle delay = %d, want 5", cfg.Engine.SettleDelayMs)
	}
	if cfg.Clipboard.HistoryEnabled {
		t.Error("history should be disabled by SNIPD_HISTORY=false")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.BufferSize = 0
	cfg.Engine.TieBreak = "random"
	cfg.Engine.EchoWindowMs = -1
	cfg.Input.Backend = "x11"
	cfg.Input.Layout = "dvorak"
	cfg.Logging.Level = "loud"
	cfg.IPC.SocketPath = "relative.sock"

	err := cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}

	want := map[string]bool{
		"engine.buffer_size":    true,
		"engine.tie_break":      true,
		"engine.echo_window_ms": true,
		"input.backend":         true,
		"input.layout":          true,
		"logging.level":         true,
		"ipc.socket_path":       true,
	}
	for _, f := range verrs.Fields() {
		delete(want, f)
	}
	if len(want) != 0 {
		t.Errorf("missing validation errors for %v (got %v)", want, verrs)
	}
}

func TestValidateLayouts(t *testing.T) {
	for _, layout := range []string{"auto", "us", "gb", "de"} {
		cfg := DefaultConfig()
		cfg.Input.Layout = layout
		if err := cfg.Validate(); err != nil {
			t.Errorf("layout %q rejected: %v", layout, err)
		}
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Engine.SettleDelayMs = 999

	if cfg.Engine.SettleDelayMs == 999 {
		t.Error("modifying clone changed the original")
	}
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Engine.SettleDelay() != 50*time.Millisecond {
		t.Errorf("settle delay = %v", cfg.Engine.SettleDelay())
	}
	if cfg.Clipboard.PollInterval() != 500*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Clipboard.PollInterval())
	}
	if cfg.IPC.RequestTimeout() != 30*time.Second {
		t.Errorf("request timeout = %v", cfg.IPC.RequestTimeout())
	}
}

func TestLoaderReloadNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 1\n[engine]\nsettle_delay_ms = 10\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader(path)
	defer loader.Close()

	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var gotOld, gotNew int
	loader.OnChange(func(old, new *Config) {
		gotOld = old.Engine.SettleDelayMs
		gotNew = new.Engine.SettleDelayMs
	})

	if err := os.WriteFile(path, []byte("version = 1\n[engine]\nsettle_delay_ms = 40\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if gotOld != 10 || gotNew != 40 {
		t.Errorf("callback saw %d -> %d, want 10 -> 40", gotOld, gotNew)
	}
	if loader.Config().Engine.SettleDelayMs != 40 {
		t.Errorf("loader config not updated")
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = 1\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	loader := NewLoader(path)
	defer loader.Close()
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("version = 1\n[engine]\nbuffer_size = 0\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := loader.Reload(); err == nil {
		t.Fatal("expected validation error on reload")
	}
	if loader.Config().Engine.BufferSize != 30 {
		t.Errorf("invalid reload replaced the active config")
	}
}
