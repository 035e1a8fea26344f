package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_WithExplicitFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.toml")

	content := `
[server]
port = 9090
log_level = "debug"

[workspace]
root_dir = "` + dir + `"

[providers.test]
name = "Test"
api_base = "https://test.example.com"
key_ref = "env:TEST_KEY"
models = ["test-model"]
enabled = true
priority = 1
timeout = 30

[gates]
default_mode = "auto_pass"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port: got %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel: got %q, want %q", cfg.Server.LogLevel, "debug")
	}
	if _, ok := cfg.Providers["test"]; !ok {
		t.Error("expected 'test' provider to be configured")
	}
	if cfg.Gates.DefaultMode != "auto_pass" {
		t.Errorf("Gates.DefaultMode: got %q, want auto_pass", cfg.Gates.DefaultMode)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "test.toml")

	content := `
[server]
port = 8787
log_level = "info"

[workspace]
root_dir = "` + dir + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("DUBPIPE_SERVER_PORT", "8888")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8888 {
		t.Errorf("Port with env override: got %d, want 8888", cfg.Server.Port)
	}
}

func TestLoad_ValidationFailure_BadPort(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.toml")

	content := `
[server]
port = 0
log_level = "info"

[workspace]
root_dir = "` + dir + `"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for port 0")
	}
}

func TestLoad_ValidationFailure_BadGateMode(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad-gate.toml")

	content := `
[server]
port = 8787
log_level = "info"

[workspace]
root_dir = "` + dir + `"

[gates]
default_mode = "whenever"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected validation error for an unknown gate mode")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != DefaultPort {
		t.Errorf("Port: got %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Resilience.RetryMaxAttempts != DefaultRetryMaxAttempts {
		t.Errorf("RetryMaxAttempts: got %d, want %d", cfg.Resilience.RetryMaxAttempts, DefaultRetryMaxAttempts)
	}
	if cfg.Gates.DefaultMode != DefaultGateMode {
		t.Errorf("Gates.DefaultMode: got %q, want %q", cfg.Gates.DefaultMode, DefaultGateMode)
	}
	if _, ok := cfg.Phases["asr"]; !ok {
		t.Error("expected a default 'asr' phase entry")
	}
}

func TestProviderConfig_TimeoutDuration(t *testing.T) {
	tests := []struct {
		timeout int
		wantSec int
	}{
		{0, 30},  // default
		{-1, 30}, // negative defaults
		{60, 60},
		{10, 10},
	}

	for _, tt := range tests {
		p := ProviderConfig{Timeout: tt.timeout}
		got := p.TimeoutDuration().Seconds()
		if int(got) != tt.wantSec {
			t.Errorf("TimeoutDuration(%d): got %v, want %ds", tt.timeout, got, tt.wantSec)
		}
	}
}

func TestConfigFilePath_BeforeLoad(t *testing.T) {
	// Reset to ensure clean state.
	loadedConfigFile.Store("")
	path := ConfigFilePath()
	if path != "" {
		t.Errorf("ConfigFilePath before load: got %q, want empty", path)
	}
}

func TestExportConfig(t *testing.T) {
	dir := t.TempDir()
	exportPath := filepath.Join(dir, "exported.toml")

	// Set a known config.
	cfg := DefaultConfig()
	set(cfg)

	if err := ExportConfig(exportPath); err != nil {
		t.Fatalf("ExportConfig: %v", err)
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Error("exported config is empty")
	}
}

func TestImportConfig(t *testing.T) {
	dir := t.TempDir()
	importPath := filepath.Join(dir, "import.toml")

	content := `
[server]
port = 9999
log_level = "warn"

[workspace]
root_dir = "` + dir + `"
`
	if err := os.WriteFile(importPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := ImportConfig(importPath); err != nil {
		t.Fatalf("ImportConfig: %v", err)
	}

	cfg := Get()
	if cfg.Server.Port != 9999 {
		t.Errorf("Port after import: got %d, want 9999", cfg.Server.Port)
	}

	// Reset to default to not affect other tests.
	set(DefaultConfig())
}

func TestCanonicalConfigSlice_FiltersToConfigKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Phases["mt"] = PhaseConfig{
		Enabled:        true,
		TimeoutSeconds: 60,
		Settings: map[string]any{
			"target_lang": "fr",
			"provider":    "anthropic",
			"unrelated":   "ignored",
		},
	}
	set(cfg)
	t.Cleanup(func() { set(DefaultConfig()) })

	slice := CanonicalConfigSlice("mt", []string{"target_lang", "provider"})
	if len(slice) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(slice), slice)
	}
	if slice["target_lang"] != "fr" {
		t.Errorf("target_lang: got %v, want fr", slice["target_lang"])
	}
	if _, ok := slice["unrelated"]; ok {
		t.Error("expected 'unrelated' to be excluded from the slice")
	}
}

func TestCanonicalConfigSlice_UnknownPhaseReturnsNil(t *testing.T) {
	slice := CanonicalConfigSlice("nonexistent", []string{"x"})
	if slice != nil {
		t.Errorf("expected nil for an unconfigured phase, got %v", slice)
	}
}
