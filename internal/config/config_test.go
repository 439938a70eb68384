package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSettings_GeneratesSecretsOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if settings.CliApiToken == "" || settings.RelayAuthKey == "" {
		t.Fatal("expected generated secrets, got empty strings")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected settings.json to be written: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat settings.json: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected mode 0600, got %v", perm)
	}
}

func TestLoadSettings_PersistsAcrossReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	first, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	second, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings (reload): %v", err)
	}

	if first.CliApiToken != second.CliApiToken {
		t.Error("expected cliApiToken to be stable across reloads")
	}
	if first.RelayAuthKey != second.RelayAuthKey {
		t.Error("expected relayAuthKey to be stable across reloads")
	}
}

func TestLoadSettings_EnvOverridesDiskValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	if _, err := LoadSettings(path); err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}

	t.Setenv("HAPI_CLI_API_TOKEN", "env-supplied-token")
	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings (env override): %v", err)
	}
	if settings.CliApiToken != "env-supplied-token" {
		t.Errorf("expected env override to win, got %q", settings.CliApiToken)
	}
}

func TestLoadServerConfig_Defaults(t *testing.T) {
	paths := &Paths{Data: "/tmp/hapihub-test-data"}
	cfg := LoadServerConfig(paths)

	if cfg.Port != 4096 {
		t.Errorf("expected default port 4096, got %d", cfg.Port)
	}
	if cfg.DataDir != paths.Data {
		t.Errorf("expected data dir %q, got %q", paths.Data, cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
}

func TestLoadServerConfig_EnvOverridesPort(t *testing.T) {
	t.Setenv("HAPI_PORT", "9999")
	paths := &Paths{Data: "/tmp/hapihub-test-data"}
	cfg := LoadServerConfig(paths)

	if cfg.Port != 9999 {
		t.Errorf("expected HAPI_PORT to override default, got %d", cfg.Port)
	}
}
