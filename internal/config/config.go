package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Settings is the hub's persisted configuration file (settings.json).
// CliApiToken and RelayAuthKey are generated secrets; the rest are
// user-chosen UI flags (spec §6, "Persisted state layout").
type Settings struct {
	CliApiToken   string `json:"cliApiToken"`
	RelayAuthKey  string `json:"relayAuthKey"`
	ReadyChime    bool   `json:"readyChime"`
	CompactTeams  bool   `json:"compactTeams"`
}

// ServerConfig is the ambient process configuration: port, data directory,
// log level. Loaded from env vars through viper, the library the `beads`
// codebase in this project's reference set uses for its own server/CLI
// configuration.
type ServerConfig struct {
	Port     int
	DataDir  string
	LogLevel string
}

// LoadServerConfig binds HAPI_* environment variables with sane defaults.
// Precedence (highest first): explicit env var, compiled-in default.
func LoadServerConfig(paths *Paths) ServerConfig {
	v := viper.New()
	v.SetEnvPrefix("hapi")
	v.AutomaticEnv()
	v.SetDefault("port", 4096)
	v.SetDefault("data_dir", paths.Data)
	v.SetDefault("log_level", "info")

	return ServerConfig{
		Port:     v.GetInt("port"),
		DataDir:  v.GetString("data_dir"),
		LogLevel: v.GetString("log_level"),
	}
}

// LoadSettings reads settings.json, applying the precedence described in
// spec §6 for secrets: environment variable > value already on disk >
// freshly generated. A newly generated secret is written back so
// subsequent starts are stable; an env-supplied secret is used for this
// run only and is not written to disk.
func LoadSettings(path string) (*Settings, error) {
	settings := &Settings{}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, settings); err != nil {
			return nil, fmt.Errorf("parse settings file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	changed := false
	if v := os.Getenv("HAPI_CLI_API_TOKEN"); v != "" {
		settings.CliApiToken = v
	} else if settings.CliApiToken == "" {
		token, err := generateSecret()
		if err != nil {
			return nil, err
		}
		settings.CliApiToken = token
		changed = true
	}

	if v := os.Getenv("HAPI_RELAY_AUTH_KEY"); v != "" {
		settings.RelayAuthKey = v
	} else if settings.RelayAuthKey == "" {
		key, err := generateSecret()
		if err != nil {
			return nil, err
		}
		settings.RelayAuthKey = key
		changed = true
	}

	if changed {
		if err := SaveSettings(path, settings); err != nil {
			return nil, err
		}
	}

	return settings, nil
}

// SaveSettings writes settings.json atomically (temp file + rename) with
// mode 0600.
func SaveSettings(path string, settings *Settings) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.json.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func generateSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
