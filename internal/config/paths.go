// Package config provides configuration loading, XDG path resolution, and
// the on-disk settings file for the hub.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard XDG paths for hub data.
type Paths struct {
	Data   string // ~/.local/share/hapihub
	Config string // ~/.config/hapihub
	Cache  string // ~/.cache/hapihub
	State  string // ~/.local/state/hapihub
}

// GetPaths returns the standard paths for hub data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "hapihub"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "hapihub"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "hapihub"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "hapihub"),
	}
}

// EnsurePaths creates all required directories. The data directory is
// created 0700 per spec §6 ("parent directory 0700"); the others are
// ordinary 0755.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.Data, 0o700); err != nil {
		return err
	}
	for _, dir := range []string{p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath returns the path to the hub's SQLite database file.
func (p *Paths) DatabasePath() string {
	return filepath.Join(p.Data, "hapi.db")
}

// SettingsPath returns the path to settings.json.
func (p *Paths) SettingsPath() string {
	return filepath.Join(p.Data, "settings.json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}
