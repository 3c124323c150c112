package config

import (
	"os"
	"path/filepath"
)

const (
	appDirName = "devenv"

	EnvStateDir = "DEVENV_STATE_DIR"
	EnvSpecDir  = "DEVENV_SPEC_DIR"
	EnvLogLevel = "DEVENV_LOG_LEVEL"
	EnvConfig   = "DEVENV_CONFIG"

	envXDGDataHome   = "XDG_DATA_HOME"
	envXDGConfigHome = "XDG_CONFIG_HOME"
)

// StateDir returns the directory holding the state database.
// Order of precedence:
//  1. DEVENV_STATE_DIR
//  2. $XDG_DATA_HOME/devenv
//  3. ~/.local/share/devenv
//  4. ./devenv
func StateDir() string {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		return filepath.Clean(dir)
	}
	if xdg := os.Getenv(envXDGDataHome); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "share", appDirName)
	}
	return fallbackDir()
}

// ConfigDir returns the directory holding config.yaml and, by default, the
// environment specs.
func ConfigDir() string {
	if xdg := os.Getenv(envXDGConfigHome); xdg != "" {
		return filepath.Join(xdg, appDirName)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".config", appDirName)
	}
	return fallbackDir()
}

// SpecDir returns the default directory searched for spec files.
func SpecDir() string {
	if dir := os.Getenv(EnvSpecDir); dir != "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(ConfigDir(), "environments")
}

// ConfigPath returns the default app config file.
func ConfigPath() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return filepath.Clean(path)
	}
	return filepath.Join(ConfigDir(), "config.yaml")
}

func fallbackDir() string {
	if cwd, err := os.Getwd(); err == nil && cwd != "" {
		return filepath.Join(cwd, appDirName)
	}
	return filepath.Join(os.TempDir(), appDirName)
}
