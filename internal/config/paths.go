package config

import (
	"os"
	"path/filepath"
)

// Application directory name under the user's config home.
const appName = "fluidzero"

// File names.
const (
	configFileName      = "config.toml"
	credentialsFileName = "credentials.json"

	// LocalConfigFile is looked up in the working directory.
	LocalConfigFile = ".fluidzero.toml"
)

// Dir returns the fluidzero config directory. Respects XDG_CONFIG_HOME with
// a ~/.config fallback. Environment is read at call time so tests can point
// it at a temporary directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", appName)
}

// GlobalConfigPath returns the full path to the global config file.
func GlobalConfigPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// CredentialsPath returns the full path to the credentials file.
func CredentialsPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, credentialsFileName)
}
