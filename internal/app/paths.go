// Package app provides the application initialization and wiring.
package app

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultDataDir returns the default data directory path.
// Uses ~/.reach for user installations, the temp dir as fallback.
func DefaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".reach")
	}
	return filepath.Join(os.TempDir(), "reach")
}

// DefaultConfigPath returns the path `reach config init` writes to.
func DefaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "reach", "reach.toml")
	}
	return "reach.toml"
}

// ConfigureViper sets up viper with standard config file search paths.
// Config file: reach.toml
// Search paths (in order): ~/.config/reach, current directory
func ConfigureViper(v *viper.Viper, configPath string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("reach")
		v.SetConfigType("toml")
		v.AddConfigPath("$HOME/.config/reach")
		v.AddConfigPath(".")
	}
}
