package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables that override the default locations.
const (
	EnvConfigPath = "WXANNUAL_CONFIG_PATH"
	EnvHome       = "WXANNUAL_HOME"
)

// Paths are the locations wxannual reads its config from and keeps its
// data under.
type Paths struct {
	ConfigPath string // default ~/.config/wxannual.toml
	BaseDir    string // default ~/.local/share/wxannual
	LogDir     string
}

// DefaultPaths resolves Paths, preferring the environment over the home
// directory.
func DefaultPaths() (Paths, error) {
	configPath, err := envOrHome(EnvConfigPath, ".config", "wxannual.toml")
	if err != nil {
		return Paths{}, err
	}
	baseDir, err := envOrHome(EnvHome, ".local", "share", "wxannual")
	if err != nil {
		return Paths{}, err
	}
	return Paths{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

func envOrHome(env string, rel ...string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for %s: %w", env, err)
	}
	return filepath.Join(append([]string{home}, rel...)...), nil
}
