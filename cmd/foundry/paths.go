package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// foundryDir is the default state directory name under $HOME.
const foundryDir = ".foundry"

// Paths holds all resolved foundry state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home          string // ~/.foundry or FOUNDRY_HOME
	PIDPath       string // foundry.pid or FOUNDRY_PID_PATH
	DBPath        string // foundry.db or FOUNDRY_DB_PATH
	ConfigPath    string // config.toml or FOUNDRY_CONFIG
	WorkersDir    string // per-worker pid records and logs
	WorkspacesDir string // workspace metadata records
}

// ResolvePaths returns all foundry paths, respecting env var overrides.
// Environment variables:
//   - FOUNDRY_HOME: base directory for all foundry state (default: ~/.foundry)
//   - FOUNDRY_PID_PATH: supervisor PID file (default: $FOUNDRY_HOME/foundry.pid)
//   - FOUNDRY_DB_PATH: event log database (default: $FOUNDRY_HOME/foundry.db)
//   - FOUNDRY_CONFIG: config file (default: $FOUNDRY_HOME/config.toml)
//
// If FOUNDRY_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the FOUNDRY_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}

	return &Paths{
		Home:          home,
		PIDPath:       resolvePathWithEnv("FOUNDRY_PID_PATH", home, "foundry.pid"),
		DBPath:        resolvePathWithEnv("FOUNDRY_DB_PATH", home, "foundry.db"),
		ConfigPath:    resolvePathWithEnv("FOUNDRY_CONFIG", home, "config.toml"),
		WorkersDir:    filepath.Join(home, "workers"),
		WorkspacesDir: filepath.Join(home, "workspaces"),
	}, nil
}

// EnsureHome creates the state directory tree.
func (p *Paths) EnsureHome() error {
	for _, dir := range []string{p.Home, p.WorkersDir, p.WorkspacesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return nil
}

// resolveHome returns the foundry home directory from FOUNDRY_HOME or ~/.foundry.
func resolveHome() (string, error) {
	if v := os.Getenv("FOUNDRY_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, foundryDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
