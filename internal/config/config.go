// Package config loads the optional mnmxd server config file. It mirrors
// internal/daemon/project.go's loadProject/loadInRepoConfig pattern: read
// the file if present, yaml.Unmarshal into a plain struct, fill defaults
// afterward, and treat a missing file as "use the defaults" rather than
// an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is a named shell launch preset a client can request by name
// instead of spelling out program+args+env on the command line.
type Profile struct {
	Program string            `yaml:"program"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Config holds mnmxd's server-side defaults.
type Config struct {
	// DefaultShell is the program used for MakeSessionRequest when the
	// request carries no explicit Program (spec.md §4.2 SpawnOptions).
	DefaultShell string `yaml:"default_shell"`

	// ExitOnLastSessionTerminate mirrors the Server policy bit of the
	// same name (spec.md §4.4's "exit_on_last_session_terminate").
	ExitOnLastSessionTerminate bool `yaml:"exit_on_last_session_terminate"`

	// IdleLogThresholdSeconds: how long a session may go without any
	// attached client before mnmxd logs an idle notice. Zero disables
	// the check.
	IdleLogThresholdSeconds int `yaml:"idle_log_threshold_seconds"`

	Profiles map[string]Profile `yaml:"profiles"`
}

// Default returns the built-in server defaults used when no config file
// is present, or when a present file omits a field.
func Default() Config {
	return Config{
		DefaultShell:               defaultShellFromEnv(),
		ExitOnLastSessionTerminate: false,
		IdleLogThresholdSeconds:    0,
		Profiles:                   map[string]Profile{},
	}
}

func defaultShellFromEnv() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

// Path returns the config file location, honoring XDG_CONFIG_HOME before
// falling back to ~/.config/mnmx/config.yaml.
func Path() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mnmx", "config.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "mnmx", "config.yaml"), nil
}

// Load reads and parses the config file at path. A missing file is not an
// error: Load returns the defaults unchanged. A present file overlays its
// fields onto the defaults field-by-field, so a config that only sets
// default_shell doesn't wipe out the other defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if overlay.DefaultShell != "" {
		cfg.DefaultShell = overlay.DefaultShell
	}
	cfg.ExitOnLastSessionTerminate = overlay.ExitOnLastSessionTerminate
	if overlay.IdleLogThresholdSeconds != 0 {
		cfg.IdleLogThresholdSeconds = overlay.IdleLogThresholdSeconds
	}
	for name, p := range overlay.Profiles {
		cfg.Profiles[name] = p
	}

	return cfg, nil
}

// SocketPath derives the default listening socket location in the order
// spec.md §6 prescribes: $XDG_RUNTIME_DIR/mnmx, then $TMPDIR/mnmx$USER,
// then /tmp/mnmx. A caller-supplied override always wins and is made
// absolute against the current working directory if relative.
func SocketPath(override string) (string, error) {
	if override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("config: resolve working directory: %w", err)
		}
		return filepath.Join(wd, override), nil
	}

	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return filepath.Join(rt, "mnmx"), nil
	}
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return filepath.Join(tmp, "mnmx"+os.Getenv("USER")), nil
	}
	return "/tmp/mnmx", nil
}
