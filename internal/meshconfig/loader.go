package meshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error if a config file has overly
// permissive permissions (any group/world bits set), which makes Load fail. The config names the entropy file
// backing the node's private key, so it is as sensitive as the key itself.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade meshnode", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and internal consistency.
func Validate(cfg *Config) error {
	if cfg.Identity.EntropyFile == "" {
		return fmt.Errorf("identity.entropy_file is required")
	}
	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		return fmt.Errorf("telemetry.metrics.listen_address is required when metrics are enabled")
	}
	return nil
}

// FindConfigFile searches for a meshnode config file in standard locations.
// Search order: explicitPath (if given), ./meshnode.yaml,
// ~/.config/meshnode/config.yaml, /etc/meshnode/config.yaml.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{"meshnode.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "meshnode", "config.yaml"))
	}
	searchPaths = append(searchPaths, filepath.Join("/etc", "meshnode", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'meshnode init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// DefaultConfigDir returns the default meshnode config directory
// (~/.config/meshnode).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "meshnode"), nil
}
