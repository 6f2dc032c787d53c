package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"cross_arb/internal/config"
)

// LoadConfig loads and validates the configuration, then applies pre-flight
// checks that go beyond schema validation.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation.
func checkPreFlight(cfg *config.Config) error {
	if cfg.Execution.Durable && cfg.Execution.DatabaseURL == "" {
		return fmt.Errorf("execution.database_url is required when durable execution is enabled")
	}

	// The storage directory must exist before SQLite can create the file.
	if cfg.Storage.Path != "" && cfg.Storage.Path != ":memory:" {
		dir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage directory %s: %w", dir, err)
		}
	}

	// Rollback needs a live config file to back up and restore.
	if cfg.Rollback.Enabled {
		if cfg.Rollback.ConfigPath == "" || cfg.Rollback.BackupDir == "" {
			return fmt.Errorf("rollback.config_path and rollback.backup_dir are required when rollback is enabled")
		}
		if _, err := os.Stat(cfg.Rollback.ConfigPath); err != nil {
			return fmt.Errorf("rollback.config_path: %w", err)
		}
	}

	return nil
}
