package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"market_maker/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
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
func checkPreFlight(cfg *Config) error {
	if path := cfg.GridSystem.StateDBPath; path != "" {
		dir := filepath.Dir(path)
		if info, err := os.Stat(dir); err != nil {
			return fmt.Errorf("grid_system.state_db_path directory %s: %w", dir, err)
		} else if !info.IsDir() {
			return fmt.Errorf("grid_system.state_db_path parent %s is not a directory", dir)
		}
	}
	return nil
}
