package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/ekerlabs/folharvest/internal/coordinator"
	"github.com/ekerlabs/folharvest/internal/crm"
	"github.com/ekerlabs/folharvest/internal/logging"
	"github.com/ekerlabs/folharvest/internal/store"
	"github.com/ekerlabs/folharvest/internal/syncer"
)

// Config represents the application configuration
type Config struct {
	Store       store.Config       `toml:"store"`
	Coordinator coordinator.Config `toml:"coordinator"`
	Sync        syncer.Config      `toml:"sync"`
	CRM         crm.Config         `toml:"crm"`
	Logging     logging.Config     `toml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Store:       store.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Sync:        syncer.DefaultConfig(),
		CRM:         crm.DefaultConfig(),
		Logging:     logging.DefaultConfig(),
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables (secrets only, applied by the caller)
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// If no config file specified, return defaults
	if configPath == "" {
		return config, nil
	}

	fileConfig, err := LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	return fileConfig, nil
}

// ApplyEnv overlays secrets from the environment. The CRM token never
// belongs in the config file.
func (c *Config) ApplyEnv() {
	if token := os.Getenv("CRM_API_TOKEN"); token != "" {
		c.CRM.Token = token
	}
	if base := os.Getenv("CRM_BASE_ID"); base != "" {
		c.CRM.BaseID = base
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store path must be specified")
	}
	if c.Store.MaxAttempts <= 0 {
		return fmt.Errorf("store max_attempts must be positive")
	}
	if c.Store.ContentionRetry <= 0 {
		return fmt.Errorf("store contention_retries must be positive")
	}

	if err := c.Coordinator.Validate(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	// CRM settings are only required for sync runs, so completeness is
	// checked there; reject only values that are outright invalid here.
	if c.CRM.PageSize <= 0 {
		return fmt.Errorf("crm page_size must be positive")
	}
	if c.CRM.RequestTimeout <= 0 {
		return fmt.Errorf("crm request_timeout must be positive")
	}

	return nil
}
