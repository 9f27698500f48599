package worker

import (
	"fmt"
	"time"
)

// Config defines per-worker claim and retry behavior
type Config struct {
	// Items claimed per batch
	BatchSize int `toml:"batch_size"`

	// Wait between claim attempts when no work is claimable but other
	// workers still hold in_progress items
	IdleWait time.Duration `toml:"idle_wait"`

	// Backoff between transient retry attempts on one item
	RetryInitialWait time.Duration `toml:"retry_initial_wait"`
	RetryMaxWait     time.Duration `toml:"retry_max_wait"`
}

// DefaultConfig returns worker defaults tuned for slow collaborator sessions
func DefaultConfig() Config {
	return Config{
		BatchSize:        5,
		IdleWait:         5 * time.Second,
		RetryInitialWait: 2 * time.Second,
		RetryMaxWait:     15 * time.Second,
	}
}

// validateConfig validates worker configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}
	if config.IdleWait <= 0 {
		return fmt.Errorf("IdleWait must be positive, got %v", config.IdleWait)
	}
	if config.RetryInitialWait <= 0 {
		return fmt.Errorf("RetryInitialWait must be positive, got %v", config.RetryInitialWait)
	}
	if config.RetryMaxWait < config.RetryInitialWait {
		return fmt.Errorf("RetryMaxWait must be >= RetryInitialWait, got %v < %v",
			config.RetryMaxWait, config.RetryInitialWait)
	}
	return nil
}
