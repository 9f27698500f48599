package coordinator

import (
	"fmt"
	"time"

	"github.com/ekerlabs/folharvest/internal/worker"
)

// Config defines coordinator pool and timing behavior
type Config struct {
	// Number of extraction workers (one collaborator session each)
	Workers int `toml:"workers"`

	// An in_progress item older than StallTimeout is presumed abandoned
	StallTimeout  time.Duration `toml:"stall_timeout"`
	StallInterval time.Duration `toml:"stall_interval"`

	// Cadence of observational progress reporting
	ProgressInterval time.Duration `toml:"progress_interval"`

	// Buffer for worker progress events; overflowing events are dropped,
	// never blocking workers
	EventBufferSize int `toml:"event_buffer_size"`

	Worker worker.Config `toml:"worker"`
}

// DefaultConfig returns coordinator defaults for a small session pool
func DefaultConfig() Config {
	return Config{
		Workers:          3,
		StallTimeout:     30 * time.Minute,
		StallInterval:    1 * time.Minute,
		ProgressInterval: 15 * time.Second,
		EventBufferSize:  256,
		Worker:           worker.DefaultConfig(),
	}
}

// Validate checks coordinator configuration
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", c.Workers)
	}
	if c.StallTimeout <= 0 {
		return fmt.Errorf("StallTimeout must be positive, got %v", c.StallTimeout)
	}
	if c.StallInterval <= 0 {
		return fmt.Errorf("StallInterval must be positive, got %v", c.StallInterval)
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("ProgressInterval must be positive, got %v", c.ProgressInterval)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("EventBufferSize must be positive, got %v", c.EventBufferSize)
	}
	return nil
}
