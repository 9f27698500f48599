package syncer

import (
	"context"
	"fmt"
	"time"
)

// TargetRecord is one record in the external system of record
type TargetRecord struct {
	// RecordID is the external system's own identifier, needed for updates
	RecordID string
	// Fields maps target field name → current value
	Fields map[string]any
}

// Update is one pending record change: only the fields that differ
type Update struct {
	EntityID string
	RecordID string
	Fields   map[string]any
}

// ApplyResult is the per-record outcome of an apply
type ApplyResult struct {
	EntityID string
	Err      error
}

// Target is the external sync destination
type Target interface {
	// FetchSnapshot returns the external system's current records keyed by
	// the shared entity identifier
	FetchSnapshot(ctx context.Context) (map[string]TargetRecord, error)

	// ApplyBatch applies a group of updates. A batch-level failure is
	// reported through the error return; partial per-record failures come
	// back in the results.
	ApplyBatch(ctx context.Context, updates []Update) ([]ApplyResult, error)
}

// FieldChange records one field-level difference after normalization
type FieldChange struct {
	Old any
	New any
}

// DiffRecord is the set of field-level differences for one entity.
// Ephemeral: recomputed on every sync run, never persisted.
type DiffRecord struct {
	EntityID string
	RecordID string
	Fields   map[string]FieldChange
}

// Empty reports whether no fields differ
func (d DiffRecord) Empty() bool {
	return len(d.Fields) == 0
}

// Summary is the machine-usable result of a sync run
type Summary struct {
	RunID           string
	Matched         int
	Unchanged       int
	Changed         int
	Applied         int
	Failed          int
	Batches         int
	MissingInTarget []string
	MissingInSource []string
	UnmappedUnits   []string
	Failures        map[string]string // entity id → reason
	Elapsed         time.Duration
}

// Config defines diff-sync behavior
type Config struct {
	// Records per apply call; the external API caps batch writes
	BatchSize int `toml:"batch_size"`

	// Timeout for one batch apply, independent of extraction timeouts
	ApplyTimeout time.Duration `toml:"apply_timeout"`

	// Path for the human-readable diff report; empty disables the file
	ReportPath string `toml:"report_path"`
}

// DefaultConfig returns sync defaults matching the target API's batch cap
func DefaultConfig() Config {
	return Config{
		BatchSize:    10,
		ApplyTimeout: 30 * time.Second,
		ReportPath:   "sync_diff_report.txt",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates sync configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}
	if config.ApplyTimeout <= 0 {
		return fmt.Errorf("ApplyTimeout must be positive, got %v", config.ApplyTimeout)
	}
	return nil
}
