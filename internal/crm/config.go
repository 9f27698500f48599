package crm

import (
	"fmt"
	"time"
)

// ==========================================
// CRM Client Configuration
// ==========================================

// Config defines the connection to the external CRM's REST API
type Config struct {
	// BaseURL of the REST API, without trailing slash
	BaseURL string `toml:"base_url"`

	// Token is the bearer token; usually supplied via CRM_API_TOKEN
	// instead of the config file
	Token string `toml:"token"`

	// BaseID selects the workspace base
	BaseID string `toml:"base_id"`

	// Table is the table name or id holding the records
	Table string `toml:"table"`

	// KeyField is the target field carrying the shared entity identifier
	KeyField string `toml:"key_field"`

	// PageSize for snapshot listing
	PageSize int `toml:"page_size"`

	// MaxRetries bounds retry of rate-limited or failing requests
	MaxRetries int `toml:"max_retries"`

	// RetryWait is the initial backoff between retried requests
	RetryWait time.Duration `toml:"retry_wait"`

	// RequestTimeout applies to a single HTTP request
	RequestTimeout time.Duration `toml:"request_timeout"`
}

// DefaultConfig returns CRM client defaults
func DefaultConfig() Config {
	return Config{
		BaseURL:        "https://api.airtable.com/v0",
		KeyField:       "Extra field 1",
		PageSize:       100,
		MaxRetries:     4,
		RetryWait:      time.Second,
		RequestTimeout: 20 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates CRM configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.BaseURL == "" {
		return fmt.Errorf("BaseURL must not be empty")
	}
	if config.BaseID == "" {
		return fmt.Errorf("BaseID must not be empty")
	}
	if config.Table == "" {
		return fmt.Errorf("Table must not be empty")
	}
	if config.KeyField == "" {
		return fmt.Errorf("KeyField must not be empty")
	}
	if config.PageSize <= 0 {
		return fmt.Errorf("PageSize must be positive, got %d", config.PageSize)
	}
	if config.RetryWait <= 0 {
		return fmt.Errorf("RetryWait must be positive, got %v", config.RetryWait)
	}
	if config.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be positive, got %v", config.RequestTimeout)
	}
	return nil
}
