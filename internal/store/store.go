package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store wraps the checkpoint database connection
type Store struct {
	*sql.DB
	maxAttempts int
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	store *Store
}

// Config holds checkpoint store configuration
type Config struct {
	Path            string        `toml:"path"`
	MaxAttempts     int           `toml:"max_attempts"`
	BusyTimeout     time.Duration `toml:"busy_timeout"`
	ContentionRetry int           `toml:"contention_retries"`
	MigrationsDir   string        `toml:"migrations_dir"`
	SkipMigrations  bool          `toml:"skip_migrations"`
}

// DefaultConfig returns store defaults matching a single-host extraction run
func DefaultConfig() Config {
	return Config{
		Path:            "extraction.db",
		MaxAttempts:     3,
		BusyTimeout:     5 * time.Second,
		ContentionRetry: 5,
		MigrationsDir:   "migrations",
		SkipMigrations:  false,
	}
}

// Standard errors
var (
	ErrNotFound    = errors.New("store: not found")
	ErrUnknownItem = errors.New("store: report for item not owned by caller")
	ErrUnavailable = errors.New("store: unavailable")
)

// Open creates a checkpoint store connection.
// The claim/report/reclaim transactions require a single writer, so the
// connection is opened with an immediate txlock and a busy timeout rather
// than relying on the caller to serialize access.
func Open(path string, maxAttempts int) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if maxAttempts <= 0 {
		maxAttempts = DefaultConfig().MaxAttempts
	}

	return &Store{
		DB:          db,
		maxAttempts: maxAttempts,
	}, nil
}

// OpenWithConfig creates a store connection from configuration
func OpenWithConfig(config Config) (*Store, error) {
	return Open(config.Path, config.MaxAttempts)
}

// MaxAttempts returns the per-item attempt bound
func (s *Store) MaxAttempts() int {
	return s.maxAttempts
}

// Begin starts a new transaction
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx:    tx,
		store: s,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error.
// Lock contention with a concurrent writer is retried here; callers never
// see a busy error from claim/report/reclaim.
func (s *Store) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= DefaultConfig().ContentionRetry; attempt++ {
		err := s.runTransaction(ctx, fn)
		if err == nil || !isBusy(err) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return lastErr
}

func (s *Store) runTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsUnknownItem checks if error is a stale-owner report rejection
func IsUnknownItem(err error) bool {
	return errors.Is(err, ErrUnknownItem)
}

// isBusy checks for sqlite lock contention errors
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "database is locked") ||
		strings.Contains(errMsg, "database table is locked") ||
		strings.Contains(errMsg, "SQLITE_BUSY")
}
