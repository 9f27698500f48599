// Package logging builds the process-wide slog logger: text to stderr for
// the operator, optional JSON fanout to a file for later inspection.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Config defines logging behavior
type Config struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level"`

	// File receives a JSON copy of the log stream; empty disables it
	File string `toml:"file"`
}

// DefaultConfig returns logging defaults
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// validateConfig validates logging configuration and returns error if invalid
func validateConfig(config Config) error {
	if _, err := parseLevel(config.Level); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// Setup creates the logger from config. The returned cleanup closes the log
// file and must be called on shutdown; it is a no-op when no file is set.
func Setup(config Config) (*slog.Logger, func() error, error) {
	level, err := parseLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	if config.File == "" {
		return slog.New(stderrHandler), func() error { return nil }, nil
	}

	file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %q: %w", config.File, err)
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})

	logger := slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
	return logger, file.Close, nil
}

// NewTestLogger builds a text logger onto w, used by tests
func NewTestLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
