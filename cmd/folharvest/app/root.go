// Package app wires the folharvest commands: extraction runs, CRM sync,
// and checkpoint status reporting.
package app

import (
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ekerlabs/folharvest/internal/config"
	"github.com/ekerlabs/folharvest/internal/logging"
	"github.com/ekerlabs/folharvest/internal/store"
	"github.com/ekerlabs/folharvest/tools/migrator"

	_ "github.com/mattn/go-sqlite3"
)

var rootCmd = &cobra.Command{
	Use:               "folharvest",
	DisableAutoGenTag: true,
	Short:             "Checkpointed extraction and CRM sync for address records",
	Long: `folharvest drives a pool of extraction workers against a durable SQLite
checkpoint, then diffs the extracted records against the CRM and applies
only the fields that changed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command with all subcommands attached
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (TOML)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)

	return rootCmd
}

// setup loads configuration and builds the logger. Every subcommand starts
// here. The returned cleanup flushes the log file.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, func() error, error) {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ApplyEnv()

	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	slog.SetDefault(logger)

	return cfg, logger, cleanup, nil
}

// openStore opens the checkpoint database and brings the schema current
func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.OpenWithConfig(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	if !cfg.Store.SkipMigrations {
		if err := migrator.RunMigrations(st.DB, cfg.Store.MigrationsDir); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		version, err := migrator.GetCurrentVersion(st.DB)
		if err != nil {
			st.Close()
			return nil, err
		}
		logger.Debug("Checkpoint schema current", "version", version)
	}

	return st, nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending checkpoint schema migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return logFatal(err)
		}
		defer cleanup()

		st, err := store.OpenWithConfig(cfg.Store)
		if err != nil {
			return logFatal(err)
		}
		defer st.Close()

		if err := migrator.RunMigrations(st.DB, cfg.Store.MigrationsDir); err != nil {
			return logFatal(err)
		}
		version, err := migrator.GetCurrentVersion(st.DB)
		if err != nil {
			return logFatal(err)
		}
		logger.Info("Migrations applied", "version", version, "db", cfg.Store.Path)
		return nil
	},
}

// logFatal reports the error once through slog and passes it to cobra for
// the exit code
func logFatal(err error) error {
	slog.Error("Command failed", "error", err)
	return err
}
