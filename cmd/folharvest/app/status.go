package app

import (
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ekerlabs/folharvest/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoint progress and worker sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return logFatal(err)
		}
		defer cleanup()

		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.Store.Path = db
		}

		st, err := openStore(cfg, logger)
		if err != nil {
			return logFatal(err)
		}
		defer st.Close()

		watch, _ := cmd.Flags().GetInt("watch")
		for {
			if err := printStatus(cmd, st); err != nil {
				return logFatal(err)
			}
			if watch <= 0 {
				return nil
			}
			select {
			case <-cmd.Context().Done():
				return nil
			case <-time.After(time.Duration(watch) * time.Second):
			}
			fmt.Println()
		}
	},
}

func init() {
	statusCmd.Flags().String("db", "", "Override checkpoint database path from config")
	statusCmd.Flags().Int("watch", 0, "Refresh every N seconds (0 = print once)")
}

func printStatus(cmd *cobra.Command, st *store.Store) error {
	stats, err := st.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read checkpoint stats: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Status", "Count")
	table.Append("pending", fmt.Sprintf("%d", stats.Pending))
	table.Append("in_progress", fmt.Sprintf("%d", stats.InProgress))
	table.Append("completed", fmt.Sprintf("%d", stats.Completed))
	table.Append("failed", fmt.Sprintf("%d", stats.Failed))
	table.Append("total", fmt.Sprintf("%d", stats.Total))
	table.Render()

	fmt.Printf("Progress: %.1f%%", stats.PercentComplete)
	if stats.ItemsPerSecond > 0 {
		fmt.Printf("  (%.2f items/s)", stats.ItemsPerSecond)
	}
	fmt.Println()

	sessions, err := st.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list worker sessions: %w", err)
	}
	if len(sessions) == 0 {
		return nil
	}

	fmt.Println()
	sessionTable := tablewriter.NewWriter(os.Stdout)
	sessionTable.Header("Worker", "Status", "Processed", "Failed", "Last Active")
	for _, s := range sessions {
		sessionTable.Append(
			s.WorkerID,
			s.Status,
			fmt.Sprintf("%d", s.ItemsProcessed),
			fmt.Sprintf("%d", s.ItemsFailed),
			s.LastActive.Format(time.RFC3339),
		)
	}
	sessionTable.Render()
	return nil
}
