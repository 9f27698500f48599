package app

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ekerlabs/folharvest/internal/crm"
	"github.com/ekerlabs/folharvest/internal/store"
	"github.com/ekerlabs/folharvest/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Diff completed extractions against the CRM and apply changes",
	Long: `Sync loads every completed work item from the checkpoint, fetches the
CRM table snapshot, computes field-level differences, and applies them in
batches. With --report-only the diff report is written but nothing is sent
to the CRM.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return logFatal(err)
		}
		defer cleanup()

		if batch, _ := cmd.Flags().GetInt("batch-size"); batch > 0 {
			cfg.Sync.BatchSize = batch
		}
		if report, _ := cmd.Flags().GetString("report"); report != "" {
			cfg.Sync.ReportPath = report
		}
		reportOnly, _ := cmd.Flags().GetBool("report-only")
		changedOnly, _ := cmd.Flags().GetBool("changed-only")
		maxRecords, _ := cmd.Flags().GetInt("max-records")

		st, err := openStore(cfg, logger)
		if err != nil {
			return logFatal(err)
		}
		defer st.Close()

		items, err := loadCompletedItems(cmd.Context(), st, changedOnly, maxRecords)
		if err != nil {
			return logFatal(err)
		}
		if len(items) == 0 {
			logger.Info("No completed items to sync")
			return nil
		}

		target, err := crm.NewClient(cfg.CRM, logger)
		if err != nil {
			return logFatal(err)
		}

		engine, err := syncer.New(target, cfg.Sync, logger)
		if err != nil {
			return logFatal(err)
		}

		summary, diffs, runErr := engine.Run(cmd.Context(), items, reportOnly)
		if summary != nil {
			if err := engine.WriteReport(summary, diffs); err != nil {
				logger.Error("Failed to write diff report", "error", err)
			}
			syncer.PrintSummary(os.Stdout, summary)
		}
		if runErr != nil {
			return logFatal(runErr)
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d records failed to apply", summary.Failed)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("report-only", false, "Compute and report the diff without writing to the CRM")
	syncCmd.Flags().Bool("changed-only", false, "Sync only items whose content changed since the previous run")
	syncCmd.Flags().Int("batch-size", 0, "Override records per apply call from config")
	syncCmd.Flags().Int("max-records", 0, "Cap the number of source items considered (0 = all)")
	syncCmd.Flags().String("report", "", "Override diff report path from config")
}

// loadCompletedItems turns the checkpoint's completed items into sync
// sources, ordered by id for stable batching
func loadCompletedItems(ctx context.Context, st *store.Store, changedOnly bool, maxRecords int) ([]syncer.SourceItem, error) {
	snapshot, err := st.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint snapshot: %w", err)
	}

	items := make([]syncer.SourceItem, 0, len(snapshot))
	for id, item := range snapshot {
		if item.Status != store.StatusCompleted || len(item.Payload) == 0 {
			continue
		}
		if changedOnly && !item.Changed {
			continue
		}
		items = append(items, syncer.SourceItem{EntityID: id, Payload: item.Payload})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].EntityID < items[j].EntityID })

	if maxRecords > 0 && len(items) > maxRecords {
		items = items[:maxRecords]
	}
	return items, nil
}
