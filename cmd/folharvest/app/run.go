package app

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ekerlabs/folharvest/internal/coordinator"
	"github.com/ekerlabs/folharvest/internal/extractor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extraction worker pool against the checkpoint store",
	Long: `Run claims pending work items with a pool of workers, extracts each
item's record, and reports results back to the checkpoint. A re-run with the
same id file resumes: completed items stay untouched, stalled claims are
reclaimed, and failed items with remaining attempts are retried.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return logFatal(err)
		}
		defer cleanup()

		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Coordinator.Workers = workers
		}
		if db, _ := cmd.Flags().GetString("db"); db != "" {
			cfg.Store.Path = db
		}

		idsFile, _ := cmd.Flags().GetString("ids-file")
		ids, err := readIDFile(idsFile)
		if err != nil {
			return logFatal(err)
		}
		if len(ids) == 0 {
			return logFatal(fmt.Errorf("id file %s contains no ids", idsFile))
		}

		fixtureDir, _ := cmd.Flags().GetString("fixtures")
		ext, err := extractor.NewFixtureExtractor(fixtureDir, logger)
		if err != nil {
			return logFatal(err)
		}

		st, err := openStore(cfg, logger)
		if err != nil {
			return logFatal(err)
		}
		defer st.Close()

		coord, err := coordinator.New(st, ext, ext, cfg.Coordinator, logger)
		if err != nil {
			return logFatal(err)
		}

		summary, err := coord.Run(cmd.Context(), ids)
		if err != nil {
			return logFatal(err)
		}

		logger.Info("Run complete",
			"run_id", summary.RunID,
			"completed", summary.Stats.Completed,
			"failed", summary.Stats.Failed,
			"pending", summary.Stats.Pending,
			"recovered", summary.Recovered,
			"exhausted", summary.Exhausted,
			"elapsed", summary.Elapsed,
		)

		if !summary.Stats.Done() {
			return fmt.Errorf("run ended with %d items unfinished", summary.Stats.Pending+summary.Stats.InProgress)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("ids-file", "", "File with one work item id per line")
	runCmd.Flags().String("fixtures", "fixtures", "Directory of exported item payloads to replay")
	runCmd.Flags().Int("workers", 0, "Override worker count from config")
	runCmd.Flags().String("db", "", "Override checkpoint database path from config")
	_ = runCmd.MarkFlagRequired("ids-file")
}

// readIDFile reads one id per line, skipping blanks and # comments
func readIDFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open id file: %w", err)
	}
	defer f.Close()

	var ids []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read id file: %w", err)
	}
	return ids, nil
}
