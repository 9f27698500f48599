package store

import (
	"context"
	"fmt"
	"time"
)

// rateWindow is the trailing window used to derive items/sec from the
// completion timestamp history.
const rateWindow = 5 * time.Minute

// Stats returns per-status counts plus derived progress figures
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	row := s.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END) AS pending,
			SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END) AS in_progress,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed
		FROM work_items
	`)

	var pending, inProgress, completed, failed *int
	if err := row.Scan(&stats.Total, &pending, &inProgress, &completed, &failed); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if stats.Total == 0 {
		return stats, nil
	}

	stats.Pending = deref(pending)
	stats.InProgress = deref(inProgress)
	stats.Completed = deref(completed)
	stats.Failed = deref(failed)
	stats.PercentComplete = float64(stats.Completed+stats.Failed) / float64(stats.Total) * 100

	// Throughput over the trailing window of completion timestamps
	since := time.Now().UTC().Add(-rateWindow)
	var recent int
	err := s.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM work_items
		WHERE status = 'completed' AND last_updated >= ?
	`, since).Scan(&recent)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if recent > 0 {
		stats.ItemsPerSecond = float64(recent) / rateWindow.Seconds()
	}

	return stats, nil
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
