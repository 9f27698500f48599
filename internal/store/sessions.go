package store

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// Worker Session Operations
// =============================================================================

// Session statuses
const (
	SessionActive   = "active"
	SessionInactive = "inactive"
)

// RegisterSession records a worker session as active. Re-registering an
// existing worker id resets its status but keeps lifetime counters.
func (s *Store) RegisterSession(ctx context.Context, workerID string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO worker_sessions (worker_id, status, last_active)
		VALUES (?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			status = excluded.status,
			last_active = excluded.last_active
	`, workerID, SessionActive, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("register session %s: %w", workerID, err)
	}
	return nil
}

// SetSessionStatus updates a worker session's status
func (s *Store) SetSessionStatus(ctx context.Context, workerID, status string) error {
	result, err := s.ExecContext(ctx, `
		UPDATE worker_sessions
		SET status = ?, last_active = ?
		WHERE worker_id = ?
	`, status, time.Now().UTC(), workerID)
	if err != nil {
		return fmt.Errorf("set session status %s: %w", workerID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementSessionCounter bumps the processed or failed counter for a worker
func (s *Store) IncrementSessionCounter(ctx context.Context, workerID string, failed bool) error {
	column := "items_processed"
	if failed {
		column = "items_failed"
	}

	_, err := s.ExecContext(ctx, fmt.Sprintf(`
		UPDATE worker_sessions
		SET %s = %s + 1, last_active = ?
		WHERE worker_id = ?
	`, column, column), time.Now().UTC(), workerID)
	if err != nil {
		return fmt.Errorf("increment session counter %s: %w", workerID, err)
	}
	return nil
}

// ListSessions retrieves all worker sessions
func (s *Store) ListSessions(ctx context.Context) ([]WorkerSession, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT worker_id, status, items_processed, items_failed, last_active
		FROM worker_sessions
		ORDER BY worker_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []WorkerSession
	for rows.Next() {
		var sess WorkerSession
		err := rows.Scan(
			&sess.WorkerID,
			&sess.Status,
			&sess.ItemsProcessed,
			&sess.ItemsFailed,
			&sess.LastActive,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if sessions == nil {
		sessions = []WorkerSession{}
	}
	return sessions, nil
}
