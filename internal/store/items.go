package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Work Item Operations
// =============================================================================

// Initialize inserts a pending work item for every id not already present.
// Idempotent: re-running with the same or a superset universe only adds the
// missing ids and never resets existing rows, which is what makes resumed
// runs pick up where they left off. Returns the number of new items.
func (s *Store) Initialize(ctx context.Context, ids []string) (int, error) {
	added := 0

	err := s.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO work_items (id, status, last_updated)
			VALUES (?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, id := range ids {
			result, err := stmt.ExecContext(ctx, id, StatusPending, now)
			if err != nil {
				return err
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return err
			}
			added += int(rows)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("initialize work items: %w", err)
	}

	return added, nil
}

// ClaimBatch atomically claims up to n pending items for the given worker.
// Selection order is ascending id so runs are reproducible. The select and
// update run in one immediate transaction; no two concurrent callers can
// claim the same item.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, n int) ([]WorkItem, error) {
	if n <= 0 {
		return nil, nil
	}

	var claimed []WorkItem

	err := s.WithTransaction(ctx, func(tx *Tx) error {
		claimed = claimed[:0]

		rows, err := tx.QueryContext(ctx, `
			SELECT id, attempt_count, payload, content_hash, note
			FROM work_items
			WHERE status = ?
			ORDER BY id ASC
			LIMIT ?
		`, StatusPending, n)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for rows.Next() {
			item := WorkItem{
				Status:      StatusInProgress,
				Owner:       &workerID,
				LastUpdated: now,
			}
			var payload, hash, note sql.NullString
			if err := rows.Scan(&item.ID, &item.AttemptCount, &payload, &hash, &note); err != nil {
				rows.Close()
				return err
			}
			if payload.Valid && payload.String != "" {
				if err := json.Unmarshal([]byte(payload.String), &item.Payload); err != nil {
					rows.Close()
					return fmt.Errorf("decode payload for %s: %w", item.ID, err)
				}
			}
			item.ContentHash = hash.String
			item.Note = note.String
			claimed = append(claimed, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if len(claimed) == 0 {
			return nil
		}

		placeholders := make([]string, len(claimed))
		args := []any{StatusInProgress, workerID, now}
		for i, item := range claimed {
			placeholders[i] = "?"
			args = append(args, item.ID)
		}
		args = append(args, StatusPending)

		result, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE work_items
			SET status = ?, owner = ?, last_updated = ?
			WHERE id IN (%s) AND status = ?
		`, strings.Join(placeholders, ", ")), args...)
		if err != nil {
			return err
		}

		updated, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if int(updated) != len(claimed) {
			// Cannot happen inside a single writer transaction
			return fmt.Errorf("claim race: selected %d, updated %d", len(claimed), updated)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch for %s: %w", workerID, err)
	}

	return claimed, nil
}

// Report writes the terminal outcome for a claimed item and clears its owner.
// The update is guarded by ownership: a worker reporting an item it no longer
// owns (reclaimed after a stall, possibly re-claimed by another worker) gets
// ErrUnknownItem and the newer attempt's state is left untouched.
func (s *Store) Report(ctx context.Context, workerID, id string, outcome Outcome) error {
	if outcome.Status != StatusCompleted && outcome.Status != StatusFailed {
		return fmt.Errorf("report %s: invalid terminal status %q", id, outcome.Status)
	}

	err := s.WithTransaction(ctx, func(tx *Tx) error {
		var result sql.Result
		var err error

		if outcome.Status == StatusCompleted {
			data, merr := json.Marshal(orEmpty(outcome.Payload))
			if merr != nil {
				return fmt.Errorf("encode payload for %s: %w", id, merr)
			}
			contentHash := outcome.Payload.Hash()

			result, err = tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = ?,
				    owner = NULL,
				    payload = ?,
				    content_hash = ?,
				    changed_flag = CASE
				        WHEN content_hash IS NOT NULL AND content_hash <> '' AND content_hash <> ? THEN 1
				        ELSE 0
				    END,
				    note = ?,
				    attempt_count = MIN(attempt_count + ?, ?),
				    last_updated = ?
				WHERE id = ? AND status = ? AND owner = ?
			`,
				StatusCompleted,
				string(data),
				contentHash,
				contentHash,
				outcome.Note,
				outcome.Attempts,
				s.maxAttempts,
				time.Now().UTC(),
				id,
				StatusInProgress,
				workerID,
			)
		} else {
			// Capability-level failure: keep whatever payload and hash a
			// previous run produced, record the note.
			result, err = tx.ExecContext(ctx, `
				UPDATE work_items
				SET status = ?,
				    owner = NULL,
				    note = ?,
				    attempt_count = MIN(attempt_count + ?, ?),
				    last_updated = ?
				WHERE id = ? AND status = ? AND owner = ?
			`,
				StatusFailed,
				outcome.Note,
				outcome.Attempts,
				s.maxAttempts,
				time.Now().UTC(),
				id,
				StatusInProgress,
				workerID,
			)
		}
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrUnknownItem
		}
		return nil
	})
	if err != nil {
		if IsUnknownItem(err) {
			return fmt.Errorf("report %s by %s: %w", id, workerID, ErrUnknownItem)
		}
		return fmt.Errorf("report %s: %w", id, err)
	}

	return nil
}

// Touch renews the claim timestamp for an in-flight item so a long-running
// extraction is not falsely reclaimed mid-attempt. Returns ErrUnknownItem if
// the caller no longer owns the item.
func (s *Store) Touch(ctx context.Context, workerID, id string) error {
	err := s.WithTransaction(ctx, func(tx *Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET last_updated = ?
			WHERE id = ? AND status = ? AND owner = ?
		`, time.Now().UTC(), id, StatusInProgress, workerID)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrUnknownItem
		}
		return nil
	})
	if err != nil {
		if IsUnknownItem(err) {
			return fmt.Errorf("touch %s by %s: %w", id, workerID, ErrUnknownItem)
		}
		return fmt.Errorf("touch %s: %w", id, err)
	}
	return nil
}

// ReclaimStalled resets in_progress items whose last_updated precedes the
// timeout cutoff back to pending with owner cleared. attempt_count is
// preserved. The cutoff is evaluated inside the reclaim transaction, so a
// report racing the reclaim wins if it landed a newer timestamp first.
func (s *Store) ReclaimStalled(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	reclaimed := 0

	err := s.WithTransaction(ctx, func(tx *Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = ?, owner = NULL, last_updated = ?
			WHERE status = ? AND last_updated < ?
		`, StatusPending, time.Now().UTC(), StatusInProgress, cutoff)
		if err != nil {
			return err
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		reclaimed = int(rows)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled: %w", err)
	}

	return reclaimed, nil
}

// GetItem retrieves a single work item by id
func (s *Store) GetItem(ctx context.Context, id string) (*WorkItem, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, status, owner, attempt_count, payload, content_hash, changed_flag, note, last_updated
		FROM work_items
		WHERE id = ?
	`, id)

	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Snapshot returns the full current mapping of id → work item.
// Used by the diff-sync engine and for resume verification.
func (s *Store) Snapshot(ctx context.Context) (map[string]WorkItem, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT id, status, owner, attempt_count, payload, content_hash, changed_flag, note, last_updated
		FROM work_items
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	snapshot := make(map[string]WorkItem)
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		snapshot[item.ID] = *item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	return snapshot, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	item := &WorkItem{}
	var owner, payload, hash, note sql.NullString
	var changed int

	err := row.Scan(
		&item.ID,
		&item.Status,
		&owner,
		&item.AttemptCount,
		&payload,
		&hash,
		&changed,
		&note,
		&item.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	if owner.Valid {
		item.Owner = &owner.String
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &item.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", item.ID, err)
		}
	}
	item.ContentHash = hash.String
	item.Changed = changed != 0
	item.Note = note.String

	return item, nil
}

func orEmpty(p Payload) Payload {
	if p == nil {
		return Payload{}
	}
	return p
}
