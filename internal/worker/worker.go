package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ekerlabs/folharvest/internal/inbox"
	"github.com/ekerlabs/folharvest/internal/store"
)

// Worker is one extraction loop bound to a single collaborator session.
// It claims batches from the checkpoint store, drives the per-item retry
// machine, and reports terminal outcomes back.
type Worker struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Collaborators
	checkpoint    Checkpoint
	extractor     Extractor
	authenticator Authenticator

	// State
	session *Session
	events  *inbox.Inbox[Event]
}

// New creates a worker bound to a fresh session for the given worker id
func New(workerID string, checkpoint Checkpoint, extractor Extractor, authenticator Authenticator, events *inbox.Inbox[Event], config Config, logger *slog.Logger) (*Worker, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &Worker{
		config:        config,
		logger:        logger.With("worker_id", workerID),
		checkpoint:    checkpoint,
		extractor:     extractor,
		authenticator: authenticator,
		session: &Session{
			WorkerID: workerID,
		},
		events: events,
	}, nil
}

// ID returns the worker's stable identifier
func (w *Worker) ID() string {
	return w.session.WorkerID
}

// Run executes the claim→extract→report loop until no claimable work remains
// globally or the context is cancelled. Authentication failure ends this
// worker only; its claimed items return to the pool via stall reclamation.
func (w *Worker) Run(ctx context.Context) error {
	workerID := w.session.WorkerID

	if err := w.checkpoint.RegisterSession(ctx, workerID); err != nil {
		return err
	}
	defer func() {
		// Best effort; the run may already be shutting down
		if err := w.checkpoint.SetSessionStatus(context.WithoutCancel(ctx), workerID, store.SessionInactive); err != nil {
			w.logger.Warn("failed to mark session inactive", "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("cancellation requested, stopping claims")
			return nil
		}

		batch, err := w.checkpoint.ClaimBatch(ctx, workerID, w.config.BatchSize)
		if err != nil {
			return fmt.Errorf("worker %s: %w", workerID, err)
		}

		if len(batch) == 0 {
			stats, err := w.checkpoint.Stats(ctx)
			if err != nil {
				return fmt.Errorf("worker %s: %w", workerID, err)
			}
			if stats.InProgress == 0 {
				w.logger.Info("no claimable work remains, worker done")
				return nil
			}
			// Another worker may stall; its items would become claimable
			w.logger.Debug("no pending work, waiting for in-progress items",
				"in_progress", stats.InProgress)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.config.IdleWait):
			}
			continue
		}

		if !w.session.Authenticated {
			if err := w.authenticator.Authenticate(ctx, w.session); err != nil {
				w.logger.Error("authentication failed, worker exiting",
					"error", err, "claimed", len(batch))
				return fmt.Errorf("worker %s: %w: %v", workerID, ErrAuthentication, err)
			}
			w.session.Authenticated = true
		}

		w.logger.Debug("claimed batch", "count", len(batch))

		for _, item := range batch {
			if err := w.processItem(ctx, item); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return fmt.Errorf("worker %s: %w", workerID, err)
			}
		}
	}
}

// processItem drives one item through the retry machine and reports its
// terminal outcome. Returns a non-nil error only for capability-level
// failures that make the session unusable, or for cancellation.
func (w *Worker) processItem(ctx context.Context, item store.WorkItem) error {
	workerID := w.session.WorkerID

	outcome, state, err := w.extractWithRetries(ctx, item)
	if err != nil {
		if errors.Is(err, errReclaimed) {
			// A newer attempt owns this item now; drop ours silently
			w.logger.Warn("item reclaimed mid-attempt, discarding result", "item_id", item.ID)
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Leave the item in_progress; stall reclamation recovers it
			// on resume rather than recording a half-finished outcome.
			w.logger.Info("cancelled mid-item, leaving for reclaim", "item_id", item.ID)
			return err
		}

		// Session is unusable: record the failure, then surface the error
		w.logger.Error("capability failure", "item_id", item.ID, "error", err)
		reportErr := w.checkpoint.Report(ctx, workerID, item.ID, store.Outcome{
			Status:   store.StatusFailed,
			Note:     err.Error(),
			Attempts: 1,
		})
		if reportErr != nil && !store.IsUnknownItem(reportErr) {
			return reportErr
		}
		if cerr := w.checkpoint.IncrementSessionCounter(ctx, workerID, true); cerr != nil {
			w.logger.Warn("failed to bump session counter", "error", cerr)
		}
		w.emit(item.ID, EventFailed, 1, err.Error())
		return err
	}

	if err := w.checkpoint.Report(ctx, workerID, item.ID, outcome); err != nil {
		if store.IsUnknownItem(err) {
			// A zombie write after reclamation must never overwrite the
			// newer attempt's result
			w.logger.Warn("stale report rejected", "item_id", item.ID)
			return nil
		}
		return err
	}

	if cerr := w.checkpoint.IncrementSessionCounter(ctx, workerID, false); cerr != nil {
		w.logger.Warn("failed to bump session counter", "error", cerr)
	}

	switch state {
	case ItemSucceeded:
		if outcome.Attempts > 1 {
			w.emit(item.ID, EventRecovered, outcome.Attempts, outcome.Note)
		} else {
			w.emit(item.ID, EventCompleted, outcome.Attempts, "")
		}
	case ItemPermanentlyFailed:
		w.emit(item.ID, EventSkippedPermanent, outcome.Attempts, outcome.Note)
	case ItemExhaustedRetries:
		w.emit(item.ID, EventExhausted, outcome.Attempts, outcome.Note)
	}

	return nil
}

// extractWithRetries runs the NotStarted → Attempting → terminal machine for
// one item. Attempts are bounded by the store's max_attempts minus whatever
// earlier claims already consumed; an item arriving at the bound gets exactly
// one final attempt whose outcome is accepted regardless.
func (w *Worker) extractWithRetries(ctx context.Context, item store.WorkItem) (store.Outcome, ItemState, error) {
	workerID := w.session.WorkerID

	budget := w.checkpoint.MaxAttempts() - item.AttemptCount
	if budget < 1 {
		budget = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.config.RetryInitialWait
	policy.MaxInterval = w.config.RetryMaxWait

	w.session.CurrentItem = item.ID
	defer func() { w.session.CurrentItem = "" }()

	attempts := 0
	lastReason := ""
	partial := item.Payload

	for {
		attempts++

		result, err := w.extractor.Extract(ctx, w.session, item.ID)
		if err != nil {
			return store.Outcome{}, ItemAttempting, err
		}

		switch result.Kind {
		case ResultSuccess:
			note := ""
			if attempts > 1 {
				note = fmt.Sprintf("recovered on retry (attempt %d): %s", attempts, lastReason)
			}
			return store.Outcome{
				Status:   store.StatusCompleted,
				Payload:  result.Payload,
				Note:     note,
				Attempts: attempts,
			}, ItemSucceeded, nil

		case ResultPermanent:
			// Expected structural absence: record what exists, never retry
			return store.Outcome{
				Status:   store.StatusCompleted,
				Payload:  mergePayload(partial, result.Payload),
				Note:     result.Reason,
				Attempts: attempts,
			}, ItemPermanentlyFailed, nil

		case ResultTransient:
			lastReason = result.Reason
			partial = mergePayload(partial, result.Payload)

			if attempts >= budget {
				// Partial data is preserved rather than discarded
				return store.Outcome{
					Status:   store.StatusCompleted,
					Payload:  partial,
					Note:     fmt.Sprintf("gave up after %d attempts: %s", attempts, lastReason),
					Attempts: attempts,
				}, ItemExhaustedRetries, nil
			}

			// Renew the claim so a slow retry sequence is not mistaken
			// for a stall
			if err := w.checkpoint.Touch(ctx, workerID, item.ID); err != nil {
				if store.IsUnknownItem(err) {
					return store.Outcome{}, ItemAttempting, errReclaimed
				}
				return store.Outcome{}, ItemAttempting, err
			}

			w.logger.Debug("transient failure, retrying",
				"item_id", item.ID, "attempt", attempts, "reason", result.Reason)

			select {
			case <-ctx.Done():
				return store.Outcome{}, ItemAttempting, ctx.Err()
			case <-time.After(policy.NextBackOff()):
			}

		default:
			return store.Outcome{}, ItemAttempting, fmt.Errorf("extractor returned unknown result kind %d", result.Kind)
		}
	}
}

func (w *Worker) emit(itemID string, kind EventKind, attempts int, note string) {
	if w.events == nil {
		return
	}
	w.events.TrySend(Event{
		WorkerID: w.session.WorkerID,
		ItemID:   itemID,
		Kind:     kind,
		Attempts: attempts,
		Note:     note,
		At:       time.Now(),
	})
}

func mergePayload(base, extra store.Payload) store.Payload {
	if len(extra) == 0 {
		return base
	}
	merged := make(store.Payload, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
