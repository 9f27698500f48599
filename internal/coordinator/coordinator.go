package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ekerlabs/folharvest/internal/inbox"
	"github.com/ekerlabs/folharvest/internal/store"
	"github.com/ekerlabs/folharvest/internal/worker"
)

// Checkpoint is the slice of the store the coordinator needs on top of what
// its workers use
type Checkpoint interface {
	worker.Checkpoint
	Initialize(ctx context.Context, ids []string) (int, error)
	ReclaimStalled(ctx context.Context, timeout time.Duration) (int, error)
}

// Summary aggregates a finished run
type Summary struct {
	RunID     string
	Stats     store.Stats
	Recovered int
	Exhausted int
	Skipped   int
	Failed    int
	Reclaimed int
	Dropped   int64
	Elapsed   time.Duration
}

// Coordinator turns a flat universe of work item ids into a running pool of
// cooperating workers with stall reclamation and aggregate progress.
type Coordinator struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Collaborators
	checkpoint    Checkpoint
	extractor     worker.Extractor
	authenticator worker.Authenticator

	// Aggregates (owned by the progress loop)
	recovered int
	exhausted int
	skipped   int
	failed    int
	reclaimed int
}

// New creates a coordinator over the given checkpoint store and capabilities
func New(checkpoint Checkpoint, extractor worker.Extractor, authenticator worker.Authenticator, config Config, logger *slog.Logger) (*Coordinator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Coordinator{
		config:        config,
		logger:        logger,
		checkpoint:    checkpoint,
		extractor:     extractor,
		authenticator: authenticator,
	}, nil
}

// Run seeds the universe, launches the worker pool, and drives the reclaim
// and progress loops until extraction is quiescent or ctx is cancelled.
// Cancellation is cooperative: workers stop claiming and in-flight items
// finish naturally; whatever remains in_progress is recovered by stall
// reclamation on the next run.
func (c *Coordinator) Run(ctx context.Context, universe []string) (*Summary, error) {
	runID := uuid.NewString()
	logger := c.logger.With("run_id", runID)
	started := time.Now()

	// Idempotent on resumed runs: existing rows keep their progress
	added, err := c.checkpoint.Initialize(ctx, universe)
	if err != nil {
		return nil, err
	}

	stats, err := c.checkpoint.Stats(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("run starting",
		"universe", len(universe),
		"new_items", added,
		"pending", stats.Pending,
		"completed", stats.Completed,
		"workers", c.config.Workers)

	if stats.Done() {
		logger.Info("nothing to do, all items terminal")
		return c.summary(runID, stats, started, 0), nil
	}

	events := inbox.New[worker.Event](c.config.EventBufferSize)

	// Workers run under their own group so the reclaim/progress loops can
	// be stopped once the pool drains, not the other way around.
	workerCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()

	group, groupCtx := errgroup.WithContext(workerCtx)
	for i := 0; i < c.config.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		w, err := worker.New(workerID, c.checkpoint, c.extractor, c.authenticator, events, c.config.Worker, c.logger)
		if err != nil {
			stopAux()
			return nil, err
		}
		group.Go(func() error {
			err := w.Run(groupCtx)
			if errors.Is(err, worker.ErrAuthentication) {
				// Fatal to this worker only; the rest of the pool keeps
				// going and reclaim recovers its claimed items
				logger.Warn("worker lost to authentication failure", "worker_id", workerID)
				return nil
			}
			return err
		})
	}

	auxDone := make(chan struct{})
	go func() {
		defer close(auxDone)
		c.runAuxLoops(workerCtx, events, logger)
	}()

	runErr := group.Wait()
	stopAux()
	<-auxDone
	c.drainEvents(events)

	finalStats, statsErr := c.checkpoint.Stats(context.WithoutCancel(ctx))
	if statsErr != nil {
		finalStats = store.Stats{}
		logger.Warn("failed to read final stats", "error", statsErr)
	}

	summary := c.summary(runID, finalStats, started, events.GetStats().TotalDropped)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return summary, runErr
	}

	logger.Info("run finished",
		"elapsed", summary.Elapsed.Round(time.Second),
		"completed", finalStats.Completed,
		"failed", finalStats.Failed,
		"pending", finalStats.Pending,
		"in_progress", finalStats.InProgress,
		"recovered", summary.Recovered,
		"exhausted", summary.Exhausted,
		"reclaimed", summary.Reclaimed)
	return summary, nil
}

// runAuxLoops drives stall reclamation and progress reporting concurrently
// with the worker pool. Both are short store transactions and never block
// claim/report traffic.
func (c *Coordinator) runAuxLoops(ctx context.Context, events *inbox.Inbox[worker.Event], logger *slog.Logger) {
	reclaimTicker := time.NewTicker(c.config.StallInterval)
	defer reclaimTicker.Stop()
	progressTicker := time.NewTicker(c.config.ProgressInterval)
	defer progressTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-reclaimTicker.C:
			n, err := c.checkpoint.ReclaimStalled(ctx, c.config.StallTimeout)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("stall reclamation failed", "error", err)
				}
				continue
			}
			if n > 0 {
				// Evidence of a crashed or hung worker session
				c.reclaimed += n
				logger.Warn("reclaimed stalled items", "count", n)
			}

		case <-progressTicker.C:
			c.consumeEvents(events, logger)

			stats, err := c.checkpoint.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("progress stats failed", "error", err)
				}
				continue
			}
			logger.Info("progress",
				"pending", stats.Pending,
				"in_progress", stats.InProgress,
				"completed", stats.Completed,
				"failed", stats.Failed,
				"percent", fmt.Sprintf("%.1f", stats.PercentComplete),
				"items_per_sec", fmt.Sprintf("%.2f", stats.ItemsPerSecond))
		}
	}
}

func (c *Coordinator) consumeEvents(events *inbox.Inbox[worker.Event], logger *slog.Logger) {
	for _, ev := range events.Drain() {
		switch ev.Kind {
		case worker.EventRecovered:
			c.recovered++
			logger.Info("item recovered on retry",
				"item_id", ev.ItemID, "worker_id", ev.WorkerID, "attempts", ev.Attempts)
		case worker.EventExhausted:
			c.exhausted++
			logger.Warn("item exhausted retries",
				"item_id", ev.ItemID, "worker_id", ev.WorkerID, "note", ev.Note)
		case worker.EventSkippedPermanent:
			c.skipped++
			logger.Info("item lacks extractable data",
				"item_id", ev.ItemID, "worker_id", ev.WorkerID, "note", ev.Note)
		case worker.EventFailed:
			c.failed++
			logger.Error("item failed",
				"item_id", ev.ItemID, "worker_id", ev.WorkerID, "note", ev.Note)
		}
	}
}

func (c *Coordinator) drainEvents(events *inbox.Inbox[worker.Event]) {
	c.consumeEvents(events, c.logger)
}

func (c *Coordinator) summary(runID string, stats store.Stats, started time.Time, dropped int64) *Summary {
	return &Summary{
		RunID:     runID,
		Stats:     stats,
		Recovered: c.recovered,
		Exhausted: c.exhausted,
		Skipped:   c.skipped,
		Failed:    c.failed,
		Reclaimed: c.reclaimed,
		Dropped:   dropped,
		Elapsed:   time.Since(started),
	}
}
