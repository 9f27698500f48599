package coordinator_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekerlabs/folharvest/internal/coordinator"
	"github.com/ekerlabs/folharvest/internal/store"
	"github.com/ekerlabs/folharvest/internal/testutil"
	"github.com/ekerlabs/folharvest/internal/worker"
	"github.com/ekerlabs/folharvest/tools/migrator"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Reduce noise in tests
	}))
}

func setupTestStore(t *testing.T, maxAttempts int) *store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "checkpoint.db")
	st, err := store.Open(path, maxAttempts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, migrator.RunMigrations(st.DB, filepath.Join("..", "..", "migrations")))
	return st
}

func fastConfig(workers int) coordinator.Config {
	return coordinator.Config{
		Workers:          workers,
		StallTimeout:     time.Minute,
		StallInterval:    10 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
		EventBufferSize:  64,
		Worker: worker.Config{
			BatchSize:        2,
			IdleWait:         5 * time.Millisecond,
			RetryInitialWait: time.Millisecond,
			RetryMaxWait:     2 * time.Millisecond,
		},
	}
}

func runPool(t *testing.T, st *store.Store, ext worker.Extractor, auth worker.Authenticator, workers int, universe []string) (*coordinator.Summary, error) {
	t.Helper()

	coord, err := coordinator.New(st, ext, auth, fastConfig(workers), createTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return coord.Run(ctx, universe)
}

func universe(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("item-%03d", i)
	}
	return ids
}

// ==============================================================================
// Pool Runs
// ==============================================================================

func TestRun_AllItemsComplete(t *testing.T) {
	st := setupTestStore(t, 3)
	ext := testutil.NewScriptedExtractor()

	summary, err := runPool(t, st, ext, &testutil.StubAuthenticator{}, 2, universe(5))
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Stats.Completed)
	assert.Zero(t, summary.Stats.Pending)
	assert.Zero(t, summary.Stats.InProgress)
	assert.True(t, summary.Stats.Done())
	assert.NotEmpty(t, summary.RunID)
}

func TestRun_NoDoubleProcessing(t *testing.T) {
	st := setupTestStore(t, 3)
	ext := testutil.NewScriptedExtractor()
	ids := universe(20)

	_, err := runPool(t, st, ext, &testutil.StubAuthenticator{}, 4, ids)
	require.NoError(t, err)

	for _, id := range ids {
		assert.Equal(t, 1, ext.Calls(id), "item %s processed more than once", id)
	}
}

func TestRun_MixedOutcomes(t *testing.T) {
	st := setupTestStore(t, 3)
	ext := testutil.NewScriptedExtractor()
	ext.Script("item-001",
		worker.Result{Kind: worker.ResultTransient, Reason: "timeout"},
		worker.Result{Kind: worker.ResultSuccess, Payload: store.Payload{"fol_id": "item-001"}},
	)
	ext.Script("item-002", worker.Result{Kind: worker.ResultPermanent, Reason: "no data"})
	ext.Script("item-003", worker.Result{Kind: worker.ResultTransient, Reason: "always failing"})

	summary, err := runPool(t, st, ext, &testutil.StubAuthenticator{}, 2, universe(5))
	require.NoError(t, err)

	// every terminal path lands as completed in the store
	assert.Equal(t, 5, summary.Stats.Completed)
	assert.True(t, summary.Stats.Done())
	assert.Equal(t, 1, summary.Recovered)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 1, summary.Exhausted)

	exhausted, err := st.GetItem(context.Background(), "item-003")
	require.NoError(t, err)
	assert.Equal(t, 3, exhausted.AttemptCount)
	assert.Contains(t, exhausted.Note, "gave up after 3 attempts")
}

// ==============================================================================
// Resume and Idempotence
// ==============================================================================

func TestRun_ResumeSkipsCompleted(t *testing.T) {
	st := setupTestStore(t, 3)
	ids := universe(5)

	first := testutil.NewScriptedExtractor()
	_, err := runPool(t, st, first, &testutil.StubAuthenticator{}, 2, ids)
	require.NoError(t, err)

	// second run with the same universe must touch nothing
	second := testutil.NewScriptedExtractor()
	summary, err := runPool(t, st, second, &testutil.StubAuthenticator{}, 2, ids)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Stats.Completed)
	for _, id := range ids {
		assert.Zero(t, second.Calls(id), "completed item %s must not be re-extracted", id)
	}
}

func TestRun_ResumeProcessesOnlyNewItems(t *testing.T) {
	st := setupTestStore(t, 3)

	first := testutil.NewScriptedExtractor()
	_, err := runPool(t, st, first, &testutil.StubAuthenticator{}, 2, universe(3))
	require.NoError(t, err)

	second := testutil.NewScriptedExtractor()
	summary, err := runPool(t, st, second, &testutil.StubAuthenticator{}, 2, universe(5))
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Stats.Completed)
	assert.Zero(t, second.Calls("item-000"))
	assert.Equal(t, 1, second.Calls("item-003"))
	assert.Equal(t, 1, second.Calls("item-004"))
}

func TestRun_NothingToDo(t *testing.T) {
	st := setupTestStore(t, 3)
	ids := universe(2)

	ext := testutil.NewScriptedExtractor()
	_, err := runPool(t, st, ext, &testutil.StubAuthenticator{}, 1, ids)
	require.NoError(t, err)

	auth := &testutil.StubAuthenticator{}
	summary, err := runPool(t, st, testutil.NewScriptedExtractor(), auth, 1, ids)
	require.NoError(t, err)
	assert.True(t, summary.Stats.Done())
	assert.Zero(t, auth.AuthCalls(), "a finished run must not open sessions")
}

// ==============================================================================
// Stall Recovery
// ==============================================================================

func TestRun_ReclaimsStalledItems(t *testing.T) {
	st := setupTestStore(t, 3)
	bg := context.Background()
	ids := universe(3)

	// simulate a crashed run: one item left in_progress long ago
	_, err := st.Initialize(bg, ids)
	require.NoError(t, err)
	claimed, err := st.ClaimBatch(bg, "dead-worker", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = st.Exec(
		`UPDATE work_items SET last_updated = ? WHERE id = ?`,
		time.Now().UTC().Add(-2*time.Hour), claimed[0].ID,
	)
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	cfg := fastConfig(2)
	cfg.StallTimeout = 30 * time.Minute

	coord, err := coordinator.New(st, ext, &testutil.StubAuthenticator{}, cfg, createTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(bg, 30*time.Second)
	defer cancel()
	summary, err := coord.Run(ctx, ids)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Stats.Completed)
	assert.GreaterOrEqual(t, summary.Reclaimed, 1)
	assert.Equal(t, 1, ext.Calls(claimed[0].ID), "reclaimed item must be processed exactly once")
}

// ==============================================================================
// Failure Isolation
// ==============================================================================

func TestRun_AuthFailureDoesNotAbortRun(t *testing.T) {
	st := setupTestStore(t, 3)

	// all workers share the failing authenticator, so the pool drains
	// without processing; the run still ends cleanly
	auth := &testutil.StubAuthenticator{Err: fmt.Errorf("credentials expired")}
	summary, err := runPool(t, st, testutil.NewScriptedExtractor(), auth, 2, universe(3))
	require.NoError(t, err, "authentication failures are per-worker, not run-fatal")
	assert.False(t, summary.Stats.Done())
}

func TestRun_InvalidConfig(t *testing.T) {
	st := setupTestStore(t, 3)

	cfg := fastConfig(0)
	_, err := coordinator.New(st, testutil.NewScriptedExtractor(), &testutil.StubAuthenticator{}, cfg, createTestLogger())
	require.Error(t, err)
}
