package worker_test

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

	"github.com/ekerlabs/folharvest/internal/inbox"
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

// fastConfig keeps retry waits negligible so tests stay quick
func fastConfig() worker.Config {
	return worker.Config{
		BatchSize:        5,
		IdleWait:         5 * time.Millisecond,
		RetryInitialWait: time.Millisecond,
		RetryMaxWait:     2 * time.Millisecond,
	}
}

func runWorker(t *testing.T, st *store.Store, ext worker.Extractor, auth worker.Authenticator, events *inbox.Inbox[worker.Event]) error {
	t.Helper()

	w, err := worker.New("w1", st, ext, auth, events, fastConfig(), createTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Run(ctx)
}

func eventKinds(events *inbox.Inbox[worker.Event]) map[worker.EventKind]int {
	kinds := make(map[worker.EventKind]int)
	for _, ev := range events.Drain() {
		kinds[ev.Kind]++
	}
	return kinds
}

// ==============================================================================
// Retry Machine
// ==============================================================================

func TestWorker_SuccessFirstAttempt(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	ext.Script("i-1", worker.Result{
		Kind:    worker.ResultSuccess,
		Payload: store.Payload{"fol_id": "i-1", "au": "4"},
	})
	events := inbox.New[worker.Event](16)

	require.NoError(t, runWorker(t, st, ext, &testutil.StubAuthenticator{}, events))

	item, err := st.GetItem(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, item.Status)
	assert.Equal(t, 1, item.AttemptCount)
	assert.Empty(t, item.Note)
	assert.Equal(t, 1, ext.Calls("i-1"))

	kinds := eventKinds(events)
	assert.Equal(t, 1, kinds[worker.EventCompleted])
}

func TestWorker_TransientThenSuccess(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	ext.Script("i-1",
		worker.Result{Kind: worker.ResultTransient, Reason: "timeout waiting for content"},
		worker.Result{Kind: worker.ResultTransient, Reason: "timeout waiting for content"},
		worker.Result{Kind: worker.ResultSuccess, Payload: store.Payload{"fol_id": "i-1"}},
	)
	events := inbox.New[worker.Event](16)

	require.NoError(t, runWorker(t, st, ext, &testutil.StubAuthenticator{}, events))

	item, err := st.GetItem(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, item.Status)
	assert.Equal(t, 3, item.AttemptCount)
	assert.Contains(t, item.Note, "recovered on retry (attempt 3)")
	assert.Equal(t, 3, ext.Calls("i-1"))

	kinds := eventKinds(events)
	assert.Equal(t, 1, kinds[worker.EventRecovered])
}

func TestWorker_PermanentNotRetried(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	ext.Script("i-1", worker.Result{
		Kind:    worker.ResultPermanent,
		Payload: store.Payload{"fol_id": "i-1"},
		Reason:  "record has no connection data",
	})
	events := inbox.New[worker.Event](16)

	require.NoError(t, runWorker(t, st, ext, &testutil.StubAuthenticator{}, events))

	item, err := st.GetItem(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, item.Status, "permanent absence is a completed outcome")
	assert.Equal(t, 1, item.AttemptCount)
	assert.Equal(t, "record has no connection data", item.Note)
	assert.Equal(t, 1, ext.Calls("i-1"), "permanent results must not be retried")

	kinds := eventKinds(events)
	assert.Equal(t, 1, kinds[worker.EventSkippedPermanent])
}

func TestWorker_ExhaustedRetriesKeepsPartial(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	ext.Script("i-1",
		worker.Result{Kind: worker.ResultTransient, Reason: "slow page", Payload: store.Payload{"fol_id": "i-1"}},
		worker.Result{Kind: worker.ResultTransient, Reason: "slow page", Payload: store.Payload{"au": "4"}},
		worker.Result{Kind: worker.ResultTransient, Reason: "slow page"},
	)
	events := inbox.New[worker.Event](16)

	require.NoError(t, runWorker(t, st, ext, &testutil.StubAuthenticator{}, events))

	item, err := st.GetItem(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, item.Status, "exhaustion completes with whatever was gathered")
	assert.Equal(t, 3, item.AttemptCount)
	assert.Contains(t, item.Note, "gave up after 3 attempts")
	assert.Equal(t, store.Payload{"fol_id": "i-1", "au": "4"}, item.Payload)
	assert.Equal(t, 3, ext.Calls("i-1"))

	kinds := eventKinds(events)
	assert.Equal(t, 1, kinds[worker.EventExhausted])
}

func TestWorker_BudgetSpansClaims(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	// a previous claim already burned two attempts
	_, err = st.Exec(`UPDATE work_items SET attempt_count = 2 WHERE id = 'i-1'`)
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	ext.Script("i-1", worker.Result{Kind: worker.ResultTransient, Reason: "still failing"})
	events := inbox.New[worker.Event](16)

	require.NoError(t, runWorker(t, st, ext, &testutil.StubAuthenticator{}, events))

	item, err := st.GetItem(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ext.Calls("i-1"), "only one attempt remains in the budget")
	assert.Equal(t, 3, item.AttemptCount)
	assert.Contains(t, item.Note, "gave up after 1 attempts")
}

// ==============================================================================
// Capability Failures and Authentication
// ==============================================================================

func TestWorker_CapabilityFailure(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	ext.FailWith("i-1", fmt.Errorf("browser context lost"))
	events := inbox.New[worker.Event](16)

	err = runWorker(t, st, ext, &testutil.StubAuthenticator{}, events)
	require.Error(t, err)

	item, gerr := st.GetItem(ctx, "i-1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, item.Status)
	assert.Contains(t, item.Note, "browser context lost")

	sessions, serr := st.ListSessions(ctx)
	require.NoError(t, serr)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].ItemsFailed)

	kinds := eventKinds(events)
	assert.Equal(t, 1, kinds[worker.EventFailed])
}

func TestWorker_AuthenticationFailure(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	auth := &testutil.StubAuthenticator{Err: fmt.Errorf("second factor rejected")}

	err = runWorker(t, st, ext, auth, nil)
	require.ErrorIs(t, err, worker.ErrAuthentication)
	assert.Zero(t, ext.Calls("i-1"), "no extraction without a session")

	// the claimed item stays in_progress until stall reclamation
	item, gerr := st.GetItem(ctx, "i-1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusInProgress, item.Status)
}

func TestWorker_AuthenticationLazy(t *testing.T) {
	st := setupTestStore(t, 3)

	// empty universe: the worker should finish without authenticating
	ext := testutil.NewScriptedExtractor()
	auth := &testutil.StubAuthenticator{}

	require.NoError(t, runWorker(t, st, ext, auth, nil))
	assert.Zero(t, auth.AuthCalls(), "authentication must wait for actual work")
}

func TestWorker_MarksSessionInactive(t *testing.T) {
	st := setupTestStore(t, 3)
	ctx := context.Background()
	_, err := st.Initialize(ctx, []string{"i-1"})
	require.NoError(t, err)

	ext := testutil.NewScriptedExtractor()
	require.NoError(t, runWorker(t, st, ext, &testutil.StubAuthenticator{}, nil))

	sessions, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, store.SessionInactive, sessions[0].Status)
	assert.Equal(t, 1, sessions[0].ItemsProcessed)
}

// ==============================================================================
// Cancellation
// ==============================================================================

func TestWorker_CancellationLeavesItemForReclaim(t *testing.T) {
	st := setupTestStore(t, 3)
	bg := context.Background()
	_, err := st.Initialize(bg, []string{"i-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	ext := testutil.NewScriptedExtractor()
	// cancel during the first attempt's retry wait
	ext.Script("i-1", worker.Result{Kind: worker.ResultTransient, Reason: "slow"})

	w, err := worker.New("w1", st, ext, &testutil.StubAuthenticator{}, nil, worker.Config{
		BatchSize:        5,
		IdleWait:         5 * time.Millisecond,
		RetryInitialWait: 10 * time.Second, // long enough to cancel into
		RetryMaxWait:     10 * time.Second,
	}, createTestLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// wait for the first attempt, then cancel
	require.Eventually(t, func() bool { return ext.Calls("i-1") >= 1 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "cancellation is a clean stop, not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}

	item, err := st.GetItem(bg, "i-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, item.Status, "no partial outcome is recorded on cancellation")
}
