// Package extractor provides Extractor implementations for the worker pool.
// The fixture extractor replays previously exported payloads from disk and
// is the collaborator used by dry runs and integration tests.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ekerlabs/folharvest/internal/store"
	"github.com/ekerlabs/folharvest/internal/worker"
)

// fixture is the on-disk shape of one replayable item. Fields carries the
// payload; FailTimes injects transient failures before success, and
// PermanentReason marks the item as legitimately having no data.
type fixture struct {
	Fields          map[string]string `json:"fields"`
	FailTimes       int               `json:"fail_times,omitempty"`
	PermanentReason string            `json:"permanent_reason,omitempty"`
}

// FixtureExtractor replays payloads from <dir>/<item id>.json files.
// Safe for concurrent use across workers; per-item failure injection is
// tracked per Session, so replays stay deterministic per worker.
type FixtureExtractor struct {
	dir    string
	logger *slog.Logger
}

// sessionState counts injected failures already consumed by one session
type sessionState struct {
	attempts map[string]int
}

// NewFixtureExtractor creates an extractor replaying fixtures from dir
func NewFixtureExtractor(dir string, logger *slog.Logger) (*FixtureExtractor, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("fixture directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("fixture path %q is not a directory", dir)
	}
	return &FixtureExtractor{
		dir:    dir,
		logger: logger.With("component", "extractor"),
	}, nil
}

// Authenticate marks the session ready. Replay needs no credentials, but
// the session handle carries the per-session replay state.
func (f *FixtureExtractor) Authenticate(_ context.Context, session *worker.Session) error {
	session.Handle = &sessionState{attempts: make(map[string]int)}
	session.Authenticated = true
	return nil
}

// Extract replays the fixture for itemID. A missing fixture file is a
// permanent absence, not an error: the run should complete and note it.
func (f *FixtureExtractor) Extract(ctx context.Context, session *worker.Session, itemID string) (worker.Result, error) {
	if err := ctx.Err(); err != nil {
		return worker.Result{}, err
	}
	state, ok := session.Handle.(*sessionState)
	if !ok {
		return worker.Result{}, fmt.Errorf("session %s not authenticated", session.WorkerID)
	}

	path := filepath.Join(f.dir, itemID+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return worker.Result{
			Kind:   worker.ResultPermanent,
			Reason: "no exported data for item",
		}, nil
	}
	if err != nil {
		// the extractor itself is broken, not the item
		return worker.Result{}, fmt.Errorf("failed to read fixture %s: %w", path, err)
	}

	var fix fixture
	if err := json.Unmarshal(data, &fix); err != nil {
		return worker.Result{}, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}

	if fix.PermanentReason != "" {
		return worker.Result{
			Kind:    worker.ResultPermanent,
			Payload: store.Payload(fix.Fields),
			Reason:  fix.PermanentReason,
		}, nil
	}

	state.attempts[itemID]++
	if state.attempts[itemID] <= fix.FailTimes {
		f.logger.Debug("Injected transient failure",
			"item_id", itemID, "attempt", state.attempts[itemID])
		return worker.Result{
			Kind:   worker.ResultTransient,
			Reason: fmt.Sprintf("injected failure %d of %d", state.attempts[itemID], fix.FailTimes),
		}, nil
	}

	return worker.Result{
		Kind:    worker.ResultSuccess,
		Payload: store.Payload(fix.Fields),
	}, nil
}
