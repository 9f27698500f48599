// Package testutil provides scripted collaborator and target fakes shared
// by the worker, coordinator, and syncer tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/ekerlabs/folharvest/internal/store"
	"github.com/ekerlabs/folharvest/internal/syncer"
	"github.com/ekerlabs/folharvest/internal/worker"
)

// ScriptedExtractor returns pre-programmed results per item, in order.
// Once an item's script is exhausted its last entry repeats. Items without
// a script succeed with a minimal payload.
type ScriptedExtractor struct {
	mu      sync.Mutex
	scripts map[string][]worker.Result
	errs    map[string]error
	calls   map[string]int
}

func NewScriptedExtractor() *ScriptedExtractor {
	return &ScriptedExtractor{
		scripts: make(map[string][]worker.Result),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

// Script sets the ordered attempt results for an item
func (s *ScriptedExtractor) Script(itemID string, results ...worker.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[itemID] = results
}

// FailWith makes every attempt for the item return a capability error
func (s *ScriptedExtractor) FailWith(itemID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[itemID] = err
}

// Calls returns how many attempts the item received
func (s *ScriptedExtractor) Calls(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[itemID]
}

func (s *ScriptedExtractor) Extract(ctx context.Context, session *worker.Session, itemID string) (worker.Result, error) {
	if err := ctx.Err(); err != nil {
		return worker.Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[itemID]++

	if err, ok := s.errs[itemID]; ok {
		return worker.Result{}, err
	}

	script, ok := s.scripts[itemID]
	if !ok || len(script) == 0 {
		return worker.Result{
			Kind:    worker.ResultSuccess,
			Payload: store.Payload{"fol_id": itemID},
		}, nil
	}

	idx := s.calls[itemID] - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return script[idx], nil
}

// StubAuthenticator marks sessions authenticated, optionally failing first
type StubAuthenticator struct {
	mu    sync.Mutex
	Err   error
	count int
}

func (a *StubAuthenticator) Authenticate(_ context.Context, session *worker.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	if a.Err != nil {
		return a.Err
	}
	session.Authenticated = true
	return nil
}

// AuthCalls returns how many times Authenticate ran
func (a *StubAuthenticator) AuthCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// FakeTarget is an in-memory syncer.Target. Batches that contain an entity
// listed in FailEntities fail at the batch level, exercising the per-record
// fallback; the entity then fails individually too.
type FakeTarget struct {
	mu           sync.Mutex
	Records      map[string]syncer.TargetRecord
	FailEntities map[string]bool
	FetchErr     error

	applied []syncer.Update
	batches int
}

func NewFakeTarget() *FakeTarget {
	return &FakeTarget{
		Records:      make(map[string]syncer.TargetRecord),
		FailEntities: make(map[string]bool),
	}
}

// Seed adds a target record keyed by entity id
func (t *FakeTarget) Seed(entityID, recordID string, fields map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Records[entityID] = syncer.TargetRecord{RecordID: recordID, Fields: fields}
}

func (t *FakeTarget) FetchSnapshot(ctx context.Context) (map[string]syncer.TargetRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FetchErr != nil {
		return nil, t.FetchErr
	}
	out := make(map[string]syncer.TargetRecord, len(t.Records))
	for k, v := range t.Records {
		out[k] = v
	}
	return out, nil
}

func (t *FakeTarget) ApplyBatch(ctx context.Context, updates []syncer.Update) ([]syncer.ApplyResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches++

	for _, u := range updates {
		if t.FailEntities[u.EntityID] {
			if len(updates) > 1 {
				return nil, fmt.Errorf("record %s rejected", u.EntityID)
			}
			return []syncer.ApplyResult{{EntityID: u.EntityID, Err: fmt.Errorf("record rejected")}}, nil
		}
	}

	results := make([]syncer.ApplyResult, 0, len(updates))
	for _, u := range updates {
		rec := t.Records[u.EntityID]
		if rec.Fields == nil {
			rec.Fields = make(map[string]any)
		}
		for name, val := range u.Fields {
			rec.Fields[name] = val
		}
		t.Records[u.EntityID] = rec
		t.applied = append(t.applied, u)
		results = append(results, syncer.ApplyResult{EntityID: u.EntityID})
	}
	return results, nil
}

// Applied returns every update written so far
func (t *FakeTarget) Applied() []syncer.Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]syncer.Update, len(t.applied))
	copy(out, t.applied)
	return out
}

// Batches returns how many ApplyBatch calls were made
func (t *FakeTarget) Batches() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batches
}
