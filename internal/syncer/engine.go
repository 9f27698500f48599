package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ==========================================
// Diff-Sync Engine
// ==========================================

// SourceItem is one completed extraction result offered to the sync engine
type SourceItem struct {
	EntityID string
	Payload  map[string]string
}

// Engine computes field-level diffs between extracted payloads and the
// external system of record and applies them in batches
type Engine struct {
	target Target
	config Config
	logger *slog.Logger
}

// New creates a sync engine against the given target
func New(target Target, config Config, logger *slog.Logger) (*Engine, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	return &Engine{
		target: target,
		config: config,
		logger: logger.With("component", "syncer"),
	}, nil
}

// Run fetches the target snapshot, diffs it against the source items, and
// unless reportOnly is set applies the differences in batches. The returned
// summary and diffs are complete even when apply partially fails.
func (e *Engine) Run(ctx context.Context, items []SourceItem, reportOnly bool) (*Summary, []DiffRecord, error) {
	start := time.Now()
	summary := &Summary{
		RunID:    uuid.NewString(),
		Failures: make(map[string]string),
	}

	snapshot, err := e.target.FetchSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch target snapshot: %w", err)
	}
	e.logger.Info("Fetched target snapshot",
		"run_id", summary.RunID,
		"target_records", len(snapshot),
		"source_items", len(items),
	)

	diffs := e.diff(items, snapshot, summary)
	summary.Changed = len(diffs)

	if reportOnly {
		e.logger.Info("Report-only run, skipping apply", "run_id", summary.RunID, "changed", summary.Changed)
		summary.Elapsed = time.Since(start)
		return summary, diffs, nil
	}

	if err := e.apply(ctx, diffs, summary); err != nil {
		summary.Elapsed = time.Since(start)
		return summary, diffs, err
	}

	summary.Elapsed = time.Since(start)
	e.logger.Info("Sync run finished",
		"run_id", summary.RunID,
		"matched", summary.Matched,
		"changed", summary.Changed,
		"applied", summary.Applied,
		"failed", summary.Failed,
		"elapsed", summary.Elapsed,
	)
	return summary, diffs, nil
}

// diff compares every source item against its matching target record and
// returns only the records with at least one differing field. Pure
// computation, no I/O.
func (e *Engine) diff(items []SourceItem, snapshot map[string]TargetRecord, summary *Summary) []DiffRecord {
	matched := make(map[string]bool, len(items))
	var diffs []DiffRecord

	for _, item := range items {
		record, ok := snapshot[item.EntityID]
		if !ok {
			summary.MissingInTarget = append(summary.MissingInTarget, item.EntityID)
			continue
		}
		matched[item.EntityID] = true
		summary.Matched++

		d := e.diffRecord(item, record, summary)
		if d.Empty() {
			summary.Unchanged++
			continue
		}
		diffs = append(diffs, d)
	}

	for entityID := range snapshot {
		if !matched[entityID] {
			summary.MissingInSource = append(summary.MissingInSource, entityID)
		}
	}
	sort.Strings(summary.MissingInTarget)
	sort.Strings(summary.MissingInSource)
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].EntityID < diffs[j].EntityID })

	return diffs
}

// diffRecord applies the field rule table to one source/target pair
func (e *Engine) diffRecord(item SourceItem, record TargetRecord, summary *Summary) DiffRecord {
	d := DiffRecord{
		EntityID: item.EntityID,
		RecordID: record.RecordID,
		Fields:   make(map[string]FieldChange),
	}

	for _, rule := range fieldRules {
		src, ok := item.Payload[rule.Source]
		if !ok {
			// never overwrite target data with an absent source field
			continue
		}
		old := record.Fields[rule.Target]

		switch rule.Compare {
		case compareNumeric:
			if normNumeric(src) != normNumeric(old) {
				d.Fields[rule.Target] = FieldChange{Old: old, New: normNumeric(src)}
			}
		case compareLabeledDate:
			want := normText(src)
			if want == "" {
				continue
			}
			if want != stripSurveyLabel(old) {
				d.Fields[rule.Target] = FieldChange{Old: old, New: surveyDateLabel + want}
			}
		default:
			if normText(src) != normText(old) {
				d.Fields[rule.Target] = FieldChange{Old: old, New: normText(src)}
			}
		}
	}

	// derived box classification from the combined unit count
	total := parseUnits(item.Payload["au"]) + parseUnits(item.Payload["bu"])
	label, ok := boxForUnits(total)
	if !ok {
		summary.UnmappedUnits = append(summary.UnmappedUnits,
			fmt.Sprintf("%s (%d units)", item.EntityID, total))
		e.logger.Warn("Unit count outside box classification table",
			"entity_id", item.EntityID, "units", total)
	} else if label != "" && label != normText(record.Fields[boxTargetField]) {
		d.Fields[boxTargetField] = FieldChange{Old: record.Fields[boxTargetField], New: label}
	}

	return d
}

// apply sends the diffs to the target in batches. A batch-level failure
// falls back to applying its records one at a time, so one bad record
// cannot sink its whole batch.
func (e *Engine) apply(ctx context.Context, diffs []DiffRecord, summary *Summary) error {
	for batchStart := 0; batchStart < len(diffs); batchStart += e.config.BatchSize {
		batchEnd := min(batchStart+e.config.BatchSize, len(diffs))
		batch := diffs[batchStart:batchEnd]
		summary.Batches++

		updates := make([]Update, 0, len(batch))
		for _, d := range batch {
			updates = append(updates, toUpdate(d))
		}

		results, err := e.applyBatch(ctx, updates)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("Batch apply failed, retrying records individually",
				"batch", summary.Batches, "size", len(updates), "error", err)
			results = e.applyIndividually(ctx, updates)
			if ctx.Err() != nil {
				e.recordResults(results, summary)
				return ctx.Err()
			}
		}
		e.recordResults(results, summary)
	}
	return nil
}

// applyBatch wraps one target call in the per-batch timeout
func (e *Engine) applyBatch(ctx context.Context, updates []Update) ([]ApplyResult, error) {
	batchCtx, cancel := context.WithTimeout(ctx, e.config.ApplyTimeout)
	defer cancel()
	return e.target.ApplyBatch(batchCtx, updates)
}

// applyIndividually retries a failed batch record by record, collecting a
// result for every update
func (e *Engine) applyIndividually(ctx context.Context, updates []Update) []ApplyResult {
	results := make([]ApplyResult, 0, len(updates))
	for _, u := range updates {
		if ctx.Err() != nil {
			results = append(results, ApplyResult{EntityID: u.EntityID, Err: ctx.Err()})
			continue
		}
		res, err := e.applyBatch(ctx, []Update{u})
		if err != nil {
			results = append(results, ApplyResult{EntityID: u.EntityID, Err: err})
			continue
		}
		results = append(results, res...)
	}
	return results
}

func (e *Engine) recordResults(results []ApplyResult, summary *Summary) {
	for _, r := range results {
		if r.Err != nil {
			summary.Failed++
			summary.Failures[r.EntityID] = r.Err.Error()
			e.logger.Error("Failed to apply record", "entity_id", r.EntityID, "error", r.Err)
			continue
		}
		summary.Applied++
	}
}

// toUpdate converts a diff into the write sent to the target, keeping only
// the new values
func toUpdate(d DiffRecord) Update {
	fields := make(map[string]any, len(d.Fields))
	for name, change := range d.Fields {
		fields[name] = change.New
	}
	return Update{EntityID: d.EntityID, RecordID: d.RecordID, Fields: fields}
}
