package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ekerlabs/folharvest/internal/store"
)

// ItemState represents the per-item progress of the retry machine
type ItemState int

const (
	ItemNotStarted ItemState = iota
	ItemAttempting
	ItemSucceeded
	ItemPermanentlyFailed
	ItemExhaustedRetries
)

// String returns a human-readable representation of the item state
func (s ItemState) String() string {
	switch s {
	case ItemNotStarted:
		return "not_started"
	case ItemAttempting:
		return "attempting"
	case ItemSucceeded:
		return "succeeded"
	case ItemPermanentlyFailed:
		return "permanently_failed"
	case ItemExhaustedRetries:
		return "exhausted_retries"
	default:
		return "unknown"
	}
}

// ResultKind classifies one extraction attempt
type ResultKind int

const (
	// ResultSuccess means the payload is complete
	ResultSuccess ResultKind = iota
	// ResultTransient means the attempt failed in a retryable way
	// (e.g. a timeout waiting for content)
	ResultTransient
	// ResultPermanent means the item legitimately lacks the requested
	// data; retrying cannot succeed
	ResultPermanent
)

// Result is the tagged outcome of a single Extractor invocation.
// Transient and Permanent results may still carry a partial payload.
type Result struct {
	Kind    ResultKind
	Payload store.Payload
	Reason  string
}

// Session is one authenticated collaborator resource bound to exactly one
// worker. Ownership is exclusive and non-transferable.
type Session struct {
	WorkerID      string
	Authenticated bool
	CurrentItem   string

	// Handle is the collaborator's underlying resource (e.g. a browser
	// context); opaque to this package.
	Handle any
}

// Authenticator establishes a usable session. The collaborator handles
// second factors and its own small retry budget internally.
type Authenticator interface {
	Authenticate(ctx context.Context, session *Session) error
}

// Extractor performs one extraction attempt for an item. The error return is
// reserved for capability-level failures (the session itself has become
// unusable); attempt-level failures are expressed through Result.Kind.
type Extractor interface {
	Extract(ctx context.Context, session *Session, itemID string) (Result, error)
}

// Checkpoint is the slice of the checkpoint store a worker needs
type Checkpoint interface {
	ClaimBatch(ctx context.Context, workerID string, n int) ([]store.WorkItem, error)
	Report(ctx context.Context, workerID, id string, outcome store.Outcome) error
	Touch(ctx context.Context, workerID, id string) error
	Stats(ctx context.Context) (store.Stats, error)
	MaxAttempts() int
	RegisterSession(ctx context.Context, workerID string) error
	SetSessionStatus(ctx context.Context, workerID, status string) error
	IncrementSessionCounter(ctx context.Context, workerID string, failed bool) error
}

// EventKind classifies worker progress events
type EventKind int

const (
	EventCompleted EventKind = iota
	EventRecovered
	EventExhausted
	EventSkippedPermanent
	EventFailed
)

// Event is a progress notification sent to the coordinator's inbox.
// Observational only; delivery is best effort and never blocks the worker.
type Event struct {
	WorkerID string
	ItemID   string
	Kind     EventKind
	Attempts int
	Note     string
	At       time.Time
}

// ErrAuthentication marks a login failure. Fatal for the owning worker only;
// its claimed items come back via stall reclamation.
var ErrAuthentication = errors.New("worker: authentication failed")

// errReclaimed marks an item lost to stall reclamation mid-attempt
var errReclaimed = errors.New("worker: item reclaimed during attempt")
