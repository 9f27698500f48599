package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a work item
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Payload holds the extracted fields for one work item, field name → value
type Payload map[string]string

// Hash returns the sha256 hex digest over the canonical JSON serialization
// of the payload. encoding/json sorts map keys, which gives a stable
// ordering without an explicit canonicalization step.
func (p Payload) Hash() string {
	if len(p) == 0 {
		p = Payload{}
	}
	data, _ := json.Marshal(p)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WorkItem represents one unit of extraction work
type WorkItem struct {
	ID           string
	Status       Status
	Owner        *string
	AttemptCount int
	Payload      Payload
	ContentHash  string
	Changed      bool
	Note         string
	LastUpdated  time.Time
}

// Outcome is a terminal report for a claimed work item.
// Completed carries the payload obtained (possibly partial); Failed is
// reserved for capability-level errors where no usable result exists.
type Outcome struct {
	Status   Status // StatusCompleted or StatusFailed
	Payload  Payload
	Note     string
	Attempts int // attempts made during this claim, added to attempt_count
}

// WorkerSession tracks one worker's registration and counters
type WorkerSession struct {
	WorkerID       string
	Status         string
	ItemsProcessed int
	ItemsFailed    int
	LastActive     time.Time
}

// Stats summarizes the checkpoint table by status
type Stats struct {
	Total           int
	Pending         int
	InProgress      int
	Completed       int
	Failed          int
	PercentComplete float64
	ItemsPerSecond  float64
}

// Done reports whether no claimable or claimed work remains
func (s Stats) Done() bool {
	return s.Pending == 0 && s.InProgress == 0
}
