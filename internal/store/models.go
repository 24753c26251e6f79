package store

import (
	"encoding/json"
	"time"
)

// Operation statuses. Transitions form a strict DAG:
// pending -> in_progress -> {completed | completed_with_errors | failed}.
const (
	StatusPending             = "pending"
	StatusInProgress          = "in_progress"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
)

// Batch states. queued -> processing -> {done | failed}.
const (
	BatchQueued     = "queued"
	BatchProcessing = "processing"
	BatchDone       = "done"
	BatchFailed     = "failed"
)

// Mutation kinds.
const (
	KindCreate = "create"
	KindUpdate = "update"
	KindDelete = "delete"
)

// ValidKind reports whether s names a supported mutation kind.
func ValidKind(s string) bool {
	switch s {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// IsTerminalStatus reports whether an operation status permits no further
// transitions.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// IsTerminalBatchState reports whether a batch state permits no further
// transitions.
func IsTerminalBatchState(s string) bool {
	return s == BatchDone || s == BatchFailed
}

// Operation is one client-submitted bulk request, decomposed into batches.
type Operation struct {
	ID               string    `json:"operation_id"`
	Kind             string    `json:"kind"`
	Status           string    `json:"status"`
	TotalBatches     int       `json:"total_batches"`
	ProcessedBatches int       `json:"processed_batches"`
	FailedBatches    int       `json:"failed_batches"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Batch is a fixed-size partition of an operation's entities, the unit of
// queueing and of progress counting.
type Batch struct {
	OperationID string          `json:"operation_id"`
	Index       int             `json:"batch_index"`
	State       string          `json:"state"`
	Attempt     int             `json:"attempt"`
	LastError   *string         `json:"last_error,omitempty"`
	Entities    json.RawMessage `json:"entities"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OperationError records one permanently failed batch.
type OperationError struct {
	BatchIndex int    `json:"batch_index"`
	Message    string `json:"message"`
}

// Snapshot is the progress view pushed to subscribers and returned by the
// status endpoint.
type Snapshot struct {
	OperationID      string `json:"operation_id"`
	Status           string `json:"status"`
	TotalBatches     int    `json:"total_batches"`
	ProcessedBatches int    `json:"processed_batches"`
	FailedBatches    int    `json:"failed_batches"`
}

// Totals is the counter view read back after an atomic increment.
type Totals struct {
	Total     int
	Processed int
	Failed    int
	Status    string
}

// Settled reports whether every batch has contributed a terminal outcome.
func (t Totals) Settled() bool {
	return t.Processed+t.Failed == t.Total
}
