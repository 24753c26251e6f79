// Package tracker is the authoritative state machine for operations and
// batches. All counter mutation and status derivation is funneled through it;
// workers only propose outcomes, which are applied idempotently.
package tracker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/droverhq/drover/internal/store"
)

// ErrAlreadyApplied is returned when a reported outcome was already applied
// by an earlier delivery of the same task. Callers treat it as success.
var ErrAlreadyApplied = errors.New("batch outcome already applied")

// Notifier receives a snapshot after every successful tracked mutation.
// The notification hub implements it; delivery is best-effort.
type Notifier interface {
	Publish(snapshot store.Snapshot)
}

// Outcome is a worker's proposed terminal result for one batch.
type Outcome struct {
	Done bool
	Err  string
}

// Tracker applies batch outcomes to the counter store with bounded retries
// on lock contention.
type Tracker struct {
	store      *store.Store
	notifier   Notifier
	maxRetries int
	retryDelay time.Duration
}

// New creates a Tracker. notifier may be nil.
func New(s *store.Store, notifier Notifier) *Tracker {
	return &Tracker{
		store:      s,
		notifier:   notifier,
		maxRetries: 5,
		retryDelay: 20 * time.Millisecond,
	}
}

// StartBatch transitions a batch to processing before the worker applies it.
// started=false signals a redelivery after the outcome was already applied:
// the caller must ack and discard without reapplying. The first batch of an
// operation to start processing moves the operation to in_progress.
func (t *Tracker) StartBatch(opID string, index, attempt int) (started bool, err error) {
	var opStarted bool
	err = t.withRetry(func() error {
		var inner error
		started, opStarted, inner = t.store.MarkBatchProcessing(opID, index, attempt)
		return inner
	})
	if err != nil {
		return false, err
	}
	if opStarted {
		t.publish(opID)
	}
	if !started {
		// The outcome landed on an earlier delivery, but that delivery may
		// have died between the counter increment and the terminal
		// transition. This redelivery is the only remaining chance to
		// finish the operation, so re-check settlement before discarding.
		if err := t.finalizeIfSettled(opID); err != nil {
			return false, err
		}
	}
	return started, nil
}

// ReportOutcome applies a terminal batch outcome exactly once. The batch
// transition and the counter increment happen in a single atomic store
// operation; a duplicate report collapses to ErrAlreadyApplied with no
// mutation. When the last batch settles, exactly one reporter derives and
// sets the terminal operation status.
func (t *Tracker) ReportOutcome(opID string, index int, out Outcome) error {
	toState := store.BatchDone
	if !out.Done {
		toState = store.BatchFailed
	}

	var applied bool
	var totals store.Totals
	err := t.withRetry(func() error {
		var inner error
		applied, totals, inner = t.store.ApplyBatchOutcome(opID, index, toState, out.Err)
		return inner
	})
	if err != nil {
		return err
	}
	if !applied {
		// Counters already include this batch, but the delivery that applied
		// it may have died before finalizing. Re-check settlement so the
		// operation cannot stay in_progress forever.
		if err := t.finalizeIfSettled(opID); err != nil {
			return err
		}
		return ErrAlreadyApplied
	}

	if _, err := t.settle(opID, totals); err != nil {
		return err
	}
	t.publish(opID)
	return nil
}

// settle runs the terminal transition once every batch has contributed an
// outcome. The FinalizeStatus guard makes exactly one caller win; the rest
// see finalized=false.
func (t *Tracker) settle(opID string, totals store.Totals) (bool, error) {
	if !totals.Settled() {
		return false, nil
	}
	status := deriveStatus(totals)
	var finalized bool
	err := t.withRetry(func() error {
		var inner error
		finalized, inner = t.store.FinalizeStatus(opID, status)
		return inner
	})
	if err != nil {
		return false, err
	}
	if finalized {
		slog.Info("operation finished",
			"operation_id", opID,
			"status", status,
			"processed_batches", totals.Processed,
			"failed_batches", totals.Failed,
		)
	}
	return finalized, nil
}

// finalizeIfSettled re-reads the counters and settles the operation if every
// batch has already contributed. Redelivery paths call it because the
// increment and the terminal transition are separate store operations: a
// crash between them leaves the operation settled but not finalized.
func (t *Tracker) finalizeIfSettled(opID string) error {
	op, err := t.store.GetOperation(opID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}
	if store.IsTerminalStatus(op.Status) {
		return nil
	}
	finalized, err := t.settle(opID, store.Totals{
		Total:     op.TotalBatches,
		Processed: op.ProcessedBatches,
		Failed:    op.FailedBatches,
		Status:    op.Status,
	})
	if err != nil {
		return err
	}
	if finalized {
		t.publish(opID)
	}
	return nil
}

// Status returns the current operation record.
func (t *Tracker) Status(opID string) (*store.Operation, error) {
	return t.store.GetOperation(opID)
}

// Result returns the current operation record plus its accumulated errors.
func (t *Tracker) Result(opID string) (*store.Operation, []store.OperationError, error) {
	op, err := t.store.GetOperation(opID)
	if err != nil {
		return nil, nil, err
	}
	errs, err := t.store.GetErrors(opID)
	if err != nil {
		return nil, nil, err
	}
	return op, errs, nil
}

// deriveStatus computes the terminal status once all batches have settled.
func deriveStatus(t store.Totals) string {
	switch {
	case t.Failed == 0:
		return store.StatusCompleted
	case t.Processed > 0:
		return store.StatusCompletedWithErrors
	default:
		return store.StatusFailed
	}
}

// withRetry retries fn on SQLite lock contention with a bounded budget; once
// exhausted the error surfaces as CONTENTION_EXCEEDED so the caller can nack
// and retry the whole report from scratch.
func (t *Tracker) withRetry(fn func() error) error {
	var err error
	for i := 0; i < t.maxRetries; i++ {
		err = fn()
		if err == nil || !store.IsBusy(err) {
			return err
		}
		time.Sleep(t.retryDelay * time.Duration(i+1))
	}
	return store.NewContentionExceededError(fmt.Sprintf("tracker update retries exhausted: %v", err))
}

func (t *Tracker) publish(opID string) {
	if t.notifier == nil {
		return
	}
	snap, err := t.store.GetSnapshot(opID)
	if err != nil {
		slog.Warn("snapshot for notification failed", "operation_id", opID, "error", err)
		return
	}
	t.notifier.Publish(*snap)
}
