package store

import (
	"database/sql"
	"fmt"
	"time"
)

// This file is the counter-store adapter: every mutation of Operation/Batch
// progress state goes through the conditional-transition and atomic-increment
// primitives below. Batch transitions are guarded by a state check in the
// UPDATE itself, and the transition + counter increment pair runs inside one
// transaction on the single write connection, so a batch outcome is applied
// at most once no matter how many times its task is delivered.

// MarkBatchProcessing conditionally transitions a batch to processing and
// records the delivery attempt. Returns started=false when the batch is
// already terminal, which is the redelivery-after-effect case: the caller
// must ack and discard without reapplying. opStarted reports whether this
// call moved the operation from pending to in_progress.
func (s *Store) MarkBatchProcessing(opID string, index, attempt int) (started, opStarted bool, err error) {
	ts := formatTime(time.Now().UTC())
	err = s.writer.ExecuteTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE batches SET state = ?, attempt = ?, updated_at = ?
			WHERE operation_id = ? AND batch_index = ? AND state NOT IN (?, ?)`,
			BatchProcessing, attempt, ts, opID, index, BatchDone, BatchFailed,
		)
		if err != nil {
			return fmt.Errorf("mark batch processing: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		started = true

		res, err = tx.Exec(`
			UPDATE operations SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			StatusInProgress, ts, opID, StatusPending,
		)
		if err != nil {
			return fmt.Errorf("mark operation in progress: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			opStarted = true
		}
		return nil
	})
	return started, opStarted, err
}

// ApplyBatchOutcome atomically applies a terminal batch outcome: it
// transitions the batch to toState only if the batch is not already terminal,
// and — only when that conditional transition succeeds — increments the
// matching operation counter by exactly one and appends the failure message.
// applied=false means the outcome was already applied by an earlier delivery
// and nothing was mutated.
func (s *Store) ApplyBatchOutcome(opID string, index int, toState, lastErr string) (applied bool, totals Totals, err error) {
	if !IsTerminalBatchState(toState) {
		return false, totals, fmt.Errorf("outcome state %q is not terminal", toState)
	}
	ts := formatTime(time.Now().UTC())
	err = s.writer.ExecuteTx(func(tx *sql.Tx) error {
		var errArg interface{}
		if lastErr != "" {
			errArg = lastErr
		}
		res, err := tx.Exec(`
			UPDATE batches SET state = ?, last_error = ?, updated_at = ?
			WHERE operation_id = ? AND batch_index = ? AND state NOT IN (?, ?)`,
			toState, errArg, ts, opID, index, BatchDone, BatchFailed,
		)
		if err != nil {
			return fmt.Errorf("transition batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		applied = true

		counter := "processed_batches"
		if toState == BatchFailed {
			counter = "failed_batches"
		}
		row := tx.QueryRow(`
			UPDATE operations SET `+counter+` = `+counter+` + 1, updated_at = ?
			WHERE id = ?
			RETURNING total_batches, processed_batches, failed_batches, status`,
			ts, opID,
		)
		if err := row.Scan(&totals.Total, &totals.Processed, &totals.Failed, &totals.Status); err != nil {
			return fmt.Errorf("increment %s: %w", counter, err)
		}

		if toState == BatchFailed {
			if _, err := tx.Exec(`
				INSERT INTO operation_errors (operation_id, batch_index, message, created_at)
				VALUES (?, ?, ?, ?)`,
				opID, index, lastErr, ts,
			); err != nil {
				return fmt.Errorf("append operation error: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, Totals{}, err
	}
	return applied, totals, nil
}

// FinalizeStatus conditionally sets a terminal operation status. The guard
// makes concurrent "last batch" reporters finalize exactly once: only the
// first caller finds a non-terminal status to replace.
func (s *Store) FinalizeStatus(opID, status string) (bool, error) {
	if !IsTerminalStatus(status) {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	ts := formatTime(time.Now().UTC())
	res, err := s.writer.Execute(`
		UPDATE operations SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, ts, opID, StatusCompleted, StatusCompletedWithErrors, StatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("finalize status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
