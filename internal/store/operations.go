package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateOperation inserts the Operation record and one Batch record per
// payload chunk in a single transaction. Batch records must exist before any
// task is enqueued, so a worker never sees a task without a tracking record.
func (s *Store) CreateOperation(id, kind string, batchPayloads []json.RawMessage) (*Operation, error) {
	if len(batchPayloads) == 0 {
		return nil, NewInvalidRequestError("operation requires at least one batch")
	}
	now := time.Now().UTC()
	ts := formatTime(now)

	err := s.writer.ExecuteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO operations (id, kind, status, total_batches, processed_batches, failed_batches, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
			id, kind, StatusPending, len(batchPayloads), ts, ts,
		)
		if err != nil {
			return fmt.Errorf("insert operation: %w", err)
		}
		stmt, err := tx.Prepare(`
			INSERT INTO batches (operation_id, batch_index, state, attempt, entities, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare batch insert: %w", err)
		}
		defer stmt.Close()
		for i, payload := range batchPayloads {
			if _, err := stmt.Exec(id, i, BatchQueued, string(payload), ts, ts); err != nil {
				return fmt.Errorf("insert batch %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Operation{
		ID:           id,
		Kind:         kind,
		Status:       StatusPending,
		TotalBatches: len(batchPayloads),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetOperation returns the current Operation record.
func (s *Store) GetOperation(id string) (*Operation, error) {
	row := s.db.Read.QueryRow(`
		SELECT id, kind, status, total_batches, processed_batches, failed_batches, created_at, updated_at
		FROM operations WHERE id = ?`, id)
	var op Operation
	var createdAt, updatedAt string
	err := row.Scan(&op.ID, &op.Kind, &op.Status, &op.TotalBatches,
		&op.ProcessedBatches, &op.FailedBatches, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(fmt.Sprintf("operation %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	op.CreatedAt = parseTime(createdAt)
	op.UpdatedAt = parseTime(updatedAt)
	return &op, nil
}

// GetSnapshot returns the progress view of an operation.
func (s *Store) GetSnapshot(id string) (*Snapshot, error) {
	op, err := s.GetOperation(id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		OperationID:      op.ID,
		Status:           op.Status,
		TotalBatches:     op.TotalBatches,
		ProcessedBatches: op.ProcessedBatches,
		FailedBatches:    op.FailedBatches,
	}, nil
}

// GetErrors returns the accumulated batch failures for an operation in
// append order.
func (s *Store) GetErrors(id string) ([]OperationError, error) {
	rows, err := s.db.Read.Query(`
		SELECT batch_index, message FROM operation_errors
		WHERE operation_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("get operation errors: %w", err)
	}
	defer rows.Close()
	var out []OperationError
	for rows.Next() {
		var e OperationError
		if err := rows.Scan(&e.BatchIndex, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetBatch returns one Batch record including its stored payload.
func (s *Store) GetBatch(opID string, index int) (*Batch, error) {
	row := s.db.Read.QueryRow(`
		SELECT operation_id, batch_index, state, attempt, last_error, entities, created_at, updated_at
		FROM batches WHERE operation_id = ? AND batch_index = ?`, opID, index)
	var b Batch
	var entities, createdAt, updatedAt string
	err := row.Scan(&b.OperationID, &b.Index, &b.State, &b.Attempt, &b.LastError,
		&entities, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError(fmt.Sprintf("batch %d of operation %s not found", index, opID))
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	b.Entities = json.RawMessage(entities)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

// GetBatchWork returns the mutation kind and the decoded entity payloads for
// one batch — everything a worker needs to apply it.
func (s *Store) GetBatchWork(opID string, index int) (string, []json.RawMessage, error) {
	row := s.db.Read.QueryRow(`
		SELECT o.kind, b.entities
		FROM batches b JOIN operations o ON o.id = b.operation_id
		WHERE b.operation_id = ? AND b.batch_index = ?`, opID, index)
	var kind, entities string
	err := row.Scan(&kind, &entities)
	if err == sql.ErrNoRows {
		return "", nil, NewNotFoundError(fmt.Sprintf("batch %d of operation %s not found", index, opID))
	}
	if err != nil {
		return "", nil, fmt.Errorf("get batch work: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(entities), &items); err != nil {
		return "", nil, fmt.Errorf("decode batch payload: %w", err)
	}
	return kind, items, nil
}
