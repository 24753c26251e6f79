// Package dispatch turns a bulk mutation request into an operation: it
// validates the request, partitions entities into fixed-size batches, writes
// the tracking records and enqueues one task per batch.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/store"
)

// Config bounds request shape.
type Config struct {
	DefaultBatchSize int
	MaxBatchSize     int
	MaxEntities      int
}

func (c Config) withDefaults() Config {
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 100
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 1000
	}
	if c.MaxEntities <= 0 {
		c.MaxEntities = 100000
	}
	return c
}

// Dispatcher creates operations and feeds the work queue.
type Dispatcher struct {
	store     *store.Store
	queue     queue.Queue
	validator *store.EntityValidator
	cfg       Config
}

// New creates a Dispatcher. validator may be nil.
func New(s *store.Store, q queue.Queue, validator *store.EntityValidator, cfg Config) *Dispatcher {
	return &Dispatcher{store: s, queue: q, validator: validator, cfg: cfg.withDefaults()}
}

// Submit validates and partitions a bulk request, creates the operation and
// batch records, then enqueues one task per batch. Records are written before
// any task is enqueued so a worker never consumes a task without a tracking
// record. Returns the new operation ID.
func (d *Dispatcher) Submit(ctx context.Context, kind string, entities []json.RawMessage, batchSize int) (string, error) {
	if !store.ValidKind(kind) {
		return "", store.NewInvalidRequestError(fmt.Sprintf("unknown operation kind %q", kind))
	}
	if len(entities) == 0 {
		return "", store.NewInvalidRequestError("entities list must not be empty")
	}
	if len(entities) > d.cfg.MaxEntities {
		return "", store.NewInvalidRequestError(fmt.Sprintf("too many entities: %d (max %d)", len(entities), d.cfg.MaxEntities))
	}
	for i, e := range entities {
		if !isJSONObject(e) {
			return "", store.NewInvalidRequestError(fmt.Sprintf("entity %d is not a JSON object", i))
		}
		if err := d.validator.Validate(i, e); err != nil {
			return "", store.NewInvalidRequestError(err.Error())
		}
	}

	if batchSize <= 0 {
		batchSize = d.cfg.DefaultBatchSize
	}
	if batchSize > d.cfg.MaxBatchSize {
		batchSize = d.cfg.MaxBatchSize
	}

	payloads, err := partition(entities, batchSize)
	if err != nil {
		return "", err
	}

	opID := store.NewOperationID()
	op, err := d.store.CreateOperation(opID, kind, payloads)
	if err != nil {
		return "", fmt.Errorf("create operation: %w", err)
	}

	for i := range payloads {
		if err := d.queue.Enqueue(ctx, opID, i); err != nil {
			// The operation stays pending with fewer tasks than batches, so
			// it can never settle; the stalled-operation sweep reclaims it.
			slog.Error("enqueue failed, operation left pending",
				"operation_id", opID, "batch_index", i, "error", err)
			return "", store.NewEnqueueFailedError(fmt.Sprintf("enqueue batch %d: %v", i, err))
		}
	}

	slog.Info("operation dispatched",
		"operation_id", opID,
		"kind", kind,
		"entities", len(entities),
		"total_batches", op.TotalBatches,
		"batch_size", batchSize,
	)
	return opID, nil
}

// partition splits entities into contiguous, order-preserving chunks of at
// most batchSize and marshals each chunk for storage on its batch record.
func partition(entities []json.RawMessage, batchSize int) ([]json.RawMessage, error) {
	var payloads []json.RawMessage
	for i := 0; i < len(entities); i += batchSize {
		end := i + batchSize
		if end > len(entities) {
			end = len(entities)
		}
		chunk, err := json.Marshal(entities[i:end])
		if err != nil {
			return nil, fmt.Errorf("encode batch payload: %w", err)
		}
		payloads = append(payloads, chunk)
	}
	return payloads, nil
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return json.Valid(raw)
		default:
			return false
		}
	}
	return false
}
