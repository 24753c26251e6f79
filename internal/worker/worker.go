// Package worker runs the pool of concurrent consumers that apply batches
// against the entity store and report outcomes to the tracker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/tracker"
)

// Config tunes the pool.
type Config struct {
	// Count is the number of concurrent consumers.
	Count int
	// MaxAttempts bounds task deliveries. A task delivered more than this
	// many times after transient failures becomes a permanent batch failure.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.Count <= 0 {
		c.Count = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Pool consumes batch tasks until its context is cancelled.
type Pool struct {
	queue   queue.Queue
	store   *store.Store
	tracker *tracker.Tracker
	cfg     Config
}

// New creates a worker pool.
func New(q queue.Queue, s *store.Store, t *tracker.Tracker, cfg Config) *Pool {
	return &Pool{queue: q, store: s, tracker: t, cfg: cfg.withDefaults()}
}

// Run starts the consumers and blocks until the context is cancelled and all
// consumers have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	slog.Info("worker pool started", "workers", p.cfg.Count, "max_attempts", p.cfg.MaxAttempts)
	wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *Pool) consume(ctx context.Context, id int) {
	for {
		task, err := p.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			slog.Warn("consume failed", "worker", id, "error", err)
			continue
		}
		p.process(ctx, task)
	}
}

// process applies one delivered task. The task is acked only after the
// tracker has confirmed the outcome; acking earlier would risk silent
// progress loss if the worker crashed in between.
func (p *Pool) process(ctx context.Context, task *queue.Task) {
	started, err := p.tracker.StartBatch(task.OperationID, task.BatchIndex, task.Attempt)
	if err != nil {
		slog.Warn("start batch failed, nacking",
			"operation_id", task.OperationID, "batch_index", task.BatchIndex, "error", err)
		p.nack(ctx, task)
		return
	}
	if !started {
		// Redelivery after the effect was already applied.
		slog.Debug("discarding redelivered task for terminal batch",
			"operation_id", task.OperationID, "batch_index", task.BatchIndex, "attempt", task.Attempt)
		p.ack(ctx, task)
		return
	}

	outcome, transientErr := p.applyBatch(task)
	if transientErr != nil {
		if store.IsNotFound(transientErr) {
			// The tracking records vanished under the task (retention purged
			// the operation). There is nothing to report an outcome against,
			// so redelivering would loop forever.
			slog.Warn("discarding task without tracking records",
				"operation_id", task.OperationID, "batch_index", task.BatchIndex)
			p.ack(ctx, task)
			return
		}
		if task.Attempt < p.cfg.MaxAttempts {
			slog.Warn("transient apply failure, nacking for redelivery",
				"operation_id", task.OperationID,
				"batch_index", task.BatchIndex,
				"attempt", task.Attempt,
				"error", transientErr)
			p.nack(ctx, task)
			return
		}
		// Attempts exhausted: the transient failure becomes permanent.
		outcome = tracker.Outcome{
			Done: false,
			Err:  fmt.Sprintf("failed after %d attempts: %v", task.Attempt, transientErr),
		}
	}

	if err := p.tracker.ReportOutcome(task.OperationID, task.BatchIndex, outcome); err != nil {
		if errors.Is(err, tracker.ErrAlreadyApplied) {
			p.ack(ctx, task)
			return
		}
		// Contention or store trouble: retry the whole report via redelivery.
		slog.Warn("report outcome failed, nacking",
			"operation_id", task.OperationID, "batch_index", task.BatchIndex, "error", err)
		p.nack(ctx, task)
		return
	}
	p.ack(ctx, task)
}

// applyBatch applies the batch payload and decides the batch-level outcome:
// done only if every item succeeded, otherwise failed with the first item
// failure as the summary. Errors are returned separately so the caller can
// nack (or, for a missing record, discard) instead of recording a failure.
func (p *Pool) applyBatch(task *queue.Task) (tracker.Outcome, error) {
	kind, entities, err := p.store.GetBatchWork(task.OperationID, task.BatchIndex)
	if err != nil {
		return tracker.Outcome{}, err
	}

	outcomes, err := p.store.ApplyEntities(kind, entities)
	if err != nil {
		return tracker.Outcome{}, err
	}

	for _, o := range outcomes {
		if !o.OK {
			return tracker.Outcome{
				Done: false,
				Err:  fmt.Sprintf("item %d: %s", o.Index, o.Error),
			}, nil
		}
	}
	return tracker.Outcome{Done: true}, nil
}

func (p *Pool) ack(ctx context.Context, task *queue.Task) {
	if err := p.queue.Ack(ctx, task); err != nil {
		slog.Warn("ack failed", "task_id", task.ID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, task *queue.Task) {
	if err := p.queue.Nack(ctx, task); err != nil {
		slog.Warn("nack failed", "task_id", task.ID, "error", err)
	}
}
