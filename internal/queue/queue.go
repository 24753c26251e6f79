// Package queue provides a durable, at-least-once work queue for batch
// tasks. Tasks survive restarts; a consumed task that is neither acked nor
// nacked is redelivered after its lease expires.
package queue

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by blocking operations after Close.
var ErrClosed = errors.New("queue closed")

// Task is one unit of work: a pointer to a batch. The payload itself lives
// in the batch record, keeping queue entries small.
type Task struct {
	ID          string `json:"id"`
	OperationID string `json:"operation_id"`
	BatchIndex  int    `json:"batch_index"`
	// Attempt counts deliveries of this task, including the current one.
	Attempt int `json:"attempt"`
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
}

// Queue is the adapter consumed by the dispatcher and the worker pool.
type Queue interface {
	// Enqueue durably records a task. The task is visible to consumers
	// once Enqueue returns.
	Enqueue(ctx context.Context, operationID string, batchIndex int) error
	// Consume blocks until a task is available or the context is done.
	// Each delivery increments the task's attempt counter.
	Consume(ctx context.Context) (*Task, error)
	// Ack removes a completed task.
	Ack(ctx context.Context, t *Task) error
	// Nack makes a task immediately eligible for redelivery.
	Nack(ctx context.Context, t *Task) error
	Stats() Stats
	Close() error
}

// Backends selectable via the --queue-store flag.
const (
	BackendBadger = "badger"
	BackendPebble = "pebble"
)

// Open opens the durable queue with the named backend rooted at dir.
func Open(backend, dir string, cfg Config) (Queue, error) {
	switch backend {
	case BackendBadger:
		return OpenBadger(dir, cfg)
	case BackendPebble:
		return OpenPebble(dir, cfg)
	default:
		return nil, fmt.Errorf("unknown queue backend %q (supported: badger, pebble)", backend)
	}
}

var taskSeq uint64

// newTaskID generates a lexicographically sortable task ID so the ready list
// preserves enqueue order. Layout (hex): 16 chars timestamp ns + 10 chars
// sequence.
func newTaskID() string {
	ns := uint64(time.Now().UnixNano())
	seq := atomic.AddUint64(&taskSeq, 1)
	var raw [13]byte
	raw[0] = byte(ns >> 56)
	raw[1] = byte(ns >> 48)
	raw[2] = byte(ns >> 40)
	raw[3] = byte(ns >> 32)
	raw[4] = byte(ns >> 24)
	raw[5] = byte(ns >> 16)
	raw[6] = byte(ns >> 8)
	raw[7] = byte(ns)
	raw[8] = byte(seq >> 32)
	raw[9] = byte(seq >> 24)
	raw[10] = byte(seq >> 16)
	raw[11] = byte(seq >> 8)
	raw[12] = byte(seq)
	dst := make([]byte, 26)
	hex.Encode(dst, raw[:])
	return "task_" + string(dst)
}
