package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	taskStateReady  = "ready"
	taskStateLeased = "leased"

	taskKeyPrefix = "t|"
)

// taskRecord is the durable form of a task.
type taskRecord struct {
	ID           string `json:"id"`
	OperationID  string `json:"operation_id"`
	BatchIndex   int    `json:"batch_index"`
	Attempt      int    `json:"attempt"`
	State        string `json:"state"`
	LeaseUntilNs int64  `json:"lease_until_ns,omitempty"`
	EnqueuedAtNs int64  `json:"enqueued_at_ns"`
}

// kvStore is the minimal surface the queue needs from its storage backend.
// badger and pebble both implement it.
type kvStore interface {
	get(key string) ([]byte, bool, error)
	set(key string, val []byte) error
	delete(key string) error
	scan(prefix string, fn func(key string, val []byte) error) error
	close() error
}

// Config tunes lease and polling behavior.
type Config struct {
	// LeaseDuration bounds how long a consumer may hold a task before it
	// is considered lost and redelivered. It must exceed the worst-case
	// batch apply latency.
	LeaseDuration time.Duration
	// PollInterval is the reaper tick and the consumer retry interval.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	return c
}

// Durable is the shared queue logic over a kvStore backend. The kv record is
// the source of truth; the in-memory ready list and lease table are an index
// rebuilt on open.
type Durable struct {
	kv  kvStore
	cfg Config

	mu     sync.Mutex
	ready  []string
	leased map[string]int64

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	reaperWG  sync.WaitGroup
}

func newDurable(kv kvStore, cfg Config) (*Durable, error) {
	q := &Durable{
		kv:     kv,
		cfg:    cfg.withDefaults(),
		leased: make(map[string]int64),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	if err := q.recover(); err != nil {
		kv.close()
		return nil, err
	}
	q.reaperWG.Add(1)
	go q.reaper()
	return q, nil
}

// recover rebuilds the in-memory index from durable records. Leased tasks
// keep their stored deadline; the reaper reclaims them once it passes.
func (q *Durable) recover() error {
	var ready, leased int
	err := q.kv.scan(taskKeyPrefix, func(key string, val []byte) error {
		var rec taskRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode task record %s: %w", key, err)
		}
		switch rec.State {
		case taskStateLeased:
			q.leased[rec.ID] = rec.LeaseUntilNs
			leased++
		default:
			q.ready = append(q.ready, rec.ID)
			ready++
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(q.ready)
	if ready > 0 || leased > 0 {
		slog.Info("queue recovered", "ready", ready, "leased", leased)
	}
	return nil
}

func (q *Durable) Enqueue(ctx context.Context, operationID string, batchIndex int) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	rec := taskRecord{
		ID:           newTaskID(),
		OperationID:  operationID,
		BatchIndex:   batchIndex,
		State:        taskStateReady,
		EnqueuedAtNs: time.Now().UnixNano(),
	}
	if err := q.putRecord(&rec); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	q.mu.Lock()
	q.insertReady(rec.ID)
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *Durable) Consume(ctx context.Context) (*Task, error) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		task, err := q.claim()
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claim leases the oldest ready task, incrementing its attempt counter.
// Returns nil when no task is ready.
func (q *Durable) claim() (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		rec, ok, err := q.getRecord(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // acked concurrently
		}
		rec.Attempt++
		rec.State = taskStateLeased
		rec.LeaseUntilNs = time.Now().Add(q.cfg.LeaseDuration).UnixNano()
		if err := q.putRecord(rec); err != nil {
			return nil, fmt.Errorf("lease task: %w", err)
		}
		q.leased[id] = rec.LeaseUntilNs
		return &Task{
			ID:          rec.ID,
			OperationID: rec.OperationID,
			BatchIndex:  rec.BatchIndex,
			Attempt:     rec.Attempt,
		}, nil
	}
	return nil, nil
}

func (q *Durable) Ack(ctx context.Context, t *Task) error {
	if err := q.kv.delete(taskKeyPrefix + t.ID); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	q.mu.Lock()
	delete(q.leased, t.ID)
	q.mu.Unlock()
	return nil
}

func (q *Durable) Nack(ctx context.Context, t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok, err := q.getRecord(t.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec.State = taskStateReady
	rec.LeaseUntilNs = 0
	if err := q.putRecord(rec); err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	delete(q.leased, t.ID)
	q.insertReady(t.ID)
	q.notify()
	return nil
}

func (q *Durable) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Ready: len(q.ready), Leased: len(q.leased)}
}

func (q *Durable) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	q.reaperWG.Wait()
	return q.kv.close()
}

// reaper returns expired leases to the ready list so unacked tasks are
// redelivered (at-least-once).
func (q *Durable) reaper() {
	defer q.reaperWG.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.closed:
			return
		case <-ticker.C:
		}
		now := time.Now().UnixNano()
		q.mu.Lock()
		var reclaimed int
		for id, deadline := range q.leased {
			if deadline > now {
				continue
			}
			rec, ok, err := q.getRecord(id)
			if err != nil || !ok {
				delete(q.leased, id)
				continue
			}
			rec.State = taskStateReady
			rec.LeaseUntilNs = 0
			if err := q.putRecord(rec); err != nil {
				slog.Warn("lease reclaim failed", "task_id", id, "error", err)
				continue
			}
			delete(q.leased, id)
			q.insertReady(id)
			reclaimed++
		}
		q.mu.Unlock()
		if reclaimed > 0 {
			slog.Debug("reclaimed expired leases", "count", reclaimed)
			q.notify()
		}
	}
}

func (q *Durable) insertReady(id string) {
	i := sort.SearchStrings(q.ready, id)
	q.ready = append(q.ready, "")
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = id
}

func (q *Durable) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Durable) getRecord(id string) (*taskRecord, bool, error) {
	val, ok, err := q.kv.get(taskKeyPrefix + id)
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec taskRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, false, fmt.Errorf("decode task record: %w", err)
	}
	return &rec, true, nil
}

func (q *Durable) putRecord(rec *taskRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return q.kv.set(taskKeyPrefix+rec.ID, val)
}
