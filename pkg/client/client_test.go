package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/hub"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/server"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/tracker"
	"github.com/droverhq/drover/internal/worker"
	"github.com/droverhq/drover/pkg/client"
)

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewStore(db)

	q, err := queue.Open(queue.BackendPebble, t.TempDir(), queue.Config{
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	h := hub.New()
	tr := tracker.New(s, h)
	d := dispatch.New(s, q, nil, dispatch.Config{DefaultBatchSize: 10})
	pool := worker.New(q, s, tr, worker.Config{Count: 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := server.New(s, d, tr, h, q, server.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func sampleEntities(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"id":"c%d"}`, i))
	}
	return out
}

func TestSubmitAndStatus(t *testing.T) {
	ts := startServer(t)
	c := client.New(ts.URL)

	res, err := c.Submit(store.KindCreate, sampleEntities(25), client.WithBatchSize(10))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.OperationID == "" {
		t.Fatal("empty operation id")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := c.Status(res.OperationID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if store.IsTerminalStatus(st.Status) {
			if st.Status != store.StatusCompleted {
				t.Errorf("status = %q, want %q", st.Status, store.StatusCompleted)
			}
			if st.TotalBatches != 3 || st.ProcessedBatches != 3 {
				t.Errorf("batches = %d/%d, want 3/3", st.ProcessedBatches, st.TotalBatches)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation %s did not settle", res.OperationID)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSubmitInvalid(t *testing.T) {
	ts := startServer(t)
	c := client.New(ts.URL)

	if _, err := c.Submit(store.KindCreate, nil); err == nil {
		t.Fatal("empty submit accepted")
	}
	if _, err := c.Status("op_missing"); err == nil {
		t.Fatal("unknown operation returned a status")
	}
}

func TestResultErrors(t *testing.T) {
	ts := startServer(t)
	c := client.New(ts.URL)

	// Deletes of entities that never existed fail the batch.
	res, err := c.Submit(store.KindDelete, sampleEntities(3))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		st, err := c.Status(res.OperationID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if store.IsTerminalStatus(st.Status) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("operation did not settle")
		}
		time.Sleep(20 * time.Millisecond)
	}

	out, err := c.Result(res.OperationID)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if out.Status != store.StatusFailed {
		t.Errorf("status = %q, want %q", out.Status, store.StatusFailed)
	}
	if len(out.Errors) != 1 {
		t.Errorf("errors = %v, want 1 entry", out.Errors)
	}
}

func TestWatchStreamsProgress(t *testing.T) {
	ts := startServer(t)
	c := client.New(ts.URL)

	res, err := c.Submit(store.KindCreate, sampleEntities(30))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snaps, err := c.Watch(ctx, res.OperationID)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	for snap := range snaps {
		if snap.OperationID != res.OperationID {
			t.Errorf("snapshot for %q", snap.OperationID)
		}
		if store.IsTerminalStatus(snap.Status) {
			if snap.Status != store.StatusCompleted {
				t.Errorf("final status = %q", snap.Status)
			}
			return
		}
	}
	t.Fatal("watch channel closed before a terminal snapshot")
}
