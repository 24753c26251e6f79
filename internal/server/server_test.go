package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/hub"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/server"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/tracker"
	"github.com/droverhq/drover/internal/worker"
)

// testServer wires the full pipeline behind an httptest server: workers
// consume from a real queue so submitted operations actually run.
type testServer struct {
	ts    *httptest.Server
	store *store.Store
}

func newTestServer(t *testing.T, cfg server.Config) *testServer {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewStore(db)

	q, err := queue.Open(queue.BackendBadger, t.TempDir(), queue.Config{
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

	srv := server.New(s, d, tr, h, q, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, store: s}
}

func (ts *testServer) post(t *testing.T, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func bulkBody(n int) map[string]interface{} {
	entities := make([]json.RawMessage, n)
	for i := range entities {
		entities[i] = json.RawMessage(fmt.Sprintf(`{"id":"s%d","name":"entity %d"}`, i, i))
	}
	return map[string]interface{}{"entities": entities}
}

// waitTerminal polls the status endpoint until the operation settles.
func (ts *testServer) waitTerminal(t *testing.T, opID string) store.Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := ts.get(t, "/api/v1/status/"+opID)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d: %s", resp.StatusCode, body)
		}
		var snap store.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if store.IsTerminalStatus(snap.Status) {
			return snap
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("operation %s did not settle", opID)
	return store.Snapshot{}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	resp, body := ts.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestBulkCreateFlow(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	resp, body := ts.post(t, "/api/v1/bulk-create", bulkBody(25))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var accepted struct {
		OperationID string `json:"operation_id"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if accepted.OperationID == "" {
		t.Fatal("no operation_id in response")
	}
	if !strings.Contains(accepted.Message, "3 batches") {
		t.Errorf("message = %q, want 3 batches", accepted.Message)
	}

	snap := ts.waitTerminal(t, accepted.OperationID)
	if snap.Status != store.StatusCompleted {
		t.Errorf("status = %q, want %q", snap.Status, store.StatusCompleted)
	}
	if snap.ProcessedBatches != 3 || snap.FailedBatches != 0 {
		t.Errorf("counters = %d/%d, want 3/0", snap.ProcessedBatches, snap.FailedBatches)
	}

	// Applied entities are readable.
	resp, body = ts.get(t, "/api/v1/entities/s12")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET entity = %d", resp.StatusCode)
	}
	var ent struct {
		Name string `json:"name"`
	}
	json.Unmarshal(body, &ent)
	if ent.Name != "entity 12" {
		t.Errorf("entity body = %s", body)
	}
}

func TestBulkCreateEmptyEntities(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	resp, body := ts.post(t, "/api/v1/bulk-create", map[string]interface{}{"entities": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var errResp struct {
		Code string `json:"code"`
	}
	json.Unmarshal(body, &errResp)
	if errResp.Code != "INVALID_REQUEST" {
		t.Errorf("code = %q, want INVALID_REQUEST", errResp.Code)
	}
}

func TestBulkCreateMalformedBody(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	resp, err := http.Post(ts.ts.URL+"/api/v1/bulk-create", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusNotFound(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	for _, path := range []string{
		"/api/v1/status/op_missing",
		"/api/v1/result/op_missing",
		"/api/v1/entities/missing",
	} {
		resp, _ := ts.get(t, path)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestResultIncludesBatchErrors(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	// Updating entities that do not exist fails every batch.
	resp, body := ts.post(t, "/api/v1/bulk-update", bulkBody(5))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var accepted struct {
		OperationID string `json:"operation_id"`
	}
	json.Unmarshal(body, &accepted)

	snap := ts.waitTerminal(t, accepted.OperationID)
	if snap.Status != store.StatusFailed {
		t.Fatalf("status = %q, want %q", snap.Status, store.StatusFailed)
	}

	_, body = ts.get(t, "/api/v1/result/"+accepted.OperationID)
	var res struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors = %v, want 1 entry", res.Errors)
	}
	if !strings.HasPrefix(res.Errors[0], "batch 0:") {
		t.Errorf("error = %q, want batch 0 prefix", res.Errors[0])
	}
}

func TestQueueStats(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	resp, body := ts.get(t, "/api/v1/queue/stats")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st queue.Stats
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}

func TestAPITokenAuth(t *testing.T) {
	ts := newTestServer(t, server.Config{APIToken: "secret-token"})

	// No token.
	resp, _ := ts.get(t, "/api/v1/queue/stats")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}

	// Wrong token.
	req, _ := http.NewRequest("GET", ts.ts.URL+"/api/v1/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", resp.StatusCode)
	}

	// Correct token.
	req, _ = http.NewRequest("GET", ts.ts.URL+"/api/v1/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = ts.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	ts := newTestServer(t, server.Config{JWTSecret: "jwt-secret"})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("jwt-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req, _ := http.NewRequest("GET", ts.ts.URL+"/api/v1/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid JWT = %d, want 200", resp.StatusCode)
	}

	bad, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
	}).SignedString([]byte("other-secret"))
	req, _ = http.NewRequest("GET", ts.ts.URL+"/api/v1/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("forged JWT = %d, want 401", resp.StatusCode)
	}
}

func TestWatchWebSocket(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	// Settle an operation first; the subscribe is then seeded with its
	// terminal snapshot without waiting for live pushes.
	_, body := ts.post(t, "/api/v1/bulk-create", bulkBody(5))
	var accepted struct {
		OperationID string `json:"operation_id"`
	}
	json.Unmarshal(body, &accepted)
	ts.waitTerminal(t, accepted.OperationID)

	wsURL := "ws" + strings.TrimPrefix(ts.ts.URL, "http") + "/api/v1/watch"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]string{"operation_id": accepted.OperationID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var snap store.Snapshot
	if err := ws.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.OperationID != accepted.OperationID {
		t.Errorf("snapshot for %q, want %q", snap.OperationID, accepted.OperationID)
	}
	if snap.Status != store.StatusCompleted {
		t.Errorf("status = %q, want %q", snap.Status, store.StatusCompleted)
	}
}

func TestOperationEventsSSE(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	_, body := ts.post(t, "/api/v1/bulk-create", bulkBody(3))
	var accepted struct {
		OperationID string `json:"operation_id"`
	}
	json.Unmarshal(body, &accepted)
	ts.waitTerminal(t, accepted.OperationID)

	resp, err := http.Get(ts.ts.URL + "/api/v1/operations/" + accepted.OperationID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	// A terminal operation yields one finished event and the stream ends.
	var sawFinished bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: operation.finished" {
			sawFinished = true
		}
	}
	if !sawFinished {
		t.Error("no operation.finished event in stream")
	}
}

func TestOperationEventsNotFound(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	resp, _ := ts.get(t, "/api/v1/operations/op_missing/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
