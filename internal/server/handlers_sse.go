package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/droverhq/drover/internal/store"
)

// sseConn buffers snapshots for one SSE stream. Send never blocks; under
// pressure events are dropped — the status endpoint remains source of truth.
type sseConn struct {
	ch chan store.Snapshot
}

func (c *sseConn) Send(snapshot store.Snapshot) error {
	select {
	case c.ch <- snapshot:
	default:
	}
	return nil
}

// handleOperationEvents streams progress snapshots for one operation as
// Server-Sent Events until the operation reaches a terminal status or the
// client goes away.
func (s *Server) handleOperationEvents(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operation_id")
	snap, err := s.store.GetSnapshot(opID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSnapshotEvent(w, *snap)
	flusher.Flush()
	if store.IsTerminalStatus(snap.Status) {
		return
	}

	connID := "sse_" + ulid.Make().String()
	conn := &sseConn{ch: make(chan store.Snapshot, 64)}
	s.hub.Subscribe(connID, opID, conn)
	defer s.hub.Disconnect(connID)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		case ev := <-conn.ch:
			writeSnapshotEvent(w, ev)
			flusher.Flush()
			if store.IsTerminalStatus(ev.Status) {
				return
			}
		}
	}
}

func writeSnapshotEvent(w http.ResponseWriter, snap store.Snapshot) {
	evType := "operation.progress"
	if store.IsTerminalStatus(snap.Status) {
		evType = "operation.finished"
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evType, body)
}
