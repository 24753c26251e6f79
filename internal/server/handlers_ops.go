package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

type bulkRequest struct {
	Entities  []json.RawMessage `json:"entities"`
	BatchSize int               `json:"batch_size,omitempty"`
}

type bulkResponse struct {
	OperationID string `json:"operation_id"`
	Message     string `json:"message"`
}

// handleBulk accepts a bulk mutation of the given kind and returns the
// operation id. The operation is observable via status/result immediately.
func (s *Server) handleBulk(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "INVALID_REQUEST")
			return
		}
		opID, err := s.dispatcher.Submit(r.Context(), kind, req.Entities, req.BatchSize)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		op, err := s.store.GetOperation(opID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, bulkResponse{
			OperationID: opID,
			Message:     fmt.Sprintf("bulk %s accepted: %d batches queued", kind, op.TotalBatches),
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operation_id")
	snap, err := s.store.GetSnapshot(opID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type resultResponse struct {
	OperationID      string   `json:"operation_id"`
	Status           string   `json:"status"`
	TotalBatches     int      `json:"total_batches"`
	ProcessedBatches int      `json:"processed_batches"`
	FailedBatches    int      `json:"failed_batches"`
	Errors           []string `json:"errors"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operation_id")
	op, errs, err := s.tracker.Result(opID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := resultResponse{
		OperationID:      op.ID,
		Status:           op.Status,
		TotalBatches:     op.TotalBatches,
		ProcessedBatches: op.ProcessedBatches,
		FailedBatches:    op.FailedBatches,
		Errors:           make([]string, 0, len(errs)),
	}
	for _, e := range errs {
		out.Errors = append(out.Errors, fmt.Sprintf("batch %d: %s", e.BatchIndex, e.Message))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := s.store.GetEntity(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}
