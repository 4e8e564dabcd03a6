package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"lendbook/apps/lendbook/internal/batch"
	"lendbook/apps/lendbook/internal/model"
	"lendbook/apps/lendbook/internal/repository"
)

// BatchHandler handles batch endpoints
type BatchHandler struct {
	responder
	db      *repository.Store
	manager *batch.Manager
}

// NewBatchHandler creates a new BatchHandler
func NewBatchHandler(db *repository.Store, manager *batch.Manager, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		responder: responder{logger: logger},
		db:        db,
		manager:   manager,
	}
}

// ListBatches handles GET /api/batches
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	batches, err := h.db.Batches.List(r.Context(), model.BatchStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := BatchListResponse{Batches: make([]*BatchResponse, 0, len(batches))}
	for _, b := range batches {
		response.Batches = append(response.Batches, toBatchResponse(b))
	}
	response.Count = len(response.Batches)
	h.writeJSONResponse(w, http.StatusOK, response)
}

// CurrentBatch handles GET /api/batches/current
func (h *BatchHandler) CurrentBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.manager.EnsureCollectingBatch(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	policy := h.manager.Policy()
	h.writeJSONResponse(w, http.StatusOK, CurrentBatchResponse{
		Batch:            toBatchResponse(b),
		ClosesAt:         b.CreatedAt.Add(policy.CollectionWindow),
		CollectionWindow: policy.CollectionWindow.String(),
		MinOrders:        policy.MinOrders,
		DisplayThreshold: policy.DisplayThreshold,
	})
}

// GetBatch handles GET /api/batches/{batch_id}
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]

	b, err := h.db.Batches.Get(r.Context(), batchID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if b == nil {
		h.writeError(w, fmt.Errorf("%w: batch %s", model.ErrNotFound, batchID))
		return
	}

	matches, err := h.db.Batches.ListMatches(r.Context(), batchID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := toBatchResponse(b)
	for _, m := range matches {
		response.Matches = append(response.Matches, toMatchResponse(m))
	}
	h.writeJSONResponse(w, http.StatusOK, response)
}
