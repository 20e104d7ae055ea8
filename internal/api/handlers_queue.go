package api

import (
	"net/http"

	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

// TargetImporter persists new targets before they are queued.
type TargetImporter interface {
	Import(targets []models.CallTarget) (int, error)
}

type QueueHandler struct {
	engine   *dialer.Engine
	importer TargetImporter
}

func NewQueueHandler(engine *dialer.Engine, importer TargetImporter) *QueueHandler {
	return &QueueHandler{engine: engine, importer: importer}
}

// Get handles GET /queue
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Queue())
}

// Shuffle handles POST /queue/shuffle
func (h *QueueHandler) Shuffle(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ShuffleQueue(); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Queue())
}

// Requeue handles POST /queue/requeue
func (h *QueueHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTargetIDs(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, models.BulkResponse{Affected: h.engine.BulkRequeue(req.TargetIDs)})
}

// Remove handles POST /queue/remove
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTargetIDs(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, models.BulkResponse{Affected: h.engine.BulkRemove(req.TargetIDs)})
}

// Enqueue handles POST /queue/targets
func (h *QueueHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "targets array is required")
		return
	}
	for _, t := range req.Targets {
		if t.ID == "" || t.PrimaryNumber == "" {
			writeError(w, http.StatusBadRequest, "every target needs an id and a primaryNumber")
			return
		}
	}
	if h.importer != nil {
		if _, err := h.importer.Import(req.Targets); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, models.BulkResponse{Affected: h.engine.Enqueue(req.Targets)})
}

func decodeTargetIDs(w http.ResponseWriter, r *http.Request) (models.TargetIDsRequest, bool) {
	var req models.TargetIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, false
	}
	if len(req.TargetIDs) == 0 {
		writeError(w, http.StatusBadRequest, "targetIds array is required")
		return req, false
	}
	return req, true
}
