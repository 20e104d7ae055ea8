package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
	"github.com/stads98/telnyx-crm-sub001/internal/dispositions"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

type HistoryHandler struct {
	engine  *dialer.Engine
	catalog *dispositions.Catalog
}

func NewHistoryHandler(engine *dialer.Engine, catalog *dispositions.Catalog) *HistoryHandler {
	return &HistoryHandler{engine: engine, catalog: catalog}
}

// List handles GET /history
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	history := h.engine.History()
	if history == nil {
		history = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, history)
}

// Correct handles PATCH /history/{id}
func (h *HistoryHandler) Correct(w http.ResponseWriter, r *http.Request) {
	var req models.CorrectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.DispositionID) == "" {
		writeError(w, http.StatusBadRequest, "dispositionId is required")
		return
	}
	entry, err := h.engine.CorrectDisposition(r.Context(), chi.URLParam(r, "id"), req.DispositionID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Dispositions handles GET /dispositions
func (h *HistoryHandler) Dispositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.catalog.List())
}
