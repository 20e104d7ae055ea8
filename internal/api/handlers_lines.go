package api

import (
	"net/http"
	"strings"

	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

type LineHandler struct {
	engine *dialer.Engine
}

func NewLineHandler(engine *dialer.Engine) *LineHandler {
	return &LineHandler{engine: engine}
}

// List handles GET /lines
func (h *LineHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Lines())
}

// Hangup handles POST /lines/{n}/hangup
func (h *LineHandler) Hangup(w http.ResponseWriter, r *http.Request) {
	n, err := lineParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.engine.HangupLine(r.Context(), n); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Lines())
}

// Disposition handles POST /lines/{n}/disposition
func (h *LineHandler) Disposition(w http.ResponseWriter, r *http.Request) {
	n, err := lineParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req models.DispositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.DispositionID) == "" {
		writeError(w, http.StatusBadRequest, "dispositionId is required")
		return
	}
	entry, err := h.engine.SelectDisposition(r.Context(), n, req.DispositionID, req.Notes)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}
