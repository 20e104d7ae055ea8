package api

import (
	"net/http"

	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

type DialerHandler struct {
	engine *dialer.Engine
}

func NewDialerHandler(engine *dialer.Engine) *DialerHandler {
	return &DialerHandler{engine: engine}
}

// Status handles GET /status
func (h *DialerHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Start handles POST /dialer/start
func (h *DialerHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Start(r.Context()); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Pause handles POST /dialer/pause
func (h *DialerHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Resume handles POST /dialer/resume
func (h *DialerHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Stop handles POST /dialer/stop
func (h *DialerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Stop(); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// ManualDial handles POST /manual/dial
func (h *DialerHandler) ManualDial(w http.ResponseWriter, r *http.Request) {
	var req models.ManualDialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Numbers) == 0 {
		writeError(w, http.StatusBadRequest, "numbers array is required")
		return
	}
	if err := h.engine.Dial(r.Context(), req); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.engine.Status())
}

// DirectCall handles POST /manual/direct
func (h *DialerHandler) DirectCall(w http.ResponseWriter, r *http.Request) {
	var req models.DirectCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}
	line, err := h.engine.DirectCall(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}
