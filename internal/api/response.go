package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
	"github.com/stads98/telnyx-crm-sub001/internal/dispositions"
	"github.com/stads98/telnyx-crm-sub001/internal/lines"
	"github.com/stads98/telnyx-crm-sub001/internal/queue"
	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps dialer errors onto status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lines.ErrLineNotFound), errors.Is(err, dialer.ErrHistoryNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispositions.ErrUnknownDisposition), errors.Is(err, dialer.ErrTooManyNumbers),
		errors.Is(err, telephony.ErrNotRoutable):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dialer.ErrAlreadyRunning), errors.Is(err, dialer.ErrNotRunning),
		errors.Is(err, dialer.ErrQueueEmpty), errors.Is(err, dialer.ErrNoDispositionPending),
		errors.Is(err, dialer.ErrLineIdle), errors.Is(err, dialer.ErrLinesBusy),
		errors.Is(err, queue.ErrShuffleWhileDialing):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dialer.ErrNoMedia):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("empty body")
	}
	return json.Unmarshal(body, v)
}

// lineParam reads the {n} path parameter.
func lineParam(r *http.Request) (int, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		return 0, fmt.Errorf("invalid line number %q", chi.URLParam(r, "n"))
	}
	return n, nil
}
