package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

type WebhookHandler struct {
	registry *telephony.Registry
	verifier *telephony.WebhookVerifier
	logger   *slog.Logger
}

// NewWebhookHandler builds the carrier webhook handler. Without a verifier
// every delivery is refused.
func NewWebhookHandler(registry *telephony.Registry, verifier *telephony.WebhookVerifier, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{registry: registry, verifier: verifier, logger: logger}
}

// Carrier handles POST /webhooks/carrier. Events the dialer does not track
// are acknowledged and dropped so the carrier stops retrying them.
func (h *WebhookHandler) Carrier(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if h.verifier == nil {
		writeError(w, http.StatusUnauthorized, "webhook verification not configured")
		return
	}
	if err := h.verifier.Verify(r.Header.Get(telephony.SignatureHeader), r.Header.Get(telephony.TimestampHeader), body); err != nil {
		h.logger.Warn("unsigned carrier webhook", "remote", r.RemoteAddr, "error", err)
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	attemptID, report, ok, err := telephony.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("rejected carrier webhook", "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ok {
		h.registry.Record(attemptID, report)
		h.logger.Debug("carrier event", "attempt", attemptID, "status", report.Status)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
