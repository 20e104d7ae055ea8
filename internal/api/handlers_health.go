package api

import (
	"context"
	"net/http"
	"time"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
	"github.com/stads98/telnyx-crm-sub001/internal/store"
)

// CarrierChecker reports carrier API reachability.
type CarrierChecker interface {
	HealthCheck(ctx context.Context) error
}

// MediaChecker reports whether the operator's media client is registered.
type MediaChecker interface {
	HealthCheck() error
}

type HealthHandler struct {
	db      *store.DB
	carrier CarrierChecker
	media   MediaChecker
	queued  func() int
}

func NewHealthHandler(db *store.DB, carrier CarrierChecker, media MediaChecker, queued func() int) *HealthHandler {
	return &HealthHandler{db: db, carrier: carrier, media: media, queued: queued}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status: "ok",
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// Check carrier
	if h.carrier != nil {
		if err := h.carrier.HealthCheck(ctx); err != nil {
			resp.Carrier = models.ServiceCheck{Status: "error", Message: err.Error()}
			resp.Status = "degraded"
		} else {
			resp.Carrier = models.ServiceCheck{Status: "ok"}
		}
	}

	// The media client registers lazily on the first dial, so an
	// unregistered client is reported without degrading the service.
	if h.media != nil {
		if err := h.media.HealthCheck(); err != nil {
			resp.Media = models.ServiceCheck{Status: "idle", Message: err.Error()}
		} else {
			resp.Media = models.ServiceCheck{Status: "ok"}
		}
	}

	// Check DB
	if _, err := h.db.TargetCount(store.TargetPending); err != nil {
		resp.DB = models.ServiceCheck{Status: "error", Message: err.Error()}
		resp.Status = "degraded"
	} else {
		resp.DB = models.ServiceCheck{Status: "ok"}
	}
	if h.queued != nil {
		resp.Queued = h.queued()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
