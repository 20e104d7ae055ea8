package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
	"github.com/stads98/telnyx-crm-sub001/internal/dispositions"
	"github.com/stads98/telnyx-crm-sub001/internal/metrics"
	"github.com/stads98/telnyx-crm-sub001/internal/store"
	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(
	db *store.DB,
	engine *dialer.Engine,
	catalog *dispositions.Catalog,
	targets TargetImporter,
	registry *telephony.Registry,
	verifier *telephony.WebhookVerifier,
	carrier CarrierChecker,
	media MediaChecker,
	m *metrics.Metrics,
	apiKey string,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Metrics(m))
	r.Use(Recovery(logger))

	// Handlers
	healthH := NewHealthHandler(db, carrier, media, func() int { return engine.Queue().Total })
	dialerH := NewDialerHandler(engine)
	lineH := NewLineHandler(engine)
	queueH := NewQueueHandler(engine, targets)
	historyH := NewHistoryHandler(engine, catalog)
	webhookH := NewWebhookHandler(registry, verifier, logger)
	eventsH := NewEventsHandler(engine, logger)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)
	r.Method("GET", "/metrics", m.Handler())
	r.Post("/webhooks/carrier", webhookH.Carrier)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Get("/status", dialerH.Status)
		r.Get("/events", eventsH.Stream)
		r.Get("/dispositions", historyH.Dispositions)

		r.Route("/dialer", func(r chi.Router) {
			r.Post("/start", dialerH.Start)
			r.Post("/pause", dialerH.Pause)
			r.Post("/resume", dialerH.Resume)
			r.Post("/stop", dialerH.Stop)
		})

		r.Post("/manual/dial", dialerH.ManualDial)
		r.Post("/manual/direct", dialerH.DirectCall)

		r.Route("/lines", func(r chi.Router) {
			r.Get("/", lineH.List)
			r.Post("/{n}/hangup", lineH.Hangup)
			r.Post("/{n}/disposition", lineH.Disposition)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", queueH.Get)
			r.Post("/shuffle", queueH.Shuffle)
			r.Post("/requeue", queueH.Requeue)
			r.Post("/remove", queueH.Remove)
			r.Post("/targets", queueH.Enqueue)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", historyH.List)
			r.Patch("/{id}", historyH.Correct)
		})
	})

	return r
}
