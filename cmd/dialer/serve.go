package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stads98/telnyx-crm-sub001/internal/api"
	"github.com/stads98/telnyx-crm-sub001/internal/automation"
	"github.com/stads98/telnyx-crm-sub001/internal/callerid"
	"github.com/stads98/telnyx-crm-sub001/internal/dialer"
	"github.com/stads98/telnyx-crm-sub001/internal/dispositions"
	"github.com/stads98/telnyx-crm-sub001/internal/media"
	"github.com/stads98/telnyx-crm-sub001/internal/metrics"
	"github.com/stads98/telnyx-crm-sub001/internal/store"
	"github.com/stads98/telnyx-crm-sub001/internal/telephony"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dialer API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if err := cfg.ValidateForServe(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	// SQLite
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// Stores
	targetStore := store.NewTargetStore(db)
	sessionStore := store.NewSessionStore(db)
	automationStore := store.NewAutomationStore(db)

	catalog, err := dispositions.Load(cfg.DispositionsPath, cfg.DispositionNameFallback)
	if err != nil {
		return fmt.Errorf("load dispositions: %w", err)
	}

	// External services
	verifier, err := telephony.NewWebhookVerifier(cfg.CarrierWebhookPublicKey)
	if err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	registry := telephony.NewRegistry(cfg.RegistryTTL)
	carrier := telephony.NewClient(telephony.ClientOptions{
		BaseURL:        cfg.CarrierBaseURL,
		APIKey:         cfg.CarrierAPIKey,
		ConnectionID:   cfg.CarrierConnectionID,
		WebhookURL:     cfg.CarrierWebhookURL,
		OperatorTarget: cfg.OperatorSIPURI,
	}, registry)
	mediaClient := media.NewClient(cfg.MediaGatewayURL, cfg.MediaToken, logger)
	defer mediaClient.Close()
	executor := automation.NewExecutor(cfg.AutomationWebhookURL, cfg.AutomationToken, automationStore, logger)
	m := metrics.New(cfg.MetricsNamespace)

	engine := dialer.New(dialer.Deps{
		Carrier:    carrier,
		Media:      mediaClient,
		CallerIDs:  callerid.New(cfg.CallerIDs),
		Ledger:     targetStore,
		Catalog:    catalog,
		Automation: executor,
		Persister:  sessionStore,
		Metrics:    m,
		Logger:     logger,
	}, dialer.Options{
		MaxLines:            cfg.MaxLines,
		PollInterval:        cfg.PollInterval,
		CampaignPollTimeout: cfg.CampaignPollTimeout,
		ManualPollTimeout:   cfg.ManualPollTimeout,
		SettleDelay:         cfg.SettleDelay,
		DialStagger:         cfg.DialStagger,
		FailureBackoff:      cfg.FailureBackoff,
		RequeueArbitrated:   cfg.RequeueArbitrated,
	})

	// Restore the previous session
	pending, err := targetStore.Pending()
	if err != nil {
		return fmt.Errorf("load pending targets: %w", err)
	}
	state, history, found, err := sessionStore.Load()
	if err != nil {
		logger.Warn("saved session unreadable, starting fresh", "error", err)
		found = false
	}
	if found {
		engine.Restore(&state, history, pending)
	} else {
		engine.Restore(nil, nil, pending)
	}
	logger.Info("session restored", "queued", engine.Queue().Total, "history", len(engine.History()), "resumed", found)

	// Router
	router := api.NewRouter(db, engine, catalog, targetStore, registry, verifier, carrier, mediaClient, m, cfg.APIKey, logger)

	// Server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("dialer server starting", "addr", addr, "lines", cfg.MaxLines)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return engine.Run(gctx)
	})
	g.Go(func() error {
		registry.Run(gctx, cfg.RegistrySweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		if err := catalog.Watch(gctx, logger); err != nil {
			logger.Warn("disposition hot reload disabled", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
