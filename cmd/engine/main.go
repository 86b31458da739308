package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/goalfunder/internal/alerts"
	"github.com/dvloznov/goalfunder/internal/api/handlers"
	"github.com/dvloznov/goalfunder/internal/api/middleware"
	"github.com/dvloznov/goalfunder/internal/engine"
	"github.com/dvloznov/goalfunder/internal/feed"
	"github.com/dvloznov/goalfunder/internal/goals"
	infraBQ "github.com/dvloznov/goalfunder/internal/infra/bigquery"
	"github.com/dvloznov/goalfunder/internal/ledger"
	"github.com/dvloznov/goalfunder/internal/logger"
	"github.com/dvloznov/goalfunder/internal/reconcile"
	"github.com/dvloznov/goalfunder/internal/rules"
	"github.com/dvloznov/goalfunder/internal/scheduler"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

func main() {
	// Parse command-line flags
	var (
		port      = flag.String("port", "8080", "HTTP server port")
		storage   = flag.String("storage", envOr("STORAGE_BACKEND", "inmemory"), "storage backend: inmemory or bigquery")
		rulesPath = flag.String("rules", os.Getenv("RULES_FILE"), "path to JSON rule configs loaded at startup (or set RULES_FILE env)")
		fundsAPI  = flag.String("funds-api", os.Getenv("FUNDS_API_URL"), "funds-movement API base URL (or set FUNDS_API_URL env)")
		feedAPI   = flag.String("feed-api", os.Getenv("FEED_API_URL"), "account feed API base URL (or set FEED_API_URL env)")
		bucket    = flag.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for drift reports (or set GCS_BUCKET env)")
	)
	flag.Parse()

	// Initialize logger
	log := logger.New()

	if *fundsAPI == "" {
		log.Fatal().Msg("No funds-movement API configured - set -funds-api or FUNDS_API_URL")
	}

	ctx := context.Background()

	// In-memory store always backs rule configs and authorizations; goals and
	// the contribution ledger move to BigQuery in production.
	memory := goals.NewInMemoryStore()

	var (
		goalStore   goals.Store  = memory
		ledgerStore ledger.Store = ledger.NewInMemoryStore()
	)
	if *storage == "bigquery" {
		goalRepo, err := infraBQ.NewGoalRepository(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create goal repository")
		}
		defer goalRepo.Close()

		contribRepo, err := infraBQ.NewContributionRepository(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create contribution repository")
		}
		defer contribRepo.Close()

		goalStore = goalRepo
		ledgerStore = contribRepo
		log.Info().Msg("Using BigQuery storage backend")
	} else {
		log.Info().Msg("Using in-memory storage backend")
	}

	// Load rule configs
	if *rulesPath != "" {
		count, err := loadRuleConfigs(ctx, *rulesPath, memory)
		if err != nil {
			log.Fatal().Err(err).Str("path", *rulesPath).Msg("Failed to load rule configs")
		}
		log.Info().Int("configs", count).Str("path", *rulesPath).Msg("Rule configs loaded")
	}

	// Alerts: Notion when configured, logs otherwise
	var notifier alerts.Notifier = alerts.NewLogNotifier(log)
	if token, db := os.Getenv("NOTION_TOKEN"), os.Getenv("NOTION_ALERTS_DB"); token != "" && db != "" {
		notifier = alerts.NewNotionNotifier(alerts.NewNotionClient(token), db)
		log.Info().Msg("Notion alerts enabled")
	}

	// External funds movement
	mover := transfer.NewHTTPMover(*fundsAPI, os.Getenv("FUNDS_API_TOKEN"))

	// Transfer orchestrator and trigger dispatcher
	failures := transfer.NewFailureLog()
	pending := transfer.NewPendingLog()
	orchestrator := transfer.NewOrchestrator(mover, ledgerStore, goalStore, memory, failures, notifier, log, transfer.Options{})

	source := feed.NewChannelSource(256)
	states := rules.NewInMemoryStateStore()
	dispatcher := scheduler.New(goalStore, memory, memory, states, ledgerStore, failures, pending, orchestrator, source, notifier, log, scheduler.Options{})

	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	defer cancelScheduler()
	if err := dispatcher.Start(schedulerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	// Balance reconciler, when the feed API is reachable
	var reconciler *reconcile.Reconciler
	if *feedAPI != "" {
		var archiver reconcile.Archiver
		if *bucket != "" {
			archiver = reconcile.NewGCSArchiver(*bucket)
		} else {
			log.Warn().Msg("No GCS bucket configured - drift reports will not be archived")
		}
		balances := feed.NewHTTPBalanceProvider(*feedAPI, os.Getenv("FEED_API_TOKEN"))
		reconciler = reconcile.New(goalStore, ledgerStore, balances, mover, notifier, archiver, log, reconcile.Options{})
		reconciler.Start(schedulerCtx)
	} else {
		log.Warn().Msg("No feed API configured - balance reconciliation disabled")
	}

	// Engine service and HTTP surface
	service := engine.NewService(goalStore, memory, memory, ledgerStore, dispatcher, failures, pending, log)
	goalsHandler := handlers.NewGoalsHandler(service, log)
	feedHandler := handlers.NewFeedHandler(source, log)

	mux := http.NewServeMux()
	goalsHandler.RegisterRoutes(mux)
	feedHandler.RegisterRoutes(mux)

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(
					middleware.Auth(os.Getenv("ENGINE_API_TOKEN"))(mux),
				),
			),
		),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", *port).Msg("Starting engine server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the feed first so the scheduler drains, then the loops.
	source.Close()
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping scheduler")
	}
	if reconciler != nil {
		if err := reconciler.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping reconciler")
		}
	}
	cancelScheduler()

	log.Info().Msg("Engine exited")
}

// loadRuleConfigs reads a JSON array of goal automation configs and saves
// them into the config store. Each config is validated on decode.
func loadRuleConfigs(ctx context.Context, path string, store goals.ConfigStore) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var configs []rules.Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return 0, err
	}
	for i := range configs {
		if err := store.SaveConfig(ctx, &configs[i]); err != nil {
			return 0, err
		}
	}
	return len(configs), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
