package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/dvloznov/goalfunder/internal/alerts"
	"github.com/dvloznov/goalfunder/internal/feed"
	infraBQ "github.com/dvloznov/goalfunder/internal/infra/bigquery"
	"github.com/dvloznov/goalfunder/internal/logger"
	"github.com/dvloznov/goalfunder/internal/reconcile"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

// One-shot reconciliation pass over BigQuery-backed goals. Meant for cron or
// manual runs; the long-running engine reconciles on its own timer.
func main() {
	var (
		goalID   = flag.String("goal", "", "reconcile only this goal (default: all automation candidates)")
		fundsAPI = flag.String("funds-api", os.Getenv("FUNDS_API_URL"), "funds-movement API base URL (or set FUNDS_API_URL env)")
		feedAPI  = flag.String("feed-api", os.Getenv("FEED_API_URL"), "account feed API base URL (or set FEED_API_URL env)")
		bucket   = flag.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for drift reports (or set GCS_BUCKET env)")
		timeout  = flag.Duration("timeout", 10*time.Minute, "overall pass timeout")
	)
	flag.Parse()

	log := logger.New()

	if *fundsAPI == "" {
		log.Fatal().Msg("No funds-movement API configured - set -funds-api or FUNDS_API_URL")
	}
	if *feedAPI == "" {
		log.Fatal().Msg("No feed API configured - set -feed-api or FEED_API_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

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

	var notifier alerts.Notifier = alerts.NewLogNotifier(log)
	if token, db := os.Getenv("NOTION_TOKEN"), os.Getenv("NOTION_ALERTS_DB"); token != "" && db != "" {
		notifier = alerts.NewNotionNotifier(alerts.NewNotionClient(token), db)
	}

	var archiver reconcile.Archiver
	if *bucket != "" {
		archiver = reconcile.NewGCSArchiver(*bucket)
	}

	mover := transfer.NewHTTPMover(*fundsAPI, os.Getenv("FUNDS_API_TOKEN"))
	balances := feed.NewHTTPBalanceProvider(*feedAPI, os.Getenv("FEED_API_TOKEN"))

	reconciler := reconcile.New(goalRepo, contribRepo, balances, mover, notifier, archiver, log, reconcile.Options{})

	if *goalID != "" {
		outcome, err := reconciler.ReconcileGoal(ctx, *goalID)
		if err != nil {
			log.Fatal().Err(err).Str("goal_id", *goalID).Msg("Reconciliation failed")
		}
		log.Info().
			Str("goal_id", outcome.GoalID).
			Str("external_balance", outcome.ExternalBalance.String()).
			Str("ledger_total", outcome.LedgerTotal.String()).
			Int("backfilled", outcome.Backfilled).
			Bool("drift_detected", outcome.DriftDetected).
			Msg("Reconciliation complete")
		return
	}

	reconciler.ReconcileAll(ctx)
	log.Info().Msg("Reconciliation pass complete")
}
