// Package reconcile periodically compares each goal's external destination
// balance against its ledger-derived total, backfills contributions lost to a
// crash between the external transfer and the ledger append, and flags
// unexplained drift for manual review.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/alerts"
	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/feed"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

const defaultInterval = time.Hour

// defaultTolerance absorbs sub-cent rounding between the feed and the ledger.
var defaultTolerance = decimal.NewFromFloat(0.01)

// Options tune the reconciler.
type Options struct {
	// Interval is the reconciliation cadence. Defaults to hourly.
	Interval time.Duration
	// Tolerance is the largest balance gap treated as a match.
	Tolerance decimal.Decimal
}

// Outcome summarizes one goal's reconciliation pass.
type Outcome struct {
	GoalID          string
	ExternalBalance decimal.Decimal
	LedgerTotal     decimal.Decimal
	Backfilled      int
	Drift           decimal.Decimal
	DriftDetected   bool
}

// Reconciler is the balance reconciler. It never deletes or mutates existing
// contributions; it only backfills missing ones and adjusts the goal's cached
// total and drift flag.
type Reconciler struct {
	goals    goals.Store
	ledger   ledger.Store
	balances feed.BalanceProvider
	mover    transfer.FundsMover
	notifier alerts.Notifier
	archiver Archiver
	log      zerolog.Logger
	opts     Options

	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	now func() time.Time
}

// New creates a reconciler. archiver may be nil when no report bucket is
// configured.
func New(goalStore goals.Store, ledgerStore ledger.Store, balances feed.BalanceProvider, mover transfer.FundsMover, notifier alerts.Notifier, archiver Archiver, log zerolog.Logger, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Tolerance.IsZero() {
		opts.Tolerance = defaultTolerance
	}
	return &Reconciler{
		goals:     goalStore,
		ledger:    ledgerStore,
		balances:  balances,
		mover:     mover,
		notifier:  notifier,
		archiver:  archiver,
		log:       log,
		opts:      opts,
		closeChan: make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the periodic reconciliation loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.closeChan:
				return
			case <-ticker.C:
				r.ReconcileAll(ctx)
			}
		}
	}()

	r.log.Info().Dur("interval", r.opts.Interval).Msg("Reconciler started")
}

// Stop shuts the loop down, bounded by ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closeChan) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReconcileAll runs one pass over every goal with a destination account.
// Per-goal errors are logged and skip only that goal.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	candidates, err := r.goals.ListAutomationCandidates(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to list goals for reconciliation")
		return
	}

	for _, goal := range candidates {
		if _, err := r.ReconcileGoal(ctx, goal.ID); err != nil {
			r.log.Error().Err(err).Str("goal_id", goal.ID).Msg("Reconciliation failed, skipping goal")
		}
	}
}

// ReconcileGoal reconciles a single goal and returns what happened.
func (r *Reconciler) ReconcileGoal(ctx context.Context, goalID string) (*Outcome, error) {
	goal, err := r.goals.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if goal.DestinationAccountID == "" {
		return &Outcome{GoalID: goalID}, nil
	}

	external, err := r.balances.GetBalance(ctx, goal.DestinationAccountID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetching external balance: %w", err)
	}

	total, err := r.ledger.TotalForGoal(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: summing ledger: %w", err)
	}

	// First pass for a freshly linked goal: capture the account's starting
	// balance so contributions measure from here on.
	if !goal.InitialBalanceSynced {
		initial := external.Sub(total)
		updated, err := r.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
			g.InitialBalance = initial
			g.InitialBalanceSynced = true
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile: syncing initial balance: %w", err)
		}
		goal = updated
		r.log.Info().Str("goal_id", goalID).Str("initial_balance", initial.String()).
			Msg("Initial balance synced")
	}

	expected := goal.InitialBalance.Add(total)
	gap := external.Sub(expected)

	outcome := &Outcome{GoalID: goalID, ExternalBalance: external, LedgerTotal: total}

	if gap.Abs().GreaterThan(r.opts.Tolerance) {
		backfilled, err := r.backfillUnresolved(ctx, goal)
		if err != nil {
			return nil, err
		}
		outcome.Backfilled = backfilled

		total, err = r.ledger.TotalForGoal(ctx, goalID)
		if err != nil {
			return nil, fmt.Errorf("reconcile: re-summing ledger: %w", err)
		}
		outcome.LedgerTotal = total
		gap = external.Sub(goal.InitialBalance.Add(total))
	}

	drift := gap.Abs().GreaterThan(r.opts.Tolerance)
	outcome.Drift = gap
	outcome.DriftDetected = drift

	if _, err := r.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
		g.CurrentAmount = total
		g.DriftDetected = drift
		g.UpdatedAt = r.now()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reconcile: updating goal: %w", err)
	}

	if drift {
		r.reportDrift(ctx, goal, outcome)
	}

	return outcome, nil
}

// backfillUnresolved finds external transfers whose idempotency key names
// this goal but which have no ledger row (the post-crash state) and appends
// exactly one contribution for each. The ledger's uniqueness key makes a
// repeated backfill a no-op.
func (r *Reconciler) backfillUnresolved(ctx context.Context, goal *domain.Goal) (int, error) {
	transfers, err := r.mover.ListTransfers(ctx, goal.DestinationAccountID)
	if err != nil {
		return 0, fmt.Errorf("reconcile: listing external transfers: %w", err)
	}

	backfilled := 0
	for _, xfer := range transfers {
		goalID, ruleID, periodKey, ok := parseIdempotencyKey(xfer.IdempotencyKey)
		if !ok || goalID != goal.ID {
			continue
		}

		exists, err := r.ledger.Exists(ctx, goalID, ruleID, periodKey)
		if err != nil {
			return backfilled, fmt.Errorf("reconcile: dedup check: %w", err)
		}
		if exists {
			continue
		}

		contribution := &domain.Contribution{
			GoalID:             goalID,
			Amount:             xfer.Amount,
			Date:               civil.DateOf(xfer.ExecutedAt),
			Source:             domain.ContributionSourceAutomatic,
			RuleID:             ruleID,
			PeriodKey:          periodKey,
			ExternalTransferID: xfer.ID,
		}
		if err := r.ledger.Append(ctx, contribution); err != nil {
			if errors.Is(err, ledger.ErrDuplicateContribution) {
				continue
			}
			return backfilled, fmt.Errorf("reconcile: backfill append: %w", err)
		}

		backfilled++
		r.log.Info().
			Str("goal_id", goalID).
			Str("rule_id", ruleID).
			Str("period_key", periodKey).
			Str("external_transfer_id", xfer.ID).
			Msg("Backfilled contribution from external transfer")
	}

	return backfilled, nil
}

// reportDrift flags the gap on the user channel and archives a report.
// Neither step blocks automation.
func (r *Reconciler) reportDrift(ctx context.Context, goal *domain.Goal, outcome *Outcome) {
	r.log.Warn().
		Str("goal_id", goal.ID).
		Str("gap", outcome.Drift.String()).
		Msg("Drift detected: external balance unexplained by ledger")

	if err := r.notifier.Notify(ctx, alerts.Alert{
		Kind:   alerts.KindDriftDetected,
		GoalID: goal.ID,
		Title:  "Balance drift detected",
		Detail: fmt.Sprintf("external balance %s differs from ledger-derived balance by %s", outcome.ExternalBalance.String(), outcome.Drift.String()),
		At:     r.now(),
	}); err != nil {
		r.log.Error().Err(err).Str("goal_id", goal.ID).Msg("Failed to deliver drift alert")
	}

	if r.archiver != nil {
		report := &DriftReport{
			GoalID:          goal.ID,
			AccountID:       goal.DestinationAccountID,
			ExternalBalance: outcome.ExternalBalance,
			LedgerTotal:     outcome.LedgerTotal,
			InitialBalance:  goal.InitialBalance,
			Gap:             outcome.Drift,
			Backfilled:      outcome.Backfilled,
			GeneratedAt:     r.now(),
		}
		uri, err := r.archiver.ArchiveDriftReport(ctx, report)
		if err != nil {
			r.log.Error().Err(err).Str("goal_id", goal.ID).Msg("Failed to archive drift report")
			return
		}
		r.log.Info().Str("goal_id", goal.ID).Str("report_uri", uri).Msg("Drift report archived")
	}
}

// parseIdempotencyKey splits "goalID:ruleID:periodKey". Period keys may
// themselves contain colons, so only the first two separators split.
func parseIdempotencyKey(key string) (goalID, ruleID, periodKey string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
