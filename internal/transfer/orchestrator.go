package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/goalfunder/internal/alerts"
	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
)

const (
	defaultMaxAttempts = 4
	defaultBackoffBase = 2 * time.Second
	defaultCallTimeout = 30 * time.Second
)

// Options tune the orchestrator's retry behavior.
type Options struct {
	// MaxAttempts bounds how many times a retryable failure is retried
	// before escalating to fatal.
	MaxAttempts int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	// CallTimeout bounds each external funds-movement call.
	CallTimeout time.Duration
}

// Orchestrator executes approved trigger records against the external
// funds-movement API. The external call happens-before the ledger append; a
// crash in between is healed by reconciliation, which finds the external
// transfer by its idempotency key and backfills the ledger exactly once.
type Orchestrator struct {
	mover    FundsMover
	ledger   ledger.Store
	goals    goals.Store
	auths    goals.AuthorizationStore
	failures *FailureLog
	notifier alerts.Notifier
	log      zerolog.Logger
	opts     Options

	// now is swappable for tests.
	now func() time.Time

	// sleep is swappable for tests so backoff does not slow the suite.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires an orchestrator. Zero-valued Options fields fall back
// to defaults.
func NewOrchestrator(mover FundsMover, ledgerStore ledger.Store, goalStore goals.Store, auths goals.AuthorizationStore, failures *FailureLog, notifier alerts.Notifier, log zerolog.Logger, opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Orchestrator{
		mover:    mover,
		ledger:   ledgerStore,
		goals:    goalStore,
		auths:    auths,
		failures: failures,
		notifier: notifier,
		log:      log,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Execute runs one trigger record end to end: authorization gate, external
// transfer with retry, ledger append, goal update. It returns
// *AuthorizationRequiredError when consent is missing or revoked (the record
// is dropped without consuming its period) and *FatalFailure when the
// transfer permanently failed.
func (o *Orchestrator) Execute(ctx context.Context, rec TriggerRecord) (*Result, error) {
	log := o.log.With().
		Str("goal_id", rec.GoalID).
		Str("rule_id", rec.RuleID).
		Str("period_key", rec.PeriodKey).
		Str("amount", rec.Amount.String()).
		Logger()

	// Authorization is re-checked here, not only at dispatch: a revocation
	// that lands while the record sits in the queue must drop it unexecuted.
	auth, err := o.auths.GetAuthorization(ctx, rec.GoalID)
	if err != nil {
		return nil, fmt.Errorf("execute: loading authorization: %w", err)
	}
	if !auth.Active() {
		log.Info().Msg("Transfer suppressed: authorization missing or revoked")
		return nil, &AuthorizationRequiredError{GoalID: rec.GoalID}
	}

	externalID, err := o.callWithRetry(ctx, rec, log)
	if err != nil {
		var fatal *FatalFailure
		if errors.As(err, &fatal) {
			o.failures.MarkFailed(rec, fatal.Reason)
			o.notifyFatal(ctx, rec, fatal)
			log.Error().Err(fatal).Msg("Transfer permanently failed")
		}
		return nil, err
	}

	contribution := &domain.Contribution{
		GoalID:             rec.GoalID,
		Amount:             rec.Amount,
		Date:               civil.DateOf(o.now()),
		Source:             domain.ContributionSourceAutomatic,
		TransactionID:      rec.TransactionID,
		RuleID:             rec.RuleID,
		PeriodKey:          rec.PeriodKey,
		ExternalTransferID: externalID,
	}

	if err := o.ledger.Append(ctx, contribution); err != nil {
		if errors.Is(err, ledger.ErrDuplicateContribution) {
			// A concurrent or retried execution already recorded this
			// trigger. The idempotency key guarantees the external API moved
			// money once, so this is "already processed", not a failure.
			existing, getErr := o.ledger.GetByKey(ctx, rec.GoalID, rec.RuleID, rec.PeriodKey)
			if getErr != nil {
				return nil, fmt.Errorf("execute: loading existing contribution: %w", getErr)
			}
			log.Debug().Msg("Trigger already recorded, skipping")
			return &Result{ExternalTransferID: existing.ExternalTransferID, ContributionID: existing.ID}, nil
		}
		return nil, fmt.Errorf("execute: ledger append: %w", err)
	}

	if _, err := o.goals.UpdateGoal(ctx, rec.GoalID, func(g *domain.Goal) error {
		g.ApplyContribution(rec.Amount, o.now())
		return nil
	}); err != nil {
		// The ledger entry exists, so the money and the audit trail are
		// safe; only the cached total is stale until reconciliation.
		log.Error().Err(err).Msg("Failed to update goal total after contribution")
	}

	log.Info().
		Str("external_transfer_id", externalID).
		Str("contribution_id", contribution.ID).
		Msg("Automated contribution recorded")

	return &Result{ExternalTransferID: externalID, ContributionID: contribution.ID}, nil
}

// callWithRetry invokes the funds-movement API with the trigger's idempotency
// key, retrying retryable failures with exponential backoff. Exhausting the
// attempt limit escalates to a fatal failure.
func (o *Orchestrator) callWithRetry(ctx context.Context, rec TriggerRecord, log zerolog.Logger) (string, error) {
	idempotencyKey := domain.DedupKey(rec.GoalID, rec.RuleID, rec.PeriodKey)

	var lastErr error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
		externalID, err := o.mover.Transfer(callCtx, rec.SourceAccountID, rec.DestinationAccountID, rec.Amount, idempotencyKey)
		cancel()

		if err == nil {
			return externalID, nil
		}

		classified := classify(err)
		var retryable *RetryableFailure
		if !errors.As(classified, &retryable) {
			return "", classified
		}

		lastErr = classified
		log.Warn().Err(err).Int("attempt", attempt).Msg("Retryable transfer failure")

		if attempt == o.opts.MaxAttempts {
			break
		}
		backoff := o.opts.BackoffBase << (attempt - 1)
		if err := o.sleep(ctx, backoff); err != nil {
			return "", &RetryableFailure{Err: err}
		}
	}

	return "", &FatalFailure{Reason: "retry attempts exhausted", Err: lastErr}
}

func (o *Orchestrator) notifyFatal(ctx context.Context, rec TriggerRecord, fatal *FatalFailure) {
	err := o.notifier.Notify(ctx, alerts.Alert{
		Kind:   alerts.KindTransferFailed,
		GoalID: rec.GoalID,
		Title:  "Automated transfer failed",
		Detail: fmt.Sprintf("rule %s period %s amount %s: %s", rec.RuleID, rec.PeriodKey, rec.Amount.String(), fatal.Error()),
		At:     o.now(),
	})
	if err != nil {
		o.log.Error().Err(err).Str("goal_id", rec.GoalID).Msg("Failed to deliver transfer-failure alert")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
