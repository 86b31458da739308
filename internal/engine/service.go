// Package engine is the surface the rest of the product talks to: manual
// evaluation, authorization management, contribution history, goal lifecycle,
// and forecasting. The HTTP handlers are thin wrappers over this service.
package engine

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

// Evaluator forces an out-of-band evaluation of one goal. Satisfied by
// *scheduler.Scheduler.
type Evaluator interface {
	EvaluateNow(ctx context.Context, goalID string) error
}

// Service wires the engine's externally visible operations.
type Service struct {
	goals     goals.Store
	auths     goals.AuthorizationStore
	configs   goals.ConfigStore
	ledger    ledger.Store
	evaluator Evaluator
	failures  *transfer.FailureLog
	pending   *transfer.PendingLog
	log       zerolog.Logger

	now func() time.Time
}

// NewService creates the engine facade.
func NewService(goalStore goals.Store, auths goals.AuthorizationStore, configs goals.ConfigStore, ledgerStore ledger.Store, evaluator Evaluator, failures *transfer.FailureLog, pending *transfer.PendingLog, log zerolog.Logger) *Service {
	return &Service{
		goals:     goalStore,
		auths:     auths,
		configs:   configs,
		ledger:    ledgerStore,
		evaluator: evaluator,
		failures:  failures,
		pending:   pending,
		log:       log,
		now:       time.Now,
	}
}

// AutomationStatus is the goal's automation panel: whether rules are enabled
// and authorized, plus the trigger records stuck in user-visible states.
type AutomationStatus struct {
	Enabled              bool                      `json:"enabled"`
	Authorized           bool                      `json:"authorized"`
	PendingAuthorization []*transfer.PendingRecord `json:"pending_authorization"`
	FailedTransfers      []*transfer.FailedRecord  `json:"failed_transfers"`
}

// AutomationStatus reports the goal's automation panel state.
func (s *Service) AutomationStatus(ctx context.Context, goalID string) (*AutomationStatus, error) {
	if _, err := s.goals.GetGoal(ctx, goalID); err != nil {
		return nil, err
	}
	cfg, err := s.configs.GetConfig(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("automation status: %w", err)
	}
	auth, err := s.auths.GetAuthorization(ctx, goalID)
	if err != nil {
		return nil, fmt.Errorf("automation status: %w", err)
	}

	return &AutomationStatus{
		Enabled:              cfg != nil && cfg.Enabled,
		Authorized:           auth.Active(),
		PendingAuthorization: s.pending.ListByGoal(goalID),
		FailedTransfers:      s.failures.ListByGoal(goalID),
	}, nil
}

// EvaluateNow runs the "sync now" action for a goal.
func (s *Service) EvaluateNow(ctx context.Context, goalID string) error {
	if _, err := s.goals.GetGoal(ctx, goalID); err != nil {
		return err
	}
	return s.evaluator.EvaluateNow(ctx, goalID)
}

// AuthorizeTransfers records the user's consent to automated transfers for a
// goal. Re-authorizing an already-authorized goal refreshes the grant.
func (s *Service) AuthorizeTransfers(ctx context.Context, goalID string) error {
	if _, err := s.goals.GetGoal(ctx, goalID); err != nil {
		return err
	}

	if err := s.auths.SaveAuthorization(ctx, &domain.TransferAuthorization{
		GoalID:    goalID,
		GrantedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("authorize transfers: %w", err)
	}

	if _, err := s.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
		g.TransferAuthorized = true
		g.UpdatedAt = s.now()
		return nil
	}); err != nil {
		return fmt.Errorf("authorize transfers: %w", err)
	}

	s.log.Info().Str("goal_id", goalID).Msg("Transfers authorized")
	return nil
}

// RevokeAuthorization withdraws consent. Queued transfers for the goal are
// dropped before execution; an in-flight external call is allowed to finish
// and is reconciled afterwards.
func (s *Service) RevokeAuthorization(ctx context.Context, goalID string) error {
	auth, err := s.auths.GetAuthorization(ctx, goalID)
	if err != nil {
		return fmt.Errorf("revoke authorization: %w", err)
	}
	if auth == nil {
		auth = &domain.TransferAuthorization{GoalID: goalID, GrantedAt: s.now()}
	}
	revokedAt := s.now()
	auth.RevokedAt = &revokedAt

	if err := s.auths.SaveAuthorization(ctx, auth); err != nil {
		return fmt.Errorf("revoke authorization: %w", err)
	}

	if _, err := s.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
		g.TransferAuthorized = false
		g.UpdatedAt = s.now()
		return nil
	}); err != nil {
		return fmt.Errorf("revoke authorization: %w", err)
	}

	s.log.Info().Str("goal_id", goalID).Msg("Transfer authorization revoked")
	return nil
}

// ListContributions returns one page of a goal's ledger, newest first, and
// the total entry count.
func (s *Service) ListContributions(ctx context.Context, goalID string, page, pageSize int) ([]*domain.Contribution, int, error) {
	return s.ledger.ListByGoal(ctx, goalID, page, pageSize)
}

// RecordManualContribution appends a user-entered contribution and updates
// the goal's cached total.
func (s *Service) RecordManualContribution(ctx context.Context, goalID string, amount decimal.Decimal, date civil.Date) (*domain.Contribution, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("manual contribution amount must be positive")
	}
	if _, err := s.goals.GetGoal(ctx, goalID); err != nil {
		return nil, err
	}

	contribution := &domain.Contribution{
		GoalID: goalID,
		Amount: amount,
		Date:   date,
		Source: domain.ContributionSourceManual,
	}
	if err := s.ledger.Append(ctx, contribution); err != nil {
		return nil, fmt.Errorf("record manual contribution: %w", err)
	}

	if _, err := s.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
		g.ApplyContribution(amount, s.now())
		return nil
	}); err != nil {
		return nil, fmt.Errorf("record manual contribution: %w", err)
	}

	return contribution, nil
}

// DeleteManualContribution removes a manual entry as an explicit correction
// and decrements the goal's cached total. Automatic entries are immutable.
func (s *Service) DeleteManualContribution(ctx context.Context, contributionID string) error {
	deleted, err := s.ledger.DeleteManual(ctx, contributionID)
	if err != nil {
		return err
	}

	if _, err := s.goals.UpdateGoal(ctx, deleted.GoalID, func(g *domain.Goal) error {
		g.CurrentAmount = g.CurrentAmount.Sub(deleted.Amount)
		g.UpdatedAt = s.now()
		return nil
	}); err != nil {
		return fmt.Errorf("delete manual contribution: %w", err)
	}

	return nil
}

// CompleteGoal marks a goal completed. Idempotent.
func (s *Service) CompleteGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	return s.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
		g.Complete(s.now())
		return nil
	})
}

// ArchiveGoal shelves a goal. Idempotent.
func (s *Service) ArchiveGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	return s.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
		g.Archive(s.now())
		return nil
	})
}

// UnarchiveGoal returns an archived goal to active.
func (s *Service) UnarchiveGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	return s.goals.UpdateGoal(ctx, goalID, func(g *domain.Goal) error {
		g.Unarchive(s.now())
		return nil
	})
}
