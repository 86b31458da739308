// Package ledger is the append-only record of every contribution, manual or
// automatic. It is the source of truth for goal progress and the single place
// enforcing the (goal, rule, period) idempotency invariant.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
)

var (
	// ErrDuplicateContribution is returned by Append when an automatic
	// contribution with the same (goal, rule, period) key already exists.
	// Callers treat it as "already processed", not as a failure.
	ErrDuplicateContribution = errors.New("contribution already recorded for this trigger period")

	// ErrContributionNotFound is returned when a lookup misses.
	ErrContributionNotFound = errors.New("contribution not found")

	// ErrImmutableContribution is returned when deleting an automatic
	// contribution. Automatic entries are corrected only via reconciliation.
	ErrImmutableContribution = errors.New("automatic contributions cannot be deleted")
)

// Store is the contribution ledger. Append is atomic and exactly-once per
// uniqueness key: a duplicate append attempt is rejected, never overwritten.
type Store interface {
	// Append records a contribution. For automatic contributions the
	// (GoalID, RuleID, PeriodKey) key must be unused or Append returns
	// ErrDuplicateContribution.
	Append(ctx context.Context, c *domain.Contribution) error

	// Exists reports whether an automatic contribution with the given
	// uniqueness key has been recorded. This is the dispatcher's sole
	// deduplication gate.
	Exists(ctx context.Context, goalID, ruleID, periodKey string) (bool, error)

	// GetByKey retrieves the automatic contribution with the given key, or
	// ErrContributionNotFound.
	GetByKey(ctx context.Context, goalID, ruleID, periodKey string) (*domain.Contribution, error)

	// ListByGoal returns one page of a goal's contributions, newest first,
	// plus the total count.
	ListByGoal(ctx context.Context, goalID string, page, pageSize int) ([]*domain.Contribution, int, error)

	// TotalForGoal sums all of a goal's contributions.
	TotalForGoal(ctx context.Context, goalID string) (decimal.Decimal, error)

	// DeleteManual removes a manual contribution as an explicit correction.
	// Automatic contributions are immutable and yield ErrImmutableContribution.
	DeleteManual(ctx context.Context, id string) (*domain.Contribution, error)
}
