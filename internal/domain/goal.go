package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// GoalStatus represents the lifecycle state of a savings goal.
type GoalStatus string

const (
	// GoalStatusDraft indicates the goal exists but automation has never been enabled.
	GoalStatusDraft GoalStatus = "draft"
	// GoalStatusActive indicates the goal is accepting contributions.
	GoalStatusActive GoalStatus = "active"
	// GoalStatusCompleted indicates the goal reached its target amount.
	GoalStatusCompleted GoalStatus = "completed"
	// GoalStatusArchived indicates the goal was shelved by the user.
	GoalStatusArchived GoalStatus = "archived"
)

// Goal represents a savings goal with an optional linked destination account.
// CurrentAmount is a cached total derived from the contribution ledger; the
// ledger remains the source of truth and reconciliation may correct the cache.
type Goal struct {
	ID           string
	Name         string
	TargetAmount decimal.Decimal
	// CurrentAmount is the ledger-derived running total.
	CurrentAmount decimal.Decimal
	Deadline      *time.Time

	Status     GoalStatus
	ArchivedAt *time.Time

	// DestinationAccountID is empty for cash goals, which have no automation.
	DestinationAccountID string

	// TransferAuthorized gates whether the orchestrator may move real funds.
	TransferAuthorized bool

	// InitialBalance is the destination account balance captured when the
	// goal was linked; reconciliation measures drift against it.
	InitialBalance       decimal.Decimal
	InitialBalanceSynced bool

	// DriftDetected is set by reconciliation when the external balance and
	// the ledger-derived total diverge for no known reason.
	DriftDetected bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AutomationEligible reports whether the scheduler should evaluate
// contribution rules for this goal at all. Authorization is checked
// separately so that unauthorized triggers can surface as pending.
func (g *Goal) AutomationEligible() bool {
	return g.Status == GoalStatusActive && g.DestinationAccountID != ""
}

// Complete marks the goal completed. Calling it on an already-completed goal
// is a no-op, not an error.
func (g *Goal) Complete(now time.Time) {
	if g.Status == GoalStatusCompleted {
		return
	}
	g.Status = GoalStatusCompleted
	g.UpdatedAt = now
}

// Archive shelves the goal. Completed goals stay completed; archiving an
// already-archived goal is a no-op.
func (g *Goal) Archive(now time.Time) {
	if g.Status == GoalStatusArchived || g.Status == GoalStatusCompleted {
		return
	}
	g.Status = GoalStatusArchived
	archivedAt := now
	g.ArchivedAt = &archivedAt
	g.UpdatedAt = now
}

// Unarchive returns an archived goal to active. No-op for any other state.
func (g *Goal) Unarchive(now time.Time) {
	if g.Status != GoalStatusArchived {
		return
	}
	g.Status = GoalStatusActive
	g.ArchivedAt = nil
	g.UpdatedAt = now
}

// ApplyContribution adds amount to the cached total and auto-completes the
// goal when the target is reached.
func (g *Goal) ApplyContribution(amount decimal.Decimal, now time.Time) {
	g.CurrentAmount = g.CurrentAmount.Add(amount)
	g.UpdatedAt = now
	if g.TargetAmount.IsPositive() && g.CurrentAmount.GreaterThanOrEqual(g.TargetAmount) {
		g.Complete(now)
	}
}
