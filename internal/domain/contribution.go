package domain

import (
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// ContributionSource distinguishes manual ledger entries from automated transfers.
type ContributionSource string

const (
	// ContributionSourceManual is a user-entered contribution.
	ContributionSourceManual ContributionSource = "manual"
	// ContributionSourceAutomatic is a contribution recorded by the transfer orchestrator.
	ContributionSourceAutomatic ContributionSource = "automatic"
)

// Contribution is one recorded movement of money counted toward a goal.
// Entries are immutable once written; only manual entries may be deleted,
// and only as an explicit correction.
type Contribution struct {
	ID     string
	GoalID string
	Amount decimal.Decimal
	Date   civil.Date
	Source ContributionSource

	// TransactionID is the feed transaction that triggered this contribution,
	// when one exists.
	TransactionID string

	// RuleID and PeriodKey identify the trigger for automatic contributions.
	// The pair (GoalID, RuleID, PeriodKey) is unique across the ledger: this
	// is the idempotency invariant.
	RuleID    string
	PeriodKey string

	// ExternalTransferID is the funds-movement API's id for the transfer
	// behind an automatic contribution.
	ExternalTransferID string

	CreatedAt time.Time
}

// DedupKey returns the ledger uniqueness key for automatic contributions.
func (c *Contribution) DedupKey() string {
	return DedupKey(c.GoalID, c.RuleID, c.PeriodKey)
}

// DedupKey builds the (goal, rule, period) uniqueness key. The same string is
// used as the idempotency key for the external funds-movement API, so a
// crash-and-retry never double-moves money.
func DedupKey(goalID, ruleID, periodKey string) string {
	return fmt.Sprintf("%s:%s:%s", goalID, ruleID, periodKey)
}

// TransferAuthorization is the per-goal consent record gating automated
// transfers. Absent or revoked means rules are still evaluated but transfers
// are suppressed and surfaced as pending authorization.
type TransferAuthorization struct {
	GoalID    string
	GrantedAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the authorization currently permits transfers.
func (a *TransferAuthorization) Active() bool {
	return a != nil && a.RevokedAt == nil
}
