package transfer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ExternalTransfer is the funds-movement API's record of an executed
// transfer. The reconciler lists these to backfill ledger entries lost to a
// crash between the external call and the ledger append.
type ExternalTransfer struct {
	ID                   string
	SourceAccountID      string
	DestinationAccountID string
	Amount               decimal.Decimal
	IdempotencyKey       string
	ExecutedAt           time.Time
}

// FundsMover is the external funds-movement API. Transfer must honor the
// idempotency key: a retried call with the same key moves money at most once
// and returns the original transfer id.
type FundsMover interface {
	Transfer(ctx context.Context, sourceAccountID, destinationAccountID string, amount decimal.Decimal, idempotencyKey string) (string, error)

	// ListTransfers returns executed transfers into the destination account.
	ListTransfers(ctx context.Context, destinationAccountID string) ([]ExternalTransfer, error)
}

// TriggerRecord is one approved rule firing awaiting execution: the output of
// dispatch, the input to the orchestrator.
type TriggerRecord struct {
	GoalID               string          `json:"goal_id"`
	RuleID               string          `json:"rule_id"`
	PeriodKey            string          `json:"period_key"`
	Amount               decimal.Decimal `json:"amount"`
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id"`

	// TransactionID links the contribution back to the feed transaction that
	// triggered it, when one exists.
	TransactionID string `json:"transaction_id,omitempty"`
}

// Result is a successful execution: the external transfer and the ledger
// entry it produced.
type Result struct {
	ExternalTransferID string
	ContributionID     string
}
