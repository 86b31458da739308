package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is a point-in-time balance observation from the account feed.
type AccountSnapshot struct {
	AccountID string
	Balance   decimal.Decimal

	// Seq is the feed's monotonic sequence number for this observation. It
	// identifies a balance-crossing event for edge-triggered rules.
	Seq int64

	ObservedAt time.Time
}

// Transaction is one booked transaction from the account feed.
// Inbound (income) transactions carry a positive amount.
type Transaction struct {
	ID          string
	AccountID   string
	Amount      decimal.Decimal
	Description string
	BookedAt    time.Time
}

// Inbound reports whether the transaction is income.
func (t Transaction) Inbound() bool {
	return t.Amount.IsPositive()
}
