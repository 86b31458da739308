package bigquery

import (
	"math/big"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
)

// numericPrecision is the scale used when converting NUMERIC values back
// into decimals.
const numericPrecision = 9

// ContributionRow is the contributions table schema. The table carries a
// derived dedup_key column so the MERGE-based append can enforce the
// (goal_id, rule_id, period_key) uniqueness invariant in one statement.
type ContributionRow struct {
	ContributionID string `bigquery:"contribution_id"` // REQUIRED
	GoalID         string `bigquery:"goal_id"`         // REQUIRED

	Amount *big.Rat   `bigquery:"amount"` // NUMERIC
	Date   civil.Date `bigquery:"date"`

	Source string `bigquery:"source"` // "manual" | "automatic"

	TransactionID      bigquery.NullString `bigquery:"transaction_id"`       // NULLABLE
	RuleID             bigquery.NullString `bigquery:"rule_id"`              // NULLABLE
	PeriodKey          bigquery.NullString `bigquery:"period_key"`           // NULLABLE
	ExternalTransferID bigquery.NullString `bigquery:"external_transfer_id"` // NULLABLE

	DedupKey bigquery.NullString `bigquery:"dedup_key"` // NULLABLE, set for automatic rows

	CreatedTS bigquery.NullTimestamp `bigquery:"created_ts"` // TIMESTAMP
}

// rowFromContribution maps a domain contribution into its table row.
func rowFromContribution(c *domain.Contribution) *ContributionRow {
	row := &ContributionRow{
		ContributionID: c.ID,
		GoalID:         c.GoalID,
		Amount:         c.Amount.Rat(),
		Date:           c.Date,
		Source:         string(c.Source),
	}
	if c.TransactionID != "" {
		row.TransactionID = bigquery.NullString{StringVal: c.TransactionID, Valid: true}
	}
	if c.Source == domain.ContributionSourceAutomatic {
		row.RuleID = bigquery.NullString{StringVal: c.RuleID, Valid: true}
		row.PeriodKey = bigquery.NullString{StringVal: c.PeriodKey, Valid: true}
		row.DedupKey = bigquery.NullString{StringVal: c.DedupKey(), Valid: true}
	}
	if c.ExternalTransferID != "" {
		row.ExternalTransferID = bigquery.NullString{StringVal: c.ExternalTransferID, Valid: true}
	}
	if !c.CreatedAt.IsZero() {
		row.CreatedTS = bigquery.NullTimestamp{Timestamp: c.CreatedAt, Valid: true}
	}
	return row
}

// contributionFromRow maps a table row back into the domain.
func contributionFromRow(row *ContributionRow) *domain.Contribution {
	c := &domain.Contribution{
		ID:     row.ContributionID,
		GoalID: row.GoalID,
		Date:   row.Date,
		Source: domain.ContributionSource(row.Source),
	}
	if row.Amount != nil {
		c.Amount = decimal.NewFromBigRat(row.Amount, numericPrecision)
	}
	if row.TransactionID.Valid {
		c.TransactionID = row.TransactionID.StringVal
	}
	if row.RuleID.Valid {
		c.RuleID = row.RuleID.StringVal
	}
	if row.PeriodKey.Valid {
		c.PeriodKey = row.PeriodKey.StringVal
	}
	if row.ExternalTransferID.Valid {
		c.ExternalTransferID = row.ExternalTransferID.StringVal
	}
	if row.CreatedTS.Valid {
		c.CreatedAt = row.CreatedTS.Timestamp
	}
	return c
}
