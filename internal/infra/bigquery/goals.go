package bigquery

import (
	"math/big"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
)

// GoalRow is the goals table schema.
type GoalRow struct {
	GoalID string `bigquery:"goal_id"` // REQUIRED
	Name   string `bigquery:"name"`    // NULLABLE

	TargetAmount  *big.Rat               `bigquery:"target_amount"`  // NUMERIC
	CurrentAmount *big.Rat               `bigquery:"current_amount"` // NUMERIC
	Deadline      bigquery.NullTimestamp `bigquery:"deadline"`       // TIMESTAMP, NULLABLE

	Status     string                 `bigquery:"status"`
	ArchivedTS bigquery.NullTimestamp `bigquery:"archived_ts"` // NULLABLE

	DestinationAccountID bigquery.NullString `bigquery:"destination_account_id"` // NULLABLE
	TransferAuthorized   bool                `bigquery:"transfer_authorized"`

	InitialBalance       *big.Rat `bigquery:"initial_balance"` // NUMERIC
	InitialBalanceSynced bool     `bigquery:"initial_balance_synced"`
	DriftDetected        bool     `bigquery:"drift_detected"`

	CreatedTS bigquery.NullTimestamp `bigquery:"created_ts"` // NULLABLE
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"` // NULLABLE
}

func rowFromGoal(g *domain.Goal) *GoalRow {
	row := &GoalRow{
		GoalID:               g.ID,
		Name:                 g.Name,
		TargetAmount:         g.TargetAmount.Rat(),
		CurrentAmount:        g.CurrentAmount.Rat(),
		Status:               string(g.Status),
		TransferAuthorized:   g.TransferAuthorized,
		InitialBalance:       g.InitialBalance.Rat(),
		InitialBalanceSynced: g.InitialBalanceSynced,
		DriftDetected:        g.DriftDetected,
	}
	if g.Deadline != nil {
		row.Deadline = bigquery.NullTimestamp{Timestamp: *g.Deadline, Valid: true}
	}
	if g.ArchivedAt != nil {
		row.ArchivedTS = bigquery.NullTimestamp{Timestamp: *g.ArchivedAt, Valid: true}
	}
	if g.DestinationAccountID != "" {
		row.DestinationAccountID = bigquery.NullString{StringVal: g.DestinationAccountID, Valid: true}
	}
	if !g.CreatedAt.IsZero() {
		row.CreatedTS = bigquery.NullTimestamp{Timestamp: g.CreatedAt, Valid: true}
	}
	if !g.UpdatedAt.IsZero() {
		row.UpdatedTS = bigquery.NullTimestamp{Timestamp: g.UpdatedAt, Valid: true}
	}
	return row
}

func goalFromRow(row *GoalRow) *domain.Goal {
	g := &domain.Goal{
		ID:                   row.GoalID,
		Name:                 row.Name,
		Status:               domain.GoalStatus(row.Status),
		TransferAuthorized:   row.TransferAuthorized,
		InitialBalanceSynced: row.InitialBalanceSynced,
		DriftDetected:        row.DriftDetected,
	}
	if row.TargetAmount != nil {
		g.TargetAmount = decimal.NewFromBigRat(row.TargetAmount, numericPrecision)
	}
	if row.CurrentAmount != nil {
		g.CurrentAmount = decimal.NewFromBigRat(row.CurrentAmount, numericPrecision)
	}
	if row.InitialBalance != nil {
		g.InitialBalance = decimal.NewFromBigRat(row.InitialBalance, numericPrecision)
	}
	if row.Deadline.Valid {
		deadline := row.Deadline.Timestamp
		g.Deadline = &deadline
	}
	if row.ArchivedTS.Valid {
		archived := row.ArchivedTS.Timestamp
		g.ArchivedAt = &archived
	}
	if row.DestinationAccountID.Valid {
		g.DestinationAccountID = row.DestinationAccountID.StringVal
	}
	if row.CreatedTS.Valid {
		g.CreatedAt = row.CreatedTS.Timestamp
	}
	if row.UpdatedTS.Valid {
		g.UpdatedAt = row.UpdatedTS.Timestamp
	}
	return g
}
