package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/ledger"
)

var (
	projectID = envOr("BQ_PROJECT_ID", "studious-union-470122-v7")
	datasetID = envOr("BQ_DATASET_ID", "goalfund")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// AppendContributionWithClient inserts a contribution. For automatic
// contributions a MERGE on dedup_key makes the check-and-append atomic: when
// a row with the same (goal, rule, period) key already exists, nothing is
// inserted and ledger.ErrDuplicateContribution is returned.
func AppendContributionWithClient(ctx context.Context, client *bigquery.Client, c *domain.Contribution) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	row := rowFromContribution(c)

	if c.Source != domain.ContributionSourceAutomatic {
		inserter := client.Dataset(datasetID).Table("contributions").Inserter()
		if err := inserter.Put(ctx, row); err != nil {
			return fmt.Errorf("AppendContributionWithClient: inserting row: %w", err)
		}
		return nil
	}

	q := client.Query(fmt.Sprintf(`
		MERGE `+"`%s.%s.contributions`"+` t
		USING (SELECT @dedup_key AS dedup_key) s
		ON t.dedup_key = s.dedup_key
		WHEN NOT MATCHED THEN INSERT (
			contribution_id, goal_id, amount, date, source,
			transaction_id, rule_id, period_key, external_transfer_id,
			dedup_key, created_ts
		)
		VALUES (
			@contribution_id, @goal_id, @amount, @date, @source,
			@transaction_id, @rule_id, @period_key, @external_transfer_id,
			@dedup_key, @created_ts
		)
	`, projectID, datasetID))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "contribution_id", Value: c.ID},
		{Name: "goal_id", Value: c.GoalID},
		{Name: "amount", Value: row.Amount},
		{Name: "date", Value: c.Date},
		{Name: "source", Value: string(c.Source)},
		{Name: "transaction_id", Value: c.TransactionID},
		{Name: "rule_id", Value: c.RuleID},
		{Name: "period_key", Value: c.PeriodKey},
		{Name: "external_transfer_id", Value: c.ExternalTransferID},
		{Name: "dedup_key", Value: c.DedupKey()},
		{Name: "created_ts", Value: c.CreatedAt},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("AppendContributionWithClient: running merge: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("AppendContributionWithClient: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("AppendContributionWithClient: job error: %w", err)
	}

	// The MERGE is silent on conflict; report a duplicate so callers can
	// treat the trigger as already processed.
	existing, err := GetContributionByKeyWithClient(ctx, client, c.GoalID, c.RuleID, c.PeriodKey)
	if err != nil {
		return fmt.Errorf("AppendContributionWithClient: reading back row: %w", err)
	}
	if existing.ID != c.ID {
		return ledger.ErrDuplicateContribution
	}
	return nil
}

// ExistsContributionWithClient reports whether the uniqueness key is consumed.
func ExistsContributionWithClient(ctx context.Context, client *bigquery.Client, goalID, ruleID, periodKey string) (bool, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT COUNT(*) AS n
		FROM `+"`%s.%s.contributions`"+`
		WHERE dedup_key = @dedup_key
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "dedup_key", Value: domain.DedupKey(goalID, ruleID, periodKey)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("ExistsContributionWithClient: reading query: %w", err)
	}
	var row struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&row); err != nil {
		return false, fmt.Errorf("ExistsContributionWithClient: iterating: %w", err)
	}
	return row.N > 0, nil
}

// GetContributionByKeyWithClient fetches the automatic contribution holding
// the uniqueness key.
func GetContributionByKeyWithClient(ctx context.Context, client *bigquery.Client, goalID, ruleID, periodKey string) (*domain.Contribution, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.contributions`"+`
		WHERE dedup_key = @dedup_key
		LIMIT 1
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "dedup_key", Value: domain.DedupKey(goalID, ruleID, periodKey)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetContributionByKeyWithClient: reading query: %w", err)
	}
	var row ContributionRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, ledger.ErrContributionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetContributionByKeyWithClient: iterating: %w", err)
	}
	return contributionFromRow(&row), nil
}

// ListContributionsByGoalWithClient returns one page of a goal's ledger,
// newest first, plus the total count.
func ListContributionsByGoalWithClient(ctx context.Context, client *bigquery.Client, goalID string, page, pageSize int) ([]*domain.Contribution, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	q := client.Query(fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.contributions`"+`
		WHERE goal_id = @goal_id
		ORDER BY created_ts DESC
		LIMIT @limit OFFSET @offset
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "goal_id", Value: goalID},
		{Name: "limit", Value: int64(pageSize)},
		{Name: "offset", Value: int64((page - 1) * pageSize)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("ListContributionsByGoalWithClient: reading query: %w", err)
	}

	var contributions []*domain.Contribution
	for {
		var row ContributionRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("ListContributionsByGoalWithClient: iterating: %w", err)
		}
		contributions = append(contributions, contributionFromRow(&row))
	}

	total, err := countContributionsWithClient(ctx, client, goalID)
	if err != nil {
		return nil, 0, err
	}
	return contributions, total, nil
}

func countContributionsWithClient(ctx context.Context, client *bigquery.Client, goalID string) (int, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT COUNT(*) AS n
		FROM `+"`%s.%s.contributions`"+`
		WHERE goal_id = @goal_id
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{{Name: "goal_id", Value: goalID}}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("countContributionsWithClient: reading query: %w", err)
	}
	var row struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&row); err != nil {
		return 0, fmt.Errorf("countContributionsWithClient: iterating: %w", err)
	}
	return int(row.N), nil
}

// TotalForGoalWithClient sums a goal's contributions.
func TotalForGoalWithClient(ctx context.Context, client *bigquery.Client, goalID string) (decimal.Decimal, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT COALESCE(SUM(amount), 0) AS total
		FROM `+"`%s.%s.contributions`"+`
		WHERE goal_id = @goal_id
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{{Name: "goal_id", Value: goalID}}

	it, err := q.Read(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("TotalForGoalWithClient: reading query: %w", err)
	}
	var row struct {
		Total *big.Rat `bigquery:"total"`
	}
	if err := it.Next(&row); err != nil {
		return decimal.Zero, fmt.Errorf("TotalForGoalWithClient: iterating: %w", err)
	}
	if row.Total == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigRat(row.Total, numericPrecision), nil
}

// DeleteManualContributionWithClient removes a manual entry. Automatic
// entries are immutable and yield ledger.ErrImmutableContribution.
func DeleteManualContributionWithClient(ctx context.Context, client *bigquery.Client, id string) (*domain.Contribution, error) {
	existing, err := getContributionByIDWithClient(ctx, client, id)
	if err != nil {
		return nil, err
	}
	if existing.Source == domain.ContributionSourceAutomatic {
		return nil, ledger.ErrImmutableContribution
	}

	q := client.Query(fmt.Sprintf(`
		DELETE FROM `+"`%s.%s.contributions`"+`
		WHERE contribution_id = @contribution_id AND source = 'manual'
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{{Name: "contribution_id", Value: id}}

	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("DeleteManualContributionWithClient: running delete: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("DeleteManualContributionWithClient: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("DeleteManualContributionWithClient: job error: %w", err)
	}
	return existing, nil
}

func getContributionByIDWithClient(ctx context.Context, client *bigquery.Client, id string) (*domain.Contribution, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.contributions`"+`
		WHERE contribution_id = @contribution_id
		LIMIT 1
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{{Name: "contribution_id", Value: id}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("getContributionByIDWithClient: reading query: %w", err)
	}
	var row ContributionRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, ledger.ErrContributionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getContributionByIDWithClient: iterating: %w", err)
	}
	return contributionFromRow(&row), nil
}
