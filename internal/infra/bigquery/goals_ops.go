package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/goals"
)

// GetGoalWithClient fetches one goal by id.
func GetGoalWithClient(ctx context.Context, client *bigquery.Client, goalID string) (*domain.Goal, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.goals`"+`
		WHERE goal_id = @goal_id
		LIMIT 1
	`, projectID, datasetID))
	q.Parameters = []bigquery.QueryParameter{{Name: "goal_id", Value: goalID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("GetGoalWithClient: reading query: %w", err)
	}
	var row GoalRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, goals.ErrGoalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetGoalWithClient: iterating: %w", err)
	}
	return goalFromRow(&row), nil
}

// UpsertGoalWithClient inserts or replaces a goal row via MERGE.
func UpsertGoalWithClient(ctx context.Context, client *bigquery.Client, goal *domain.Goal) error {
	row := rowFromGoal(goal)

	q := client.Query(fmt.Sprintf(`
		MERGE `+"`%s.%s.goals`"+` t
		USING (SELECT @goal_id AS goal_id) s
		ON t.goal_id = s.goal_id
		WHEN MATCHED THEN UPDATE SET
			name = @name,
			target_amount = @target_amount,
			current_amount = @current_amount,
			deadline = @deadline,
			status = @status,
			archived_ts = @archived_ts,
			destination_account_id = @destination_account_id,
			transfer_authorized = @transfer_authorized,
			initial_balance = @initial_balance,
			initial_balance_synced = @initial_balance_synced,
			drift_detected = @drift_detected,
			updated_ts = @updated_ts
		WHEN NOT MATCHED THEN INSERT (
			goal_id, name, target_amount, current_amount, deadline, status,
			archived_ts, destination_account_id, transfer_authorized,
			initial_balance, initial_balance_synced, drift_detected,
			created_ts, updated_ts
		)
		VALUES (
			@goal_id, @name, @target_amount, @current_amount, @deadline, @status,
			@archived_ts, @destination_account_id, @transfer_authorized,
			@initial_balance, @initial_balance_synced, @drift_detected,
			@created_ts, @updated_ts
		)
	`, projectID, datasetID))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "goal_id", Value: goal.ID},
		{Name: "name", Value: goal.Name},
		{Name: "target_amount", Value: row.TargetAmount},
		{Name: "current_amount", Value: row.CurrentAmount},
		{Name: "deadline", Value: row.Deadline},
		{Name: "status", Value: string(goal.Status)},
		{Name: "archived_ts", Value: row.ArchivedTS},
		{Name: "destination_account_id", Value: goal.DestinationAccountID},
		{Name: "transfer_authorized", Value: goal.TransferAuthorized},
		{Name: "initial_balance", Value: row.InitialBalance},
		{Name: "initial_balance_synced", Value: goal.InitialBalanceSynced},
		{Name: "drift_detected", Value: goal.DriftDetected},
		{Name: "created_ts", Value: row.CreatedTS},
		{Name: "updated_ts", Value: row.UpdatedTS},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("UpsertGoalWithClient: running merge: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("UpsertGoalWithClient: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("UpsertGoalWithClient: job error: %w", err)
	}
	return nil
}

// ListAutomationCandidatesWithClient returns active goals with a linked
// destination account.
func ListAutomationCandidatesWithClient(ctx context.Context, client *bigquery.Client) ([]*domain.Goal, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT *
		FROM `+"`%s.%s.goals`"+`
		WHERE status = 'active' AND destination_account_id != ''
		ORDER BY created_ts
	`, projectID, datasetID))

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListAutomationCandidatesWithClient: reading query: %w", err)
	}

	var result []*domain.Goal
	for {
		var row GoalRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListAutomationCandidatesWithClient: iterating: %w", err)
		}
		result = append(result, goalFromRow(&row))
	}
	return result, nil
}
