package bigquery

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/bigquery"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
)

// ContributionRepository is the BigQuery-backed contribution ledger. It holds
// a shared BigQuery client to avoid creating a new connection per operation.
type ContributionRepository struct {
	client *bigquery.Client
}

// NewContributionRepository creates a ledger repository with a shared client.
func NewContributionRepository(ctx context.Context) (*ContributionRepository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewContributionRepository: creating client: %w", err)
	}
	return &ContributionRepository{client: client}, nil
}

// Close closes the BigQuery client connection.
func (r *ContributionRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Append implements ledger.Store.
func (r *ContributionRepository) Append(ctx context.Context, c *domain.Contribution) error {
	return AppendContributionWithClient(ctx, r.client, c)
}

// Exists implements ledger.Store.
func (r *ContributionRepository) Exists(ctx context.Context, goalID, ruleID, periodKey string) (bool, error) {
	return ExistsContributionWithClient(ctx, r.client, goalID, ruleID, periodKey)
}

// GetByKey implements ledger.Store.
func (r *ContributionRepository) GetByKey(ctx context.Context, goalID, ruleID, periodKey string) (*domain.Contribution, error) {
	return GetContributionByKeyWithClient(ctx, r.client, goalID, ruleID, periodKey)
}

// ListByGoal implements ledger.Store.
func (r *ContributionRepository) ListByGoal(ctx context.Context, goalID string, page, pageSize int) ([]*domain.Contribution, int, error) {
	return ListContributionsByGoalWithClient(ctx, r.client, goalID, page, pageSize)
}

// TotalForGoal implements ledger.Store.
func (r *ContributionRepository) TotalForGoal(ctx context.Context, goalID string) (decimal.Decimal, error) {
	return TotalForGoalWithClient(ctx, r.client, goalID)
}

// DeleteManual implements ledger.Store.
func (r *ContributionRepository) DeleteManual(ctx context.Context, id string) (*domain.Contribution, error) {
	return DeleteManualContributionWithClient(ctx, r.client, id)
}

// GoalRepository is the BigQuery-backed goal store.
type GoalRepository struct {
	client *bigquery.Client

	// mu serializes UpdateGoal's read-modify-write. BigQuery has no row
	// locks; this keeps a single engine instance consistent, and the ledger
	// holds the only invariant that must survive multiple writers.
	mu sync.Mutex
}

// NewGoalRepository creates a goal repository with a shared client.
func NewGoalRepository(ctx context.Context) (*GoalRepository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewGoalRepository: creating client: %w", err)
	}
	return &GoalRepository{client: client}, nil
}

// Close closes the BigQuery client connection.
func (r *GoalRepository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// GetGoal implements goals.Store.
func (r *GoalRepository) GetGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	return GetGoalWithClient(ctx, r.client, goalID)
}

// SaveGoal implements goals.Store.
func (r *GoalRepository) SaveGoal(ctx context.Context, goal *domain.Goal) error {
	return UpsertGoalWithClient(ctx, r.client, goal)
}

// ListAutomationCandidates implements goals.Store.
func (r *GoalRepository) ListAutomationCandidates(ctx context.Context) ([]*domain.Goal, error) {
	return ListAutomationCandidatesWithClient(ctx, r.client)
}

// UpdateGoal implements goals.Store.
func (r *GoalRepository) UpdateGoal(ctx context.Context, goalID string, fn func(*domain.Goal) error) (*domain.Goal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	goal, err := GetGoalWithClient(ctx, r.client, goalID)
	if err != nil {
		return nil, err
	}
	if err := fn(goal); err != nil {
		return nil, err
	}
	if err := UpsertGoalWithClient(ctx, r.client, goal); err != nil {
		return nil, err
	}
	return goal, nil
}

// Ensure the repositories satisfy the engine's store interfaces.
var (
	_ ledger.Store = (*ContributionRepository)(nil)
	_ goals.Store  = (*GoalRepository)(nil)
)
