// Package goals persists goals, their automation configs, and transfer
// authorizations. The engine reads goals and configs written by the product's
// CRUD API; it owns lifecycle transitions and the cached contribution total.
package goals

import (
	"context"
	"errors"

	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/rules"
)

// ErrGoalNotFound is returned when a goal lookup misses.
var ErrGoalNotFound = errors.New("goal not found")

// Store persists goals and their automation state.
type Store interface {
	// GetGoal retrieves a goal by id, or ErrGoalNotFound.
	GetGoal(ctx context.Context, goalID string) (*domain.Goal, error)

	// SaveGoal saves or replaces a goal.
	SaveGoal(ctx context.Context, goal *domain.Goal) error

	// ListAutomationCandidates returns active goals with a destination
	// account, the set the scheduler evaluates each cycle.
	ListAutomationCandidates(ctx context.Context) ([]*domain.Goal, error)

	// UpdateGoal applies fn to the stored goal under the store's lock and
	// persists the result. Contribution application and lifecycle
	// transitions go through here so concurrent updates never clobber
	// each other.
	UpdateGoal(ctx context.Context, goalID string, fn func(*domain.Goal) error) (*domain.Goal, error)
}

// ConfigStore persists per-goal contribution rule configs.
type ConfigStore interface {
	// GetConfig retrieves a goal's config, or nil when the goal has none.
	GetConfig(ctx context.Context, goalID string) (*rules.Config, error)

	// SaveConfig validates and saves a config. Malformed configs are
	// rejected here so they never reach evaluation.
	SaveConfig(ctx context.Context, cfg *rules.Config) error
}

// AuthorizationStore persists per-goal transfer consent records.
type AuthorizationStore interface {
	// GetAuthorization retrieves a goal's authorization, or nil when the
	// user never granted one.
	GetAuthorization(ctx context.Context, goalID string) (*domain.TransferAuthorization, error)

	// SaveAuthorization saves or replaces a goal's authorization.
	SaveAuthorization(ctx context.Context, auth *domain.TransferAuthorization) error
}
