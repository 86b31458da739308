package goals

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/rules"
)

// InMemoryStore is an in-memory implementation of Store, ConfigStore, and
// AuthorizationStore. It is safe for concurrent use. Data is lost on service
// restart - for persistence, use the BigQuery-backed repository.
type InMemoryStore struct {
	mu      sync.RWMutex
	goals   map[string]*domain.Goal
	configs map[string]*rules.Config
	auths   map[string]*domain.TransferAuthorization
}

// NewInMemoryStore creates an empty in-memory goal store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		goals:   make(map[string]*domain.Goal),
		configs: make(map[string]*rules.Config),
		auths:   make(map[string]*domain.TransferAuthorization),
	}
}

// GetGoal implements Store.
func (s *InMemoryStore) GetGoal(ctx context.Context, goalID string) (*domain.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	goal, ok := s.goals[goalID]
	if !ok {
		return nil, ErrGoalNotFound
	}
	cp := *goal
	return &cp, nil
}

// SaveGoal implements Store.
func (s *InMemoryStore) SaveGoal(ctx context.Context, goal *domain.Goal) error {
	if goal.ID == "" {
		return fmt.Errorf("goal id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *goal
	s.goals[goal.ID] = &cp
	return nil
}

// ListAutomationCandidates implements Store.
func (s *InMemoryStore) ListAutomationCandidates(ctx context.Context) ([]*domain.Goal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Goal
	for _, goal := range s.goals {
		if !goal.AutomationEligible() {
			continue
		}
		cp := *goal
		result = append(result, &cp)
	}
	return result, nil
}

// UpdateGoal implements Store.
func (s *InMemoryStore) UpdateGoal(ctx context.Context, goalID string, fn func(*domain.Goal) error) (*domain.Goal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	goal, ok := s.goals[goalID]
	if !ok {
		return nil, ErrGoalNotFound
	}

	updated := *goal
	if err := fn(&updated); err != nil {
		return nil, err
	}
	s.goals[goalID] = &updated

	cp := updated
	return &cp, nil
}

// GetConfig implements ConfigStore.
func (s *InMemoryStore) GetConfig(ctx context.Context, goalID string) (*rules.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[goalID]
	if !ok {
		return nil, nil
	}
	cp := *cfg
	return &cp, nil
}

// SaveConfig implements ConfigStore.
func (s *InMemoryStore) SaveConfig(ctx context.Context, cfg *rules.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	s.configs[cfg.GoalID] = &cp
	return nil
}

// GetAuthorization implements AuthorizationStore.
func (s *InMemoryStore) GetAuthorization(ctx context.Context, goalID string) (*domain.TransferAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.auths[goalID]
	if !ok {
		return nil, nil
	}
	cp := *auth
	return &cp, nil
}

// SaveAuthorization implements AuthorizationStore.
func (s *InMemoryStore) SaveAuthorization(ctx context.Context, auth *domain.TransferAuthorization) error {
	if auth.GoalID == "" {
		return fmt.Errorf("authorization goal id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *auth
	s.auths[auth.GoalID] = &cp
	return nil
}

// Ensure InMemoryStore implements all three store interfaces.
var (
	_ Store              = (*InMemoryStore)(nil)
	_ ConfigStore        = (*InMemoryStore)(nil)
	_ AuthorizationStore = (*InMemoryStore)(nil)
)
