package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
)

// InMemoryStore is an in-memory ledger safe for concurrent use. The mutex
// makes check-and-append atomic, which is the uniqueness guarantee the rest
// of the engine relies on. Data is lost on restart - for persistence, use the
// BigQuery-backed repository.
type InMemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*domain.Contribution
	byKey  map[string]*domain.Contribution
	byGoal map[string][]*domain.Contribution
}

// NewInMemoryStore creates an empty in-memory ledger.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*domain.Contribution),
		byKey:  make(map[string]*domain.Contribution),
		byGoal: make(map[string][]*domain.Contribution),
	}
}

// Append implements Store.
func (s *InMemoryStore) Append(ctx context.Context, c *domain.Contribution) error {
	if c.GoalID == "" {
		return fmt.Errorf("ledger append: goal id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Source == domain.ContributionSourceAutomatic {
		if c.RuleID == "" || c.PeriodKey == "" {
			return fmt.Errorf("ledger append: automatic contribution needs rule id and period key")
		}
		if _, exists := s.byKey[c.DedupKey()]; exists {
			return ErrDuplicateContribution
		}
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	// Store a copy to avoid external modifications.
	cp := *c
	s.byID[cp.ID] = &cp
	s.byGoal[cp.GoalID] = append(s.byGoal[cp.GoalID], &cp)
	if cp.Source == domain.ContributionSourceAutomatic {
		s.byKey[cp.DedupKey()] = &cp
	}

	return nil
}

// Exists implements Store.
func (s *InMemoryStore) Exists(ctx context.Context, goalID, ruleID, periodKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byKey[domain.DedupKey(goalID, ruleID, periodKey)]
	return ok, nil
}

// GetByKey implements Store.
func (s *InMemoryStore) GetByKey(ctx context.Context, goalID, ruleID, periodKey string) (*domain.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byKey[domain.DedupKey(goalID, ruleID, periodKey)]
	if !ok {
		return nil, ErrContributionNotFound
	}
	cp := *c
	return &cp, nil
}

// ListByGoal implements Store.
func (s *InMemoryStore) ListByGoal(ctx context.Context, goalID string, page, pageSize int) ([]*domain.Contribution, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.byGoal[goalID]
	sorted := make([]*domain.Contribution, len(all))
	copy(sorted, all)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	total := len(sorted)
	start := (page - 1) * pageSize
	if start >= total {
		return []*domain.Contribution{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	result := make([]*domain.Contribution, 0, end-start)
	for _, c := range sorted[start:end] {
		cp := *c
		result = append(result, &cp)
	}
	return result, total, nil
}

// TotalForGoal implements Store.
func (s *InMemoryStore) TotalForGoal(ctx context.Context, goalID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, c := range s.byGoal[goalID] {
		total = total.Add(c.Amount)
	}
	return total, nil
}

// DeleteManual implements Store.
func (s *InMemoryStore) DeleteManual(ctx context.Context, id string) (*domain.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, ErrContributionNotFound
	}
	if c.Source == domain.ContributionSourceAutomatic {
		return nil, ErrImmutableContribution
	}

	delete(s.byID, id)
	entries := s.byGoal[c.GoalID]
	for i, entry := range entries {
		if entry.ID == id {
			s.byGoal[c.GoalID] = append(entries[:i], entries[i+1:]...)
			break
		}
	}

	cp := *c
	return &cp, nil
}

// Ensure InMemoryStore implements the Store interface.
var _ Store = (*InMemoryStore)(nil)
