package rules

import (
	"context"
	"sync"
	"time"

	"github.com/dvloznov/goalfunder/internal/domain"
)

// EvalState is the remembered state of one (goal, rule) pair between
// evaluations: the previously observed snapshot for edge-triggered rules and
// the time of the last successful trigger.
type EvalState struct {
	GoalID string
	RuleID string

	PrevSnapshot  *domain.AccountSnapshot
	LastTriggerAt time.Time
}

// StateStore keeps per-(goal, rule) evaluation state. It is an explicit keyed
// store rather than closure state so it can be persisted, inspected, and
// tested independently of the scheduler.
type StateStore interface {
	// Get retrieves the state for a (goal, rule) pair. A pair that has never
	// been evaluated yields a zero-valued state, not an error.
	Get(ctx context.Context, goalID, ruleID string) (*EvalState, error)

	// Put saves or replaces the state for a (goal, rule) pair.
	Put(ctx context.Context, state *EvalState) error
}

// InMemoryStateStore is an in-memory StateStore safe for concurrent use.
// State is lost on restart; the worst case is one extra evaluation against a
// nil previous snapshot, which the ledger's uniqueness key absorbs.
type InMemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*EvalState
}

// NewInMemoryStateStore creates an empty state store.
func NewInMemoryStateStore() *InMemoryStateStore {
	return &InMemoryStateStore{states: make(map[string]*EvalState)}
}

// Get implements StateStore.
func (s *InMemoryStateStore) Get(ctx context.Context, goalID, ruleID string) (*EvalState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[goalID+"/"+ruleID]
	if !ok {
		return &EvalState{GoalID: goalID, RuleID: ruleID}, nil
	}

	// Return a copy to avoid external modifications.
	cp := *state
	return &cp, nil
}

// Put implements StateStore.
func (s *InMemoryStateStore) Put(ctx context.Context, state *EvalState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *state
	s.states[state.GoalID+"/"+state.RuleID] = &cp
	return nil
}

var _ StateStore = (*InMemoryStateStore)(nil)
