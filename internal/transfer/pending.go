package transfer

import (
	"sync"
	"time"
)

// PendingRecord is a trigger suppressed for lack of transfer authorization.
// It is shown on the goal's automation panel and re-dispatched by the
// scheduler once consent is granted.
type PendingRecord struct {
	Record      TriggerRecord `json:"record"`
	FirstSeenAt time.Time     `json:"first_seen_at"`
}

// PendingLog remembers at most one pending-authorization trigger per
// (goal, rule). Re-evaluations while the goal stays unauthorized refresh the
// record so the panel always shows the current period.
type PendingLog struct {
	mu      sync.RWMutex
	pending map[string]*PendingRecord
}

// NewPendingLog creates an empty pending log.
func NewPendingLog() *PendingLog {
	return &PendingLog{pending: make(map[string]*PendingRecord)}
}

// Add records the trigger as pending authorization. It reports whether the
// (goal, rule) pair was newly pending; a refresh of an existing entry keeps
// its FirstSeenAt and returns false.
func (l *PendingLog) Add(rec TriggerRecord) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := rec.GoalID + "/" + rec.RuleID
	if existing, ok := l.pending[key]; ok {
		existing.Record = rec
		return false
	}
	l.pending[key] = &PendingRecord{Record: rec, FirstSeenAt: time.Now()}
	return true
}

// Get returns the pending trigger for a (goal, rule) pair, if any.
func (l *PendingLog) Get(goalID, ruleID string) (*PendingRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.pending[goalID+"/"+ruleID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Remove clears the pending trigger for a (goal, rule) pair.
func (l *PendingLog) Remove(goalID, ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.pending, goalID+"/"+ruleID)
}

// ListByGoal returns the goal's triggers awaiting authorization.
func (l *PendingLog) ListByGoal(goalID string) []*PendingRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*PendingRecord
	for _, rec := range l.pending {
		if rec.Record.GoalID == goalID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result
}
