package transfer

import (
	"sync"
	"time"

	"github.com/dvloznov/goalfunder/internal/domain"
)

// FailedRecord is a permanently failed trigger kept for display on the
// goal's automation panel.
type FailedRecord struct {
	Record   TriggerRecord `json:"record"`
	Reason   string        `json:"reason"`
	FailedAt time.Time     `json:"failed_at"`
}

// FailureLog remembers permanently failed trigger records. The dispatcher
// consults it so a fatally failed trigger does not silently re-fire on the
// next tick even though its period key never reached the ledger.
type FailureLog struct {
	mu     sync.RWMutex
	failed map[string]*FailedRecord
}

// NewFailureLog creates an empty failure log.
func NewFailureLog() *FailureLog {
	return &FailureLog{failed: make(map[string]*FailedRecord)}
}

// MarkFailed records a permanent failure for the trigger.
func (l *FailureLog) MarkFailed(rec TriggerRecord, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := domain.DedupKey(rec.GoalID, rec.RuleID, rec.PeriodKey)
	l.failed[key] = &FailedRecord{Record: rec, Reason: reason, FailedAt: time.Now()}
}

// IsFailed reports whether the trigger has permanently failed.
func (l *FailureLog) IsFailed(goalID, ruleID, periodKey string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.failed[domain.DedupKey(goalID, ruleID, periodKey)]
	return ok
}

// ListByGoal returns the goal's permanently failed triggers.
func (l *FailureLog) ListByGoal(goalID string) []*FailedRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*FailedRecord
	for _, rec := range l.failed {
		if rec.Record.GoalID == goalID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result
}
