package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
)

// Input carries everything an evaluation may look at. Evaluate is a pure
// function of this input: all state it needs (previous snapshot, last trigger
// time) is passed in explicitly so evaluations are testable and replayable.
type Input struct {
	// Snapshot is the source account's current balance observation, when the
	// feed has produced one.
	Snapshot *domain.AccountSnapshot

	// PrevSnapshot is the observation seen by the previous evaluation of this
	// (goal, rule) pair. Nil on the first evaluation.
	PrevSnapshot *domain.AccountSnapshot

	// RecentTransactions are the source account's transactions relevant to
	// this evaluation. For transaction-driven rules the dispatcher passes
	// exactly the transaction that produced the event.
	RecentTransactions []domain.Transaction

	Now           time.Time
	LastTriggerAt time.Time
}

// Evaluation is a trigger decision. PeriodKey scopes the trigger to one
// occurrence: the ledger holds at most one automatic contribution per
// (goal, rule, period key), no matter how often evaluation runs.
type Evaluation struct {
	Triggered bool
	Amount    decimal.Decimal
	PeriodKey string
}

var declined = Evaluation{}

// Evaluate decides whether the rule should fire and for how much. The type
// switch is exhaustive over the rule sum type; an unrecognized variant is a
// configuration error, never a silent no-op.
func Evaluate(rule Rule, in Input) (Evaluation, error) {
	switch r := rule.(type) {
	case FixedSchedule:
		return evaluateFixedSchedule(r, in), nil
	case PercentageIncome:
		return evaluatePercentageIncome(r, in), nil
	case ConditionalBalance:
		return evaluateConditionalBalance(r, in), nil
	case ConditionalTransaction:
		return evaluateConditionalTransaction(r, in), nil
	case Payday:
		return evaluatePayday(r, in), nil
	default:
		return declined, &ConfigError{Reason: fmt.Sprintf("unrecognized rule variant %T", rule)}
	}
}

func evaluateFixedSchedule(r FixedSchedule, in Input) Evaluation {
	bucket := cadenceBucket(r.Cadence, in.Now)
	if !in.LastTriggerAt.IsZero() && cadenceBucket(r.Cadence, in.LastTriggerAt) == bucket {
		return declined
	}
	return Evaluation{Triggered: true, Amount: r.Amount, PeriodKey: bucket}
}

// cadenceBucket aligns a time to its cadence bucket: "2024-06-15" for daily,
// "2024-W24" for weekly (ISO week), "2024-06" for monthly.
func cadenceBucket(c Cadence, t time.Time) string {
	switch c {
	case CadenceDaily:
		return t.Format("2006-01-02")
	case CadenceWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return t.Format("2006-01")
	}
}

func evaluatePercentageIncome(r PercentageIncome, in Input) Evaluation {
	var (
		sum decimal.Decimal
		ids []string
	)
	for _, tx := range in.RecentTransactions {
		if !tx.Inbound() {
			continue
		}
		if !in.LastTriggerAt.IsZero() && !tx.BookedAt.After(in.LastTriggerAt) {
			continue
		}
		sum = sum.Add(tx.Amount)
		ids = append(ids, tx.ID)
	}
	if !sum.IsPositive() {
		return declined
	}

	amount := sum.Mul(r.Percentage).Div(decimal.NewFromInt(100))
	if r.MinAmount != nil && amount.LessThan(*r.MinAmount) {
		amount = *r.MinAmount
	}
	if r.MaxAmount != nil && amount.GreaterThan(*r.MaxAmount) {
		amount = *r.MaxAmount
	}

	return Evaluation{Triggered: true, Amount: amount, PeriodKey: "batch-" + hashTransactionIDs(ids)}
}

// hashTransactionIDs derives a stable key from a transaction id set,
// independent of observation order.
func hashTransactionIDs(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:8])
}

func evaluateConditionalBalance(r ConditionalBalance, in Input) Evaluation {
	if in.Snapshot == nil {
		return declined
	}
	// Edge-triggered: fire on the crossing, not while the balance sits above
	// the threshold. A missing previous snapshot counts as not-satisfied.
	if !r.Operator.Satisfied(in.Snapshot.Balance, r.Threshold) {
		return declined
	}
	if in.PrevSnapshot != nil && r.Operator.Satisfied(in.PrevSnapshot.Balance, r.Threshold) {
		return declined
	}
	return Evaluation{
		Triggered: true,
		Amount:    r.Amount,
		PeriodKey: fmt.Sprintf("seq-%d", in.Snapshot.Seq),
	}
}

func evaluateConditionalTransaction(r ConditionalTransaction, in Input) Evaluation {
	// Transaction rules are event-driven: the dispatcher evaluates them once
	// per incoming transaction. On clock ticks there is nothing to inspect.
	for _, tx := range in.RecentTransactions {
		magnitude := tx.Amount.Abs()
		if !r.Operator.Satisfied(magnitude, r.Threshold) {
			continue
		}
		amount := decimal.Zero
		if r.Amount != nil {
			amount = *r.Amount
		} else if r.Percentage != nil {
			amount = magnitude.Mul(*r.Percentage).Div(decimal.NewFromInt(100))
		}
		if !amount.IsPositive() {
			continue
		}
		return Evaluation{Triggered: true, Amount: amount, PeriodKey: "tx-" + tx.ID}
	}
	return declined
}

func evaluatePayday(r Payday, in Input) Evaluation {
	lastDay := lastDayOfMonth(in.Now)
	for _, day := range r.Dates {
		effective := day
		if effective > lastDay {
			effective = lastDay
		}
		if in.Now.Day() != effective {
			continue
		}
		if firedThisMonthForDay(in.LastTriggerAt, in.Now, effective) {
			continue
		}
		return Evaluation{
			Triggered: true,
			Amount:    r.Amount,
			PeriodKey: fmt.Sprintf("%s-payday-%02d", in.Now.Format("2006-01"), day),
		}
	}
	return declined
}

func firedThisMonthForDay(lastTriggerAt, now time.Time, day int) bool {
	if lastTriggerAt.IsZero() {
		return false
	}
	return lastTriggerAt.Year() == now.Year() &&
		lastTriggerAt.Month() == now.Month() &&
		lastTriggerAt.Day() == day
}

func lastDayOfMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
