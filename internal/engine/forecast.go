package engine

import (
	"context"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// velocityWindow is how far back contribution history feeds the forecast.
const velocityWindow = 90 * 24 * time.Hour

// Forecast projects a goal's trajectory from its contribution velocity.
type Forecast struct {
	// PredictedCompletionDate extrapolates the trailing contribution rate.
	// Nil when the goal has no history to extrapolate from.
	PredictedCompletionDate *civil.Date `json:"predicted_completion_date,omitempty"`

	// RecommendedMonthlyAmount is what it takes to hit the deadline from
	// here. Nil when the goal has no deadline.
	RecommendedMonthlyAmount *decimal.Decimal `json:"recommended_monthly_amount,omitempty"`

	OnTrack bool `json:"is_on_track"`
}

// Forecast computes the goal's projection from ledger history.
func (s *Service) Forecast(ctx context.Context, goalID string) (*Forecast, error) {
	goal, err := s.goals.GetGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	remaining := goal.TargetAmount.Sub(goal.CurrentAmount)
	if !remaining.IsPositive() {
		today := civil.DateOf(now)
		return &Forecast{PredictedCompletionDate: &today, OnTrack: true}, nil
	}

	monthlyVelocity, err := s.contributionVelocity(ctx, goalID, now)
	if err != nil {
		return nil, err
	}

	forecast := &Forecast{}

	if monthlyVelocity.IsPositive() {
		monthsLeft, _ := remaining.Div(monthlyVelocity).Float64()
		predicted := civil.DateOf(now.Add(time.Duration(monthsLeft * 30 * 24 * float64(time.Hour))))
		forecast.PredictedCompletionDate = &predicted
	}

	if goal.Deadline != nil {
		monthsToDeadline := decimal.NewFromFloat(goal.Deadline.Sub(now).Hours() / (30 * 24))
		if monthsToDeadline.IsPositive() {
			recommended := remaining.Div(monthsToDeadline).Round(2)
			forecast.RecommendedMonthlyAmount = &recommended
		}
		forecast.OnTrack = forecast.PredictedCompletionDate != nil &&
			!forecast.PredictedCompletionDate.After(civil.DateOf(*goal.Deadline))
	} else {
		forecast.OnTrack = monthlyVelocity.IsPositive()
	}

	return forecast, nil
}

// contributionVelocity averages the trailing window's contributions into a
// per-month rate.
func (s *Service) contributionVelocity(ctx context.Context, goalID string, now time.Time) (decimal.Decimal, error) {
	cutoff := now.Add(-velocityWindow)

	total := decimal.Zero
	page := 1
	const pageSize = 100
	for {
		entries, _, err := s.ledger.ListByGoal(ctx, goalID, page, pageSize)
		if err != nil {
			return decimal.Zero, err
		}
		if len(entries) == 0 {
			break
		}
		stop := false
		for _, c := range entries {
			// Entries come newest first; everything past the cutoff window
			// can be skipped.
			if c.CreatedAt.Before(cutoff) {
				stop = true
				break
			}
			total = total.Add(c.Amount)
		}
		if stop || len(entries) < pageSize {
			break
		}
		page++
	}

	months := decimal.NewFromFloat(velocityWindow.Hours() / (30 * 24))
	return total.Div(months), nil
}

// noopEvaluator is used when the service runs without a live scheduler
// (one-shot tools).
type noopEvaluator struct{}

// EvaluateNow implements Evaluator.
func (noopEvaluator) EvaluateNow(ctx context.Context, goalID string) error { return nil }

// NewNoopEvaluator returns an Evaluator that does nothing.
func NewNoopEvaluator() Evaluator { return noopEvaluator{} }
