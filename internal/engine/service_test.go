package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
	"github.com/dvloznov/goalfunder/internal/rules"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

func newTestService(t *testing.T) (*Service, *goals.InMemoryStore, *ledger.InMemoryStore) {
	t.Helper()

	store := goals.NewInMemoryStore()
	ledgerStore := ledger.NewInMemoryStore()

	goal := &domain.Goal{
		ID:           "goal-1",
		Name:         "New laptop",
		TargetAmount: decimal.NewFromInt(2000),
		Status:       domain.GoalStatusActive,
	}
	if err := store.SaveGoal(context.Background(), goal); err != nil {
		t.Fatalf("SaveGoal() error = %v", err)
	}

	service := NewService(store, store, store, ledgerStore, NewNoopEvaluator(), transfer.NewFailureLog(), transfer.NewPendingLog(), zerolog.Nop())
	return service, store, ledgerStore
}

func TestRecordManualContribution(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	c, err := s.RecordManualContribution(ctx, "goal-1", decimal.NewFromInt(150), civil.Date{Year: 2024, Month: 6, Day: 15})
	if err != nil {
		t.Fatalf("RecordManualContribution() error = %v", err)
	}
	if c.Source != domain.ContributionSourceManual {
		t.Errorf("Source = %q, want manual", c.Source)
	}

	goal, _ := store.GetGoal(ctx, "goal-1")
	if !goal.CurrentAmount.Equal(decimal.NewFromInt(150)) {
		t.Errorf("CurrentAmount = %s, want 150", goal.CurrentAmount)
	}
}

func TestRecordManualContribution_Validation(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	date := civil.Date{Year: 2024, Month: 6, Day: 15}

	if _, err := s.RecordManualContribution(ctx, "goal-1", decimal.Zero, date); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := s.RecordManualContribution(ctx, "missing", decimal.NewFromInt(10), date); !errors.Is(err, goals.ErrGoalNotFound) {
		t.Errorf("error = %v, want ErrGoalNotFound", err)
	}
}

func TestRecordManualContribution_AutoCompletes(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.RecordManualContribution(ctx, "goal-1", decimal.NewFromInt(2000), civil.Date{Year: 2024, Month: 6, Day: 15})
	if err != nil {
		t.Fatalf("RecordManualContribution() error = %v", err)
	}

	goal, _ := store.GetGoal(ctx, "goal-1")
	if goal.Status != domain.GoalStatusCompleted {
		t.Errorf("Status = %q after reaching target, want completed", goal.Status)
	}
}

func TestDeleteManualContribution(t *testing.T) {
	s, store, ledgerStore := newTestService(t)
	ctx := context.Background()

	c, err := s.RecordManualContribution(ctx, "goal-1", decimal.NewFromInt(150), civil.Date{Year: 2024, Month: 6, Day: 15})
	if err != nil {
		t.Fatalf("RecordManualContribution() error = %v", err)
	}

	if err := s.DeleteManualContribution(ctx, c.ID); err != nil {
		t.Fatalf("DeleteManualContribution() error = %v", err)
	}

	goal, _ := store.GetGoal(ctx, "goal-1")
	if !goal.CurrentAmount.IsZero() {
		t.Errorf("CurrentAmount = %s after delete, want 0", goal.CurrentAmount)
	}

	// Automatic entries are immutable.
	auto := &domain.Contribution{
		GoalID:    "goal-1",
		Amount:    decimal.NewFromInt(50),
		Date:      civil.Date{Year: 2024, Month: 6, Day: 15},
		Source:    domain.ContributionSourceAutomatic,
		RuleID:    "rule-1",
		PeriodKey: "2024-06",
	}
	if err := ledgerStore.Append(ctx, auto); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.DeleteManualContribution(ctx, auto.ID); !errors.Is(err, ledger.ErrImmutableContribution) {
		t.Errorf("DeleteManualContribution(automatic) error = %v, want ErrImmutableContribution", err)
	}
}

func TestAuthorizeAndRevoke(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	if err := s.AuthorizeTransfers(ctx, "goal-1"); err != nil {
		t.Fatalf("AuthorizeTransfers() error = %v", err)
	}
	auth, _ := store.GetAuthorization(ctx, "goal-1")
	if !auth.Active() {
		t.Error("authorization not active after grant")
	}
	goal, _ := store.GetGoal(ctx, "goal-1")
	if !goal.TransferAuthorized {
		t.Error("goal flag not set after grant")
	}

	if err := s.RevokeAuthorization(ctx, "goal-1"); err != nil {
		t.Fatalf("RevokeAuthorization() error = %v", err)
	}
	auth, _ = store.GetAuthorization(ctx, "goal-1")
	if auth.Active() {
		t.Error("authorization still active after revoke")
	}
	goal, _ = store.GetGoal(ctx, "goal-1")
	if goal.TransferAuthorized {
		t.Error("goal flag still set after revoke")
	}

	if err := s.AuthorizeTransfers(ctx, "missing"); !errors.Is(err, goals.ErrGoalNotFound) {
		t.Errorf("AuthorizeTransfers(missing) error = %v, want ErrGoalNotFound", err)
	}
}

func TestAutomationStatus(t *testing.T) {
	store := goals.NewInMemoryStore()
	ledgerStore := ledger.NewInMemoryStore()
	failures := transfer.NewFailureLog()
	pending := transfer.NewPendingLog()
	s := NewService(store, store, store, ledgerStore, NewNoopEvaluator(), failures, pending, zerolog.Nop())
	ctx := context.Background()

	goal := &domain.Goal{
		ID:                   "goal-1",
		Name:                 "New laptop",
		TargetAmount:         decimal.NewFromInt(2000),
		Status:               domain.GoalStatusActive,
		DestinationAccountID: "dst-1",
	}
	if err := store.SaveGoal(ctx, goal); err != nil {
		t.Fatalf("SaveGoal() error = %v", err)
	}
	cfg := &rules.Config{
		GoalID:               "goal-1",
		Enabled:              true,
		DestinationAccountID: "dst-1",
		SourceRules: []rules.SourceAccountRule{
			{RuleID: "rule-1", SourceAccountID: "acc-1", Rule: rules.FixedSchedule{Amount: decimal.NewFromInt(100), Cadence: rules.CadenceMonthly}},
		},
	}
	if err := store.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	rec := transfer.TriggerRecord{
		GoalID:               "goal-1",
		RuleID:               "rule-1",
		PeriodKey:            "2024-06",
		Amount:               decimal.NewFromInt(100),
		SourceAccountID:      "acc-1",
		DestinationAccountID: "dst-1",
	}
	pending.Add(rec)
	failed := rec
	failed.PeriodKey = "2024-05"
	failures.MarkFailed(failed, "destination account closed")

	status, err := s.AutomationStatus(ctx, "goal-1")
	if err != nil {
		t.Fatalf("AutomationStatus() error = %v", err)
	}
	if !status.Enabled {
		t.Error("Enabled = false with an enabled config")
	}
	if status.Authorized {
		t.Error("Authorized = true before any grant")
	}
	if got := len(status.PendingAuthorization); got != 1 {
		t.Errorf("pending entries = %d, want 1", got)
	}
	if got := len(status.FailedTransfers); got != 1 {
		t.Errorf("failed entries = %d, want 1", got)
	}

	if err := s.AuthorizeTransfers(ctx, "goal-1"); err != nil {
		t.Fatalf("AuthorizeTransfers() error = %v", err)
	}
	status, err = s.AutomationStatus(ctx, "goal-1")
	if err != nil {
		t.Fatalf("AutomationStatus() after grant error = %v", err)
	}
	if !status.Authorized {
		t.Error("Authorized = false after grant")
	}

	if _, err := s.AutomationStatus(ctx, "missing"); !errors.Is(err, goals.ErrGoalNotFound) {
		t.Errorf("AutomationStatus(missing) error = %v, want ErrGoalNotFound", err)
	}
}

func TestGoalLifecycle(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	goal, err := s.CompleteGoal(ctx, "goal-1")
	if err != nil {
		t.Fatalf("CompleteGoal() error = %v", err)
	}
	if goal.Status != domain.GoalStatusCompleted {
		t.Errorf("Status = %q, want completed", goal.Status)
	}

	// Completing again is a no-op, not an error.
	if _, err := s.CompleteGoal(ctx, "goal-1"); err != nil {
		t.Errorf("second CompleteGoal() error = %v", err)
	}

	// Completed goals do not archive.
	goal, err = s.ArchiveGoal(ctx, "goal-1")
	if err != nil {
		t.Fatalf("ArchiveGoal() error = %v", err)
	}
	if goal.Status != domain.GoalStatusCompleted {
		t.Errorf("Status = %q after archiving completed goal, want completed", goal.Status)
	}
}

func TestForecast(t *testing.T) {
	s, store, ledgerStore := newTestService(t)
	ctx := context.Background()

	// Steady history: 300 over the trailing window.
	for i, amount := range []int64{100, 100, 100} {
		c := &domain.Contribution{
			GoalID:    "goal-1",
			Amount:    decimal.NewFromInt(amount),
			Date:      civil.Date{Year: 2024, Month: 6, Day: 1},
			Source:    domain.ContributionSourceAutomatic,
			RuleID:    "rule-1",
			PeriodKey: civil.Date{Year: 2024, Month: time.Month(i + 1), Day: 1}.String(),
		}
		if err := ledgerStore.Append(ctx, c); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if _, err := store.UpdateGoal(ctx, "goal-1", func(g *domain.Goal) error {
		g.CurrentAmount = decimal.NewFromInt(300)
		return nil
	}); err != nil {
		t.Fatalf("UpdateGoal() error = %v", err)
	}

	forecast, err := s.Forecast(ctx, "goal-1")
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	if forecast.PredictedCompletionDate == nil {
		t.Error("expected a predicted completion date with positive velocity")
	}
	if forecast.RecommendedMonthlyAmount != nil {
		t.Error("no deadline, so no recommended amount expected")
	}

	// A deadline produces a recommendation.
	deadline := time.Now().Add(10 * 30 * 24 * time.Hour)
	if _, err := store.UpdateGoal(ctx, "goal-1", func(g *domain.Goal) error {
		g.Deadline = &deadline
		return nil
	}); err != nil {
		t.Fatalf("UpdateGoal() error = %v", err)
	}
	forecast, err = s.Forecast(ctx, "goal-1")
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	if forecast.RecommendedMonthlyAmount == nil {
		t.Error("expected a recommended monthly amount with a deadline set")
	}
}

func TestForecast_ReachedTargetIsOnTrack(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()

	if _, err := store.UpdateGoal(ctx, "goal-1", func(g *domain.Goal) error {
		g.CurrentAmount = g.TargetAmount
		return nil
	}); err != nil {
		t.Fatalf("UpdateGoal() error = %v", err)
	}

	forecast, err := s.Forecast(ctx, "goal-1")
	if err != nil {
		t.Fatalf("Forecast() error = %v", err)
	}
	if !forecast.OnTrack {
		t.Error("reached goal should be on track")
	}
	today := civil.DateOf(time.Now())
	if forecast.PredictedCompletionDate == nil || *forecast.PredictedCompletionDate != today {
		t.Errorf("PredictedCompletionDate = %v, want today", forecast.PredictedCompletionDate)
	}
}
