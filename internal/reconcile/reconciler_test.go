package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/alerts"
	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

// mockBalances serves fixed balances per account.
type mockBalances struct {
	balances map[string]decimal.Decimal
}

func (m *mockBalances) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return m.balances[accountID], nil
}

// mockMover serves a fixed transfer history.
type mockMover struct {
	transfers []transfer.ExternalTransfer
}

func (m *mockMover) Transfer(ctx context.Context, src, dst string, amount decimal.Decimal, key string) (string, error) {
	return "", nil
}

func (m *mockMover) ListTransfers(ctx context.Context, dst string) ([]transfer.ExternalTransfer, error) {
	return m.transfers, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (n *recordingNotifier) Notify(ctx context.Context, alert alerts.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func seedGoal(t *testing.T, store *goals.InMemoryStore, synced bool, initial decimal.Decimal) {
	t.Helper()
	goal := &domain.Goal{
		ID:                   "goal-1",
		Name:                 "House deposit",
		TargetAmount:         decimal.NewFromInt(20000),
		Status:               domain.GoalStatusActive,
		DestinationAccountID: "dst-1",
		InitialBalance:       initial,
		InitialBalanceSynced: synced,
	}
	if err := store.SaveGoal(context.Background(), goal); err != nil {
		t.Fatalf("SaveGoal() error = %v", err)
	}
}

func TestReconcileGoal_InitialBalanceSync(t *testing.T) {
	store := goals.NewInMemoryStore()
	ledgerStore := ledger.NewInMemoryStore()
	seedGoal(t, store, false, decimal.Zero)

	balances := &mockBalances{balances: map[string]decimal.Decimal{"dst-1": decimal.NewFromInt(500)}}
	r := New(store, ledgerStore, balances, &mockMover{}, &recordingNotifier{}, nil, zerolog.Nop(), Options{})

	outcome, err := r.ReconcileGoal(context.Background(), "goal-1")
	if err != nil {
		t.Fatalf("ReconcileGoal() error = %v", err)
	}
	if outcome.DriftDetected {
		t.Error("first pass flagged drift instead of capturing the initial balance")
	}

	goal, _ := store.GetGoal(context.Background(), "goal-1")
	if !goal.InitialBalanceSynced {
		t.Error("InitialBalanceSynced not set")
	}
	if !goal.InitialBalance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("InitialBalance = %s, want 500", goal.InitialBalance)
	}
}

func TestReconcileGoal_BackfillsLostContributionExactlyOnce(t *testing.T) {
	store := goals.NewInMemoryStore()
	ledgerStore := ledger.NewInMemoryStore()
	seedGoal(t, store, true, decimal.NewFromInt(500))
	ctx := context.Background()

	// The external account holds initial 500 + a 100 transfer the ledger
	// never saw (crash between transfer and append).
	balances := &mockBalances{balances: map[string]decimal.Decimal{"dst-1": decimal.NewFromInt(600)}}
	mover := &mockMover{transfers: []transfer.ExternalTransfer{
		{
			ID:                   "xfer-lost",
			DestinationAccountID: "dst-1",
			Amount:               decimal.NewFromInt(100),
			IdempotencyKey:       "goal-1:rule-1:2024-06",
			ExecutedAt:           time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC),
		},
	}}
	r := New(store, ledgerStore, balances, mover, &recordingNotifier{}, nil, zerolog.Nop(), Options{})

	outcome, err := r.ReconcileGoal(ctx, "goal-1")
	if err != nil {
		t.Fatalf("ReconcileGoal() error = %v", err)
	}
	if outcome.Backfilled != 1 {
		t.Errorf("Backfilled = %d, want 1", outcome.Backfilled)
	}
	if outcome.DriftDetected {
		t.Error("backfill should have explained the gap")
	}

	c, err := ledgerStore.GetByKey(ctx, "goal-1", "rule-1", "2024-06")
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if c.ExternalTransferID != "xfer-lost" {
		t.Errorf("ExternalTransferID = %q, want xfer-lost", c.ExternalTransferID)
	}

	goal, _ := store.GetGoal(ctx, "goal-1")
	if !goal.CurrentAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("CurrentAmount = %s, want 100", goal.CurrentAmount)
	}

	// A second pass finds the row and backfills nothing.
	outcome, err = r.ReconcileGoal(ctx, "goal-1")
	if err != nil {
		t.Fatalf("second ReconcileGoal() error = %v", err)
	}
	if outcome.Backfilled != 0 {
		t.Errorf("second pass Backfilled = %d, want 0", outcome.Backfilled)
	}
	_, total, _ := ledgerStore.ListByGoal(ctx, "goal-1", 1, 10)
	if total != 1 {
		t.Errorf("ledger rows = %d, want 1", total)
	}
}

func TestReconcileGoal_UnexplainedGapFlagsDrift(t *testing.T) {
	store := goals.NewInMemoryStore()
	ledgerStore := ledger.NewInMemoryStore()
	seedGoal(t, store, true, decimal.NewFromInt(500))
	ctx := context.Background()

	// 75 above the initial balance with no matching external transfer.
	balances := &mockBalances{balances: map[string]decimal.Decimal{"dst-1": decimal.NewFromInt(575)}}
	notifier := &recordingNotifier{}
	r := New(store, ledgerStore, balances, &mockMover{}, notifier, nil, zerolog.Nop(), Options{})

	outcome, err := r.ReconcileGoal(ctx, "goal-1")
	if err != nil {
		t.Fatalf("ReconcileGoal() error = %v", err)
	}
	if !outcome.DriftDetected {
		t.Fatal("expected drift to be detected")
	}
	if !outcome.Drift.Equal(decimal.NewFromInt(75)) {
		t.Errorf("Drift = %s, want 75", outcome.Drift)
	}

	goal, _ := store.GetGoal(ctx, "goal-1")
	if !goal.DriftDetected {
		t.Error("goal drift flag not set")
	}

	if len(notifier.alerts) != 1 || notifier.alerts[0].Kind != alerts.KindDriftDetected {
		t.Errorf("alerts = %+v, want one drift_detected alert", notifier.alerts)
	}

	// Drift clears once the balance matches again.
	balances.balances["dst-1"] = decimal.NewFromInt(500)
	outcome, err = r.ReconcileGoal(ctx, "goal-1")
	if err != nil {
		t.Fatalf("ReconcileGoal() error = %v", err)
	}
	if outcome.DriftDetected {
		t.Error("drift still flagged after balance recovered")
	}
	goal, _ = store.GetGoal(ctx, "goal-1")
	if goal.DriftDetected {
		t.Error("goal drift flag not cleared")
	}
}

func TestReconcileGoal_ToleranceAbsorbsRounding(t *testing.T) {
	store := goals.NewInMemoryStore()
	ledgerStore := ledger.NewInMemoryStore()
	seedGoal(t, store, true, decimal.NewFromInt(500))

	balances := &mockBalances{balances: map[string]decimal.Decimal{"dst-1": decimal.RequireFromString("500.005")}}
	r := New(store, ledgerStore, balances, &mockMover{}, &recordingNotifier{}, nil, zerolog.Nop(), Options{})

	outcome, err := r.ReconcileGoal(context.Background(), "goal-1")
	if err != nil {
		t.Fatalf("ReconcileGoal() error = %v", err)
	}
	if outcome.DriftDetected {
		t.Error("sub-tolerance gap flagged as drift")
	}
}

func TestReconcileGoal_CashGoalSkipped(t *testing.T) {
	store := goals.NewInMemoryStore()
	goal := &domain.Goal{ID: "cash-goal", Status: domain.GoalStatusActive}
	if err := store.SaveGoal(context.Background(), goal); err != nil {
		t.Fatalf("SaveGoal() error = %v", err)
	}

	r := New(store, ledger.NewInMemoryStore(), &mockBalances{}, &mockMover{}, &recordingNotifier{}, nil, zerolog.Nop(), Options{})
	outcome, err := r.ReconcileGoal(context.Background(), "cash-goal")
	if err != nil {
		t.Fatalf("ReconcileGoal() error = %v", err)
	}
	if outcome.DriftDetected || outcome.Backfilled != 0 {
		t.Errorf("cash goal outcome = %+v, want untouched", outcome)
	}
}

func TestParseIdempotencyKey(t *testing.T) {
	tests := []struct {
		key    string
		goalID string
		ok     bool
	}{
		{"g1:r1:2024-06", "g1", true},
		{"g1:r1:seq-42", "g1", true},
		{"g1:r1:a:b", "g1", true}, // period keys may contain colons
		{"g1:r1", "", false},
		{"::", "", false},
	}

	for _, tt := range tests {
		goalID, _, _, ok := parseIdempotencyKey(tt.key)
		if ok != tt.ok {
			t.Errorf("parseIdempotencyKey(%q) ok = %v, want %v", tt.key, ok, tt.ok)
			continue
		}
		if ok && goalID != tt.goalID {
			t.Errorf("parseIdempotencyKey(%q) goalID = %q, want %q", tt.key, goalID, tt.goalID)
		}
	}
}
