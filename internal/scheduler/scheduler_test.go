package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/goalfunder/internal/alerts"
	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/feed"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
	"github.com/dvloznov/goalfunder/internal/rules"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

// ledgerExecutor simulates the orchestrator: it records each trigger in the
// ledger and counts executions. Setting failWith makes the next Execute call
// return that error instead.
type ledgerExecutor struct {
	mu       sync.Mutex
	ledger   ledger.Store
	count    int
	failed   int
	failWith error
}

func (e *ledgerExecutor) Execute(ctx context.Context, rec transfer.TriggerRecord) (*transfer.Result, error) {
	e.mu.Lock()
	if err := e.failWith; err != nil {
		e.failWith = nil
		e.failed++
		e.mu.Unlock()
		return nil, err
	}
	e.count++
	e.mu.Unlock()

	c := &domain.Contribution{
		GoalID:    rec.GoalID,
		Amount:    rec.Amount,
		Date:      civil.DateOf(time.Now()),
		Source:    domain.ContributionSourceAutomatic,
		RuleID:    rec.RuleID,
		PeriodKey: rec.PeriodKey,
	}
	if err := e.ledger.Append(ctx, c); err != nil {
		return nil, err
	}
	return &transfer.Result{ContributionID: c.ID}, nil
}

func (e *ledgerExecutor) executions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *ledgerExecutor) failures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failed
}

func (e *ledgerExecutor) failNextWith(err error) {
	e.mu.Lock()
	e.failWith = err
	e.mu.Unlock()
}

// captureNotifier records delivered alerts.
type captureNotifier struct {
	mu     sync.Mutex
	alerts []alerts.Alert
}

func (n *captureNotifier) Notify(ctx context.Context, a alerts.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *captureNotifier) byKind(kind alerts.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var count int
	for _, a := range n.alerts {
		if a.Kind == kind {
			count++
		}
	}
	return count
}

type fixture struct {
	scheduler *Scheduler
	store     *goals.InMemoryStore
	ledger    *ledger.InMemoryStore
	executor  *ledgerExecutor
	source    *feed.ChannelSource
	pending   *transfer.PendingLog
	notifier  *captureNotifier
	cancel    context.CancelFunc
}

func newFixture(t *testing.T, rule rules.Rule, authorized bool) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store := goals.NewInMemoryStore()
	ledgerStore := ledger.NewInMemoryStore()
	executor := &ledgerExecutor{ledger: ledgerStore}
	source := feed.NewChannelSource(16)

	goal := &domain.Goal{
		ID:                   "goal-1",
		Name:                 "Emergency fund",
		TargetAmount:         decimal.NewFromInt(10000),
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
			{RuleID: "rule-1", SourceAccountID: "acc-1", Rule: rule},
		},
	}
	if err := store.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}
	if authorized {
		err := store.SaveAuthorization(ctx, &domain.TransferAuthorization{GoalID: "goal-1", GrantedAt: time.Now()})
		if err != nil {
			t.Fatalf("SaveAuthorization() error = %v", err)
		}
	}

	pending := transfer.NewPendingLog()
	notifier := &captureNotifier{}
	s := New(store, store, store, rules.NewInMemoryStateStore(), ledgerStore, transfer.NewFailureLog(), pending, executor, source, notifier, zerolog.Nop(), Options{
		TickInterval: time.Hour, // ticks stay out of the way; tests drive evaluation
		QueueSize:    16,
		WorkerCount:  1,
	})
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
		cancel()
	})

	return &fixture{scheduler: s, store: store, ledger: ledgerStore, executor: executor, source: source, pending: pending, notifier: notifier, cancel: cancel}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEvaluateNow_DispatchesOnce(t *testing.T) {
	f := newFixture(t, rules.FixedSchedule{Amount: decimal.NewFromInt(100), Cadence: rules.CadenceMonthly}, true)
	ctx := context.Background()

	if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
		t.Fatalf("EvaluateNow() error = %v", err)
	}
	waitFor(t, func() bool { return f.executor.executions() == 1 }, "first trigger never executed")

	// Re-evaluating the same period must not dispatch again: the ledger row
	// is the idempotency gate.
	for i := 0; i < 3; i++ {
		if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
			t.Fatalf("EvaluateNow() #%d error = %v", i+2, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.executor.executions(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}

	_, total, err := f.ledger.ListByGoal(ctx, "goal-1", 1, 10)
	if err != nil {
		t.Fatalf("ListByGoal() error = %v", err)
	}
	if total != 1 {
		t.Errorf("ledger rows = %d, want 1", total)
	}
}

func TestEvaluateNow_UnauthorizedDoesNotBurnPeriod(t *testing.T) {
	f := newFixture(t, rules.FixedSchedule{Amount: decimal.NewFromInt(100), Cadence: rules.CadenceMonthly}, false)
	ctx := context.Background()

	if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
		t.Fatalf("EvaluateNow() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.executor.executions(); got != 0 {
		t.Fatalf("executions = %d for unauthorized goal, want 0", got)
	}

	// Authorize and re-evaluate: the suppressed trigger resurfaces with the
	// same period still available.
	err := f.store.SaveAuthorization(ctx, &domain.TransferAuthorization{GoalID: "goal-1", GrantedAt: time.Now()})
	if err != nil {
		t.Fatalf("SaveAuthorization() error = %v", err)
	}
	if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
		t.Fatalf("EvaluateNow() after authorize error = %v", err)
	}
	waitFor(t, func() bool { return f.executor.executions() == 1 }, "authorized trigger never executed")
}

func TestBalanceCrossing_SurvivesUntilAuthorized(t *testing.T) {
	rule := rules.ConditionalBalance{
		Threshold: decimal.NewFromInt(1000),
		Operator:  rules.OperatorGreaterThan,
		Amount:    decimal.NewFromInt(50),
	}
	f := newFixture(t, rule, false)
	ctx := context.Background()

	publish := func(balance int64, seq int64) {
		err := f.source.Publish(ctx, feed.Event{Snapshot: &domain.AccountSnapshot{
			AccountID:  "acc-1",
			Balance:    decimal.NewFromInt(balance),
			Seq:        seq,
			ObservedAt: time.Now(),
		}})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	// The crossing happens while transfers are unauthorized: it must be held,
	// not silently consumed, even though the balance never re-crosses.
	publish(900, 1)
	publish(1100, 2)
	waitFor(t, func() bool { return len(f.pending.ListByGoal("goal-1")) == 1 }, "suppressed crossing never recorded as pending")
	if got := f.executor.executions(); got != 0 {
		t.Fatalf("executions = %d while unauthorized, want 0", got)
	}
	if got := f.notifier.byKind(alerts.KindAuthorizationRequired); got != 1 {
		t.Errorf("authorization-required alerts = %d, want 1", got)
	}

	err := f.store.SaveAuthorization(ctx, &domain.TransferAuthorization{GoalID: "goal-1", GrantedAt: time.Now()})
	if err != nil {
		t.Fatalf("SaveAuthorization() error = %v", err)
	}
	if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
		t.Fatalf("EvaluateNow() after authorize error = %v", err)
	}
	waitFor(t, func() bool { return f.executor.executions() == 1 }, "held crossing never executed after authorization")

	exists, err := f.ledger.Exists(ctx, "goal-1", "rule-1", "seq-2")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("ledger row for the held crossing missing")
	}
	if got := len(f.pending.ListByGoal("goal-1")); got != 0 {
		t.Errorf("pending entries after dispatch = %d, want 0", got)
	}
}

func TestRevokedWhileQueued_PeriodNotBurned(t *testing.T) {
	f := newFixture(t, rules.FixedSchedule{Amount: decimal.NewFromInt(100), Cadence: rules.CadenceMonthly}, true)
	ctx := context.Background()

	// The orchestrator re-checks authorization and drops the queued record.
	f.executor.failNextWith(&transfer.AuthorizationRequiredError{GoalID: "goal-1"})

	if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
		t.Fatalf("EvaluateNow() error = %v", err)
	}
	waitFor(t, func() bool { return f.executor.failures() == 1 }, "queued record never reached the executor")
	if got := f.executor.executions(); got != 0 {
		t.Fatalf("executions = %d after drop, want 0", got)
	}
	_, total, err := f.ledger.ListByGoal(ctx, "goal-1", 1, 10)
	if err != nil {
		t.Fatalf("ListByGoal() error = %v", err)
	}
	if total != 0 {
		t.Fatalf("ledger rows after drop = %d, want 0", total)
	}

	// Same cadence bucket, second attempt: the dropped record re-dispatches.
	if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
		t.Fatalf("EvaluateNow() #2 error = %v", err)
	}
	waitFor(t, func() bool { return f.executor.executions() == 1 }, "dropped record never re-dispatched")

	_, total, err = f.ledger.ListByGoal(ctx, "goal-1", 1, 10)
	if err != nil {
		t.Fatalf("ListByGoal() error = %v", err)
	}
	if total != 1 {
		t.Errorf("ledger rows = %d, want 1", total)
	}
}

func TestBalanceRule_EdgeTriggeredViaFeed(t *testing.T) {
	rule := rules.ConditionalBalance{
		Threshold: decimal.NewFromInt(1000),
		Operator:  rules.OperatorGreaterThan,
		Amount:    decimal.NewFromInt(50),
	}
	f := newFixture(t, rule, true)
	ctx := context.Background()

	publish := func(balance int64, seq int64) {
		err := f.source.Publish(ctx, feed.Event{Snapshot: &domain.AccountSnapshot{
			AccountID:  "acc-1",
			Balance:    decimal.NewFromInt(balance),
			Seq:        seq,
			ObservedAt: time.Now(),
		}})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	// Below, then crossing: exactly one trigger.
	publish(900, 1)
	publish(1100, 2)
	waitFor(t, func() bool { return f.executor.executions() == 1 }, "crossing never triggered")

	// Still above: no re-fire.
	publish(1200, 3)
	time.Sleep(50 * time.Millisecond)
	if got := f.executor.executions(); got != 1 {
		t.Fatalf("executions = %d after staying above threshold, want 1", got)
	}

	// Dip below and re-cross: fires again under a new period key.
	publish(800, 4)
	publish(1050, 5)
	waitFor(t, func() bool { return f.executor.executions() == 2 }, "re-crossing never triggered")
}

func TestTransactionRule_EvaluatedPerEvent(t *testing.T) {
	amount := decimal.NewFromInt(20)
	rule := rules.ConditionalTransaction{
		Threshold: decimal.NewFromInt(500),
		Operator:  rules.OperatorGreaterThan,
		Amount:    &amount,
	}
	f := newFixture(t, rule, true)
	ctx := context.Background()

	publishTx := func(id string, amount int64) {
		err := f.source.Publish(ctx, feed.Event{Transaction: &domain.Transaction{
			ID:        id,
			AccountID: "acc-1",
			Amount:    decimal.NewFromInt(amount),
			BookedAt:  time.Now(),
		}})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	publishTx("tx-big", -750)
	waitFor(t, func() bool { return f.executor.executions() == 1 }, "qualifying transaction never triggered")

	publishTx("tx-small", -100)
	time.Sleep(50 * time.Millisecond)
	if got := f.executor.executions(); got != 1 {
		t.Errorf("executions = %d after non-qualifying transaction, want 1", got)
	}

	// A second qualifying transaction is its own period.
	publishTx("tx-big-2", -900)
	waitFor(t, func() bool { return f.executor.executions() == 2 }, "second qualifying transaction never triggered")
}

func TestEvaluateNow_DisabledConfigSkipped(t *testing.T) {
	f := newFixture(t, rules.FixedSchedule{Amount: decimal.NewFromInt(100), Cadence: rules.CadenceMonthly}, true)
	ctx := context.Background()

	cfg, err := f.store.GetConfig(ctx, "goal-1")
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	cfg.Enabled = false
	cfg.DestinationAccountID = ""
	if err := f.store.SaveConfig(ctx, cfg); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	if err := f.scheduler.EvaluateNow(ctx, "goal-1"); err != nil {
		t.Fatalf("EvaluateNow() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.executor.executions(); got != 0 {
		t.Errorf("executions = %d for disabled config, want 0", got)
	}
}
