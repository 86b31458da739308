// Package scheduler drives rule evaluation from two inputs: a periodic tick
// and discrete feed events. Triggered rules become trigger records, which a
// bounded worker pool hands to the transfer orchestrator, one in-flight
// transfer per goal at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dvloznov/goalfunder/internal/alerts"
	"github.com/dvloznov/goalfunder/internal/domain"
	"github.com/dvloznov/goalfunder/internal/feed"
	"github.com/dvloznov/goalfunder/internal/goals"
	"github.com/dvloznov/goalfunder/internal/ledger"
	"github.com/dvloznov/goalfunder/internal/rules"
	"github.com/dvloznov/goalfunder/internal/transfer"
)

const (
	defaultTickInterval = 24 * time.Hour
	defaultQueueSize    = 100
	defaultWorkerCount  = 5

	// recentTransactionCap bounds the per-account transaction buffer kept
	// for batch-style rules.
	recentTransactionCap = 256
)

// Executor runs one trigger record. Satisfied by *transfer.Orchestrator.
type Executor interface {
	Execute(ctx context.Context, rec transfer.TriggerRecord) (*transfer.Result, error)
}

// Options tune the scheduler.
type Options struct {
	// TickInterval is the periodic evaluation cadence; it should match the
	// finest cadence among active rules. Defaults to daily.
	TickInterval time.Duration
	// QueueSize bounds the trigger queue. When full, producers block rather
	// than drop triggers.
	QueueSize int
	// WorkerCount bounds concurrent transfer executions.
	WorkerCount int
}

// Scheduler is the trigger dispatcher.
type Scheduler struct {
	goals    goals.Store
	configs  goals.ConfigStore
	auths    goals.AuthorizationStore
	states   rules.StateStore
	ledger   ledger.Store
	failures *transfer.FailureLog
	pending  *transfer.PendingLog
	executor Executor
	source   feed.Source
	notifier alerts.Notifier
	log      zerolog.Logger
	opts     Options

	queue     chan transfer.TriggerRecord
	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// goalLocks serializes transfer execution within a goal so two rules
	// firing together cannot both spend the same funds snapshot.
	goalLocks sync.Map // goalID -> *sync.Mutex

	// mu guards the feed-derived caches below.
	mu        sync.Mutex
	recentTxs map[string][]domain.Transaction
	snapshots map[string]*domain.AccountSnapshot

	now func() time.Time
}

// New creates a scheduler. Zero-valued Options fields fall back to defaults.
func New(goalStore goals.Store, configs goals.ConfigStore, auths goals.AuthorizationStore, states rules.StateStore, ledgerStore ledger.Store, failures *transfer.FailureLog, pending *transfer.PendingLog, executor Executor, source feed.Source, notifier alerts.Notifier, log zerolog.Logger, opts Options) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = defaultWorkerCount
	}
	return &Scheduler{
		goals:     goalStore,
		configs:   configs,
		auths:     auths,
		states:    states,
		ledger:    ledgerStore,
		failures:  failures,
		pending:   pending,
		executor:  executor,
		source:    source,
		notifier:  notifier,
		log:       log,
		opts:      opts,
		queue:     make(chan transfer.TriggerRecord, opts.QueueSize),
		closeChan: make(chan struct{}),
		recentTxs: make(map[string][]domain.Transaction),
		snapshots: make(map[string]*domain.AccountSnapshot),
		now:       time.Now,
	}
}

// Start launches the worker pool and the evaluation loop. It returns
// immediately; use Stop for graceful shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	events, err := s.source.Events(ctx)
	if err != nil {
		return fmt.Errorf("scheduler start: subscribing to feed: %w", err)
	}

	for i := 0; i < s.opts.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	s.wg.Add(1)
	go s.loop(ctx, events)

	s.log.Info().
		Dur("tick_interval", s.opts.TickInterval).
		Int("workers", s.opts.WorkerCount).
		Msg("Scheduler started")
	return nil
}

// Stop shuts the scheduler down and waits for in-flight work, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closeChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop multiplexes ticks and feed events into evaluations.
func (s *Scheduler) loop(ctx context.Context, events <-chan feed.Event) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case <-ticker.C:
			s.evaluateAll(ctx)
		case event, ok := <-events:
			if !ok {
				s.log.Info().Msg("Feed stream closed")
				return
			}
			s.handleEvent(ctx, event)
		}
	}
}

// evaluateAll runs a tick-driven evaluation across every automation-eligible
// goal. Errors skip the affected goal and never halt the loop.
func (s *Scheduler) evaluateAll(ctx context.Context) {
	candidates, err := s.goals.ListAutomationCandidates(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list goals for evaluation")
		return
	}

	for _, goal := range candidates {
		if err := s.evaluateGoal(ctx, goal, nil); err != nil {
			s.log.Error().Err(err).Str("goal_id", goal.ID).Msg("Goal evaluation failed, skipping")
		}
	}
}

// handleEvent folds a feed event into the caches and evaluates the goals
// watching the affected account.
func (s *Scheduler) handleEvent(ctx context.Context, event feed.Event) {
	var accountID string
	switch {
	case event.Transaction != nil:
		accountID = event.Transaction.AccountID
		s.mu.Lock()
		buf := append(s.recentTxs[accountID], *event.Transaction)
		if len(buf) > recentTransactionCap {
			buf = buf[len(buf)-recentTransactionCap:]
		}
		s.recentTxs[accountID] = buf
		s.mu.Unlock()
	case event.Snapshot != nil:
		accountID = event.Snapshot.AccountID
	default:
		s.log.Warn().Msg("Ignoring empty feed event")
		return
	}

	candidates, err := s.goals.ListAutomationCandidates(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list goals for feed event")
		return
	}

	for _, goal := range candidates {
		if err := s.evaluateGoal(ctx, goal, &event); err != nil {
			s.log.Error().Err(err).Str("goal_id", goal.ID).Msg("Goal evaluation failed, skipping")
		}
	}

	// The snapshot becomes the "previous" observation only after every rule
	// has been evaluated against the old one.
	if event.Snapshot != nil {
		s.mu.Lock()
		cp := *event.Snapshot
		s.snapshots[accountID] = &cp
		s.mu.Unlock()
	}
}

// EvaluateNow forces an out-of-band evaluation of a single goal, the engine's
// "sync now" operation.
func (s *Scheduler) EvaluateNow(ctx context.Context, goalID string) error {
	goal, err := s.goals.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}
	if !goal.AutomationEligible() {
		return nil
	}
	return s.evaluateGoal(ctx, goal, nil)
}

// evaluateGoal evaluates every source-account rule of one goal. event is nil
// for tick-driven evaluations; for feed events only the rules watching the
// event's account see the event payload.
func (s *Scheduler) evaluateGoal(ctx context.Context, goal *domain.Goal, event *feed.Event) error {
	cfg, err := s.configs.GetConfig(ctx, goal.ID)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	auth, err := s.auths.GetAuthorization(ctx, goal.ID)
	if err != nil {
		return fmt.Errorf("loading authorization: %w", err)
	}
	authorized := auth.Active()

	accounts := cfg.SourceAccountIDs()
	if event != nil {
		// Event-driven pass: only the affected account, which the general
		// rule may cover even without a per-source rule.
		accounts = []string{eventAccountID(event)}
	}

	for _, accountID := range accounts {
		ruleID, rule := cfg.RuleFor(accountID)
		if rule == nil {
			continue
		}
		if err := s.evaluateRule(ctx, goal, cfg, accountID, ruleID, rule, event, authorized); err != nil {
			return err
		}
	}
	return nil
}

// evaluateRule runs one (goal, rule) evaluation and enqueues the trigger when
// it fires and passes the dedup, failure-log, and authorization gates.
func (s *Scheduler) evaluateRule(ctx context.Context, goal *domain.Goal, cfg *rules.Config, accountID, ruleID string, rule rules.Rule, event *feed.Event, authorized bool) error {
	if authorized {
		dispatched, err := s.flushPending(ctx, goal.ID, ruleID)
		if err != nil {
			return err
		}
		if dispatched {
			return nil
		}
	}

	state, err := s.states.Get(ctx, goal.ID, ruleID)
	if err != nil {
		return fmt.Errorf("loading eval state: %w", err)
	}

	input := s.buildInput(accountID, event, state)
	evaluation, err := rules.Evaluate(rule, input)
	if err != nil {
		var cfgErr *rules.ConfigError
		if errors.As(err, &cfgErr) {
			// Validation should have rejected this config; refusing to
			// evaluate is safer than guessing.
			return fmt.Errorf("rule %s: %w", ruleID, err)
		}
		return err
	}

	if !evaluation.Triggered {
		return s.advanceObservation(ctx, state, input)
	}

	log := s.log.With().
		Str("goal_id", goal.ID).
		Str("rule_id", ruleID).
		Str("period_key", evaluation.PeriodKey).
		Logger()

	// The ledger is the sole idempotency gate: a consumed period never
	// re-dispatches, no matter how many times evaluation runs.
	exists, err := s.ledger.Exists(ctx, goal.ID, ruleID, evaluation.PeriodKey)
	if err != nil {
		return fmt.Errorf("ledger dedup check: %w", err)
	}
	if exists {
		log.Debug().Msg("Trigger period already consumed")
		return s.advanceObservation(ctx, state, input)
	}
	if s.failures.IsFailed(goal.ID, ruleID, evaluation.PeriodKey) {
		log.Debug().Msg("Trigger permanently failed earlier, not re-dispatching")
		return s.advanceObservation(ctx, state, input)
	}

	record := transfer.TriggerRecord{
		GoalID:               goal.ID,
		RuleID:               ruleID,
		PeriodKey:            evaluation.PeriodKey,
		Amount:               evaluation.Amount,
		SourceAccountID:      accountID,
		DestinationAccountID: cfg.DestinationAccountID,
		TransactionID:        eventTransactionID(event),
	}

	if !authorized {
		// Suppressed, not consumed: the observation stays where it was and the
		// record goes into the pending log, so the trigger survives until the
		// user authorizes, even if the balance crossing is never observed
		// again.
		if s.pending.Add(record) {
			s.notifyAuthorizationRequired(ctx, record)
		}
		log.Info().Msg("Trigger pending authorization")
		return nil
	}

	select {
	case s.queue <- record:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeChan:
		return fmt.Errorf("scheduler is shutting down")
	}
	s.pending.Remove(goal.ID, ruleID)

	log.Info().Str("amount", evaluation.Amount.String()).Msg("Trigger dispatched")
	return s.advanceObservation(ctx, state, input)
}

// flushPending re-dispatches a trigger that was suppressed while the goal
// lacked authorization. It reports whether a record was enqueued.
func (s *Scheduler) flushPending(ctx context.Context, goalID, ruleID string) (bool, error) {
	pend, ok := s.pending.Get(goalID, ruleID)
	if !ok {
		return false, nil
	}
	rec := pend.Record

	exists, err := s.ledger.Exists(ctx, rec.GoalID, rec.RuleID, rec.PeriodKey)
	if err != nil {
		return false, fmt.Errorf("ledger dedup check: %w", err)
	}
	if exists || s.failures.IsFailed(rec.GoalID, rec.RuleID, rec.PeriodKey) {
		s.pending.Remove(goalID, ruleID)
		return false, nil
	}

	select {
	case s.queue <- rec:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.closeChan:
		return false, fmt.Errorf("scheduler is shutting down")
	}
	s.pending.Remove(goalID, ruleID)

	s.log.Info().
		Str("goal_id", rec.GoalID).
		Str("rule_id", rec.RuleID).
		Str("period_key", rec.PeriodKey).
		Msg("Pending trigger dispatched after authorization")
	return true, nil
}

// advanceObservation moves the rule's previous-snapshot marker to the balance
// this evaluation saw. It runs only after the evaluation's outcome is settled;
// a trigger suppressed for missing authorization keeps the old marker so the
// crossing is not consumed.
func (s *Scheduler) advanceObservation(ctx context.Context, state *rules.EvalState, input rules.Input) error {
	if input.Snapshot == nil {
		return nil
	}
	state.PrevSnapshot = input.Snapshot
	if err := s.states.Put(ctx, state); err != nil {
		return fmt.Errorf("saving eval state: %w", err)
	}
	return nil
}

func (s *Scheduler) notifyAuthorizationRequired(ctx context.Context, rec transfer.TriggerRecord) {
	err := s.notifier.Notify(ctx, alerts.Alert{
		Kind:   alerts.KindAuthorizationRequired,
		GoalID: rec.GoalID,
		Title:  "Automated transfer awaiting authorization",
		Detail: fmt.Sprintf("rule %s period %s amount %s", rec.RuleID, rec.PeriodKey, rec.Amount.String()),
		At:     s.now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("goal_id", rec.GoalID).Msg("Failed to deliver authorization-required alert")
	}
}

// buildInput assembles the evaluator input for one source account. For feed
// events only the event payload is offered; ticks see the cached snapshot and
// the recent-transaction buffer.
func (s *Scheduler) buildInput(accountID string, event *feed.Event, state *rules.EvalState) rules.Input {
	input := rules.Input{
		Now:           s.now(),
		LastTriggerAt: state.LastTriggerAt,
		PrevSnapshot:  state.PrevSnapshot,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case event != nil && event.Transaction != nil && event.Transaction.AccountID == accountID:
		tx := *event.Transaction
		input.RecentTransactions = []domain.Transaction{tx}
		if snap, ok := s.snapshots[accountID]; ok {
			cp := *snap
			input.Snapshot = &cp
		}
	case event != nil && event.Snapshot != nil && event.Snapshot.AccountID == accountID:
		cp := *event.Snapshot
		input.Snapshot = &cp
	case event == nil:
		if snap, ok := s.snapshots[accountID]; ok {
			cp := *snap
			input.Snapshot = &cp
		}
		input.RecentTransactions = append([]domain.Transaction(nil), s.recentTxs[accountID]...)
	}

	return input
}

// worker consumes trigger records and executes them, serialized per goal.
func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closeChan:
			return
		case record := <-s.queue:
			s.executeRecord(ctx, record)
		}
	}
}

func (s *Scheduler) executeRecord(ctx context.Context, record transfer.TriggerRecord) {
	lock := s.lockForGoal(record.GoalID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.executor.Execute(ctx, record)
	if err == nil {
		s.markTriggered(ctx, record)
		return
	}

	var authErr *transfer.AuthorizationRequiredError
	if errors.As(err, &authErr) {
		// Revoked while queued: drop without executing. LastTriggerAt was
		// never advanced for this record, so the period stays live and the
		// pending entry re-dispatches it once authorization returns.
		s.pending.Add(record)
		s.log.Info().Str("goal_id", record.GoalID).Str("period_key", record.PeriodKey).
			Msg("Dropped queued transfer: authorization revoked")
		return
	}

	s.log.Error().Err(err).
		Str("goal_id", record.GoalID).
		Str("rule_id", record.RuleID).
		Str("period_key", record.PeriodKey).
		Msg("Transfer execution failed")
}

// markTriggered records the last successful trigger time. It runs after the
// transfer confirms, not at enqueue: a record dropped from the queue on
// revocation must leave its cadence bucket unburned. Duplicate dispatches in
// the window before the ledger row lands are absorbed by the idempotency key.
func (s *Scheduler) markTriggered(ctx context.Context, record transfer.TriggerRecord) {
	state, err := s.states.Get(ctx, record.GoalID, record.RuleID)
	if err != nil {
		s.log.Error().Err(err).Str("goal_id", record.GoalID).Str("rule_id", record.RuleID).
			Msg("Failed to load eval state after transfer")
		return
	}
	state.LastTriggerAt = s.now()
	if err := s.states.Put(ctx, state); err != nil {
		s.log.Error().Err(err).Str("goal_id", record.GoalID).Str("rule_id", record.RuleID).
			Msg("Failed to save eval state after transfer")
	}
}

func (s *Scheduler) lockForGoal(goalID string) *sync.Mutex {
	lock, _ := s.goalLocks.LoadOrStore(goalID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func eventAccountID(event *feed.Event) string {
	switch {
	case event.Transaction != nil:
		return event.Transaction.AccountID
	case event.Snapshot != nil:
		return event.Snapshot.AccountID
	}
	return ""
}

func eventTransactionID(event *feed.Event) string {
	if event != nil && event.Transaction != nil {
		return event.Transaction.ID
	}
	return ""
}
