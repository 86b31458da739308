package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestGoalAutomationEligible(t *testing.T) {
	tests := []struct {
		name string
		goal Goal
		want bool
	}{
		{"active with destination", Goal{Status: GoalStatusActive, DestinationAccountID: "acc-1"}, true},
		{"cash goal has no automation", Goal{Status: GoalStatusActive}, false},
		{"draft goal", Goal{Status: GoalStatusDraft, DestinationAccountID: "acc-1"}, false},
		{"completed goal", Goal{Status: GoalStatusCompleted, DestinationAccountID: "acc-1"}, false},
		{"archived goal", Goal{Status: GoalStatusArchived, DestinationAccountID: "acc-1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.goal.AutomationEligible(); got != tt.want {
				t.Errorf("AutomationEligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGoalComplete_Idempotent(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)
	goal := Goal{Status: GoalStatusActive}

	goal.Complete(now)
	if goal.Status != GoalStatusCompleted {
		t.Fatalf("Status = %q, want completed", goal.Status)
	}
	firstUpdate := goal.UpdatedAt

	goal.Complete(now.Add(time.Hour))
	if goal.Status != GoalStatusCompleted {
		t.Errorf("second Complete changed status to %q", goal.Status)
	}
	if !goal.UpdatedAt.Equal(firstUpdate) {
		t.Error("second Complete should be a no-op")
	}
}

func TestGoalArchiveUnarchive(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

	goal := Goal{Status: GoalStatusActive}
	goal.Archive(now)
	if goal.Status != GoalStatusArchived {
		t.Fatalf("Status = %q, want archived", goal.Status)
	}
	if goal.ArchivedAt == nil {
		t.Fatal("ArchivedAt not set")
	}

	goal.Unarchive(now.Add(time.Hour))
	if goal.Status != GoalStatusActive {
		t.Errorf("Status = %q, want active", goal.Status)
	}
	if goal.ArchivedAt != nil {
		t.Error("ArchivedAt not cleared")
	}

	// Completed goals do not archive.
	completed := Goal{Status: GoalStatusCompleted}
	completed.Archive(now)
	if completed.Status != GoalStatusCompleted {
		t.Errorf("archiving a completed goal changed status to %q", completed.Status)
	}
}

func TestGoalApplyContribution(t *testing.T) {
	now := time.Date(2024, 6, 15, 9, 0, 0, 0, time.UTC)

	goal := Goal{
		Status:       GoalStatusActive,
		TargetAmount: decimal.NewFromInt(1000),
	}

	goal.ApplyContribution(decimal.NewFromInt(400), now)
	if goal.Status != GoalStatusActive {
		t.Errorf("Status = %q after partial contribution, want active", goal.Status)
	}
	if !goal.CurrentAmount.Equal(decimal.NewFromInt(400)) {
		t.Errorf("CurrentAmount = %s, want 400", goal.CurrentAmount)
	}

	// Reaching the target auto-completes.
	goal.ApplyContribution(decimal.NewFromInt(600), now)
	if goal.Status != GoalStatusCompleted {
		t.Errorf("Status = %q after reaching target, want completed", goal.Status)
	}
}

func TestDedupKey(t *testing.T) {
	c := Contribution{GoalID: "g1", RuleID: "r1", PeriodKey: "2024-06"}
	want := "g1:r1:2024-06"
	if got := c.DedupKey(); got != want {
		t.Errorf("DedupKey() = %q, want %q", got, want)
	}
	if got := DedupKey("g1", "r1", "2024-06"); got != want {
		t.Errorf("DedupKey(...) = %q, want %q", got, want)
	}
}

func TestTransferAuthorizationActive(t *testing.T) {
	revoked := time.Now()

	tests := []struct {
		name string
		auth *TransferAuthorization
		want bool
	}{
		{"nil authorization", nil, false},
		{"granted", &TransferAuthorization{GoalID: "g1", GrantedAt: time.Now()}, true},
		{"revoked", &TransferAuthorization{GoalID: "g1", RevokedAt: &revoked}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.auth.Active(); got != tt.want {
				t.Errorf("Active() = %v, want %v", got, tt.want)
			}
		})
	}
}
