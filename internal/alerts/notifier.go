// Package alerts delivers automation events to the user channel: fatal
// transfer failures, pending authorizations, and reconciliation drift.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an alert for routing and display.
type Kind string

const (
	// KindTransferFailed is a permanently failed automated transfer.
	KindTransferFailed Kind = "transfer_failed"
	// KindAuthorizationRequired is a trigger suppressed for lack of consent.
	KindAuthorizationRequired Kind = "authorization_required"
	// KindDriftDetected is an unexplained ledger/balance mismatch.
	KindDriftDetected Kind = "drift_detected"
)

// Alert is one user-visible automation event.
type Alert struct {
	Kind   Kind
	GoalID string
	Title  string
	Detail string
	At     time.Time
}

// Notifier delivers alerts to the user channel. Delivery failures are logged
// by callers and never block the engine.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log. It is the fallback when
// no Notion workspace is configured.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.log.Warn().
		Str("kind", string(alert.Kind)).
		Str("goal_id", alert.GoalID).
		Str("title", alert.Title).
		Str("detail", alert.Detail).
		Msg("Automation alert")
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
