package transfer

import (
	"context"
	"errors"
	"fmt"
)

// AuthorizationRequiredError means evaluation succeeded but the goal has no
// active transfer authorization. It is an actionable UI state, not a failure:
// the trigger's period is not consumed and the trigger reappears naturally
// once the user authorizes.
type AuthorizationRequiredError struct {
	GoalID string
}

func (e *AuthorizationRequiredError) Error() string {
	return fmt.Sprintf("transfers not authorized for goal %s", e.GoalID)
}

// RetryableFailure wraps a transient funds-movement error (timeout, rate
// limit, network). The orchestrator retries it with backoff up to a bounded
// attempt count.
type RetryableFailure struct {
	Err error
}

func (e *RetryableFailure) Error() string {
	return "retryable transfer failure: " + e.Err.Error()
}

func (e *RetryableFailure) Unwrap() error { return e.Err }

// FatalFailure is terminal for a trigger record: insufficient funds, closed
// account, authorization revoked mid-flight, or retry exhaustion. It is
// reported to the user and the record is never retried.
type FatalFailure struct {
	Reason string
	Err    error
}

func (e *FatalFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal transfer failure (%s): %v", e.Reason, e.Err)
	}
	return "fatal transfer failure: " + e.Reason
}

func (e *FatalFailure) Unwrap() error { return e.Err }

// classify maps an external API error onto the failure taxonomy. Timeouts
// and anything already tagged retryable stay retryable; everything else is
// fatal for this trigger.
func classify(err error) error {
	var retryable *RetryableFailure
	if errors.As(err, &retryable) {
		return retryable
	}
	var fatal *FatalFailure
	if errors.As(err, &fatal) {
		return fatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RetryableFailure{Err: err}
	}
	return &FatalFailure{Reason: "funds-movement API error", Err: err}
}
