package rules

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind is the discriminator tag for the contribution rule sum type.
type Kind string

const (
	KindFixedSchedule          Kind = "fixed_schedule"
	KindPercentageIncome       Kind = "percentage_income"
	KindConditionalBalance     Kind = "conditional_balance"
	KindConditionalTransaction Kind = "conditional_transaction"
	KindPayday                 Kind = "payday"
)

// Cadence is the recurrence of a fixed-schedule rule.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceWeekly  Cadence = "weekly"
	CadenceMonthly Cadence = "monthly"
)

// Operator is the comparison applied by conditional rules.
type Operator string

const (
	// OperatorGreaterThan triggers strictly above the threshold.
	OperatorGreaterThan Operator = "gt"
	// OperatorGreaterOrEqual triggers at or above the threshold.
	OperatorGreaterOrEqual Operator = "gte"
)

// Satisfied applies the operator to (value, threshold).
func (op Operator) Satisfied(value, threshold decimal.Decimal) bool {
	if op == OperatorGreaterOrEqual {
		return value.GreaterThanOrEqual(threshold)
	}
	return value.GreaterThan(threshold)
}

// Rule is the closed sum type of contribution rules. Exactly the five
// concrete types in this package implement it; the evaluator's type switch
// is exhaustive over them and treats anything else as a configuration error.
type Rule interface {
	// Kind returns the discriminator tag for this rule variant.
	Kind() Kind
	// Validate rejects malformed rules at config-save time so they never
	// reach evaluation.
	Validate() error

	isRule()
}

// FixedSchedule contributes a fixed amount once per cadence bucket.
type FixedSchedule struct {
	Amount  decimal.Decimal `json:"amount"`
	Cadence Cadence         `json:"cadence"`
}

// PercentageIncome contributes a percentage of detected income transactions,
// optionally clamped to [MinAmount, MaxAmount].
type PercentageIncome struct {
	Percentage decimal.Decimal  `json:"percentage"`
	MinAmount  *decimal.Decimal `json:"min_amount,omitempty"`
	MaxAmount  *decimal.Decimal `json:"max_amount,omitempty"`
}

// ConditionalBalance contributes a fixed amount when the source account
// balance crosses the threshold. Edge-triggered: it fires on the crossing,
// not on every observation above the threshold.
type ConditionalBalance struct {
	Threshold decimal.Decimal `json:"threshold"`
	Operator  Operator        `json:"operator"`
	Amount    decimal.Decimal `json:"amount"`
}

// ConditionalTransaction contributes per qualifying transaction, either a
// fixed amount or a percentage of the transaction's magnitude. Exactly one of
// Amount and Percentage must be set.
type ConditionalTransaction struct {
	Threshold  decimal.Decimal  `json:"threshold"`
	Operator   Operator         `json:"operator"`
	Percentage *decimal.Decimal `json:"percentage,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
}

// Payday contributes a fixed amount on configured days of the month.
type Payday struct {
	// Dates are days of the month (1-31). Days past the end of a short month
	// fire on the month's last day.
	Dates  []int           `json:"dates"`
	Amount decimal.Decimal `json:"amount"`
}

func (FixedSchedule) Kind() Kind          { return KindFixedSchedule }
func (PercentageIncome) Kind() Kind       { return KindPercentageIncome }
func (ConditionalBalance) Kind() Kind     { return KindConditionalBalance }
func (ConditionalTransaction) Kind() Kind { return KindConditionalTransaction }
func (Payday) Kind() Kind                 { return KindPayday }

func (FixedSchedule) isRule()          {}
func (PercentageIncome) isRule()       {}
func (ConditionalBalance) isRule()     {}
func (ConditionalTransaction) isRule() {}
func (Payday) isRule()                 {}

// Validate implements Rule.
func (r FixedSchedule) Validate() error {
	if !r.Amount.IsPositive() {
		return &ConfigError{Reason: "fixed_schedule amount must be positive"}
	}
	switch r.Cadence {
	case CadenceDaily, CadenceWeekly, CadenceMonthly:
		return nil
	}
	return &ConfigError{Reason: fmt.Sprintf("unknown cadence %q", r.Cadence)}
}

// Validate implements Rule.
func (r PercentageIncome) Validate() error {
	if !r.Percentage.IsPositive() || r.Percentage.GreaterThan(decimal.NewFromInt(100)) {
		return &ConfigError{Reason: "percentage_income percentage must be in (0, 100]"}
	}
	if r.MinAmount != nil && r.MinAmount.IsNegative() {
		return &ConfigError{Reason: "percentage_income min_amount must not be negative"}
	}
	if r.MinAmount != nil && r.MaxAmount != nil && r.MinAmount.GreaterThan(*r.MaxAmount) {
		return &ConfigError{Reason: "percentage_income min_amount exceeds max_amount"}
	}
	return nil
}

// Validate implements Rule.
func (r ConditionalBalance) Validate() error {
	if err := validateOperator(r.Operator); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return &ConfigError{Reason: "conditional_balance amount must be positive"}
	}
	return nil
}

// Validate implements Rule.
func (r ConditionalTransaction) Validate() error {
	if err := validateOperator(r.Operator); err != nil {
		return err
	}
	if (r.Amount == nil) == (r.Percentage == nil) {
		return &ConfigError{Reason: "conditional_transaction needs exactly one of amount and percentage"}
	}
	if r.Amount != nil && !r.Amount.IsPositive() {
		return &ConfigError{Reason: "conditional_transaction amount must be positive"}
	}
	if r.Percentage != nil && (!r.Percentage.IsPositive() || r.Percentage.GreaterThan(decimal.NewFromInt(100))) {
		return &ConfigError{Reason: "conditional_transaction percentage must be in (0, 100]"}
	}
	return nil
}

// Validate implements Rule.
func (r Payday) Validate() error {
	if len(r.Dates) == 0 {
		return &ConfigError{Reason: "payday needs at least one day of month"}
	}
	for _, d := range r.Dates {
		if d < 1 || d > 31 {
			return &ConfigError{Reason: fmt.Sprintf("payday day %d out of range 1-31", d)}
		}
	}
	if !r.Amount.IsPositive() {
		return &ConfigError{Reason: "payday amount must be positive"}
	}
	return nil
}

func validateOperator(op Operator) error {
	switch op {
	case OperatorGreaterThan, OperatorGreaterOrEqual:
		return nil
	}
	return &ConfigError{Reason: fmt.Sprintf("unknown operator %q", op)}
}

// envelope is the tagged JSON wire form of a Rule.
type envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalRule encodes a rule into its tagged JSON envelope.
func MarshalRule(r Rule) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("MarshalRule: %w", err)
	}
	return json.Marshal(envelope{Type: r.Kind(), Payload: payload})
}

// UnmarshalRule decodes a tagged JSON envelope into a validated rule.
// An unknown type tag or malformed payload is a *ConfigError.
func UnmarshalRule(data []byte) (Rule, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("invalid rule envelope: %v", err)}
	}

	var rule Rule
	switch env.Type {
	case KindFixedSchedule:
		var r FixedSchedule
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("invalid fixed_schedule payload: %v", err)}
		}
		rule = r
	case KindPercentageIncome:
		var r PercentageIncome
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("invalid percentage_income payload: %v", err)}
		}
		rule = r
	case KindConditionalBalance:
		var r ConditionalBalance
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("invalid conditional_balance payload: %v", err)}
		}
		rule = r
	case KindConditionalTransaction:
		var r ConditionalTransaction
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("invalid conditional_transaction payload: %v", err)}
		}
		rule = r
	case KindPayday:
		var r Payday
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("invalid payday payload: %v", err)}
		}
		rule = r
	default:
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown rule type %q", env.Type)}
	}

	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}
