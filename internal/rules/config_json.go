package rules

import (
	"encoding/json"
	"fmt"
)

type sourceAccountRuleJSON struct {
	RuleID          string          `json:"rule_id"`
	SourceAccountID string          `json:"source_account_id"`
	Rule            json.RawMessage `json:"rule"`
}

type configJSON struct {
	GoalID               string                  `json:"goal_id"`
	Enabled              bool                    `json:"enabled"`
	DestinationAccountID string                  `json:"destination_account_id,omitempty"`
	SourceRules          []sourceAccountRuleJSON `json:"source_rules,omitempty"`
	GeneralRuleID        string                  `json:"general_rule_id,omitempty"`
	GeneralRule          json.RawMessage         `json:"general_rule,omitempty"`
}

// MarshalJSON encodes the config with each rule in its tagged envelope.
func (c Config) MarshalJSON() ([]byte, error) {
	out := configJSON{
		GoalID:               c.GoalID,
		Enabled:              c.Enabled,
		DestinationAccountID: c.DestinationAccountID,
		GeneralRuleID:        c.GeneralRuleID,
	}
	for _, sr := range c.SourceRules {
		encoded, err := MarshalRule(sr.Rule)
		if err != nil {
			return nil, fmt.Errorf("encoding rule %s: %w", sr.RuleID, err)
		}
		out.SourceRules = append(out.SourceRules, sourceAccountRuleJSON{
			RuleID:          sr.RuleID,
			SourceAccountID: sr.SourceAccountID,
			Rule:            encoded,
		})
	}
	if c.GeneralRule != nil {
		encoded, err := MarshalRule(c.GeneralRule)
		if err != nil {
			return nil, fmt.Errorf("encoding general rule: %w", err)
		}
		out.GeneralRule = encoded
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and validates the config, rejecting unknown rule
// types before they can reach evaluation.
func (c *Config) UnmarshalJSON(data []byte) error {
	var in configJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	decoded := Config{
		GoalID:               in.GoalID,
		Enabled:              in.Enabled,
		DestinationAccountID: in.DestinationAccountID,
		GeneralRuleID:        in.GeneralRuleID,
	}
	for _, sr := range in.SourceRules {
		rule, err := UnmarshalRule(sr.Rule)
		if err != nil {
			return fmt.Errorf("decoding rule %s: %w", sr.RuleID, err)
		}
		decoded.SourceRules = append(decoded.SourceRules, SourceAccountRule{
			RuleID:          sr.RuleID,
			SourceAccountID: sr.SourceAccountID,
			Rule:            rule,
		})
	}
	if len(in.GeneralRule) > 0 {
		rule, err := UnmarshalRule(in.GeneralRule)
		if err != nil {
			return fmt.Errorf("decoding general rule: %w", err)
		}
		decoded.GeneralRule = rule
	}
	if err := decoded.Validate(); err != nil {
		return err
	}

	*c = decoded
	return nil
}
