package rules

// ConfigError indicates a malformed or unrecognized contribution rule. It is
// rejected at config-save time and never reaches evaluation.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "rule config error: " + e.Reason
}

// SourceAccountRule pairs a source account with one contribution rule.
type SourceAccountRule struct {
	// RuleID identifies the rule within the goal's config. It is part of the
	// ledger uniqueness key, so it must be stable across config reloads.
	RuleID          string
	SourceAccountID string
	Rule            Rule
}

// Config is a goal's automation configuration: an ordered list of per-source
// rules plus an optional general rule for accounts with no explicit rule.
type Config struct {
	GoalID               string
	Enabled              bool
	DestinationAccountID string
	SourceRules          []SourceAccountRule

	// GeneralRuleID and GeneralRule apply to source accounts that have no
	// per-source rule. Per-source rules always take precedence.
	GeneralRuleID string
	GeneralRule   Rule
}

// RuleFor resolves the rule for a source account: the per-source rule when
// one exists, otherwise the general rule (which may be nil).
func (c *Config) RuleFor(sourceAccountID string) (string, Rule) {
	for _, sr := range c.SourceRules {
		if sr.SourceAccountID == sourceAccountID {
			return sr.RuleID, sr.Rule
		}
	}
	if c.GeneralRule != nil {
		return c.GeneralRuleID, c.GeneralRule
	}
	return "", nil
}

// SourceAccountIDs returns the distinct source accounts this config watches.
func (c *Config) SourceAccountIDs() []string {
	seen := make(map[string]bool, len(c.SourceRules))
	var ids []string
	for _, sr := range c.SourceRules {
		if !seen[sr.SourceAccountID] {
			seen[sr.SourceAccountID] = true
			ids = append(ids, sr.SourceAccountID)
		}
	}
	return ids
}

// Validate checks the whole config at save time.
func (c *Config) Validate() error {
	if c.GoalID == "" {
		return &ConfigError{Reason: "config missing goal id"}
	}
	if c.Enabled && c.DestinationAccountID == "" {
		return &ConfigError{Reason: "enabled config needs a destination account"}
	}
	seen := make(map[string]bool, len(c.SourceRules))
	for _, sr := range c.SourceRules {
		if sr.RuleID == "" {
			return &ConfigError{Reason: "source rule missing rule id"}
		}
		if sr.SourceAccountID == "" {
			return &ConfigError{Reason: "source rule missing source account"}
		}
		if seen[sr.SourceAccountID] {
			return &ConfigError{Reason: "duplicate source rule for account " + sr.SourceAccountID}
		}
		seen[sr.SourceAccountID] = true
		if sr.Rule == nil {
			return &ConfigError{Reason: "source rule missing rule"}
		}
		if err := sr.Rule.Validate(); err != nil {
			return err
		}
	}
	if c.GeneralRule != nil {
		if c.GeneralRuleID == "" {
			return &ConfigError{Reason: "general rule missing rule id"}
		}
		if err := c.GeneralRule.Validate(); err != nil {
			return err
		}
	}
	return nil
}
