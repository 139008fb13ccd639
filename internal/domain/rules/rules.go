package rules

import (
	"sort"
	"strings"

	"github.com/davidleathers/card-decision-engine/internal/domain/errors"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
)

// Operator is a condition comparison operator. String values keep the JSON
// representation of compiled rulesets clean.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpBetween    Operator = "between"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpExists     Operator = "exists"
)

// Action is the decision a matched rule (or exceeded velocity) produces.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionDecline Action = "DECLINE"
	ActionReview  Action = "REVIEW"
)

// ParseAction normalizes a free-form action string. ok is false when the
// input is not one of the three decisions.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionApprove:
		return ActionApprove, true
	case ActionDecline:
		return ActionDecline, true
	case ActionReview:
		return ActionReview, true
	}
	return "", false
}

// EvaluationType selects first-match AUTH or all-match MONITORING semantics.
type EvaluationType string

const (
	EvaluationAuth       EvaluationType = "AUTH"
	EvaluationMonitoring EvaluationType = "MONITORING"
)

// Condition is a single predicate over one transaction field. Value carries
// scalar operands; Values carries list operands for in/not_in/between.
// Conditions on one rule combine with AND semantics.
type Condition struct {
	Field    string        `json:"field"`
	Operator Operator      `json:"operator"`
	Value    interface{}   `json:"value,omitempty"`
	Values   []interface{} `json:"values,omitempty"`
}

// VelocityConfig defines a rolling-window counter attached to a rule and the
// decision taken when the counter exceeds the threshold.
type VelocityConfig struct {
	Dimension     string `json:"dimension"`
	WindowSeconds int64  `json:"window_seconds"`
	Threshold     int64  `json:"threshold"`
	Action        Action `json:"action"`
}

// Validate checks the counter parameters.
func (v *VelocityConfig) Validate() error {
	if v.Dimension == "" {
		return errors.NewValidationError("INVALID_VELOCITY", "velocity dimension is required")
	}
	if v.WindowSeconds <= 0 {
		return errors.NewValidationError("INVALID_VELOCITY", "velocity window_seconds must be positive")
	}
	if v.Threshold <= 0 {
		return errors.NewValidationError("INVALID_VELOCITY", "velocity threshold must be positive")
	}
	if _, ok := ParseAction(string(v.Action)); !ok {
		return errors.NewValidationError("INVALID_VELOCITY", "velocity action must be APPROVE, DECLINE or REVIEW")
	}
	return nil
}

// Predicate is an optional precompiled match function. When set it replaces
// condition evaluation for the rule.
type Predicate func(tx *transaction.Transaction) bool

// Rule is one entry of a compiled ruleset. A rule matches iff it is enabled
// and either its precompiled predicate or all of its conditions hold.
type Rule struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Priority   int             `json:"priority"`
	Enabled    bool            `json:"enabled"`
	Action     Action          `json:"action"`
	Conditions []Condition     `json:"conditions,omitempty"`
	Velocity   *VelocityConfig `json:"velocity,omitempty"`
	Predicate  Predicate       `json:"-"`
}

// Ruleset is an immutable, versioned, ordered collection of rules scoped to a
// country (or the literal "global"). New versions replace, never mutate.
type Ruleset struct {
	Key            string         `json:"key"`
	Version        int64          `json:"version"`
	Country        string         `json:"country"`
	EvaluationType EvaluationType `json:"evaluation_type"`
	Rules          []Rule         `json:"rules"`

	sorted []Rule
}

// CountryGlobal is the catch-all country scope consulted when no
// country-specific ruleset exists.
const CountryGlobal = "global"

// Validate checks the ruleset invariants on registration.
func (rs *Ruleset) Validate() error {
	if rs.Key == "" {
		return errors.NewValidationError("INVALID_RULESET", "ruleset key is required")
	}
	if rs.Version <= 0 {
		return errors.NewValidationError("INVALID_RULESET", "ruleset version must be positive")
	}
	if rs.EvaluationType != EvaluationAuth && rs.EvaluationType != EvaluationMonitoring {
		return errors.NewValidationError("INVALID_RULESET", "evaluation_type must be AUTH or MONITORING")
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.ID == "" {
			return errors.NewValidationError("INVALID_RULESET", "rule id is required")
		}
		if _, ok := ParseAction(string(r.Action)); !ok {
			return errors.NewValidationError("INVALID_RULESET", "rule "+r.ID+" has invalid action")
		}
		if r.Velocity != nil {
			if err := r.Velocity.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// SortedRules returns the rules ordered by descending priority, stable on the
// declared order for ties. The result is computed once; rulesets are
// immutable after registration.
func (rs *Ruleset) SortedRules() []Rule {
	if rs.sorted != nil {
		return rs.sorted
	}
	sorted := make([]Rule, len(rs.Rules))
	copy(sorted, rs.Rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	rs.sorted = sorted
	return sorted
}
