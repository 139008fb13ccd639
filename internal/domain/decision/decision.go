package decision

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
)

// EngineMode tags the quality of a decision.
type EngineMode string

const (
	ModeNormal   EngineMode = "NORMAL"
	ModeDegraded EngineMode = "DEGRADED"
	ModeFailOpen EngineMode = "FAIL_OPEN"
)

// MatchedRule records one rule that fired during evaluation, with the action
// that was actually taken for it (the velocity action when exceeded).
type MatchedRule struct {
	RuleID   string       `json:"rule_id"`
	Name     string       `json:"name,omitempty"`
	Priority int          `json:"priority"`
	Action   rules.Action `json:"action"`
}

// VelocityResult is the outcome of one rolling-window counter check.
// CurrentCount > Threshold means exceeded. WindowBucket is the fixed bucket
// index the counter was read from, exposed for audit.
type VelocityResult struct {
	Dimension      string `json:"dimension"`
	KeyFingerprint string `json:"key_fingerprint"`
	CurrentCount   int64  `json:"current_count"`
	Threshold      int64  `json:"threshold"`
	WindowSeconds  int64  `json:"window_seconds"`
	WindowBucket   int64  `json:"window_bucket"`
}

// Exceeded reports whether the counter passed its threshold.
func (v VelocityResult) Exceeded() bool {
	return v.CurrentCount > v.Threshold
}

// Decision is the engine's response envelope. Invariant: ModeFailOpen implies
// an APPROVE decision.
type Decision struct {
	Decision           rules.Action              `json:"decision"`
	EvaluationType     rules.EvaluationType      `json:"evaluation_type"`
	RulesetKey         string                    `json:"ruleset_key"`
	RulesetVersion     int64                     `json:"ruleset_version"`
	TransactionID      string                    `json:"transaction_id"`
	DecisionID         string                    `json:"decision_id"`
	EngineMode         EngineMode                `json:"engine_mode"`
	EngineErrorCode    string                    `json:"engine_error_code,omitempty"`
	EngineErrorMessage string                    `json:"engine_error_message,omitempty"`
	MatchedRules       []MatchedRule             `json:"matched_rules"`
	VelocityResults    map[string]VelocityResult `json:"velocity_results,omitempty"`
	Timing             *TimingBreakdown          `json:"timing_breakdown,omitempty"`
	DebugInfo          *DebugInfo                `json:"debug_info,omitempty"`
	Transaction        *transaction.Transaction  `json:"transaction_context,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
}

// New creates a decision envelope with a fresh id, defaulting to
// APPROVE/NORMAL until evaluation says otherwise.
func New(evalType rules.EvaluationType, txID string) *Decision {
	return &Decision{
		Decision:       rules.ActionApprove,
		EvaluationType: evalType,
		TransactionID:  txID,
		DecisionID:     uuid.NewString(),
		EngineMode:     ModeNormal,
		MatchedRules:   []MatchedRule{},
		CreatedAt:      time.Now().UTC(),
	}
}

// Degrade marks the decision DEGRADED with a fault code, keeping the current
// decision value. A decision already in FAIL_OPEN stays FAIL_OPEN.
func (d *Decision) Degrade(code, message string) {
	if d.EngineMode == ModeFailOpen {
		return
	}
	d.EngineMode = ModeDegraded
	d.EngineErrorCode = code
	d.EngineErrorMessage = message
}

// FailOpen forces the safe outcome: APPROVE with FAIL_OPEN mode.
func (d *Decision) FailOpen(code, message string) {
	d.Decision = rules.ActionApprove
	d.EngineMode = ModeFailOpen
	d.EngineErrorCode = code
	d.EngineErrorMessage = message
}

// RecordVelocity attaches a velocity result under its rule id.
func (d *Decision) RecordVelocity(ruleID string, result VelocityResult) {
	if d.VelocityResults == nil {
		d.VelocityResults = make(map[string]VelocityResult)
	}
	d.VelocityResults[ruleID] = result
}
