package evaluator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/errors"
	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
)

// EvaluateMonitoring runs all-match analytics over a decision already taken
// upstream. The response decision always equals the (normalized) input
// decision when that input is valid; rules and velocity results are collected
// for observers only.
func (e *Evaluator) EvaluateMonitoring(ctx context.Context, ec Context) (dec *decision.Decision) {
	dec = decision.New(rules.EvaluationMonitoring, ec.Transaction.TransactionID)
	dec.RulesetKey = ec.Ruleset.Key
	dec.RulesetVersion = ec.Ruleset.Version

	timing := &decision.TimingBreakdown{}
	builder := e.newDebugBuilder(ec.Transaction.TransactionID)

	input, fault := normalizeUpstreamDecision(ec.Transaction.Decision)
	if fault != "" {
		dec.Decision = rules.ActionApprove
		dec.Degrade(fault, upstreamFaultMessage(fault))
		e.finishTiming(dec, ec, timing, time.Now())
		return dec
	}
	dec.Decision = input

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("monitoring evaluation panicked",
				zap.String("transaction_id", ec.Transaction.TransactionID),
				zap.String("ruleset_key", ec.Ruleset.Key),
				zap.Any("panic", r))
			// Preserve the caller's decision; only the fidelity degrades.
			dec.Decision = input
			dec.Degrade(errors.CodeEvaluationError, "unexpected evaluation failure")
			e.finishTiming(dec, ec, timing, time.Now())
		}
	}()

	evalStart := time.Now()
	sorted := ec.Ruleset.SortedRules()
	for i := range sorted {
		rule := &sorted[i]
		if !rule.Enabled {
			continue
		}
		if !ruleMatches(rule, ec.Transaction, builder) {
			continue
		}

		// Velocity exceedance surfaces on the matched-rule entry but never
		// mutates the response decision.
		action := e.checkVelocity(ctx, ec, rule, dec, timing)
		dec.MatchedRules = append(dec.MatchedRules, decision.MatchedRule{
			RuleID:   rule.ID,
			Name:     rule.Name,
			Priority: rule.Priority,
			Action:   action,
		})
	}
	timing.SetRuleEvaluation(float64(time.Since(evalStart).Microseconds()) / 1000)

	buildStart := time.Now()
	dec.DebugInfo = builder.Build()
	e.finishTiming(dec, ec, timing, buildStart)
	return dec
}

// normalizeUpstreamDecision validates the MONITORING input decision. Only
// APPROVE and DECLINE are acceptable upstream outcomes; fault is the engine
// error code when the input is unusable.
func normalizeUpstreamDecision(raw string) (rules.Action, string) {
	if raw == "" {
		return "", errors.CodeMissingDecision
	}
	action, ok := rules.ParseAction(raw)
	if !ok || action == rules.ActionReview {
		return "", errors.CodeInvalidDecision
	}
	return action, ""
}

func upstreamFaultMessage(code string) string {
	if code == errors.CodeMissingDecision {
		return "monitoring input is missing the upstream decision"
	}
	return "monitoring input decision must be APPROVE or DECLINE"
}
