package evaluator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/errors"
	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
)

// EvaluateAuth runs first-match evaluation in descending priority order and
// returns the authorization decision. It never returns an error: an
// unexpected fault inside evaluation fails open to APPROVE.
func (e *Evaluator) EvaluateAuth(ctx context.Context, ec Context) (dec *decision.Decision) {
	dec = decision.New(rules.EvaluationAuth, ec.Transaction.TransactionID)
	dec.RulesetKey = ec.Ruleset.Key
	dec.RulesetVersion = ec.Ruleset.Version

	timing := &decision.TimingBreakdown{}
	builder := e.newDebugBuilder(ec.Transaction.TransactionID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("auth evaluation panicked",
				zap.String("transaction_id", ec.Transaction.TransactionID),
				zap.String("ruleset_key", ec.Ruleset.Key),
				zap.Any("panic", r))
			dec.FailOpen(errors.CodeEvaluationError, "unexpected evaluation failure")
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

		action := e.checkVelocity(ctx, ec, rule, dec, timing)
		dec.MatchedRules = append(dec.MatchedRules, decision.MatchedRule{
			RuleID:   rule.ID,
			Name:     rule.Name,
			Priority: rule.Priority,
			Action:   action,
		})
		dec.Decision = action
		break
	}
	timing.SetRuleEvaluation(float64(time.Since(evalStart).Microseconds()) / 1000)

	// No matching rule means APPROVE in NORMAL mode; a velocity degrade along
	// the way keeps its DEGRADED tag.
	buildStart := time.Now()
	dec.DebugInfo = builder.Build()
	e.finishTiming(dec, ec, timing, buildStart)
	return dec
}
