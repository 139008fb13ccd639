// Package evaluator orchestrates rule evaluation for the AUTH and MONITORING
// paths. Rule and velocity faults never escape to the caller; they are
// recorded on the decision as engine mode and error code.
package evaluator

import (
	"context"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/domain/decision"
	"github.com/davidleathers/card-decision-engine/internal/domain/errors"
	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
	"github.com/davidleathers/card-decision-engine/internal/engine/conditions"
	"github.com/davidleathers/card-decision-engine/internal/infrastructure/metrics"
)

// VelocityChecker is the velocity subsystem surface the evaluator needs.
type VelocityChecker interface {
	Check(ctx context.Context, rulesetKey string, rule *rules.Rule, tx *transaction.Transaction) (decision.VelocityResult, error)
	CheckReadOnly(ctx context.Context, rulesetKey string, rule *rules.Rule, tx *transaction.Transaction) (decision.VelocityResult, error)
}

// DebugConfig controls sampled debug capture. SampleRate N means one in N
// transactions, selected by transaction id hash so sampling is stable across
// replicas.
type DebugConfig struct {
	Enabled                 bool
	SampleRate              int
	MaxConditionEvaluations int
	IncludeFieldValues      bool
}

// Context carries one evaluation's inputs, mirroring the request-scoped state
// the paths share.
type Context struct {
	Transaction       *transaction.Transaction
	Ruleset           *rules.Ruleset
	ReplayMode        bool
	StartTime         time.Time
	RulesetLookupTime time.Duration
}

// Evaluator runs compiled rulesets against transactions.
type Evaluator struct {
	velocity VelocityChecker
	logger   *zap.Logger
	metrics  *metrics.EngineMetrics
	debug    DebugConfig
}

// New creates an evaluator. velocity may be nil when no ruleset carries
// velocity configs (tests).
func New(velocity VelocityChecker, logger *zap.Logger, m *metrics.EngineMetrics, debug DebugConfig) *Evaluator {
	return &Evaluator{
		velocity: velocity,
		logger:   logger,
		metrics:  m,
		debug:    debug,
	}
}

// RulesetNotLoaded synthesizes the fail-open decision returned when the
// registry lookup (with fallback) finds nothing. Evaluation never runs.
func RulesetNotLoaded(evalType rules.EvaluationType, txID, rulesetKey string) *decision.Decision {
	dec := decision.New(evalType, txID)
	dec.RulesetKey = rulesetKey
	dec.FailOpen(errors.CodeRulesetNotLoaded, "no ruleset registered for key "+rulesetKey)
	return dec
}

// sampledIn decides debug capture membership by FNV-1a hash of the
// transaction id, one in SampleRate.
func (e *Evaluator) sampledIn(txID string) bool {
	if !e.debug.Enabled || e.debug.SampleRate <= 0 {
		return false
	}
	if e.debug.SampleRate == 1 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(txID))
	return h.Sum32()%uint32(e.debug.SampleRate) == 0
}

func (e *Evaluator) newDebugBuilder(txID string) *decision.DebugBuilder {
	if !e.sampledIn(txID) {
		return nil
	}
	return decision.NewDebugBuilder(e.debug.MaxConditionEvaluations, e.debug.IncludeFieldValues)
}

// ruleMatches applies the precompiled predicate when present, otherwise the
// AND of all conditions.
func ruleMatches(rule *rules.Rule, tx *transaction.Transaction, builder *decision.DebugBuilder) bool {
	if rule.Predicate != nil {
		return rule.Predicate(tx)
	}
	var sink conditions.Sink
	if builder != nil {
		sink = func(cond rules.Condition, input interface{}, result bool) {
			builder.RecordCondition(rule.ID, cond.Field, string(cond.Operator), input, result)
			builder.RecordFieldValue(cond.Field, input)
		}
	}
	return conditions.EvaluateAll(rule.Conditions, tx, sink)
}

// checkVelocity runs the rule's velocity counter and resolves the action the
// match should take. Store unavailability degrades the decision and leaves
// the rule's own action in force.
func (e *Evaluator) checkVelocity(ctx context.Context, ec Context, rule *rules.Rule, dec *decision.Decision, timing *decision.TimingBreakdown) rules.Action {
	action := rule.Action
	if rule.Velocity == nil || e.velocity == nil {
		return action
	}

	started := time.Now()
	var result decision.VelocityResult
	var err error
	if ec.ReplayMode {
		result, err = e.velocity.CheckReadOnly(ctx, ec.Ruleset.Key, rule, ec.Transaction)
	} else {
		result, err = e.velocity.Check(ctx, ec.Ruleset.Key, rule, ec.Transaction)
	}
	timing.AddVelocityCheck(float64(time.Since(started).Microseconds()) / 1000)

	if err != nil {
		// Proceed as if the velocity predicate were absent.
		dec.Degrade(errors.CodeRedisUnavailable, err.Error())
		return action
	}

	dec.RecordVelocity(rule.ID, result)
	if result.Exceeded() {
		action = rule.Velocity.Action
	}
	return action
}

func (e *Evaluator) finishTiming(dec *decision.Decision, ec Context, timing *decision.TimingBreakdown, buildStart time.Time) {
	timing.SetDecisionBuild(float64(time.Since(buildStart).Microseconds()) / 1000)
	if ec.RulesetLookupTime > 0 {
		timing.SetRulesetLookup(float64(ec.RulesetLookupTime.Microseconds()) / 1000)
	}
	start := ec.StartTime
	if start.IsZero() {
		start = buildStart
	}
	total := time.Since(start)
	timing.TotalProcessingTimeMs = float64(total.Microseconds()) / 1000
	dec.Timing = timing

	e.metrics.EvaluationDuration.Observe(total.Seconds())
	e.metrics.DecisionsTotal.WithLabelValues(string(dec.EvaluationType), string(dec.EngineMode)).Inc()
}
