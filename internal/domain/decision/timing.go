package decision

// TimingBreakdown captures component-level latency so the AUTH path can be
// held to its latency target.
type TimingBreakdown struct {
	TotalProcessingTimeMs float64  `json:"total_processing_time_ms"`
	RulesetLookupTimeMs   *float64 `json:"ruleset_lookup_time_ms,omitempty"`
	RuleEvaluationTimeMs  *float64 `json:"rule_evaluation_time_ms,omitempty"`
	VelocityCheckTimeMs   *float64 `json:"velocity_check_time_ms,omitempty"`
	VelocityCheckCount    *int     `json:"velocity_check_count,omitempty"`
	DecisionBuildTimeMs   *float64 `json:"decision_build_time_ms,omitempty"`
	OutboxEnqueueTimeMs   *float64 `json:"outbox_enqueue_time_ms,omitempty"`
}

// SetRulesetLookup records the registry lookup duration.
func (t *TimingBreakdown) SetRulesetLookup(ms float64) { t.RulesetLookupTimeMs = &ms }

// SetRuleEvaluation records the rule iteration duration.
func (t *TimingBreakdown) SetRuleEvaluation(ms float64) { t.RuleEvaluationTimeMs = &ms }

// AddVelocityCheck accumulates velocity store round-trip time and count.
func (t *TimingBreakdown) AddVelocityCheck(ms float64) {
	if t.VelocityCheckTimeMs == nil {
		var total float64
		var count int
		t.VelocityCheckTimeMs = &total
		t.VelocityCheckCount = &count
	}
	*t.VelocityCheckTimeMs += ms
	*t.VelocityCheckCount++
}

// SetDecisionBuild records the envelope assembly duration.
func (t *TimingBreakdown) SetDecisionBuild(ms float64) { t.DecisionBuildTimeMs = &ms }

// SetOutboxEnqueue records the durable-outbox handoff duration.
func (t *TimingBreakdown) SetOutboxEnqueue(ms float64) { t.OutboxEnqueueTimeMs = &ms }
