package decision

// ConditionEvaluation records one condition check for debug capture.
type ConditionEvaluation struct {
	RuleID   string      `json:"rule_id"`
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Input    interface{} `json:"input,omitempty"`
	Result   bool        `json:"result"`
}

// DebugInfo is the sampled-in trace of an evaluation. Overflow past the
// configured cap truncates silently.
type DebugInfo struct {
	ConditionEvaluations []ConditionEvaluation  `json:"condition_evaluations"`
	FieldValues          map[string]interface{} `json:"field_values,omitempty"`
	Truncated            bool                   `json:"truncated,omitempty"`
}

// DebugBuilder accumulates debug capture during a single evaluation. A nil
// builder is the disabled state; every method is safe on nil so the hot path
// pays nothing when debug is off.
type DebugBuilder struct {
	maxEvaluations int
	includeValues  bool
	info           DebugInfo
}

// NewDebugBuilder creates a builder capped at maxEvaluations condition
// records.
func NewDebugBuilder(maxEvaluations int, includeValues bool) *DebugBuilder {
	return &DebugBuilder{
		maxEvaluations: maxEvaluations,
		includeValues:  includeValues,
	}
}

// RecordCondition appends one condition evaluation, truncating at the cap.
func (b *DebugBuilder) RecordCondition(ruleID, field, operator string, input interface{}, result bool) {
	if b == nil {
		return
	}
	if b.maxEvaluations > 0 && len(b.info.ConditionEvaluations) >= b.maxEvaluations {
		b.info.Truncated = true
		return
	}
	eval := ConditionEvaluation{
		RuleID:   ruleID,
		Field:    field,
		Operator: operator,
		Result:   result,
	}
	if b.includeValues {
		eval.Input = input
	}
	b.info.ConditionEvaluations = append(b.info.ConditionEvaluations, eval)
}

// RecordFieldValue stores an extracted field value when value capture is on.
func (b *DebugBuilder) RecordFieldValue(field string, value interface{}) {
	if b == nil || !b.includeValues {
		return
	}
	if b.info.FieldValues == nil {
		b.info.FieldValues = make(map[string]interface{})
	}
	b.info.FieldValues[field] = value
}

// Build returns the captured debug info. Nil receiver yields nil.
func (b *DebugBuilder) Build() *DebugInfo {
	if b == nil {
		return nil
	}
	if b.info.ConditionEvaluations == nil {
		b.info.ConditionEvaluations = []ConditionEvaluation{}
	}
	info := b.info
	return &info
}
