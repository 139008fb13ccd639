// Package conditions implements the pure predicate algebra rules are built
// from. Evaluation has no side effects; callers may pass a Sink to observe
// each condition check for debug capture.
package conditions

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
)

// Sink observes individual condition evaluations.
type Sink func(cond rules.Condition, input interface{}, result bool)

// Evaluate applies a single condition to a transaction. Any operator other
// than exists returns false when the field is absent or not coercible to the
// operand's kind.
func Evaluate(cond rules.Condition, tx *transaction.Transaction, sink Sink) bool {
	value := tx.Lookup(cond.Field)
	result := apply(cond, value)
	if sink != nil {
		sink(cond, value.Raw(), result)
	}
	return result
}

// EvaluateAll applies every condition with AND semantics, short-circuiting on
// the first false.
func EvaluateAll(conds []rules.Condition, tx *transaction.Transaction, sink Sink) bool {
	for _, cond := range conds {
		if !Evaluate(cond, tx, sink) {
			return false
		}
	}
	return true
}

func apply(cond rules.Condition, value transaction.FieldValue) bool {
	if cond.Operator == rules.OpExists {
		// Present-but-uncomparable values (objects, arrays) still exist.
		return value.Status() != transaction.FieldAbsent
	}
	if !value.Present() {
		return false
	}

	switch cond.Operator {
	case rules.OpEq:
		return equals(value, cond.Value)
	case rules.OpNe:
		return !equals(value, cond.Value)
	case rules.OpGt:
		return compare(value, cond.Value, func(c int) bool { return c > 0 })
	case rules.OpGte:
		return compare(value, cond.Value, func(c int) bool { return c >= 0 })
	case rules.OpLt:
		return compare(value, cond.Value, func(c int) bool { return c < 0 })
	case rules.OpLte:
		return compare(value, cond.Value, func(c int) bool { return c <= 0 })
	case rules.OpIn:
		return containsOperand(value, cond.Values)
	case rules.OpNotIn:
		return !containsOperand(value, cond.Values)
	case rules.OpBetween:
		return between(value, cond.Values)
	case rules.OpContains:
		return stringOp(value, cond.Value, strings.Contains)
	case rules.OpStartsWith:
		return stringOp(value, cond.Value, strings.HasPrefix)
	case rules.OpEndsWith:
		return stringOp(value, cond.Value, strings.HasSuffix)
	}
	return false
}

// equals implements semantic equality: decimal equality by value when both
// sides are numeric, case-sensitive string equality otherwise.
func equals(value transaction.FieldValue, operand interface{}) bool {
	if fieldNum, ok := value.Decimal(); ok {
		if operandNum, ok := operandDecimal(operand); ok {
			return fieldNum.Equal(operandNum)
		}
	}
	fieldStr, ok := value.String()
	if !ok {
		return false
	}
	operandStr, ok := operandString(operand)
	if !ok {
		return false
	}
	return fieldStr == operandStr
}

func compare(value transaction.FieldValue, operand interface{}, accept func(int) bool) bool {
	fieldNum, ok := value.Decimal()
	if !ok {
		return false
	}
	operandNum, ok := operandDecimal(operand)
	if !ok {
		return false
	}
	return accept(fieldNum.Cmp(operandNum))
}

// containsOperand scans the operand list linearly; rule operand lists are
// small so no hashing is warranted.
func containsOperand(value transaction.FieldValue, operands []interface{}) bool {
	for _, operand := range operands {
		if equals(value, operand) {
			return true
		}
	}
	return false
}

// between requires exactly two monotone bounds and is inclusive on both.
func between(value transaction.FieldValue, operands []interface{}) bool {
	if len(operands) != 2 {
		return false
	}
	fieldNum, ok := value.Decimal()
	if !ok {
		return false
	}
	lo, okLo := operandDecimal(operands[0])
	hi, okHi := operandDecimal(operands[1])
	if !okLo || !okHi || lo.GreaterThan(hi) {
		return false
	}
	return fieldNum.Cmp(lo) >= 0 && fieldNum.Cmp(hi) <= 0
}

func stringOp(value transaction.FieldValue, operand interface{}, op func(s, substr string) bool) bool {
	fieldStr, ok := value.String()
	if !ok {
		return false
	}
	operandStr, isString := operand.(string)
	if !isString {
		return false
	}
	return op(fieldStr, operandStr)
}

func operandDecimal(operand interface{}) (decimal.Decimal, bool) {
	switch v := operand.(type) {
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func operandString(operand interface{}) (string, bool) {
	switch v := operand.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	}
	return "", false
}
