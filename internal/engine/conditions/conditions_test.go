package conditions

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
	"github.com/davidleathers/card-decision-engine/internal/domain/transaction"
)

func testTransaction() *transaction.Transaction {
	amount := decimal.RequireFromString("150.00")
	return &transaction.Transaction{
		TransactionID:        "tx-1",
		OccurredAt:           time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Amount:               &amount,
		Currency:             "EUR",
		CountryCode:          "DE",
		MerchantID:           "m-100",
		MerchantName:         "ACME Store Berlin",
		MerchantCategoryCode: "5411",
		CardHash:             "cardhash-1",
		Extra: map[string]interface{}{
			"risk_score": 0.7,
			"channel":    "ecommerce",
			"metadata":   map[string]interface{}{"nested": true},
		},
	}
}

func TestEvaluate_Operators(t *testing.T) {
	tx := testTransaction()

	tests := []struct {
		name string
		cond rules.Condition
		want bool
	}{
		{"eq string match", rules.Condition{Field: "currency", Operator: rules.OpEq, Value: "EUR"}, true},
		{"eq string case sensitive", rules.Condition{Field: "currency", Operator: rules.OpEq, Value: "eur"}, false},
		{"eq numeric by value", rules.Condition{Field: "amount", Operator: rules.OpEq, Value: 150}, true},
		{"eq numeric trailing zeros", rules.Condition{Field: "amount", Operator: rules.OpEq, Value: "150.0"}, true},
		{"ne", rules.Condition{Field: "currency", Operator: rules.OpNe, Value: "USD"}, true},
		{"gt true", rules.Condition{Field: "amount", Operator: rules.OpGt, Value: 100}, true},
		{"gt false on equal", rules.Condition{Field: "amount", Operator: rules.OpGt, Value: 150}, false},
		{"gte on equal", rules.Condition{Field: "amount", Operator: rules.OpGte, Value: 150}, true},
		{"lt", rules.Condition{Field: "amount", Operator: rules.OpLt, Value: 200}, true},
		{"lte", rules.Condition{Field: "amount", Operator: rules.OpLte, Value: 150}, true},
		{"in hit", rules.Condition{Field: "country_code", Operator: rules.OpIn, Values: []interface{}{"FR", "DE"}}, true},
		{"in miss", rules.Condition{Field: "country_code", Operator: rules.OpIn, Values: []interface{}{"FR", "ES"}}, false},
		{"not_in", rules.Condition{Field: "country_code", Operator: rules.OpNotIn, Values: []interface{}{"FR", "ES"}}, true},
		{"between inclusive low", rules.Condition{Field: "amount", Operator: rules.OpBetween, Values: []interface{}{150, 300}}, true},
		{"between inclusive high", rules.Condition{Field: "amount", Operator: rules.OpBetween, Values: []interface{}{50, 150}}, true},
		{"between outside", rules.Condition{Field: "amount", Operator: rules.OpBetween, Values: []interface{}{200, 300}}, false},
		{"between inverted bounds", rules.Condition{Field: "amount", Operator: rules.OpBetween, Values: []interface{}{300, 200}}, false},
		{"between wrong arity", rules.Condition{Field: "amount", Operator: rules.OpBetween, Values: []interface{}{100}}, false},
		{"contains", rules.Condition{Field: "merchant_name", Operator: rules.OpContains, Value: "Store"}, true},
		{"starts_with", rules.Condition{Field: "merchant_name", Operator: rules.OpStartsWith, Value: "ACME"}, true},
		{"ends_with", rules.Condition{Field: "merchant_name", Operator: rules.OpEndsWith, Value: "Berlin"}, true},
		{"exists on typed field", rules.Condition{Field: "card_hash", Operator: rules.OpExists}, true},
		{"exists on extra field", rules.Condition{Field: "risk_score", Operator: rules.OpExists}, true},
		{"exists on uncomparable value", rules.Condition{Field: "metadata", Operator: rules.OpExists}, true},
		{"exists miss", rules.Condition{Field: "device_id", Operator: rules.OpExists}, false},
		{"extra field numeric compare", rules.Condition{Field: "risk_score", Operator: rules.OpGt, Value: 0.5}, true},
		{"unknown operator", rules.Condition{Field: "currency", Operator: "regex", Value: ".*"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, tx, nil))
		})
	}
}

func TestEvaluate_AbsentFieldIsFalseForEveryOperatorButExists(t *testing.T) {
	tx := testTransaction()

	operators := []rules.Operator{
		rules.OpEq, rules.OpNe, rules.OpGt, rules.OpGte, rules.OpLt, rules.OpLte,
		rules.OpIn, rules.OpNotIn, rules.OpBetween,
		rules.OpContains, rules.OpStartsWith, rules.OpEndsWith,
	}
	for _, op := range operators {
		t.Run(string(op), func(t *testing.T) {
			cond := rules.Condition{
				Field:    "device_id",
				Operator: op,
				Value:    "x",
				Values:   []interface{}{"x", "y"},
			}
			assert.False(t, Evaluate(cond, tx, nil))
		})
	}
}

func TestEvaluate_TypeMismatchIsFalse(t *testing.T) {
	tx := testTransaction()

	// Numeric operator against a non-numeric field value.
	cond := rules.Condition{Field: "currency", Operator: rules.OpGt, Value: 10}
	assert.False(t, Evaluate(cond, tx, nil))

	// Uncomparable extra value against eq.
	cond = rules.Condition{Field: "metadata", Operator: rules.OpEq, Value: "x"}
	assert.False(t, Evaluate(cond, tx, nil))
}

func TestEvaluateAll_ShortCircuits(t *testing.T) {
	tx := testTransaction()
	var seen []string
	sink := func(cond rules.Condition, _ interface{}, _ bool) {
		seen = append(seen, cond.Field)
	}

	conds := []rules.Condition{
		{Field: "currency", Operator: rules.OpEq, Value: "USD"},
		{Field: "amount", Operator: rules.OpGt, Value: 100},
	}
	assert.False(t, EvaluateAll(conds, tx, sink))
	assert.Equal(t, []string{"currency"}, seen, "second condition is not evaluated")

	conds[0].Value = "EUR"
	seen = nil
	assert.True(t, EvaluateAll(conds, tx, sink))
	assert.Equal(t, []string{"currency", "amount"}, seen)
}

func TestEvaluateAll_EmptyConditionsMatch(t *testing.T) {
	tx := testTransaction()
	assert.True(t, EvaluateAll(nil, tx, nil))
}
