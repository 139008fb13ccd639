package transaction

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// FieldStatus is the three-valued outcome of a field lookup. "Absent" is not
// an error and is not "false" — operator dispatch decides what absence means.
type FieldStatus int

const (
	FieldPresent FieldStatus = iota
	FieldAbsent
	FieldMismatch
)

// FieldValue is the result of extracting one field from a transaction. Typed
// accessors report a second mismatch boolean so that operators can treat
// "present but not coercible" the same way they treat absence.
type FieldValue struct {
	status FieldStatus
	str    string
	hasStr bool
	num    decimal.Decimal
	hasNum bool
	raw    interface{}
}

func presentString(s string) FieldValue {
	return FieldValue{status: FieldPresent, str: s, hasStr: true, raw: s}
}

func presentDecimal(d decimal.Decimal) FieldValue {
	return FieldValue{status: FieldPresent, num: d, hasNum: true, str: d.String(), hasStr: true, raw: d}
}

func absentField() FieldValue {
	return FieldValue{status: FieldAbsent}
}

func mismatchField(raw interface{}) FieldValue {
	return FieldValue{status: FieldMismatch, raw: raw}
}

// Status returns the extraction status.
func (v FieldValue) Status() FieldStatus { return v.status }

// Present reports whether the field was present and usable.
func (v FieldValue) Present() bool { return v.status == FieldPresent }

// Decimal returns the value widened to decimal. Numeric strings coerce; any
// other shape is a mismatch.
func (v FieldValue) Decimal() (decimal.Decimal, bool) {
	if v.status != FieldPresent {
		return decimal.Decimal{}, false
	}
	if v.hasNum {
		return v.num, true
	}
	if v.hasStr {
		if d, err := decimal.NewFromString(v.str); err == nil {
			return d, true
		}
	}
	return decimal.Decimal{}, false
}

// String returns the value as a string. Numbers render in their canonical
// decimal form.
func (v FieldValue) String() (string, bool) {
	if v.status != FieldPresent || !v.hasStr {
		return "", false
	}
	return v.str, true
}

// Raw returns the underlying extracted value, for debug capture.
func (v FieldValue) Raw() interface{} { return v.raw }

// Lookup extracts a single named field. Known typed fields come from the
// struct columns; anything else is served from Extra. A missing field yields
// FieldAbsent, never an error.
func (t *Transaction) Lookup(field string) FieldValue {
	switch field {
	case FieldTransactionID:
		return stringField(t.TransactionID)
	case FieldOccurredAt:
		if t.OccurredAt.IsZero() {
			return absentField()
		}
		return presentString(t.OccurredAt.UTC().Format(time.RFC3339))
	case FieldAmount:
		if t.Amount == nil {
			return absentField()
		}
		return presentDecimal(*t.Amount)
	case FieldCurrency:
		return stringField(t.Currency)
	case FieldCountryCode:
		return stringField(t.CountryCode)
	case FieldMerchantID:
		return stringField(t.MerchantID)
	case FieldMerchantName:
		return stringField(t.MerchantName)
	case FieldMerchantCategoryCode:
		return stringField(t.MerchantCategoryCode)
	case FieldCardHash:
		return stringField(t.CardHash)
	case FieldDeviceID:
		return stringField(t.DeviceID)
	case FieldTransactionType:
		return stringField(t.TransactionType)
	case FieldDecision:
		return stringField(t.Decision)
	}

	value, ok := t.Extra[field]
	if !ok || value == nil {
		return absentField()
	}
	return extraField(value)
}

func stringField(s string) FieldValue {
	if s == "" {
		return absentField()
	}
	return presentString(s)
}

func extraField(value interface{}) FieldValue {
	switch v := value.(type) {
	case string:
		return presentString(v)
	case float64:
		return presentDecimal(decimal.NewFromFloat(v))
	case int:
		return presentDecimal(decimal.NewFromInt(int64(v)))
	case int64:
		return presentDecimal(decimal.NewFromInt(v))
	case json.Number:
		if d, err := decimal.NewFromString(v.String()); err == nil {
			return presentDecimal(d)
		}
		return mismatchField(v)
	case bool:
		return presentString(strconv.FormatBool(v))
	case decimal.Decimal:
		return presentDecimal(v)
	default:
		// Objects and arrays are present but not comparable by any operator.
		return mismatchField(v)
	}
}
