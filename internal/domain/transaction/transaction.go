package transaction

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/davidleathers/card-decision-engine/internal/domain/errors"
)

// Transaction is the card-payment envelope evaluated by the engine. Only
// TransactionID and OccurredAt are required; every other field is optional and
// consulted lazily by rule conditions. Unknown JSON keys are preserved in Extra
// so that conditions may reference fields the engine has no typed column for.
type Transaction struct {
	TransactionID        string
	OccurredAt           time.Time
	Amount               *decimal.Decimal
	Currency             string
	CountryCode          string
	MerchantID           string
	MerchantName         string
	MerchantCategoryCode string
	CardHash             string
	DeviceID             string
	TransactionType      string

	// Decision is the upstream decision on the MONITORING path. Empty on AUTH.
	Decision string

	Extra map[string]interface{}
}

// Field name constants used by conditions and velocity dimensions.
const (
	FieldTransactionID        = "transaction_id"
	FieldOccurredAt           = "occurred_at"
	FieldAmount               = "amount"
	FieldCurrency             = "currency"
	FieldCountryCode          = "country_code"
	FieldMerchantID           = "merchant_id"
	FieldMerchantName         = "merchant_name"
	FieldMerchantCategoryCode = "merchant_category_code"
	FieldCardHash             = "card_hash"
	FieldDeviceID             = "device_id"
	FieldTransactionType      = "transaction_type"
	FieldDecision             = "decision"
)

// Validate checks the required envelope fields.
func (t *Transaction) Validate() error {
	if t.TransactionID == "" {
		return errors.NewValidationError("MISSING_TRANSACTION_ID", "transaction_id is required")
	}
	if t.OccurredAt.IsZero() {
		return errors.NewValidationError("MISSING_OCCURRED_AT", "occurred_at is required")
	}
	return nil
}

// wireTransaction mirrors Transaction for JSON; extra keys are handled
// separately in UnmarshalJSON/MarshalJSON.
type wireTransaction struct {
	TransactionID        string           `json:"transaction_id"`
	OccurredAt           time.Time        `json:"occurred_at"`
	Amount               *decimal.Decimal `json:"amount,omitempty"`
	Currency             string           `json:"currency,omitempty"`
	CountryCode          string           `json:"country_code,omitempty"`
	MerchantID           string           `json:"merchant_id,omitempty"`
	MerchantName         string           `json:"merchant_name,omitempty"`
	MerchantCategoryCode string           `json:"merchant_category_code,omitempty"`
	CardHash             string           `json:"card_hash,omitempty"`
	DeviceID             string           `json:"device_id,omitempty"`
	TransactionType      string           `json:"transaction_type,omitempty"`
	Decision             string           `json:"decision,omitempty"`
}

var knownFields = map[string]struct{}{
	FieldTransactionID:        {},
	FieldOccurredAt:           {},
	FieldAmount:               {},
	FieldCurrency:             {},
	FieldCountryCode:          {},
	FieldMerchantID:           {},
	FieldMerchantName:         {},
	FieldMerchantCategoryCode: {},
	FieldCardHash:             {},
	FieldDeviceID:             {},
	FieldTransactionType:      {},
	FieldDecision:             {},
}

// UnmarshalJSON decodes the typed fields and stashes every unknown key into
// Extra. Unknown fields never cause a decode failure.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var wire wireTransaction
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*t = Transaction{
		TransactionID:        wire.TransactionID,
		OccurredAt:           wire.OccurredAt,
		Amount:               wire.Amount,
		Currency:             wire.Currency,
		CountryCode:          wire.CountryCode,
		MerchantID:           wire.MerchantID,
		MerchantName:         wire.MerchantName,
		MerchantCategoryCode: wire.MerchantCategoryCode,
		CardHash:             wire.CardHash,
		DeviceID:             wire.DeviceID,
		TransactionType:      wire.TransactionType,
		Decision:             wire.Decision,
	}

	for key, value := range raw {
		if _, known := knownFields[key]; known {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			// Preserve the raw text rather than failing the envelope.
			decoded = string(value)
		}
		if t.Extra == nil {
			t.Extra = make(map[string]interface{})
		}
		t.Extra[key] = decoded
	}

	return nil
}

// MarshalJSON emits the typed fields plus the preserved extra keys.
func (t Transaction) MarshalJSON() ([]byte, error) {
	wire := wireTransaction{
		TransactionID:        t.TransactionID,
		OccurredAt:           t.OccurredAt,
		Amount:               t.Amount,
		Currency:             t.Currency,
		CountryCode:          t.CountryCode,
		MerchantID:           t.MerchantID,
		MerchantName:         t.MerchantName,
		MerchantCategoryCode: t.MerchantCategoryCode,
		CardHash:             t.CardHash,
		DeviceID:             t.DeviceID,
		TransactionType:      t.TransactionType,
		Decision:             t.Decision,
	}

	base, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range t.Extra {
		if _, known := knownFields[key]; known {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		merged[key] = encoded
	}
	return json.Marshal(merged)
}
