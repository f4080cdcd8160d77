package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// NormalizedRecord is the common field set both record streams arrive in.
// Per-supplier file parsing happens upstream; the engine only ever sees this.
type NormalizedRecord struct {
	Reference     string              `json:"reference"`
	TransactionId string              `json:"transaction_id,omitempty"`
	Amount        decimal.NullDecimal `json:"amount"`
	Commission    decimal.NullDecimal `json:"commission,omitempty"`
	Status        string              `json:"status"`
	Timestamp     time.Time           `json:"timestamp"`
	ProductCode   string              `json:"product_code,omitempty"`
	ProductName   string              `json:"product_name,omitempty"`
	Metadata      map[string]string   `json:"metadata,omitempty"`
}

// Validate reports the missing required fields, if any. A record failing
// validation is excluded from matching and logged on the run, never fatal.
func (r NormalizedRecord) Validate() []string {
	var missing []string
	if r.Reference == "" {
		missing = append(missing, "reference")
	}
	if !r.Amount.Valid {
		missing = append(missing, "amount")
	}
	if r.Status == "" {
		missing = append(missing, "status")
	}
	if r.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	return missing
}

// FieldValue returns the record's value for a configured match field.
func (r NormalizedRecord) FieldValue(field MatchField) string {
	switch field {
	case MatchFieldReference:
		return r.Reference
	case MatchFieldTransactionId:
		return r.TransactionId
	case MatchFieldProductCode:
		return r.ProductCode
	default:
		return ""
	}
}
