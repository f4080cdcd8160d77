package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionMatch is the matching outcome for one internal record, one
// supplier record, or a paired combination, scoped to a run. Both sides'
// fields are copied in full so the row stays meaningful even if the source
// records move or change upstream. Only the resolution sub-lifecycle is
// mutable after creation.
type TransactionMatch struct {
	ID    int    `gorm:"primary_key" json:"id"`
	RunId string `gorm:"size:64;index;not null" json:"run_id"`

	InternalReference     string              `gorm:"size:255;index" json:"internal_reference"`
	InternalTransactionId string              `gorm:"size:255" json:"internal_transaction_id"`
	InternalAmount        decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"internal_amount"`
	InternalCommission    decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"internal_commission"`
	InternalStatus        string              `gorm:"size:50" json:"internal_status"`
	InternalTimestamp     *time.Time          `json:"internal_timestamp"`
	InternalProductCode   string              `gorm:"size:100" json:"internal_product_code"`
	InternalMetadata      []byte              `gorm:"type:json" json:"internal_metadata"`

	SupplierReference     string              `gorm:"size:255;index" json:"supplier_reference"`
	SupplierTransactionId string              `gorm:"size:255" json:"supplier_transaction_id"`
	SupplierAmount        decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"supplier_amount"`
	SupplierCommission    decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"supplier_commission"`
	SupplierStatus        string              `gorm:"size:50" json:"supplier_status"`
	SupplierTimestamp     *time.Time          `json:"supplier_timestamp"`
	SupplierProductCode   string              `gorm:"size:100" json:"supplier_product_code"`
	SupplierMetadata      []byte              `gorm:"type:json" json:"supplier_metadata"`

	MatchStatus MatchStatus `gorm:"size:30;index;not null" json:"match_status"`
	Confidence  *float64    `json:"confidence"`
	MatchMethod MatchMethod `gorm:"size:30;not null" json:"match_method"`

	HasDiscrepancy     bool            `gorm:"default:false;index" json:"has_discrepancy"`
	DiscrepancyType    DiscrepancyType `gorm:"size:30" json:"discrepancy_type,omitempty"`
	DiscrepancyDetails string          `gorm:"type:text" json:"discrepancy_details,omitempty"`

	ResolutionStatus ResolutionStatus `gorm:"size:20;index;default:'none'" json:"resolution_status"`
	ResolutionMethod string           `gorm:"size:100" json:"resolution_method,omitempty"`
	ResolutionNotes  string           `gorm:"type:text" json:"resolution_notes,omitempty"`
	ResolvedBy       string           `gorm:"size:100" json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Validate enforces the confidence invariant: populated only for fuzzy
// matches, and always within [0,1].
func (m *TransactionMatch) Validate() error {
	if m.MatchStatus == MatchStatusFuzzy {
		if m.Confidence == nil {
			return fmt.Errorf("fuzzy match on run %s has no confidence", m.RunId)
		}
		if *m.Confidence < 0 || *m.Confidence > 1 {
			return fmt.Errorf("fuzzy match confidence %v out of [0,1]", *m.Confidence)
		}
		return nil
	}
	if m.Confidence != nil {
		return fmt.Errorf("non-fuzzy match (%s) must not carry a confidence", m.MatchStatus)
	}
	return nil
}

// IsPaired reports whether both sides of the match are populated.
func (m *TransactionMatch) IsPaired() bool {
	return m.MatchStatus == MatchStatusExact || m.MatchStatus == MatchStatusFuzzy
}

// ApplyResolution performs the only mutation permitted on a finalized match:
// manual_review -> resolved or manual_review -> escalated.
func (m *TransactionMatch) ApplyResolution(next ResolutionStatus, resolvedBy, notes string, now time.Time) error {
	if m.ResolutionStatus != ResolutionStatusManualReview {
		return fmt.Errorf("match %d is %s, only manual_review matches can be resolved", m.ID, m.ResolutionStatus)
	}
	if next != ResolutionStatusResolved && next != ResolutionStatusEscalated {
		return fmt.Errorf("invalid resolution transition manual_review -> %s", next)
	}
	if resolvedBy == "" {
		return fmt.Errorf("resolved_by is required")
	}
	m.ResolutionStatus = next
	m.ResolvedBy = resolvedBy
	m.ResolutionNotes = notes
	m.ResolvedAt = &now
	return nil
}
