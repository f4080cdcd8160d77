package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PassMatchRateThreshold is the minimum match rate (percent) for a run to pass.
const PassMatchRateThreshold = 99.0

// RunErrorEntry is one structured entry in a run's error log.
type RunErrorEntry struct {
	Time    time.Time `json:"time"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// ReconciliationRun is one execution against one ingested settlement file for
// one supplier. Runs are never deleted; failed runs keep their partial counts
// and error log for diagnosis.
type ReconciliationRun struct {
	ID             int       `gorm:"primary_key" json:"id"`
	RunId          string    `gorm:"size:64;uniqueIndex;not null" json:"run_id"`
	SupplierId     string    `gorm:"size:64;uniqueIndex:uniq_supplier_file,priority:1;not null" json:"supplier_id"`
	FileName       string    `gorm:"size:255;not null" json:"file_name"`
	FileHash       string    `gorm:"size:64;uniqueIndex:uniq_supplier_file,priority:2;not null" json:"file_hash"`
	FileSize       int64     `json:"file_size"`
	FileReceivedAt time.Time `gorm:"not null" json:"file_received_at"`
	Status         RunStatus `gorm:"size:20;index;not null" json:"status"`

	TotalTransactions int `gorm:"default:0" json:"total_transactions"`
	MatchedExact      int `gorm:"default:0" json:"matched_exact"`
	MatchedFuzzy      int `gorm:"default:0" json:"matched_fuzzy"`
	UnmatchedInternal int `gorm:"default:0" json:"unmatched_internal"`
	UnmatchedSupplier int `gorm:"default:0" json:"unmatched_supplier"`
	AutoResolved      int `gorm:"default:0" json:"auto_resolved"`
	ManualReview      int `gorm:"default:0" json:"manual_review"`

	TotalInternalAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_internal_amount"`
	TotalSupplierAmount     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_supplier_amount"`
	AmountVariance          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_variance"`
	TotalInternalCommission decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_internal_commission"`
	TotalSupplierCommission decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_supplier_commission"`
	CommissionVariance      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"commission_variance"`

	DiscrepancySummary string `gorm:"type:text" json:"discrepancy_summary"`
	ErrorLog           []byte `gorm:"type:json" json:"error_log"`
	AnomalyNotes       []byte `gorm:"type:json" json:"anomaly_notes"`

	SLADeadline    *time.Time `json:"sla_deadline"`
	OverdueAlerted bool       `gorm:"default:false" json:"overdue_alerted"`

	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// MatchRate returns (matched_exact + matched_fuzzy) / total * 100.
func (r *ReconciliationRun) MatchRate() float64 {
	if r.TotalTransactions == 0 {
		return 0
	}
	return float64(r.MatchedExact+r.MatchedFuzzy) / float64(r.TotalTransactions) * 100
}

// IsPassed reports whether the run meets the pass criteria: match rate at or
// above the threshold AND absolute amount variance within the supplier's
// critical variance threshold.
func (r *ReconciliationRun) IsPassed(criticalVarianceThreshold decimal.Decimal) bool {
	if r.MatchRate() < PassMatchRateThreshold {
		return false
	}
	return r.AmountVariance.Abs().LessThanOrEqual(criticalVarianceThreshold)
}

// IsOverdue reports whether a still-processing run has exceeded its SLA.
// Overdue runs are flagged for alerting, never auto-cancelled.
func (r *ReconciliationRun) IsOverdue(now time.Time) bool {
	if r.Status.IsTerminal() || r.SLADeadline == nil {
		return false
	}
	return now.After(*r.SLADeadline)
}

// AppendErrorLog adds a structured entry to the run's error log.
func (r *ReconciliationRun) AppendErrorLog(entry RunErrorEntry) error {
	var entries []RunErrorEntry
	if len(r.ErrorLog) > 0 {
		if err := json.Unmarshal(r.ErrorLog, &entries); err != nil {
			return err
		}
	}
	entries = append(entries, entry)
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	r.ErrorLog = raw
	return nil
}

// ErrorLogEntries decodes the run's error log.
func (r *ReconciliationRun) ErrorLogEntries() ([]RunErrorEntry, error) {
	if len(r.ErrorLog) == 0 {
		return nil, nil
	}
	var entries []RunErrorEntry
	if err := json.Unmarshal(r.ErrorLog, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
