package workflow

import (
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"github.com/shopspring/decimal"
)

func TestRunPassFailThreshold(t *testing.T) {
	run := &models.ReconciliationRun{
		TotalTransactions: 1000,
		MatchedExact:      900,
		MatchedFuzzy:      95, // match rate 99.5%
		AmountVariance:    decimal.NewFromInt(500),
	}
	threshold := decimal.NewFromInt(1000)

	if !run.IsPassed(threshold) {
		t.Error("99.5% match rate with R500 variance against R1000 threshold must pass")
	}

	run.AmountVariance = decimal.NewFromInt(1500)
	if run.IsPassed(threshold) {
		t.Error("R1500 variance against R1000 threshold must fail despite the match rate")
	}

	run.AmountVariance = decimal.NewFromInt(-500)
	if !run.IsPassed(threshold) {
		t.Error("variance is compared by absolute value")
	}

	run.AmountVariance = decimal.NewFromInt(0)
	run.MatchedFuzzy = 89 // match rate 98.9%
	if run.IsPassed(threshold) {
		t.Error("match rate below 99.0% must fail regardless of variance")
	}
}

func TestAggregateRun_TotalsAndVariances(t *testing.T) {
	cfg := fuzzyTestConfig()
	cfg.CriticalVarianceThreshold = decimal.NewFromInt(1000)
	now := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	confidence := 0.9
	matches := []models.TransactionMatch{
		{
			MatchStatus:        models.MatchStatusExact,
			MatchMethod:        models.MatchMethodPrimaryKey,
			InternalAmount:     decimal.NullDecimal{Decimal: decimal.NewFromInt(1000), Valid: true},
			SupplierAmount:     decimal.NullDecimal{Decimal: decimal.NewFromInt(1000), Valid: true},
			InternalCommission: decimal.NullDecimal{Decimal: decimal.NewFromInt(20), Valid: true},
			SupplierCommission: decimal.NullDecimal{Decimal: decimal.NewFromInt(25), Valid: true},
			InternalTimestamp:  &ts,
			SupplierTimestamp:  &ts,
		},
		{
			MatchStatus:     models.MatchStatusFuzzy,
			MatchMethod:     models.MatchMethodFuzzy,
			Confidence:      &confidence,
			InternalAmount:  decimal.NullDecimal{Decimal: decimal.NewFromInt(500), Valid: true},
			SupplierAmount:  decimal.NullDecimal{Decimal: decimal.NewFromInt(515), Valid: true},
			HasDiscrepancy:  true,
			DiscrepancyType: models.DiscrepancyAmountMismatch,
		},
		{
			MatchStatus:    models.MatchStatusUnmatchedInternal,
			MatchMethod:    models.MatchMethodNone,
			InternalAmount: decimal.NullDecimal{Decimal: decimal.NewFromInt(70), Valid: true},
		},
		{
			MatchStatus:    models.MatchStatusUnmatchedSupplier,
			MatchMethod:    models.MatchMethodNone,
			SupplierAmount: decimal.NullDecimal{Decimal: decimal.NewFromInt(30), Valid: true},
		},
	}

	run := &models.ReconciliationRun{RunId: "run-1", Status: models.RunStatusProcessing}
	passed := AggregateRun(cfg, run, matches, ResolutionResult{ManualReview: 1}, now)

	if run.TotalTransactions != 4 {
		t.Errorf("TotalTransactions = %d, want 4", run.TotalTransactions)
	}
	if run.MatchedExact != 1 || run.MatchedFuzzy != 1 || run.UnmatchedInternal != 1 || run.UnmatchedSupplier != 1 {
		t.Errorf("counts wrong: %+v", run)
	}
	if !run.TotalInternalAmount.Equal(decimal.NewFromInt(1570)) {
		t.Errorf("TotalInternalAmount = %s, want 1570", run.TotalInternalAmount)
	}
	if !run.TotalSupplierAmount.Equal(decimal.NewFromInt(1545)) {
		t.Errorf("TotalSupplierAmount = %s, want 1545", run.TotalSupplierAmount)
	}
	if !run.AmountVariance.Equal(decimal.NewFromInt(25)) {
		t.Errorf("AmountVariance = %s, want 25", run.AmountVariance)
	}
	if !run.CommissionVariance.Equal(decimal.NewFromInt(-5)) {
		t.Errorf("CommissionVariance = %s, want -5", run.CommissionVariance)
	}
	if run.ManualReview != 1 {
		t.Errorf("ManualReview = %d, want 1", run.ManualReview)
	}

	// Match rate is 50%: fails the threshold even with small variance.
	if passed {
		t.Error("50% match rate must fail")
	}
	if !strings.HasPrefix(run.DiscrepancySummary, "FAIL") {
		t.Errorf("summary should lead with the verdict: %q", run.DiscrepancySummary)
	}
	if !strings.Contains(run.DiscrepancySummary, "amount_mismatch") {
		t.Errorf("summary should name discrepancy types: %q", run.DiscrepancySummary)
	}
	if run.CompletedAt == nil || !run.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v, want %v", run.CompletedAt, now)
	}
}

func TestAggregateRun_EmptyRunFails(t *testing.T) {
	cfg := fuzzyTestConfig()
	run := &models.ReconciliationRun{RunId: "run-1"}

	passed := AggregateRun(cfg, run, nil, ResolutionResult{}, time.Now())

	if passed {
		t.Error("a run with zero transactions has a 0% match rate and must fail")
	}
	if run.TotalTransactions != 0 {
		t.Errorf("TotalTransactions = %d, want 0", run.TotalTransactions)
	}
}
