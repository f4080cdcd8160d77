package workflow

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"github.com/shopspring/decimal"
)

// AggregateRun folds the matching and resolution outcomes into the run:
// transaction counts, monetary totals and variances on the amount and
// commission dimensions, the pass/fail determination, and the discrepancy
// summary. The run is mutated in place; the caller persists and finalizes it.
func AggregateRun(cfg *models.SupplierConfig, run *models.ReconciliationRun, matches []models.TransactionMatch, resolution ResolutionResult, now time.Time) bool {
	run.MatchedExact = 0
	run.MatchedFuzzy = 0
	run.UnmatchedInternal = 0
	run.UnmatchedSupplier = 0
	run.TotalInternalAmount = decimal.Zero
	run.TotalSupplierAmount = decimal.Zero
	run.TotalInternalCommission = decimal.Zero
	run.TotalSupplierCommission = decimal.Zero

	discrepancyCounts := map[models.DiscrepancyType]int{}

	for i := range matches {
		match := &matches[i]
		switch match.MatchStatus {
		case models.MatchStatusExact:
			run.MatchedExact++
		case models.MatchStatusFuzzy:
			run.MatchedFuzzy++
		case models.MatchStatusUnmatchedInternal:
			run.UnmatchedInternal++
		case models.MatchStatusUnmatchedSupplier:
			run.UnmatchedSupplier++
		}
		if match.InternalAmount.Valid {
			run.TotalInternalAmount = run.TotalInternalAmount.Add(match.InternalAmount.Decimal)
		}
		if match.SupplierAmount.Valid {
			run.TotalSupplierAmount = run.TotalSupplierAmount.Add(match.SupplierAmount.Decimal)
		}
		if match.InternalCommission.Valid {
			run.TotalInternalCommission = run.TotalInternalCommission.Add(match.InternalCommission.Decimal)
		}
		if match.SupplierCommission.Valid {
			run.TotalSupplierCommission = run.TotalSupplierCommission.Add(match.SupplierCommission.Decimal)
		}
		if match.HasDiscrepancy {
			discrepancyCounts[match.DiscrepancyType]++
		}
	}

	run.TotalTransactions = len(matches)
	run.AutoResolved = resolution.AutoResolved
	run.ManualReview = resolution.ManualReview
	run.AmountVariance = run.TotalInternalAmount.Sub(run.TotalSupplierAmount)
	run.CommissionVariance = run.TotalInternalCommission.Sub(run.TotalSupplierCommission)

	passed := run.IsPassed(cfg.CriticalVarianceThreshold)
	run.DiscrepancySummary = buildDiscrepancySummary(run, discrepancyCounts, passed)
	run.CompletedAt = &now
	return passed
}

func buildDiscrepancySummary(run *models.ReconciliationRun, counts map[models.DiscrepancyType]int, passed bool) string {
	verdict := "PASS"
	if !passed {
		verdict = "FAIL"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: match rate %.2f%% (%d/%d), amount variance %s, commission variance %s",
		verdict, run.MatchRate(), run.MatchedExact+run.MatchedFuzzy, run.TotalTransactions,
		run.AmountVariance, run.CommissionVariance)
	if run.UnmatchedInternal+run.UnmatchedSupplier > 0 {
		fmt.Fprintf(&b, "; unmatched internal %d, unmatched supplier %d", run.UnmatchedInternal, run.UnmatchedSupplier)
	}
	for _, dType := range []models.DiscrepancyType{
		models.DiscrepancyAmountMismatch,
		models.DiscrepancyCommissionMismatch,
		models.DiscrepancyStatusMismatch,
		models.DiscrepancyMissingField,
	} {
		if n := counts[dType]; n > 0 {
			fmt.Fprintf(&b, "; %s x%d", dType, n)
		}
	}
	if run.AutoResolved+run.ManualReview > 0 {
		fmt.Fprintf(&b, "; auto-resolved %d, manual review %d", run.AutoResolved, run.ManualReview)
	}
	return b.String()
}
