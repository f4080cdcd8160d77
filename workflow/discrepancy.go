package workflow

import (
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"github.com/shopspring/decimal"
)

const resolutionMethodTolerance = "within_auto_resolve_tolerance"

// ResolutionResult tallies the resolver's outcomes for one run.
type ResolutionResult struct {
	AutoResolved int
	ManualReview int
}

// ResolveDiscrepancies inspects every paired match for field-level
// disagreement, classifies it, and applies the auto-resolution policy in
// place. Unmatched entries carry no discrepancy; they are counted by the
// aggregator instead. Pure over the slice; callers persist afterwards.
func ResolveDiscrepancies(cfg *models.SupplierConfig, matches []models.TransactionMatch) ResolutionResult {
	var result ResolutionResult
	for i := range matches {
		match := &matches[i]
		if !match.IsPaired() {
			continue
		}

		dType, details, magnitude := classifyDiscrepancy(cfg, match)
		if dType == "" {
			match.HasDiscrepancy = false
			match.ResolutionStatus = models.ResolutionStatusNone
			continue
		}

		match.HasDiscrepancy = true
		match.DiscrepancyType = dType
		match.DiscrepancyDetails = details

		if autoResolvable(cfg, dType, magnitude) {
			match.ResolutionStatus = models.ResolutionStatusAutoResolved
			match.ResolutionMethod = resolutionMethodTolerance
			result.AutoResolved++
		} else {
			match.ResolutionStatus = models.ResolutionStatusManualReview
			result.ManualReview++
		}
	}
	return result
}

// classifyDiscrepancy returns the first discrepancy found in severity order:
// a missing compared field, then amount, commission, and status disagreement.
// magnitude is the monetary delta for amount/commission types, zero otherwise.
func classifyDiscrepancy(cfg *models.SupplierConfig, match *models.TransactionMatch) (models.DiscrepancyType, string, decimal.Decimal) {
	if missing := missingFields(cfg, match); len(missing) > 0 {
		return models.DiscrepancyMissingField,
			fmt.Sprintf("fields missing on one side: %s", strings.Join(missing, ", ")),
			decimal.Zero
	}

	amountDelta := match.InternalAmount.Decimal.Sub(match.SupplierAmount.Decimal).Abs()
	if amountDelta.GreaterThan(cfg.AmountTolerance()) {
		return models.DiscrepancyAmountMismatch,
			fmt.Sprintf("internal amount %s vs supplier amount %s (delta %s, tolerance %s)",
				match.InternalAmount.Decimal, match.SupplierAmount.Decimal, amountDelta, cfg.AmountTolerance()),
			amountDelta
	}

	if match.InternalCommission.Valid && match.SupplierCommission.Valid {
		commissionDelta := match.InternalCommission.Decimal.Sub(match.SupplierCommission.Decimal).Abs()
		if commissionDelta.GreaterThan(cfg.CommissionTolerance()) {
			return models.DiscrepancyCommissionMismatch,
				fmt.Sprintf("internal commission %s vs supplier commission %s (delta %s, tolerance %s)",
					match.InternalCommission.Decimal, match.SupplierCommission.Decimal, commissionDelta, cfg.CommissionTolerance()),
				commissionDelta
		}
	}

	internalOutcome := models.CanonicalizeStatus(match.InternalStatus)
	supplierOutcome := models.CanonicalizeStatus(match.SupplierStatus)
	if internalOutcome != supplierOutcome {
		return models.DiscrepancyStatusMismatch,
			fmt.Sprintf("internal status %q (%s) vs supplier status %q (%s)",
				match.InternalStatus, internalOutcome, match.SupplierStatus, supplierOutcome),
			decimal.Zero
	}

	return "", "", decimal.Zero
}

// missingFields lists compared fields present on only one side. Commission is
// compared only for suppliers that declare a commission method.
func missingFields(cfg *models.SupplierConfig, match *models.TransactionMatch) []string {
	var missing []string
	if match.InternalAmount.Valid != match.SupplierAmount.Valid {
		missing = append(missing, "amount")
	}
	if cfg.CommissionMethod != "" && match.InternalCommission.Valid != match.SupplierCommission.Valid {
		missing = append(missing, "commission")
	}
	if (match.InternalStatus == "") != (match.SupplierStatus == "") {
		missing = append(missing, "status")
	}
	return missing
}

// autoResolvable applies the rounding-noise policy: only monetary mismatches
// at or below the auto-resolve sub-threshold qualify. Status and missing-field
// discrepancies always need an operator.
func autoResolvable(cfg *models.SupplierConfig, dType models.DiscrepancyType, magnitude decimal.Decimal) bool {
	switch dType {
	case models.DiscrepancyAmountMismatch, models.DiscrepancyCommissionMismatch:
		tolerance := cfg.AutoResolveTolerance()
		return tolerance.IsPositive() && magnitude.LessThanOrEqual(tolerance)
	default:
		return false
	}
}

// ApplyManualResolution transitions a manual_review match to resolved or
// escalated on behalf of an operator. The match is mutated in place.
func ApplyManualResolution(match *models.TransactionMatch, next models.ResolutionStatus, resolvedBy, notes string, now time.Time) error {
	return match.ApplyResolution(next, resolvedBy, notes, now)
}
