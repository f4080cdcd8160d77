package workflow

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. Matching is a pure function
// over in-memory record sets plus configuration; persistence is exercised
// separately through the orchestration fakes.

func fuzzyTestConfig() *models.SupplierConfig {
	return &models.SupplierConfig{
		SupplierId: "SUP-1",
		Name:       "Supplier One",
		MatchingRules: models.MatchingRules{
			Strategy:        models.MatchStrategyExactFuzzy,
			PrimaryFields:   []models.MatchField{models.MatchFieldReference},
			SecondaryFields: []models.MatchField{models.MatchFieldTransactionId},
			Fuzzy:           &models.FuzzyRule{MinConfidence: 0.85},
		},
		TimestampToleranceSeconds: 300,
		AmountToleranceCents:      1000,
		SLAHours:                  24,
	}
}

func record(ref string, amount int64, ts time.Time) models.NormalizedRecord {
	return models.NormalizedRecord{
		Reference: ref,
		Amount:    decimal.NewNullDecimal(decimal.NewFromInt(amount)),
		Status:    "completed",
		Timestamp: ts,
	}
}

func TestMatchRecords_ExactMatch(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{record("TXN001", 10000, ts)},
		[]models.NormalizedRecord{record("TXN001", 10000, ts)},
		MatchOptions{})
	if err != nil {
		t.Fatalf("MatchRecords: %v", err)
	}

	if len(result.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(result.Matches))
	}
	m := result.Matches[0]
	if m.MatchStatus != models.MatchStatusExact {
		t.Errorf("expected exact_match, got %s", m.MatchStatus)
	}
	if m.Confidence != nil {
		t.Errorf("exact match must not carry a confidence, got %v", *m.Confidence)
	}
	if result.MatchedExact != 1 {
		t.Errorf("MatchedExact = %d, want 1", result.MatchedExact)
	}
}

func TestMatchRecords_FuzzyAcceptsNearReference(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// OCR-style confusion: 0 vs O in the reference, timestamps 60s apart.
	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{record("TXN0O1", 10000, ts)},
		[]models.NormalizedRecord{record("TXN001", 10000, ts.Add(60*time.Second))},
		MatchOptions{})
	if err != nil {
		t.Fatalf("MatchRecords: %v", err)
	}

	if len(result.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(result.Matches))
	}
	m := result.Matches[0]
	if m.MatchStatus != models.MatchStatusFuzzy {
		t.Fatalf("expected fuzzy_match, got %s", m.MatchStatus)
	}
	if m.Confidence == nil || *m.Confidence < 0.85 {
		t.Errorf("expected confidence >= 0.85, got %v", m.Confidence)
	}
	if m.MatchMethod != models.MatchMethodFuzzy {
		t.Errorf("expected fuzzy_similarity method, got %s", m.MatchMethod)
	}
}

func TestMatchRecords_UnmatchedRemainder(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{record("TXN001", 10000, ts)},
		[]models.NormalizedRecord{
			record("TXN001", 10000, ts),
			record("ZZZ999", 55500, ts.Add(48*time.Hour)),
		},
		MatchOptions{})
	if err != nil {
		t.Fatalf("MatchRecords: %v", err)
	}

	if len(result.Matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(result.Matches))
	}
	if result.UnmatchedSupplier != 1 {
		t.Errorf("UnmatchedSupplier = %d, want 1", result.UnmatchedSupplier)
	}
	var unmatched *models.TransactionMatch
	for i := range result.Matches {
		if result.Matches[i].MatchStatus == models.MatchStatusUnmatchedSupplier {
			unmatched = &result.Matches[i]
		}
	}
	if unmatched == nil {
		t.Fatal("expected one unmatched_supplier entry")
	}
	if unmatched.SupplierReference != "ZZZ999" {
		t.Errorf("unmatched supplier ref = %q, want ZZZ999", unmatched.SupplierReference)
	}
	if unmatched.InternalReference != "" {
		t.Errorf("unmatched_supplier must not carry internal fields, got ref %q", unmatched.InternalReference)
	}
}

func TestMatchRecords_EmptySupplierStream(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{record("TXN001", 10000, ts)},
		nil,
		MatchOptions{})
	if err != nil {
		t.Fatalf("empty supplier stream must not error: %v", err)
	}
	if result.UnmatchedInternal != 1 || len(result.Matches) != 1 {
		t.Errorf("expected exactly one unmatched_internal, got %+v", result)
	}
}

func TestMatchRecords_MalformedRecordsExcludedNotFatal(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	broken := models.NormalizedRecord{Amount: decimal.NewNullDecimal(decimal.NewFromInt(100))} // no ref, no status, no ts
	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{record("TXN001", 10000, ts), broken},
		[]models.NormalizedRecord{record("TXN001", 10000, ts)},
		MatchOptions{})
	if err != nil {
		t.Fatalf("MatchRecords: %v", err)
	}

	if len(result.RecordErrors) != 1 {
		t.Fatalf("expected 1 record error, got %d", len(result.RecordErrors))
	}
	if result.RecordErrors[0].Stream != "internal" {
		t.Errorf("record error stream = %q, want internal", result.RecordErrors[0].Stream)
	}
	if len(result.Matches) != 1 || result.MatchedExact != 1 {
		t.Errorf("valid records must still match: %+v", result)
	}
}

func TestMatchRecords_DeterministicTieBreak(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	internal := []models.NormalizedRecord{record("TXN0O1", 10000, ts)}
	// Two candidates at the same reference distance and amount; only the
	// timestamp delta differs. The smaller delta must always win.
	near := record("TXN001", 10000, ts.Add(30*time.Second))
	far := record("TXN0Q1", 10000, ts.Add(200*time.Second))

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		external := []models.NormalizedRecord{near, far}
		rng.Shuffle(len(external), func(i, j int) {
			external[i], external[j] = external[j], external[i]
		})

		result, err := MatchRecords(cfg, "run-1", internal, external, MatchOptions{})
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		var paired *models.TransactionMatch
		for i := range result.Matches {
			if result.Matches[i].MatchStatus == models.MatchStatusFuzzy {
				paired = &result.Matches[i]
			}
		}
		if paired == nil {
			t.Fatalf("trial %d: expected a fuzzy pairing", trial)
		}
		if paired.SupplierReference != "TXN001" {
			t.Fatalf("trial %d: paired with %q, want TXN001 (smaller timestamp delta)", trial, paired.SupplierReference)
		}
	}
}

func TestMatchRecords_EqualConfidenceBreaksTieOnReference(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	internal := []models.NormalizedRecord{record("TXN0O1", 10000, ts)}
	// Same edit distance, same amount, same |timestamp delta| on opposite
	// sides: confidences are identical, so the lexicographically smaller
	// supplier reference must win.
	a := record("TXN011", 10000, ts.Add(-60*time.Second))
	b := record("TXN001", 10000, ts.Add(60*time.Second))

	for trial := 0; trial < 10; trial++ {
		external := []models.NormalizedRecord{a, b}
		if trial%2 == 1 {
			external = []models.NormalizedRecord{b, a}
		}
		result, err := MatchRecords(cfg, "run-1", internal, external, MatchOptions{})
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		var paired *models.TransactionMatch
		for i := range result.Matches {
			if result.Matches[i].MatchStatus == models.MatchStatusFuzzy {
				paired = &result.Matches[i]
			}
		}
		if paired == nil {
			t.Fatalf("trial %d: expected a fuzzy pairing", trial)
		}
		if paired.SupplierReference != "TXN001" {
			t.Fatalf("trial %d: paired with %q, want TXN001", trial, paired.SupplierReference)
		}
	}
}

func TestMatchRecords_FuzzyDisabledLeavesNearMissesUnmatched(t *testing.T) {
	cfg := fuzzyTestConfig()
	cfg.MatchingRules.Strategy = models.MatchStrategyExactSecondary
	cfg.MatchingRules.Fuzzy = nil
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{record("TXN0O1", 10000, ts)},
		[]models.NormalizedRecord{record("TXN001", 10000, ts)},
		MatchOptions{})
	if err != nil {
		t.Fatalf("MatchRecords: %v", err)
	}
	if result.MatchedFuzzy != 0 {
		t.Errorf("fuzzy disabled but MatchedFuzzy = %d", result.MatchedFuzzy)
	}
	if result.UnmatchedInternal != 1 || result.UnmatchedSupplier != 1 {
		t.Errorf("expected both sides unmatched, got %+v", result)
	}
}

func TestMatchRecords_SecondaryMatchesOnConfiguredFields(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// References disagree, so the primary pass misses. The configured
	// secondary field (transaction_id) agrees and the amounts differ by R5
	// against a R10 tolerance: the secondary pass must pair them.
	in := record("INT-REF-001", 10000, ts)
	in.TransactionId = "SUPTXN-7001"
	ex := record("20260301/7001", 10005, ts.Add(time.Minute))
	ex.TransactionId = "SUPTXN-7001"

	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{in},
		[]models.NormalizedRecord{ex},
		MatchOptions{})
	if err != nil {
		t.Fatalf("MatchRecords: %v", err)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(result.Matches))
	}
	m := result.Matches[0]
	if m.MatchStatus != models.MatchStatusExact || m.MatchMethod != models.MatchMethodSecondary {
		t.Errorf("expected secondary_tolerance pairing, got %s/%s", m.MatchStatus, m.MatchMethod)
	}
	if result.MatchedExact != 1 {
		t.Errorf("MatchedExact = %d, want 1", result.MatchedExact)
	}
}

func TestMatchRecords_SecondaryRejectsMismatchedConfiguredField(t *testing.T) {
	cfg := fuzzyTestConfig()
	cfg.MatchingRules.Strategy = models.MatchStrategyExactSecondary
	cfg.MatchingRules.Fuzzy = nil
	cfg.MatchingRules.PrimaryFields = []models.MatchField{models.MatchFieldReference, models.MatchFieldTransactionId}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Same reference and in-tolerance amounts, but the configured secondary
	// field (transaction_id) disagrees: no secondary pairing.
	in := record("TXN001", 10000, ts)
	in.TransactionId = "A-1"
	ex := record("TXN001", 10005, ts.Add(time.Minute))
	ex.TransactionId = "B-9"

	result, err := MatchRecords(cfg, "run-1",
		[]models.NormalizedRecord{in},
		[]models.NormalizedRecord{ex},
		MatchOptions{})
	if err != nil {
		t.Fatalf("MatchRecords: %v", err)
	}
	if result.MatchedExact != 0 {
		t.Errorf("MatchedExact = %d, want 0", result.MatchedExact)
	}
	if result.UnmatchedInternal != 1 || result.UnmatchedSupplier != 1 {
		t.Errorf("expected both sides unmatched, got %+v", result)
	}
}

func TestMatchRecords_TimeBudgetExceeded(t *testing.T) {
	cfg := fuzzyTestConfig()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var internal, external []models.NormalizedRecord
	for i := 0; i < 200; i++ {
		internal = append(internal, record(fmt.Sprintf("INT-%04d", i), int64(1000+i), ts))
		external = append(external, record(fmt.Sprintf("EXT-%04d", i), int64(2000+i), ts))
	}

	_, err := MatchRecords(cfg, "run-1", internal, external, MatchOptions{
		FuzzyTimeBudget: time.Nanosecond,
		WorkerCount:     2,
	})
	var timeout *models.MatchingTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected MatchingTimeoutError, got %v", err)
	}
	if timeout.Remaining == 0 {
		t.Error("timeout must report remaining unmatched records")
	}
}
