package workflow

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Fuzzy confidence weighting. Reference similarity dominates because amounts
// and timestamps collide far more often than reference strings do.
const (
	fuzzyWeightString = 0.5
	fuzzyWeightAmount = 0.3
	fuzzyWeightTime   = 0.2
)

type MatchOptions struct {
	// FuzzyTimeBudget bounds candidate scoring in the fuzzy pass. Zero means
	// no budget. Exceeding it aborts the run with MatchingTimeoutError.
	FuzzyTimeBudget time.Duration
	// WorkerCount shards fuzzy candidate scoring. Defaults to 4.
	WorkerCount int
}

// MatchResult is the full outcome of the matching pass for one run.
type MatchResult struct {
	Matches           []models.TransactionMatch
	RecordErrors      []*models.RecordParseError
	MatchedExact      int
	MatchedFuzzy      int
	UnmatchedInternal int
	UnmatchedSupplier int
}

// fuzzyCandidate is one scored internal/external pairing, materialized before
// any assignment so the outcome is independent of input ordering.
type fuzzyCandidate struct {
	internalIdx int
	externalIdx int
	confidence  float64
	tsDelta     time.Duration
	amountDelta decimal.Decimal
}

// MatchRecords pairs the run's internal records against the supplier's
// settlement records per the supplier's matching rules. It is a pure function
// over in-memory record sets: exactly one TransactionMatch is produced per
// internal record and per supplier record, with paired records sharing one
// combined match. Malformed records are excluded and reported, not fatal. An
// empty supplier stream is not an error.
func MatchRecords(cfg *models.SupplierConfig, runId string, internal, external []models.NormalizedRecord, opts MatchOptions) (*MatchResult, error) {
	result := &MatchResult{}

	internalValid, internalErrs := splitValidRecords(internal, "internal")
	externalValid, externalErrs := splitValidRecords(external, "supplier")
	result.RecordErrors = append(result.RecordErrors, internalErrs...)
	result.RecordErrors = append(result.RecordErrors, externalErrs...)

	internalOpen := make([]bool, len(internalValid))
	externalOpen := make([]bool, len(externalValid))
	for i := range internalOpen {
		internalOpen[i] = true
	}
	for i := range externalOpen {
		externalOpen[i] = true
	}

	// Pass 1: exact on configured primary key fields.
	runExactPass(cfg, runId, internalValid, externalValid, internalOpen, externalOpen, result)

	// Pass 2: exact on configured secondary fields, gated by tolerances.
	runSecondaryPass(cfg, runId, internalValid, externalValid, internalOpen, externalOpen, result)

	// Pass 3: fuzzy similarity over the entire remaining pool.
	if cfg.MatchingRules.FuzzyEnabled() {
		if err := runFuzzyPass(cfg, runId, internalValid, externalValid, internalOpen, externalOpen, result, opts); err != nil {
			return result, err
		}
	}

	// Whatever is left is unmatched on its own side.
	for i, open := range internalOpen {
		if !open {
			continue
		}
		result.Matches = append(result.Matches, buildUnpairedMatch(runId, &internalValid[i], nil))
		result.UnmatchedInternal++
	}
	for i, open := range externalOpen {
		if !open {
			continue
		}
		result.Matches = append(result.Matches, buildUnpairedMatch(runId, nil, &externalValid[i]))
		result.UnmatchedSupplier++
	}

	return result, nil
}

func splitValidRecords(records []models.NormalizedRecord, stream string) ([]models.NormalizedRecord, []*models.RecordParseError) {
	valid := make([]models.NormalizedRecord, 0, len(records))
	var errs []*models.RecordParseError
	for i, rec := range records {
		if missing := rec.Validate(); len(missing) > 0 {
			errs = append(errs, &models.RecordParseError{
				Stream:        stream,
				Index:         i,
				Reference:     rec.Reference,
				MissingFields: missing,
			})
			continue
		}
		valid = append(valid, rec)
	}
	return valid, errs
}

// primaryKey joins the configured primary field values. Records missing any
// primary field cannot participate in the exact pass.
func primaryKey(cfg *models.SupplierConfig, rec models.NormalizedRecord) (string, bool) {
	parts := make([]string, 0, len(cfg.MatchingRules.PrimaryFields))
	for _, field := range cfg.MatchingRules.PrimaryFields {
		v := rec.FieldValue(field)
		if v == "" {
			return "", false
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "\x1f"), true
}

// secondaryKey joins the configured secondary field values. Records missing
// any secondary field sit out the secondary pass.
func secondaryKey(cfg *models.SupplierConfig, rec models.NormalizedRecord) (string, bool) {
	parts := make([]string, 0, len(cfg.MatchingRules.SecondaryFields))
	for _, field := range cfg.MatchingRules.SecondaryFields {
		v := rec.FieldValue(field)
		if v == "" {
			return "", false
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, "\x1f"), true
}

func runExactPass(cfg *models.SupplierConfig, runId string, internal, external []models.NormalizedRecord, internalOpen, externalOpen []bool, result *MatchResult) {
	externalByKey := make(map[string][]int, len(external))
	for i := range external {
		key, ok := primaryKey(cfg, external[i])
		if !ok {
			continue
		}
		externalByKey[key] = append(externalByKey[key], i)
	}

	for i := range internal {
		key, ok := primaryKey(cfg, internal[i])
		if !ok {
			continue
		}
		queue := externalByKey[key]
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if !externalOpen[j] {
				continue
			}
			result.Matches = append(result.Matches, buildPairedMatch(runId, &internal[i], &external[j], models.MatchStatusExact, models.MatchMethodPrimaryKey, nil))
			result.MatchedExact++
			internalOpen[i] = false
			externalOpen[j] = false
			break
		}
		externalByKey[key] = queue
	}
}

// withinTolerances checks the secondary candidate gate: timestamp delta,
// amount delta, and (when configured) product code agreement.
func withinTolerances(cfg *models.SupplierConfig, in, ex models.NormalizedRecord) bool {
	tsDelta := in.Timestamp.Sub(ex.Timestamp)
	if tsDelta < 0 {
		tsDelta = -tsDelta
	}
	if tsDelta > cfg.TimestampTolerance() {
		return false
	}
	if in.Amount.Decimal.Sub(ex.Amount.Decimal).Abs().GreaterThan(cfg.AmountTolerance()) {
		return false
	}
	if cfg.MatchingRules.MatchProduct && in.ProductCode != "" && ex.ProductCode != "" && in.ProductCode != ex.ProductCode {
		return false
	}
	return true
}

func runSecondaryPass(cfg *models.SupplierConfig, runId string, internal, external []models.NormalizedRecord, internalOpen, externalOpen []bool, result *MatchResult) {
	if cfg.MatchingRules.Strategy == models.MatchStrategyExact || len(cfg.MatchingRules.SecondaryFields) == 0 {
		return
	}

	externalByKey := make(map[string][]int, len(external))
	for i := range external {
		if !externalOpen[i] {
			continue
		}
		key, ok := secondaryKey(cfg, external[i])
		if !ok {
			continue
		}
		externalByKey[key] = append(externalByKey[key], i)
	}

	for i := range internal {
		if !internalOpen[i] {
			continue
		}
		key, ok := secondaryKey(cfg, internal[i])
		if !ok {
			continue
		}
		for _, j := range externalByKey[key] {
			if !externalOpen[j] {
				continue
			}
			if !withinTolerances(cfg, internal[i], external[j]) {
				continue
			}
			result.Matches = append(result.Matches, buildPairedMatch(runId, &internal[i], &external[j], models.MatchStatusExact, models.MatchMethodSecondary, nil))
			result.MatchedExact++
			internalOpen[i] = false
			externalOpen[j] = false
			break
		}
	}
}

// runFuzzyPass scores every remaining internal/external pairing before
// committing any assignment. A per-record greedy commit would make the
// outcome depend on input order, so the full candidate pool is materialized,
// sorted under the deterministic tie-break, and only then assigned.
func runFuzzyPass(cfg *models.SupplierConfig, runId string, internal, external []models.NormalizedRecord, internalOpen, externalOpen []bool, result *MatchResult, opts MatchOptions) error {
	var openInternal, openExternal []int
	for i, open := range internalOpen {
		if open {
			openInternal = append(openInternal, i)
		}
	}
	for i, open := range externalOpen {
		if open {
			openExternal = append(openExternal, i)
		}
	}
	if len(openInternal) == 0 || len(openExternal) == 0 {
		return nil
	}

	minConfidence := cfg.MatchingRules.MinConfidence()
	deadline := time.Time{}
	if opts.FuzzyTimeBudget > 0 {
		deadline = time.Now().Add(opts.FuzzyTimeBudget)
	}

	workers := opts.WorkerCount
	if workers <= 0 {
		workers = 4
	}
	if workers > len(openInternal) {
		workers = len(openInternal)
	}

	var (
		mu         sync.Mutex
		candidates []fuzzyCandidate
		timedOut   bool
	)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if !deadline.IsZero() && time.Now().After(deadline) {
					mu.Lock()
					timedOut = true
					mu.Unlock()
					continue
				}
				local := scoreInternalRecord(cfg, internal[i], i, external, openExternal, minConfidence)
				if len(local) > 0 {
					mu.Lock()
					candidates = append(candidates, local...)
					mu.Unlock()
				}
			}
		}()
	}
	for _, i := range openInternal {
		jobs <- i
	}
	close(jobs)
	// Barrier: no assignment happens until every candidate is scored.
	wg.Wait()

	if timedOut {
		remaining := 0
		for _, open := range internalOpen {
			if open {
				remaining++
			}
		}
		return &models.MatchingTimeoutError{
			Budget:    opts.FuzzyTimeBudget.String(),
			Remaining: remaining,
		}
	}

	sortFuzzyCandidates(candidates, internal, external)

	for _, c := range candidates {
		if !internalOpen[c.internalIdx] || !externalOpen[c.externalIdx] {
			continue
		}
		confidence := c.confidence
		result.Matches = append(result.Matches, buildPairedMatch(runId, &internal[c.internalIdx], &external[c.externalIdx], models.MatchStatusFuzzy, models.MatchMethodFuzzy, &confidence))
		result.MatchedFuzzy++
		internalOpen[c.internalIdx] = false
		externalOpen[c.externalIdx] = false
	}
	return nil
}

func scoreInternalRecord(cfg *models.SupplierConfig, in models.NormalizedRecord, internalIdx int, external []models.NormalizedRecord, openExternal []int, minConfidence float64) []fuzzyCandidate {
	var out []fuzzyCandidate
	for _, j := range openExternal {
		ex := external[j]
		confidence := fuzzyConfidence(cfg, in, ex)
		if confidence < minConfidence {
			continue
		}
		tsDelta := in.Timestamp.Sub(ex.Timestamp)
		if tsDelta < 0 {
			tsDelta = -tsDelta
		}
		out = append(out, fuzzyCandidate{
			internalIdx: internalIdx,
			externalIdx: j,
			confidence:  confidence,
			tsDelta:     tsDelta,
			amountDelta: in.Amount.Decimal.Sub(ex.Amount.Decimal).Abs(),
		})
	}
	return out
}

// sortFuzzyCandidates orders the pool under the global tie-break: highest
// confidence first, then smallest timestamp delta, smallest amount delta,
// lexicographically smallest supplier reference, and finally smallest
// internal reference so the order is total.
func sortFuzzyCandidates(candidates []fuzzyCandidate, internal, external []models.NormalizedRecord) {
	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.confidence != cb.confidence {
			return ca.confidence > cb.confidence
		}
		if ca.tsDelta != cb.tsDelta {
			return ca.tsDelta < cb.tsDelta
		}
		if !ca.amountDelta.Equal(cb.amountDelta) {
			return ca.amountDelta.LessThan(cb.amountDelta)
		}
		refA := external[ca.externalIdx].Reference
		refB := external[cb.externalIdx].Reference
		if refA != refB {
			return refA < refB
		}
		return internal[ca.internalIdx].Reference < internal[cb.internalIdx].Reference
	})
}

// fuzzyConfidence combines reference similarity with amount and timestamp
// proximity into a single [0,1] score. Proximities decay linearly to zero at
// the supplier's tolerance bound, so pairs outside tolerance cannot clear a
// sane threshold on string similarity alone.
func fuzzyConfidence(cfg *models.SupplierConfig, in, ex models.NormalizedRecord) float64 {
	stringScore := referenceSimilarity(in, ex)
	amountScore := proximityScore(in.Amount.Decimal.Sub(ex.Amount.Decimal).Abs(), cfg.AmountTolerance())
	timeScore := timeProximityScore(in.Timestamp, ex.Timestamp, cfg.TimestampTolerance())
	return fuzzyWeightString*stringScore + fuzzyWeightAmount*amountScore + fuzzyWeightTime*timeScore
}

func referenceSimilarity(in, ex models.NormalizedRecord) float64 {
	score := stringSimilarity(in.Reference, ex.Reference)
	if in.TransactionId != "" && ex.TransactionId != "" {
		if s := stringSimilarity(in.TransactionId, ex.TransactionId); s > score {
			score = s
		}
	}
	return score
}

// stringSimilarity is 1 - normalized Levenshtein distance, case-insensitive.
func stringSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	distance := levenshtein.DistanceForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	return 1 - float64(distance)/float64(longer)
}

func proximityScore(delta, tolerance decimal.Decimal) float64 {
	if delta.IsZero() {
		return 1
	}
	if tolerance.IsZero() || delta.GreaterThan(tolerance) {
		return 0
	}
	ratio, _ := delta.Div(tolerance).Float64()
	return 1 - ratio
}

func timeProximityScore(a, b time.Time, tolerance time.Duration) float64 {
	delta := a.Sub(b)
	if delta < 0 {
		delta = -delta
	}
	if delta == 0 {
		return 1
	}
	if tolerance <= 0 || delta > tolerance {
		return 0
	}
	return 1 - float64(delta)/float64(tolerance)
}

func buildPairedMatch(runId string, in, ex *models.NormalizedRecord, status models.MatchStatus, method models.MatchMethod, confidence *float64) models.TransactionMatch {
	match := models.TransactionMatch{
		RunId:       runId,
		MatchStatus: status,
		MatchMethod: method,
		Confidence:  confidence,
	}
	fillInternalSide(&match, in)
	fillSupplierSide(&match, ex)
	return match
}

func buildUnpairedMatch(runId string, in, ex *models.NormalizedRecord) models.TransactionMatch {
	match := models.TransactionMatch{
		RunId:       runId,
		MatchMethod: models.MatchMethodNone,
	}
	if in != nil {
		match.MatchStatus = models.MatchStatusUnmatchedInternal
		fillInternalSide(&match, in)
	} else {
		match.MatchStatus = models.MatchStatusUnmatchedSupplier
		fillSupplierSide(&match, ex)
	}
	return match
}

func fillInternalSide(match *models.TransactionMatch, rec *models.NormalizedRecord) {
	ts := rec.Timestamp
	match.InternalReference = rec.Reference
	match.InternalTransactionId = rec.TransactionId
	match.InternalAmount = rec.Amount
	match.InternalCommission = rec.Commission
	match.InternalStatus = rec.Status
	match.InternalTimestamp = &ts
	match.InternalProductCode = rec.ProductCode
	match.InternalMetadata = marshalMetadata(rec.Metadata)
}

func fillSupplierSide(match *models.TransactionMatch, rec *models.NormalizedRecord) {
	ts := rec.Timestamp
	match.SupplierReference = rec.Reference
	match.SupplierTransactionId = rec.TransactionId
	match.SupplierAmount = rec.Amount
	match.SupplierCommission = rec.Commission
	match.SupplierStatus = rec.Status
	match.SupplierTimestamp = &ts
	match.SupplierProductCode = rec.ProductCode
	match.SupplierMetadata = marshalMetadata(rec.Metadata)
}

func marshalMetadata(meta map[string]string) []byte {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return raw
}
