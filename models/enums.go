package models

type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// CanTransitionTo enforces pending -> processing -> {completed, failed}.
// Terminal states never transition; a failed run is re-ingested as a new run.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusProcessing || next == RunStatusFailed
	case RunStatusProcessing:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

type MatchStatus string

const (
	MatchStatusExact             MatchStatus = "exact_match"
	MatchStatusFuzzy             MatchStatus = "fuzzy_match"
	MatchStatusUnmatchedInternal MatchStatus = "unmatched_internal"
	MatchStatusUnmatchedSupplier MatchStatus = "unmatched_supplier"
)

type MatchMethod string

const (
	MatchMethodPrimaryKey MatchMethod = "primary_key"
	MatchMethodSecondary  MatchMethod = "secondary_tolerance"
	MatchMethodFuzzy      MatchMethod = "fuzzy_similarity"
	MatchMethodNone       MatchMethod = "none"
)

type DiscrepancyType string

const (
	DiscrepancyAmountMismatch     DiscrepancyType = "amount_mismatch"
	DiscrepancyCommissionMismatch DiscrepancyType = "commission_mismatch"
	DiscrepancyStatusMismatch     DiscrepancyType = "status_mismatch"
	DiscrepancyMissingField       DiscrepancyType = "missing_field"
)

type ResolutionStatus string

const (
	ResolutionStatusNone         ResolutionStatus = "none"
	ResolutionStatusAutoResolved ResolutionStatus = "auto_resolved"
	ResolutionStatusManualReview ResolutionStatus = "manual_review"
	ResolutionStatusResolved     ResolutionStatus = "resolved"
	ResolutionStatusEscalated    ResolutionStatus = "escalated"
)

type ActorType string

const (
	ActorTypeSystem   ActorType = "system"
	ActorTypeOperator ActorType = "operator"
)

type AuditEventType string

const (
	AuditEventRunCreated        AuditEventType = "run_created"
	AuditEventDuplicateRejected AuditEventType = "duplicate_rejected"
	AuditEventRunStatusChanged  AuditEventType = "run_status_changed"
	AuditEventMatchingCompleted AuditEventType = "matching_completed"
	AuditEventMatchingAborted   AuditEventType = "matching_aborted"
	AuditEventMatchResolved     AuditEventType = "match_resolved"
	AuditEventRunFinalized      AuditEventType = "run_finalized"
	AuditEventRunOverdue        AuditEventType = "run_overdue"
)

// MatchStrategy is the tagged matching-rule variant. Invalid combinations are
// rejected when the supplier config is loaded, not at match time.
type MatchStrategy string

const (
	MatchStrategyExact          MatchStrategy = "exact"
	MatchStrategyExactSecondary MatchStrategy = "exact_secondary"
	MatchStrategyExactFuzzy     MatchStrategy = "exact_secondary_fuzzy"
)

// MatchField names a record field usable in primary/secondary matching rules.
type MatchField string

const (
	MatchFieldReference     MatchField = "reference"
	MatchFieldTransactionId MatchField = "transaction_id"
	MatchFieldProductCode   MatchField = "product_code"
)

// CanonicalOutcome is the normalized lifecycle outcome that internal and
// supplier status strings map onto for status-mismatch detection.
type CanonicalOutcome string

const (
	OutcomeSettled CanonicalOutcome = "settled"
	OutcomeFailed  CanonicalOutcome = "failed"
	OutcomePending CanonicalOutcome = "pending"
	OutcomeUnknown CanonicalOutcome = "unknown"
)

func CanonicalizeStatus(status string) CanonicalOutcome {
	switch normalizeStatus(status) {
	case "completed", "complete", "settled", "success", "successful", "paid", "confirmed":
		return OutcomeSettled
	case "failed", "failure", "declined", "reversed", "rejected", "cancelled", "canceled":
		return OutcomeFailed
	case "pending", "processing", "in_progress", "submitted":
		return OutcomePending
	default:
		return OutcomeUnknown
	}
}

func normalizeStatus(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r == ' ' || r == '-':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
