package models

import (
	"errors"
	"fmt"
)

var (
	ErrRunNotFound    = errors.New("reconciliation run not found")
	ErrConfigNotFound = errors.New("supplier config not found")
	ErrMatchNotFound  = errors.New("transaction match not found")
)

// FileValidationError means the ingested file metadata failed schema checks.
// The run is set to failed and is not retried automatically.
type FileValidationError struct {
	SupplierId string
	FileName   string
	Reason     string
}

func (e *FileValidationError) Error() string {
	return fmt.Sprintf("file validation failed for supplier %s file %s: %s", e.SupplierId, e.FileName, e.Reason)
}

// DuplicateFileError means a run already exists for (supplier, file hash).
// Callers treat it as a no-op success so re-ingestion stays idempotent.
type DuplicateFileError struct {
	SupplierId    string
	FileHash      string
	ExistingRunId string
}

func (e *DuplicateFileError) Error() string {
	return fmt.Sprintf("duplicate file for supplier %s (hash %s), existing run %s", e.SupplierId, e.FileHash, e.ExistingRunId)
}

// RecordParseError covers a single malformed record. It is appended to the
// run's error log and processing continues.
type RecordParseError struct {
	Stream        string // "internal" or "supplier"
	Index         int
	Reference     string
	MissingFields []string
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("malformed %s record #%d (ref=%q): missing %v", e.Stream, e.Index, e.Reference, e.MissingFields)
}

// MatchingTimeoutError means the fuzzy pass exceeded its time budget.
// The run is set to failed with partial counts preserved.
type MatchingTimeoutError struct {
	Budget    string
	Remaining int
}

func (e *MatchingTimeoutError) Error() string {
	return fmt.Sprintf("fuzzy matching exceeded time budget %s with %d records remaining", e.Budget, e.Remaining)
}

// IntegrityViolationError means an audit event hash failed to verify.
// Further writes to that run's chain are halted and a critical alert raised.
type IntegrityViolationError struct {
	RunId   string
	EventId string
	Reason  string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("audit chain integrity violation on run %s (event %s): %s", e.RunId, e.EventId, e.Reason)
}
