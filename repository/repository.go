// Package repository provides explicit persistence interfaces for the
// reconciliation engine. Components receive these from the caller instead of
// reaching for ambient database state, which keeps the matching and
// resolution logic pure and testable against in-memory fakes.
package repository

import (
	"context"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
)

type RunRepository interface {
	// Create persists a new run. A (supplier_id, file_hash) collision is
	// returned as *models.DuplicateFileError before any matching work begins.
	Create(ctx context.Context, run *models.ReconciliationRun) error
	GetByRunId(ctx context.Context, runId string) (*models.ReconciliationRun, error)
	GetBySupplierAndHash(ctx context.Context, supplierId, fileHash string) (*models.ReconciliationRun, error)
	Update(ctx context.Context, run *models.ReconciliationRun) error
	UpdateStatus(ctx context.Context, runId string, from, to models.RunStatus) error
	// ClaimNextPending atomically claims one pending run for processing,
	// returning models.ErrRunNotFound when none are available.
	ClaimNextPending(ctx context.Context, workerId string) (*models.ReconciliationRun, error)
	ListOverdue(ctx context.Context, now time.Time) ([]models.ReconciliationRun, error)
	// MarkOverdueAlerted sets the overdue flag on a run iff it is still
	// processing and not yet flagged. Returns false when the run was
	// finalized or flagged concurrently; the caller must not alert then.
	MarkOverdueAlerted(ctx context.Context, runId string) (bool, error)
}

type MatchRepository interface {
	CreateBatch(ctx context.Context, matches []models.TransactionMatch) error
	GetByID(ctx context.Context, id int) (*models.TransactionMatch, error)
	ListByRun(ctx context.Context, runId string) ([]models.TransactionMatch, error)
	ListManualReview(ctx context.Context, runId string) ([]models.TransactionMatch, error)
	// UpdateResolution persists the resolution sub-lifecycle fields only;
	// everything else on a match is immutable after creation.
	UpdateResolution(ctx context.Context, match *models.TransactionMatch) error
}

type AuditRepository interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	// ChainTail returns the sequence and hash of the most recent event for a
	// run; (0, "") when the chain is empty.
	ChainTail(ctx context.Context, runId string) (int64, string, error)
	ListByRun(ctx context.Context, runId string) ([]models.AuditEvent, error)
}

type ConfigRepository interface {
	GetBySupplierId(ctx context.Context, supplierId string) (*models.SupplierConfig, error)
	Upsert(ctx context.Context, cfg *models.SupplierConfig) error
}
