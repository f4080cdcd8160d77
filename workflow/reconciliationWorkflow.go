package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/config"
	"bitbucket.org/mmtpdigital/recon_backend/models"
	"bitbucket.org/mmtpdigital/recon_backend/repository"
	"bitbucket.org/mmtpdigital/recon_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const workflowModule = "reconciliationWorkflow.go"

// ReconciliationWorkflow is the orchestration layer: it owns persistence and
// audit sequencing while delegating matching, resolution, and aggregation to
// the pure functions in this package.
type ReconciliationWorkflow struct {
	runs     repository.RunRepository
	matches  repository.MatchRepository
	configs  repository.ConfigRepository
	audit    *AuditTrail
	notifier Notifier
	logger   *logrus.Logger
	opts     MatchOptions
}

func NewReconciliationWorkflow(runs repository.RunRepository, matches repository.MatchRepository, configs repository.ConfigRepository, audit *AuditTrail, notifier Notifier, logger *logrus.Logger, opts MatchOptions) *ReconciliationWorkflow {
	return &ReconciliationWorkflow{
		runs:     runs,
		matches:  matches,
		configs:  configs,
		audit:    audit,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// RunSummary is the reporting payload for one run: every run field plus the
// matches still awaiting an operator.
type RunSummary struct {
	Run          *models.ReconciliationRun `json:"run"`
	Passed       bool                      `json:"passed"`
	MatchRate    float64                   `json:"match_rate"`
	ManualReview []models.TransactionMatch `json:"manual_review"`
}

// IngestFile registers a settlement file as a new pending run. Re-ingesting
// byte-identical content for the same supplier is idempotent: the existing
// run is returned with created=false, one duplicate_rejected event is
// appended to its chain, and no new run is created.
func (w *ReconciliationWorkflow) IngestFile(ctx context.Context, supplierId, fileName string, content []byte, receivedAt time.Time) (*models.ReconciliationRun, bool, error) {
	if fileName == "" {
		return nil, false, &models.FileValidationError{SupplierId: supplierId, FileName: fileName, Reason: "file name is required"}
	}
	if len(content) == 0 {
		return nil, false, &models.FileValidationError{SupplierId: supplierId, FileName: fileName, Reason: "file content is empty"}
	}

	cfg, err := w.configs.GetBySupplierId(ctx, supplierId)
	if err != nil {
		config.LogError(w.logger, workflowModule, "IngestFile", "GetBySupplierId", supplierId, err)
		return nil, false, err
	}

	sum := sha256.Sum256(content)
	fileHash := hex.EncodeToString(sum[:])
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	deadline := receivedAt.Add(time.Duration(cfg.SLAHours) * time.Hour)

	run := &models.ReconciliationRun{
		RunId:          uuid.NewString(),
		SupplierId:     supplierId,
		FileName:       fileName,
		FileHash:       fileHash,
		FileSize:       int64(len(content)),
		FileReceivedAt: receivedAt,
		Status:         models.RunStatusPending,
		SLADeadline:    &deadline,
		CorrelationId:  correlationId,
	}

	if err := w.runs.Create(ctx, run); err != nil {
		var dup *models.DuplicateFileError
		if errors.As(err, &dup) {
			existing, getErr := w.runs.GetByRunId(ctx, dup.ExistingRunId)
			if getErr != nil {
				config.LogError(w.logger, workflowModule, "IngestFile", "GetByRunId existing", dup.ExistingRunId, getErr)
				return nil, false, getErr
			}
			if _, auditErr := w.audit.Record(ctx, existing.RunId, models.AuditEventDuplicateRejected, models.ActorTypeSystem, "ingest", "reconciliation_run", existing.RunId, map[string]any{
				"supplier_id": supplierId,
				"file_name":   fileName,
				"file_hash":   fileHash,
			}); auditErr != nil {
				config.LogError(w.logger, workflowModule, "IngestFile", "Record duplicate_rejected", existing.RunId, auditErr)
				return nil, false, auditErr
			}
			w.logger.WithFields(logrus.Fields{
				"supplier_id": supplierId,
				"file_hash":   fileHash,
				"run_id":      existing.RunId,
			}).Info("duplicate file rejected, existing run returned")
			return existing, false, nil
		}
		config.LogError(w.logger, workflowModule, "IngestFile", "Create run", run, err)
		return nil, false, err
	}

	if _, err := w.audit.Record(ctx, run.RunId, models.AuditEventRunCreated, models.ActorTypeSystem, "ingest", "reconciliation_run", run.RunId, map[string]any{
		"supplier_id": supplierId,
		"file_name":   fileName,
		"file_hash":   fileHash,
		"file_size":   run.FileSize,
	}); err != nil {
		config.LogError(w.logger, workflowModule, "IngestFile", "Record run_created", run.RunId, err)
		return nil, false, err
	}
	return run, true, nil
}

// ProcessRun executes matching, resolution, and aggregation for one pending
// run against the two record streams. A fuzzy timeout fails the run with its
// partial counts and error log intact; it is never retried in place.
func (w *ReconciliationWorkflow) ProcessRun(ctx context.Context, run *models.ReconciliationRun, internal, external []models.NormalizedRecord) error {
	release, err := utils.RunLock(ctx, run.RunId, "process", workflowModule, "ProcessRun")
	if err != nil {
		config.LogError(w.logger, workflowModule, "ProcessRun", "RunLock", run.RunId, err)
		return err
	}
	defer release()

	cfg, err := w.configs.GetBySupplierId(ctx, run.SupplierId)
	if err != nil {
		config.LogError(w.logger, workflowModule, "ProcessRun", "GetBySupplierId", run.SupplierId, err)
		return w.failRun(ctx, run, "config_load", err)
	}

	if run.Status == models.RunStatusPending {
		if err := w.transitionRun(ctx, run, models.RunStatusProcessing); err != nil {
			return err
		}
	} else if run.Status == models.RunStatusProcessing {
		// Claimed atomically by the processor; the storage transition already
		// happened, so only the audit event is owed here.
		if _, err := w.audit.Record(ctx, run.RunId, models.AuditEventRunStatusChanged, models.ActorTypeSystem, "processor", "reconciliation_run", run.RunId, map[string]any{
			"from": models.RunStatusPending,
			"to":   models.RunStatusProcessing,
		}); err != nil {
			config.LogError(w.logger, workflowModule, "ProcessRun", "Record run_status_changed", run.RunId, err)
			return w.failRun(ctx, run, "audit", err)
		}
	}

	result, matchErr := MatchRecords(cfg, run.RunId, internal, external, w.opts)
	for _, recErr := range result.RecordErrors {
		if logErr := run.AppendErrorLog(models.RunErrorEntry{
			Time:    time.Now(),
			Code:    "record_parse_error",
			Message: recErr.Error(),
		}); logErr != nil {
			config.LogError(w.logger, workflowModule, "ProcessRun", "AppendErrorLog", recErr, logErr)
		}
	}

	resolution := ResolveDiscrepancies(cfg, result.Matches)

	if len(result.Matches) > 0 {
		for i := range result.Matches {
			if err := result.Matches[i].Validate(); err != nil {
				config.LogError(w.logger, workflowModule, "ProcessRun", "match Validate", result.Matches[i], err)
				return w.failRun(ctx, run, "invalid_match", err)
			}
		}
		if err := w.matches.CreateBatch(ctx, result.Matches); err != nil {
			config.LogError(w.logger, workflowModule, "ProcessRun", "CreateBatch", run.RunId, err)
			return w.failRun(ctx, run, "persist_matches", err)
		}
	}

	passed := AggregateRun(cfg, run, result.Matches, resolution, time.Now())

	// An aborted matching pass keeps its partial counts but is not a
	// completion: no completion timestamp, and the audit event says aborted.
	matchingEvent := models.AuditEventMatchingCompleted
	var timeout *models.MatchingTimeoutError
	if matchErr != nil {
		matchingEvent = models.AuditEventMatchingAborted
		run.CompletedAt = nil
	}
	if _, err := w.audit.Record(ctx, run.RunId, matchingEvent, models.ActorTypeSystem, "processor", "reconciliation_run", run.RunId, map[string]any{
		"total":              run.TotalTransactions,
		"matched_exact":      run.MatchedExact,
		"matched_fuzzy":      run.MatchedFuzzy,
		"unmatched_internal": run.UnmatchedInternal,
		"unmatched_supplier": run.UnmatchedSupplier,
		"auto_resolved":      run.AutoResolved,
		"manual_review":      run.ManualReview,
		"record_errors":      len(result.RecordErrors),
	}); err != nil {
		config.LogError(w.logger, workflowModule, "ProcessRun", "Record "+string(matchingEvent), run.RunId, err)
		return w.failRun(ctx, run, "audit", err)
	}

	if errors.As(matchErr, &timeout) {
		return w.failRun(ctx, run, "matching_timeout", timeout)
	}
	if matchErr != nil {
		return w.failRun(ctx, run, "matching", matchErr)
	}

	if err := w.finalizeRun(ctx, run, passed); err != nil {
		return err
	}

	manualReview, err := w.matches.ListManualReview(ctx, run.RunId)
	if err != nil {
		config.LogError(w.logger, workflowModule, "ProcessRun", "ListManualReview", run.RunId, err)
		manualReview = nil
	}
	w.notifier.RunCompleted(ctx, run, passed, manualReview)
	return nil
}

// ResolveMatch applies an operator decision to a manual_review match. The
// resolution sub-lifecycle is the only mutation permitted on a finalized
// match; everything else stays as matching wrote it.
func (w *ReconciliationWorkflow) ResolveMatch(ctx context.Context, matchId int, next models.ResolutionStatus, resolvedBy, notes string) (*models.TransactionMatch, error) {
	match, err := w.matches.GetByID(ctx, matchId)
	if err != nil {
		config.LogError(w.logger, workflowModule, "ResolveMatch", "GetByID", matchId, err)
		return nil, err
	}

	if resolvedBy == "" {
		resolvedBy, _ = utils.GetActorIdFromContext(ctx)
	}
	if err := ApplyManualResolution(match, next, resolvedBy, notes, time.Now()); err != nil {
		return nil, err
	}
	if err := w.matches.UpdateResolution(ctx, match); err != nil {
		config.LogError(w.logger, workflowModule, "ResolveMatch", "UpdateResolution", match, err)
		return nil, err
	}

	if _, err := w.audit.Record(ctx, match.RunId, models.AuditEventMatchResolved, models.ActorTypeOperator, resolvedBy, "transaction_match", fmt.Sprintf("%d", match.ID), map[string]any{
		"match_id":          match.ID,
		"resolution_status": match.ResolutionStatus,
		"notes":             notes,
	}); err != nil {
		config.LogError(w.logger, workflowModule, "ResolveMatch", "Record match_resolved", match.RunId, err)
		return nil, err
	}
	return match, nil
}

// CheckOverdueRuns flags still-processing runs past their SLA deadline.
// Each run is alerted once; overdue runs keep processing, never cancelled.
func (w *ReconciliationWorkflow) CheckOverdueRuns(ctx context.Context, now time.Time) (int, error) {
	overdue, err := w.runs.ListOverdue(ctx, now)
	if err != nil {
		config.LogError(w.logger, workflowModule, "CheckOverdueRuns", "ListOverdue", now, err)
		return 0, err
	}

	flagged := 0
	for i := range overdue {
		run := &overdue[i]
		// Claim the flag with a guarded column update. The snapshot above is
		// stale by the time we get here: a worker may have finalized the run,
		// and a whole-row write would drag it back to processing.
		marked, err := w.runs.MarkOverdueAlerted(ctx, run.RunId)
		if err != nil {
			config.LogError(w.logger, workflowModule, "CheckOverdueRuns", "MarkOverdueAlerted", run.RunId, err)
			continue
		}
		if !marked {
			continue
		}
		run.OverdueAlerted = true

		cfg, err := w.configs.GetBySupplierId(ctx, run.SupplierId)
		var recipients []string
		if err == nil {
			recipients = cfg.AlertRecipients
		}

		if _, err := w.audit.Record(ctx, run.RunId, models.AuditEventRunOverdue, models.ActorTypeSystem, "sla_monitor", "reconciliation_run", run.RunId, map[string]any{
			"sla_deadline": run.SLADeadline,
			"flagged_at":   now,
		}); err != nil {
			config.LogError(w.logger, workflowModule, "CheckOverdueRuns", "Record run_overdue", run.RunId, err)
			continue
		}
		w.notifier.RunOverdue(ctx, run, recipients)
		flagged++
	}
	return flagged, nil
}

// VerifyRunChain checks a run's audit chain and raises the critical alert on
// the first violation.
func (w *ReconciliationWorkflow) VerifyRunChain(ctx context.Context, runId string) error {
	err := w.audit.VerifyChain(ctx, runId)
	var violation *models.IntegrityViolationError
	if errors.As(err, &violation) {
		w.notifier.IntegrityAlert(ctx, violation)
	}
	return err
}

// BuildRunSummary assembles the reporting payload for one run.
func (w *ReconciliationWorkflow) BuildRunSummary(ctx context.Context, runId string) (*RunSummary, error) {
	run, err := w.runs.GetByRunId(ctx, runId)
	if err != nil {
		return nil, err
	}
	manualReview, err := w.matches.ListManualReview(ctx, runId)
	if err != nil {
		config.LogError(w.logger, workflowModule, "BuildRunSummary", "ListManualReview", runId, err)
		return nil, err
	}
	cfg, err := w.configs.GetBySupplierId(ctx, run.SupplierId)
	if err != nil {
		config.LogError(w.logger, workflowModule, "BuildRunSummary", "GetBySupplierId", run.SupplierId, err)
		return nil, err
	}
	return &RunSummary{
		Run:          run,
		Passed:       run.Status == models.RunStatusCompleted && run.IsPassed(cfg.CriticalVarianceThreshold),
		MatchRate:    run.MatchRate(),
		ManualReview: manualReview,
	}, nil
}

func (w *ReconciliationWorkflow) transitionRun(ctx context.Context, run *models.ReconciliationRun, to models.RunStatus) error {
	from := run.Status
	if err := w.runs.UpdateStatus(ctx, run.RunId, from, to); err != nil {
		config.LogError(w.logger, workflowModule, "transitionRun", string(from)+" -> "+string(to), run.RunId, err)
		return err
	}
	run.Status = to
	if _, err := w.audit.Record(ctx, run.RunId, models.AuditEventRunStatusChanged, models.ActorTypeSystem, "processor", "reconciliation_run", run.RunId, map[string]any{
		"from": from,
		"to":   to,
	}); err != nil {
		config.LogError(w.logger, workflowModule, "transitionRun", "Record run_status_changed", run.RunId, err)
		return err
	}
	return nil
}

func (w *ReconciliationWorkflow) finalizeRun(ctx context.Context, run *models.ReconciliationRun, passed bool) error {
	if err := w.transitionRun(ctx, run, models.RunStatusCompleted); err != nil {
		return err
	}
	if err := w.runs.Update(ctx, run); err != nil {
		config.LogError(w.logger, workflowModule, "finalizeRun", "Update", run.RunId, err)
		return err
	}
	if _, err := w.audit.Record(ctx, run.RunId, models.AuditEventRunFinalized, models.ActorTypeSystem, "processor", "reconciliation_run", run.RunId, map[string]any{
		"passed":     passed,
		"match_rate": run.MatchRate(),
		"summary":    run.DiscrepancySummary,
	}); err != nil {
		config.LogError(w.logger, workflowModule, "finalizeRun", "Record run_finalized", run.RunId, err)
		return err
	}
	return nil
}

// failRun marks the run failed, keeping its partial counts and error log.
func (w *ReconciliationWorkflow) failRun(ctx context.Context, run *models.ReconciliationRun, code string, cause error) error {
	if logErr := run.AppendErrorLog(models.RunErrorEntry{
		Time:    time.Now(),
		Code:    code,
		Message: cause.Error(),
	}); logErr != nil {
		config.LogError(w.logger, workflowModule, "failRun", "AppendErrorLog", code, logErr)
	}

	if err := w.runs.UpdateStatus(ctx, run.RunId, run.Status, models.RunStatusFailed); err != nil {
		config.LogError(w.logger, workflowModule, "failRun", "UpdateStatus", run.RunId, err)
		return err
	}
	run.Status = models.RunStatusFailed
	if err := w.runs.Update(ctx, run); err != nil {
		config.LogError(w.logger, workflowModule, "failRun", "Update", run.RunId, err)
	}

	if _, err := w.audit.Record(ctx, run.RunId, models.AuditEventRunStatusChanged, models.ActorTypeSystem, "processor", "reconciliation_run", run.RunId, map[string]any{
		"to":    models.RunStatusFailed,
		"code":  code,
		"cause": cause.Error(),
	}); err != nil {
		config.LogError(w.logger, workflowModule, "failRun", "Record run_status_changed", run.RunId, err)
	}
	w.notifier.RunCompleted(ctx, run, false, nil)
	return cause
}
