package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/config"
	"bitbucket.org/mmtpdigital/recon_backend/models"
	"bitbucket.org/mmtpdigital/recon_backend/repository"
	"bitbucket.org/mmtpdigital/recon_backend/utils"
	"bitbucket.org/mmtpdigital/recon_backend/workflow"
	"github.com/sirupsen/logrus"
)

const settlementFileTTL = 72 * time.Hour

// settlementPayload is the staged record content for a pending run, parked in
// Redis between ingestion and processing.
type settlementPayload struct {
	Internal []models.NormalizedRecord `json:"internal"`
	External []models.NormalizedRecord `json:"external"`
}

func settlementFileKey(runId string) string {
	return "settlement_file:" + runId
}

func stageSettlementPayload(runId string, payload settlementPayload) error {
	return config.SetRedisObject(settlementFileKey(runId), payload, settlementFileTTL)
}

// RecordSource supplies the two record streams for a claimed run.
type RecordSource interface {
	Load(ctx context.Context, run *models.ReconciliationRun) (internal, external []models.NormalizedRecord, err error)
}

// redisRecordSource reads the payload staged by the ingest endpoint.
type redisRecordSource struct{}

func (redisRecordSource) Load(ctx context.Context, run *models.ReconciliationRun) ([]models.NormalizedRecord, []models.NormalizedRecord, error) {
	var payload settlementPayload
	found, err := config.GetRedisObject(settlementFileKey(run.RunId), &payload)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("staged settlement payload for run %s not found", run.RunId)
	}
	return payload.Internal, payload.External, nil
}

// RunProcessor drains pending reconciliation runs. Claims go through
// RunRepository.ClaimNextPending, which locks rows with SKIP LOCKED so
// several processor replicas never double-claim a run.
type RunProcessor struct {
	Workflow *workflow.ReconciliationWorkflow
	Runs     repository.RunRepository
	Source   RecordSource
	Logger   *logrus.Logger
	WorkerID string
	Interval time.Duration
	// OverdueInterval paces the SLA sweep. The sweep only flags and alerts;
	// overdue runs keep processing.
	OverdueInterval time.Duration
}

func NewRunProcessor(wf *workflow.ReconciliationWorkflow, runs repository.RunRepository, source RecordSource, logger *logrus.Logger) *RunProcessor {
	return &RunProcessor{
		Workflow:        wf,
		Runs:            runs,
		Source:          source,
		Logger:          logger,
		WorkerID:        "recon-" + time.Now().Format("20060102-150405.000"),
		Interval:        2 * time.Second,
		OverdueInterval: time.Minute,
	}
}

func (p *RunProcessor) Run(ctx context.Context) {
	if p == nil || p.Workflow == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if p.processOnce(ctx) {
			// Keep draining while runs are available.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

// processOnce claims and processes at most one run. Returns true when a run
// was claimed, so the caller can poll again immediately.
func (p *RunProcessor) processOnce(ctx context.Context) bool {
	run, err := p.Runs.ClaimNextPending(ctx, p.WorkerID)
	if err != nil {
		if !errors.Is(err, models.ErrRunNotFound) {
			config.LogError(p.Logger, "runProcessor.go", "processOnce", "ClaimNextPending", p.WorkerID, err)
		}
		return false
	}

	procCtx := utils.SetRunIdInContext(ctx, run.RunId)
	procCtx = utils.SetSupplierIdInContext(procCtx, run.SupplierId)
	if run.CorrelationId != "" {
		procCtx = utils.SetCorrelationIdInContext(procCtx, run.CorrelationId)
	}

	p.Logger.WithFields(logrus.Fields{
		"run_id":      run.RunId,
		"supplier_id": run.SupplierId,
		"worker_id":   p.WorkerID,
	}).Info("processing reconciliation run")

	internal, external, err := p.Source.Load(procCtx, run)
	if err != nil {
		config.LogError(p.Logger, "runProcessor.go", "processOnce", "Source.Load", run.RunId, err)
		// The run was already claimed (pending -> processing); fail it so the
		// file can be re-ingested after the staging issue is fixed.
		_ = p.failClaimedRun(procCtx, run, err)
		return true
	}

	if err := p.Workflow.ProcessRun(procCtx, run, internal, external); err != nil {
		config.LogError(p.Logger, "runProcessor.go", "processOnce", "ProcessRun", run.RunId, err)
	}
	return true
}

func (p *RunProcessor) failClaimedRun(ctx context.Context, run *models.ReconciliationRun, cause error) error {
	if logErr := run.AppendErrorLog(models.RunErrorEntry{
		Time:    time.Now(),
		Code:    "record_source",
		Message: cause.Error(),
	}); logErr != nil {
		config.LogError(p.Logger, "runProcessor.go", "failClaimedRun", "AppendErrorLog", run.RunId, logErr)
	}
	if err := p.Runs.UpdateStatus(ctx, run.RunId, run.Status, models.RunStatusFailed); err != nil {
		config.LogError(p.Logger, "runProcessor.go", "failClaimedRun", "UpdateStatus", run.RunId, err)
		return err
	}
	run.Status = models.RunStatusFailed
	return p.Runs.Update(ctx, run)
}

// RunOverdueSweep flags still-processing runs past their SLA deadline.
func (p *RunProcessor) RunOverdueSweep(ctx context.Context) {
	if p == nil || p.Workflow == nil {
		return
	}
	ticker := time.NewTicker(p.OverdueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Workflow.CheckOverdueRuns(ctx, time.Now()); err != nil {
				config.LogError(p.Logger, "runProcessor.go", "RunOverdueSweep", "CheckOverdueRuns", nil, err)
			}
		}
	}
}
