package workflow

import (
	"context"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"github.com/sirupsen/logrus"
)

// Notifier receives operator-facing alerts. The run summary carries every run
// field; manual-review matches ride along so operators can act without a
// second lookup.
type Notifier interface {
	// RunCompleted fires after finalization, pass or fail.
	RunCompleted(ctx context.Context, run *models.ReconciliationRun, passed bool, manualReview []models.TransactionMatch)
	// RunOverdue fires once per run when it exceeds its SLA while processing.
	RunOverdue(ctx context.Context, run *models.ReconciliationRun, recipients []string)
	// IntegrityAlert fires on audit chain verification failure. Critical.
	IntegrityAlert(ctx context.Context, violation *models.IntegrityViolationError)
}

// LogNotifier writes alerts to the structured log. Mail/webhook delivery
// hangs off the same interface in the ops deployment.
type LogNotifier struct {
	Logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) RunCompleted(ctx context.Context, run *models.ReconciliationRun, passed bool, manualReview []models.TransactionMatch) {
	entry := n.Logger.WithFields(logrus.Fields{
		"run_id":          run.RunId,
		"supplier_id":     run.SupplierId,
		"status":          run.Status,
		"match_rate":      run.MatchRate(),
		"amount_variance": run.AmountVariance.String(),
		"manual_review":   len(manualReview),
		"summary":         run.DiscrepancySummary,
	})
	if passed {
		entry.Info("reconciliation run completed")
		return
	}
	entry.Warn("reconciliation run completed below pass threshold")
}

func (n *LogNotifier) RunOverdue(ctx context.Context, run *models.ReconciliationRun, recipients []string) {
	n.Logger.WithFields(logrus.Fields{
		"run_id":       run.RunId,
		"supplier_id":  run.SupplierId,
		"sla_deadline": run.SLADeadline,
		"recipients":   recipients,
	}).Warn("reconciliation run overdue")
}

func (n *LogNotifier) IntegrityAlert(ctx context.Context, violation *models.IntegrityViolationError) {
	n.Logger.WithFields(logrus.Fields{
		"run_id":   violation.RunId,
		"event_id": violation.EventId,
	}).Error("audit chain integrity violation: " + violation.Reason)
}
