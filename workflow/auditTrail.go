package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"bitbucket.org/mmtpdigital/recon_backend/repository"
	"bitbucket.org/mmtpdigital/recon_backend/utils"
	"github.com/sirupsen/logrus"
)

// AuditTrail appends hash-chained events for reconciliation runs. Appends for
// one run are strictly serialized behind a per-run mutex since each event's
// previous_hash depends on reading the chain tail; different runs append in
// parallel. A run whose chain has failed verification is halted: no further
// appends are accepted for it.
type AuditTrail struct {
	repo   repository.AuditRepository
	logger *logrus.Logger

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
	halted   map[string]bool
}

func NewAuditTrail(repo repository.AuditRepository, logger *logrus.Logger) *AuditTrail {
	return &AuditTrail{
		repo:     repo,
		logger:   logger,
		runLocks: make(map[string]*sync.Mutex),
		halted:   make(map[string]bool),
	}
}

func (t *AuditTrail) lockFor(runId string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.runLocks[runId]
	if !ok {
		lock = &sync.Mutex{}
		t.runLocks[runId] = lock
	}
	return lock
}

func (t *AuditTrail) isHalted(runId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.halted[runId]
}

func (t *AuditTrail) halt(runId string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halted[runId] = true
}

// Record appends one event to the run's chain and returns the new tail hash,
// so callers never re-query storage to discover the current tail. payload is
// marshalled canonically into event_data before hashing.
func (t *AuditTrail) Record(ctx context.Context, runId string, eventType models.AuditEventType, actorType models.ActorType, actorId, entityType, entityId string, payload any) (string, error) {
	if t.isHalted(runId) {
		return "", &models.IntegrityViolationError{
			RunId:  runId,
			Reason: "audit chain is halted after a failed integrity check",
		}
	}

	eventData, err := utils.CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("marshal audit payload for run %s: %w", runId, err)
	}

	lock := t.lockFor(runId)
	lock.Lock()
	defer lock.Unlock()

	tailSeq, tailHash, err := t.repo.ChainTail(ctx, runId)
	if err != nil {
		return "", fmt.Errorf("read audit chain tail for run %s: %w", runId, err)
	}

	event := models.NewAuditEvent(runId, tailSeq+1, tailHash, eventType, actorType, actorId, entityType, entityId, eventData, time.Now())
	if err := t.repo.Append(ctx, &event); err != nil {
		return "", fmt.Errorf("append audit event for run %s: %w", runId, err)
	}

	fields := logrus.Fields{
		"run_id":     runId,
		"event_type": eventType,
		"sequence":   event.Sequence,
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	t.logger.WithFields(fields).Debug("audit event recorded")
	return event.Hash, nil
}

// VerifyChain walks the run's full event sequence and checks that every
// event's own hash verifies and that every previous_hash links to the
// predecessor. The first violation halts further appends for the run and is
// returned as *models.IntegrityViolationError. A nil return means the chain
// is intact (an empty chain is intact).
func (t *AuditTrail) VerifyChain(ctx context.Context, runId string) error {
	events, err := t.repo.ListByRun(ctx, runId)
	if err != nil {
		return fmt.Errorf("list audit events for run %s: %w", runId, err)
	}

	prevHash := ""
	for i := range events {
		event := &events[i]
		if want := int64(i + 1); event.Sequence != want {
			return t.violation(runId, event.EventId, fmt.Sprintf("sequence gap: got %d, want %d", event.Sequence, want))
		}
		if event.PreviousHash != prevHash {
			return t.violation(runId, event.EventId, fmt.Sprintf("previous_hash %q does not link to predecessor hash %q", event.PreviousHash, prevHash))
		}
		if !event.VerifyIntegrity() {
			return t.violation(runId, event.EventId, "stored hash does not match recomputed hash")
		}
		prevHash = event.Hash
	}
	return nil
}

func (t *AuditTrail) violation(runId, eventId, reason string) error {
	t.halt(runId)
	err := &models.IntegrityViolationError{RunId: runId, EventId: eventId, Reason: reason}
	t.logger.WithFields(logrus.Fields{
		"run_id":   runId,
		"event_id": eventId,
	}).Error(err.Error())
	return err
}
