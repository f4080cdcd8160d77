package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"github.com/sirupsen/logrus"
)

func timestampFixture() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestAuditTrail_RecordChainsEvents(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuditRepository()
	trail := NewAuditTrail(repo, testLogger())

	first, err := trail.Record(ctx, "run-1", models.AuditEventRunCreated, models.ActorTypeSystem, "ingest", "reconciliation_run", "run-1", map[string]any{"file_hash": "abc"})
	if err != nil {
		t.Fatalf("first Record: %v", err)
	}
	second, err := trail.Record(ctx, "run-1", models.AuditEventRunStatusChanged, models.ActorTypeSystem, "processor", "reconciliation_run", "run-1", map[string]any{"to": "processing"})
	if err != nil {
		t.Fatalf("second Record: %v", err)
	}
	if first == second {
		t.Error("successive tail hashes must differ")
	}

	events, _ := repo.ListByRun(ctx, "run-1")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Sequence != 1 || events[1].Sequence != 2 {
		t.Errorf("sequences = %d,%d, want 1,2", events[0].Sequence, events[1].Sequence)
	}
	if events[0].PreviousHash != "" {
		t.Errorf("genesis previous_hash = %q, want empty", events[0].PreviousHash)
	}
	if events[1].PreviousHash != events[0].Hash {
		t.Error("second event must link to the first event's hash")
	}
	if events[1].Hash != second {
		t.Error("Record must return the new tail hash")
	}
	for i := range events {
		if !events[i].VerifyIntegrity() {
			t.Errorf("event %d fails integrity verification", i)
		}
	}
}

func TestAuditTrail_VerifyChainDetectsTampering(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuditRepository()
	trail := NewAuditTrail(repo, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := trail.Record(ctx, "run-1", models.AuditEventRunStatusChanged, models.ActorTypeSystem, "processor", "transaction_match", "m", map[string]any{"i": i}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	// A second run's chain stays independent.
	if _, err := trail.Record(ctx, "run-2", models.AuditEventRunCreated, models.ActorTypeSystem, "ingest", "reconciliation_run", "run-2", nil); err != nil {
		t.Fatalf("Record run-2: %v", err)
	}

	if err := trail.VerifyChain(ctx, "run-1"); err != nil {
		t.Fatalf("untampered chain must verify: %v", err)
	}

	repo.tamper("run-1", 2, []byte(`{"i":999}`))

	err := trail.VerifyChain(ctx, "run-1")
	var violation *models.IntegrityViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected IntegrityViolationError, got %v", err)
	}
	if violation.RunId != "run-1" {
		t.Errorf("violation run = %s, want run-1", violation.RunId)
	}

	// Tampered run is halted for further appends.
	if _, err := trail.Record(ctx, "run-1", models.AuditEventRunFinalized, models.ActorTypeSystem, "processor", "reconciliation_run", "run-1", nil); err == nil {
		t.Error("halted chain must reject appends")
	}

	// Unrelated run unaffected.
	if err := trail.VerifyChain(ctx, "run-2"); err != nil {
		t.Errorf("unrelated chain must still verify: %v", err)
	}
	if _, err := trail.Record(ctx, "run-2", models.AuditEventRunFinalized, models.ActorTypeSystem, "processor", "reconciliation_run", "run-2", nil); err != nil {
		t.Errorf("unrelated chain must still accept appends: %v", err)
	}
}

func TestAuditTrail_ConcurrentAppendsStaySequential(t *testing.T) {
	ctx := context.Background()
	repo := newFakeAuditRepository()
	trail := NewAuditTrail(repo, testLogger())

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := trail.Record(ctx, "run-1", models.AuditEventRunStatusChanged, models.ActorTypeSystem, "processor", "transaction_match", "m", map[string]any{"writer": i}); err != nil {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	events, _ := repo.ListByRun(ctx, "run-1")
	if len(events) != writers {
		t.Fatalf("expected %d events, got %d", writers, len(events))
	}
	if err := trail.VerifyChain(ctx, "run-1"); err != nil {
		t.Fatalf("chain must stay intact under concurrent appends: %v", err)
	}
}

func TestComputeEventHash_StableAndSensitive(t *testing.T) {
	event := models.NewAuditEvent("run-1", 1, "", models.AuditEventRunCreated, models.ActorTypeSystem, "ingest", "reconciliation_run", "run-1", []byte(`{"a":1}`), timestampFixture())

	if got := models.ComputeEventHash(event.EventId, event.Timestamp, event.EventData); got != event.Hash {
		t.Errorf("recomputed hash %s != stored %s", got, event.Hash)
	}
	if got := models.ComputeEventHash(event.EventId, event.Timestamp, []byte(`{"a":2}`)); got == event.Hash {
		t.Error("hash must change when event_data changes")
	}
	if !event.VerifyIntegrity() {
		t.Error("fresh event must verify")
	}
	event.EventData = []byte(`{"a":2}`)
	if event.VerifyIntegrity() {
		t.Error("mutated event must fail verification")
	}
}
