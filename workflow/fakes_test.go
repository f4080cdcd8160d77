package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
)

// In-memory repository fakes mirroring the storage-layer contracts:
// (supplier_id, file_hash) uniqueness, (run_id, sequence) uniqueness, guarded
// status transitions, and single-claim semantics.

type fakeAuditRepository struct {
	mu     sync.Mutex
	events map[string][]models.AuditEvent
}

func newFakeAuditRepository() *fakeAuditRepository {
	return &fakeAuditRepository{events: map[string][]models.AuditEvent{}}
}

func (r *fakeAuditRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.events[event.RunId] {
		if existing.Sequence == event.Sequence {
			return fmt.Errorf("audit sequence collision on run %s at %d", event.RunId, event.Sequence)
		}
	}
	r.events[event.RunId] = append(r.events[event.RunId], *event)
	return nil
}

func (r *fakeAuditRepository) ChainTail(ctx context.Context, runId string) (int64, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events[runId]
	if len(events) == 0 {
		return 0, "", nil
	}
	tail := events[0]
	for _, e := range events[1:] {
		if e.Sequence > tail.Sequence {
			tail = e
		}
	}
	return tail.Sequence, tail.Hash, nil
}

func (r *fakeAuditRepository) ListByRun(ctx context.Context, runId string) ([]models.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AuditEvent, len(r.events[runId]))
	copy(out, r.events[runId])
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// tamper rewrites the stored event_data of one event in place.
func (r *fakeAuditRepository) tamper(runId string, sequence int64, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events[runId] {
		if r.events[runId][i].Sequence == sequence {
			r.events[runId][i].EventData = data
		}
	}
}

type fakeRunRepository struct {
	mu   sync.Mutex
	runs map[string]*models.ReconciliationRun
	// afterListOverdue runs after an overdue snapshot is returned, outside the
	// lock, so tests can interleave concurrent run finalization.
	afterListOverdue func()
}

func newFakeRunRepository() *fakeRunRepository {
	return &fakeRunRepository{runs: map[string]*models.ReconciliationRun{}}
}

func (r *fakeRunRepository) Create(ctx context.Context, run *models.ReconciliationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.runs {
		if existing.SupplierId == run.SupplierId && existing.FileHash == run.FileHash {
			return &models.DuplicateFileError{
				SupplierId:    run.SupplierId,
				FileHash:      run.FileHash,
				ExistingRunId: existing.RunId,
			}
		}
	}
	clone := *run
	r.runs[run.RunId] = &clone
	return nil
}

func (r *fakeRunRepository) GetByRunId(ctx context.Context, runId string) (*models.ReconciliationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runId]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (r *fakeRunRepository) GetBySupplierAndHash(ctx context.Context, supplierId, fileHash string) (*models.ReconciliationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.SupplierId == supplierId && run.FileHash == fileHash {
			clone := *run
			return &clone, nil
		}
	}
	return nil, models.ErrRunNotFound
}

func (r *fakeRunRepository) Update(ctx context.Context, run *models.ReconciliationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.RunId]; !ok {
		return models.ErrRunNotFound
	}
	clone := *run
	r.runs[run.RunId] = &clone
	return nil
}

func (r *fakeRunRepository) UpdateStatus(ctx context.Context, runId string, from, to models.RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runId]
	if !ok {
		return models.ErrRunNotFound
	}
	if run.Status != from {
		return fmt.Errorf("run %s is %s, expected %s", runId, run.Status, from)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid run transition %s -> %s", from, to)
	}
	run.Status = to
	return nil
}

func (r *fakeRunRepository) ClaimNextPending(ctx context.Context, workerId string) (*models.ReconciliationRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, run := range r.runs {
		if run.Status == models.RunStatusPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, models.ErrRunNotFound
	}
	sort.Strings(ids)
	run := r.runs[ids[0]]
	run.Status = models.RunStatusProcessing
	clone := *run
	return &clone, nil
}

func (r *fakeRunRepository) ListOverdue(ctx context.Context, now time.Time) ([]models.ReconciliationRun, error) {
	r.mu.Lock()
	var out []models.ReconciliationRun
	for _, run := range r.runs {
		if run.Status == models.RunStatusProcessing && !run.OverdueAlerted && run.IsOverdue(now) {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunId < out[j].RunId })
	r.mu.Unlock()
	if r.afterListOverdue != nil {
		r.afterListOverdue()
	}
	return out, nil
}

func (r *fakeRunRepository) MarkOverdueAlerted(ctx context.Context, runId string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runId]
	if !ok {
		return false, models.ErrRunNotFound
	}
	if run.Status != models.RunStatusProcessing || run.OverdueAlerted {
		return false, nil
	}
	run.OverdueAlerted = true
	return true, nil
}

type fakeMatchRepository struct {
	mu      sync.Mutex
	nextID  int
	matches []models.TransactionMatch
}

func newFakeMatchRepository() *fakeMatchRepository {
	return &fakeMatchRepository{nextID: 1}
}

func (r *fakeMatchRepository) CreateBatch(ctx context.Context, matches []models.TransactionMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range matches {
		matches[i].ID = r.nextID
		r.nextID++
		r.matches = append(r.matches, matches[i])
	}
	return nil
}

func (r *fakeMatchRepository) GetByID(ctx context.Context, id int) (*models.TransactionMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.matches {
		if r.matches[i].ID == id {
			clone := r.matches[i]
			return &clone, nil
		}
	}
	return nil, models.ErrMatchNotFound
}

func (r *fakeMatchRepository) ListByRun(ctx context.Context, runId string) ([]models.TransactionMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TransactionMatch
	for i := range r.matches {
		if r.matches[i].RunId == runId {
			out = append(out, r.matches[i])
		}
	}
	return out, nil
}

func (r *fakeMatchRepository) ListManualReview(ctx context.Context, runId string) ([]models.TransactionMatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TransactionMatch
	for i := range r.matches {
		if r.matches[i].RunId == runId && r.matches[i].ResolutionStatus == models.ResolutionStatusManualReview {
			out = append(out, r.matches[i])
		}
	}
	return out, nil
}

func (r *fakeMatchRepository) UpdateResolution(ctx context.Context, match *models.TransactionMatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.matches {
		if r.matches[i].ID == match.ID {
			r.matches[i].ResolutionStatus = match.ResolutionStatus
			r.matches[i].ResolutionMethod = match.ResolutionMethod
			r.matches[i].ResolutionNotes = match.ResolutionNotes
			r.matches[i].ResolvedBy = match.ResolvedBy
			r.matches[i].ResolvedAt = match.ResolvedAt
			return nil
		}
	}
	return models.ErrMatchNotFound
}

type fakeConfigRepository struct {
	mu      sync.Mutex
	configs map[string]*models.SupplierConfig
}

func newFakeConfigRepository(cfgs ...*models.SupplierConfig) *fakeConfigRepository {
	r := &fakeConfigRepository{configs: map[string]*models.SupplierConfig{}}
	for _, cfg := range cfgs {
		r.configs[cfg.SupplierId] = cfg
	}
	return r
}

func (r *fakeConfigRepository) GetBySupplierId(ctx context.Context, supplierId string) (*models.SupplierConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[supplierId]
	if !ok {
		return nil, models.ErrConfigNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (r *fakeConfigRepository) Upsert(ctx context.Context, cfg *models.SupplierConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *cfg
	r.configs[cfg.SupplierId] = &clone
	return nil
}

type capturedAlert struct {
	kind  string
	runId string
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []capturedAlert
}

func (n *fakeNotifier) RunCompleted(ctx context.Context, run *models.ReconciliationRun, passed bool, manualReview []models.TransactionMatch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, capturedAlert{kind: "completed", runId: run.RunId})
}

func (n *fakeNotifier) RunOverdue(ctx context.Context, run *models.ReconciliationRun, recipients []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, capturedAlert{kind: "overdue", runId: run.RunId})
}

func (n *fakeNotifier) IntegrityAlert(ctx context.Context, violation *models.IntegrityViolationError) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, capturedAlert{kind: "integrity", runId: violation.RunId})
}

func (n *fakeNotifier) byKind(kind string) []capturedAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []capturedAlert
	for _, a := range n.alerts {
		if a.kind == kind {
			out = append(out, a)
		}
	}
	return out
}
