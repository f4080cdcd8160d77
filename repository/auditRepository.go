package repository

import (
	"context"
	"errors"
	"fmt"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"gorm.io/gorm"
)

type gormAuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &gormAuditRepository{db: db}
}

func (r *gormAuditRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		// A (run_id, sequence) collision means another writer appended while
		// this one held stale chain state; the recorder's per-run lock makes
		// this a bug worth surfacing loudly rather than retrying silently.
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("audit chain sequence collision on run %s seq %d: %w", event.RunId, event.Sequence, err)
		}
		return err
	}
	return nil
}

func (r *gormAuditRepository) ChainTail(ctx context.Context, runId string) (int64, string, error) {
	var tail models.AuditEvent
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runId).
		Order("sequence DESC").
		First(&tail).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", err
	}
	return tail.Sequence, tail.Hash, nil
}

func (r *gormAuditRepository) ListByRun(ctx context.Context, runId string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runId).
		Order("sequence ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
