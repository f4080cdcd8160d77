package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormRunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) RunRepository {
	return &gormRunRepository{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (r *gormRunRepository) Create(ctx context.Context, run *models.ReconciliationRun) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		if isDuplicateKeyErr(err) {
			existing, lookupErr := r.GetBySupplierAndHash(ctx, run.SupplierId, run.FileHash)
			dup := &models.DuplicateFileError{
				SupplierId: run.SupplierId,
				FileHash:   run.FileHash,
			}
			if lookupErr == nil {
				dup.ExistingRunId = existing.RunId
			}
			return dup
		}
		return fmt.Errorf("failed to create reconciliation run: %w", err)
	}
	return nil
}

func (r *gormRunRepository) GetByRunId(ctx context.Context, runId string) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	err := r.db.WithContext(ctx).Where("run_id = ?", runId).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *gormRunRepository) GetBySupplierAndHash(ctx context.Context, supplierId, fileHash string) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	err := r.db.WithContext(ctx).
		Where("supplier_id = ? AND file_hash = ?", supplierId, fileHash).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *gormRunRepository) Update(ctx context.Context, run *models.ReconciliationRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *gormRunRepository) UpdateStatus(ctx context.Context, runId string, from, to models.RunStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid run transition %s -> %s", from, to)
	}
	res := r.db.WithContext(ctx).
		Model(&models.ReconciliationRun{}).
		Where("run_id = ? AND status = ?", runId, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s is no longer %s", runId, from)
	}
	return nil
}

// ClaimNextPending claims the oldest pending run under SKIP LOCKED so that
// workers on different instances never fight over the same run.
func (r *gormRunRepository) ClaimNextPending(ctx context.Context, workerId string) (*models.ReconciliationRun, error) {
	var claimed models.ReconciliationRun
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ?", models.RunStatusPending).
			Order("id ASC").
			Limit(1).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.First(&claimed).Error; err != nil {
			return err
		}
		return tx.Model(&models.ReconciliationRun{}).
			Where("id = ? AND status = ?", claimed.ID, models.RunStatusPending).
			Update("status", models.RunStatusProcessing).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	claimed.Status = models.RunStatusProcessing
	return &claimed, nil
}

func (r *gormRunRepository) ListOverdue(ctx context.Context, now time.Time) ([]models.ReconciliationRun, error) {
	var runs []models.ReconciliationRun
	err := r.db.WithContext(ctx).
		Where("status = ?", models.RunStatusProcessing).
		Where("sla_deadline IS NOT NULL AND sla_deadline <= ?", now).
		Where("overdue_alerted = ?", false).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkOverdueAlerted flips the alert flag with a guarded update so the sweep
// never writes over a run another worker finalized after the overdue snapshot
// was taken.
func (r *gormRunRepository) MarkOverdueAlerted(ctx context.Context, runId string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ReconciliationRun{}).
		Where("run_id = ? AND status = ? AND overdue_alerted = ?", runId, models.RunStatusProcessing, false).
		Update("overdue_alerted", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
