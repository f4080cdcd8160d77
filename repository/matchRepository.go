package repository

import (
	"context"
	"errors"

	"bitbucket.org/mmtpdigital/recon_backend/models"
	"gorm.io/gorm"
)

type gormMatchRepository struct {
	db *gorm.DB
}

func NewMatchRepository(db *gorm.DB) MatchRepository {
	return &gormMatchRepository{db: db}
}

const matchInsertBatchSize = 500

func (r *gormMatchRepository) CreateBatch(ctx context.Context, matches []models.TransactionMatch) error {
	if len(matches) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(matches, matchInsertBatchSize).Error
}

func (r *gormMatchRepository) GetByID(ctx context.Context, id int) (*models.TransactionMatch, error) {
	var match models.TransactionMatch
	err := r.db.WithContext(ctx).First(&match, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &match, nil
}

func (r *gormMatchRepository) ListByRun(ctx context.Context, runId string) ([]models.TransactionMatch, error) {
	var matches []models.TransactionMatch
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runId).
		Order("id ASC").
		Find(&matches).Error
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *gormMatchRepository) ListManualReview(ctx context.Context, runId string) ([]models.TransactionMatch, error) {
	var matches []models.TransactionMatch
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND resolution_status = ?", runId, models.ResolutionStatusManualReview).
		Order("id ASC").
		Find(&matches).Error
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func (r *gormMatchRepository) UpdateResolution(ctx context.Context, match *models.TransactionMatch) error {
	return r.db.WithContext(ctx).
		Model(&models.TransactionMatch{}).
		Where("id = ?", match.ID).
		Updates(map[string]interface{}{
			"resolution_status": match.ResolutionStatus,
			"resolution_method": match.ResolutionMethod,
			"resolution_notes":  match.ResolutionNotes,
			"resolved_by":       match.ResolvedBy,
			"resolved_at":       match.ResolvedAt,
		}).Error
}
