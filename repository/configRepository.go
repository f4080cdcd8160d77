package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmtpdigital/recon_backend/config"
	"bitbucket.org/mmtpdigital/recon_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Supplier config is read-only during a run, so a short Redis read-through
// cache is safe and saves a query per processed run.
const configCacheTTL = 5 * time.Minute

type gormConfigRepository struct {
	db *gorm.DB
}

func NewConfigRepository(db *gorm.DB) ConfigRepository {
	return &gormConfigRepository{db: db}
}

func configCacheKey(supplierId string) string {
	return fmt.Sprintf("supplier_config:%s", supplierId)
}

func (r *gormConfigRepository) GetBySupplierId(ctx context.Context, supplierId string) (*models.SupplierConfig, error) {
	var cached models.SupplierConfig
	if found, err := config.GetRedisObject(configCacheKey(supplierId), &cached); err == nil && found {
		return &cached, nil
	}

	var cfg models.SupplierConfig
	err := r.db.WithContext(ctx).Where("supplier_id = ?", supplierId).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stored config for supplier %s is invalid: %w", supplierId, err)
	}

	_ = config.SetRedisObject(configCacheKey(supplierId), cfg, configCacheTTL)
	return &cfg, nil
}

func (r *gormConfigRepository) Upsert(ctx context.Context, cfg *models.SupplierConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "supplier_id"}},
			UpdateAll: true,
		}).
		Create(cfg).Error
	if err != nil {
		return err
	}
	return config.RemoveRedisKey(configCacheKey(cfg.SupplierId))
}
