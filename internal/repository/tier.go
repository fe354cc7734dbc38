package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TierRepository struct {
	db *storage.Database
}

func NewTierRepository(db *storage.Database) *TierRepository {
	return &TierRepository{db: db}
}

// Inserts unseen (code, version) rows and marks only the given ones active.
// Existing versions are never rewritten.
func (r *TierRepository) Sync(ctx context.Context, tiers []models.RateLimitTier) error {
	return r.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RateLimitTier{}).
			Where("is_active = ?", true).
			Update("is_active", false).Error; err != nil {
			return err
		}

		for i := range tiers {
			tier := tiers[i]
			tier.IsActive = true
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&tier).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.RateLimitTier{}).
				Where("code = ? AND version = ?", tier.Code, tier.Version).
				Update("is_active", true).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *TierRepository) ListActive(ctx context.Context) ([]models.RateLimitTier, error) {
	var tiers []models.RateLimitTier
	err := r.db.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("queue_priority DESC, code").
		Find(&tiers).Error

	return tiers, err
}

func (r *TierRepository) History(ctx context.Context, code string) ([]models.RateLimitTier, error) {
	var tiers []models.RateLimitTier
	err := r.db.DB.WithContext(ctx).
		Where("code = ?", code).
		Order("version DESC").
		Find(&tiers).Error

	return tiers, err
}

type KlienTierRepository struct {
	db *storage.Database
}

func NewKlienTierRepository(db *storage.Database) *KlienTierRepository {
	return &KlienTierRepository{db: db}
}

func (r *KlienTierRepository) Get(ctx context.Context, klienID string) (*models.KlienTier, error) {
	var assignment models.KlienTier
	err := r.db.DB.WithContext(ctx).
		Where("klien_id = ?", klienID).
		First(&assignment).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &assignment, nil
}

func (r *KlienTierRepository) Upsert(ctx context.Context, assignment *models.KlienTier) error {
	return r.db.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "klien_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"segment", "assigned_by", "updated_at"}),
		}).
		Create(assignment).Error
}
