package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
	"gorm.io/gorm"
)

type RestrictionRepository struct {
	db *storage.Database
}

func NewRestrictionRepository(db *storage.Database) *RestrictionRepository {
	return &RestrictionRepository{db: db}
}

func (r *RestrictionRepository) Create(ctx context.Context, restriction *models.UserRestriction) error {
	return r.db.DB.WithContext(ctx).Create(restriction).Error
}

func (r *RestrictionRepository) Get(ctx context.Context, klienID string) (*models.UserRestriction, error) {
	var restriction models.UserRestriction
	err := r.db.DB.WithContext(ctx).
		Where("klien_id = ?", klienID).
		First(&restriction).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &restriction, nil
}

func (r *RestrictionRepository) Update(ctx context.Context, restriction *models.UserRestriction, expectedVersion int64) error {
	return casUpdate(ctx, r.db.DB, restriction, expectedVersion)
}

// Tenants that are not plainly active, for the expiry sweep
func (r *RestrictionRepository) ListRestricted(ctx context.Context) ([]models.UserRestriction, error) {
	var restrictions []models.UserRestriction
	err := r.db.DB.WithContext(ctx).
		Where("status <> ? OR active_abuse_points > 0", models.RestrictionActive).
		Order("klien_id").
		Find(&restrictions).Error

	return restrictions, err
}
