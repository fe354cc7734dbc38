package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
	"gorm.io/gorm"
)

type RiskRepository struct {
	db *storage.Database
}

func NewRiskRepository(db *storage.Database) *RiskRepository {
	return &RiskRepository{db: db}
}

func (r *RiskRepository) Create(ctx context.Context, score *models.RiskScore) error {
	return r.db.DB.WithContext(ctx).Create(score).Error
}

func (r *RiskRepository) Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.RiskScore, error) {
	var score models.RiskScore
	err := r.db.DB.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		First(&score).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &score, nil
}

func (r *RiskRepository) Update(ctx context.Context, score *models.RiskScore, expectedVersion int64) error {
	return casUpdate(ctx, r.db.DB, score, expectedVersion)
}

func (r *RiskRepository) List(ctx context.Context) ([]models.RiskScore, error) {
	var scores []models.RiskScore
	err := r.db.DB.WithContext(ctx).
		Order("entity_type, entity_id").
		Find(&scores).Error

	return scores, err
}

func (r *RiskRepository) ListByLevel(ctx context.Context, level models.RiskLevel) ([]models.RiskScore, error) {
	var scores []models.RiskScore
	err := r.db.DB.WithContext(ctx).
		Where("risk_level = ?", level).
		Order("score DESC").
		Find(&scores).Error

	return scores, err
}
