package repository

import (
	"context"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
	"gorm.io/gorm"
)

type OperatorRepository struct {
	db *storage.Database
}

func NewOperatorRepository(db *storage.Database) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Inserts a new operator into the database
func (r *OperatorRepository) Create(ctx context.Context, operator *models.Operator) error {
	return r.db.DB.WithContext(ctx).Create(operator).Error
}

// Retrieves operator by email
func (r *OperatorRepository) FindByEmail(ctx context.Context, email string) (*models.Operator, error) {
	var operator models.Operator
	err := r.db.DB.WithContext(ctx).
		Where("email = ?", email).
		First(&operator).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}

	return &operator, err
}

// Retrieves operator by id
func (r *OperatorRepository) FindByID(ctx context.Context, id string) (*models.Operator, error) {
	var operator models.Operator
	err := r.db.DB.WithContext(ctx).
		Where("id = ?", id).
		First(&operator).Error

	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}

	return &operator, err
}

func (r *OperatorRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).
		Model(&models.Operator{}).
		Count(&count).Error

	return count, err
}
