package repository

import (
	"context"
	"errors"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
	"gorm.io/gorm"
)

type SenderRepository struct {
	db *storage.Database
}

func NewSenderRepository(db *storage.Database) *SenderRepository {
	return &SenderRepository{db: db}
}

func (r *SenderRepository) Create(ctx context.Context, sender *models.SenderStatus) error {
	return r.db.DB.WithContext(ctx).Create(sender).Error
}

// Retrieves a sender by id, nil when it does not exist
func (r *SenderRepository) Get(ctx context.Context, senderID string) (*models.SenderStatus, error) {
	var sender models.SenderStatus
	err := r.db.DB.WithContext(ctx).
		Where("sender_id = ?", senderID).
		First(&sender).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &sender, nil
}

// Compare-and-set on version. Returns apperror.ErrConflict on a lost race.
func (r *SenderRepository) Update(ctx context.Context, sender *models.SenderStatus, expectedVersion int64) error {
	return casUpdate(ctx, r.db.DB, sender, expectedVersion)
}

func (r *SenderRepository) List(ctx context.Context) ([]models.SenderStatus, error) {
	var senders []models.SenderStatus
	err := r.db.DB.WithContext(ctx).
		Order("sender_id").
		Find(&senders).Error

	return senders, err
}

func (r *SenderRepository) ListByKlien(ctx context.Context, klienID string) ([]models.SenderStatus, error) {
	var senders []models.SenderStatus
	err := r.db.DB.WithContext(ctx).
		Where("klien_id = ?", klienID).
		Order("sender_id").
		Find(&senders).Error

	return senders, err
}

func (r *SenderRepository) CountByState(ctx context.Context) (map[models.WarmupState]int64, error) {
	type row struct {
		WarmupState models.WarmupState
		Count       int64
	}
	var rows []row
	err := r.db.DB.WithContext(ctx).
		Model(&models.SenderStatus{}).
		Select("warmup_state, count(*) as count").
		Group("warmup_state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[models.WarmupState]int64, len(rows))
	for _, item := range rows {
		out[item.WarmupState] = item.Count
	}
	return out, nil
}
