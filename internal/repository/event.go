package repository

import (
	"context"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
)

type EventFilter struct {
	Stream     string
	Kind       string
	EntityType string
	EntityID   string
	KlienID    string
	Trigger    string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

type EventRepository struct {
	db *storage.Database
}

func NewEventRepository(db *storage.Database) *EventRepository {
	return &EventRepository{db: db}
}

// Inserts multiple events (for batch insertion)
func (r *EventRepository) CreateBatch(ctx context.Context, events []*models.EventLog) error {
	if len(events) == 0 {
		return nil
	}

	return r.db.DB.WithContext(ctx).Create(&events).Error
}

// Retrieves events newest first
func (r *EventRepository) List(ctx context.Context, filter EventFilter) ([]models.EventLog, error) {
	query := r.db.DB.WithContext(ctx).Model(&models.EventLog{})
	if filter.Stream != "" {
		query = query.Where("stream = ?", filter.Stream)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		query = query.Where("entity_id = ?", filter.EntityID)
	}
	if filter.KlienID != "" {
		query = query.Where("klien_id = ?", filter.KlienID)
	}
	if filter.Trigger != "" {
		query = query.Where(map[string]interface{}{"trigger": filter.Trigger})
	}
	if !filter.Since.IsZero() {
		query = query.Where("occurred_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("occurred_at < ?", filter.Until)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var events []models.EventLog
	err := query.
		Order("occurred_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&events).Error

	return events, err
}

// Most recent event matching filter, nil when none
func (r *EventRepository) Latest(ctx context.Context, filter EventFilter) (*models.EventLog, error) {
	filter.Limit = 1
	filter.Offset = 0
	events, err := r.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	return &events[0], nil
}

// Counts events per stream and kind in [from, to)
func (r *EventRepository) CountByStream(ctx context.Context, from, to time.Time) (map[string]map[string]int64, error) {
	type row struct {
		Stream string
		Kind   string
		Count  int64
	}
	var rows []row
	err := r.db.DB.WithContext(ctx).
		Model(&models.EventLog{}).
		Select("stream, kind, count(*) as count").
		Where("occurred_at >= ? AND occurred_at < ?", from, to).
		Group("stream, kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string]int64)
	for _, item := range rows {
		if out[item.Stream] == nil {
			out[item.Stream] = make(map[string]int64)
		}
		out[item.Stream][item.Kind] = item.Count
	}
	return out, nil
}
