package models

import (
	"time"

	"gorm.io/datatypes"
)

// Append-only record of a state transition, limit change, risk or abuse
// event, or admin override. Rows are never updated.
type EventLog struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	Stream     string         `gorm:"index;not null" json:"stream"`
	Kind       string         `gorm:"index;not null" json:"kind"`
	EntityType string         `gorm:"index:idx_event_entity" json:"entity_type"`
	EntityID   string         `gorm:"index:idx_event_entity" json:"entity_id"`
	KlienID    string         `gorm:"index" json:"klien_id,omitempty"`
	Trigger    string         `json:"trigger,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Before     datatypes.JSON `json:"before,omitempty"`
	After      datatypes.JSON `json:"after,omitempty"`
	Payload    datatypes.JSON `json:"payload,omitempty"`
	OccurredAt time.Time      `gorm:"index;not null" json:"occurred_at"`
}

func (EventLog) TableName() string {
	return "event_log"
}
