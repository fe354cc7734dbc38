package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Credential for machine clients (dispatch pipeline, webhook relay, billing)
type ClientKey struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	KeyHash    string     `gorm:"uniqueIndex;not null" json:"-"`
	Name       string     `gorm:"not null" json:"name"`
	CreatedBy  string     `json:"created_by"`
	Scope      string     `gorm:"default:'dispatch'" json:"scope"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

const (
	ScopeDispatch = "dispatch"
	ScopeWebhook  = "webhook"
	ScopeBilling  = "billing"
)

func (k *ClientKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}

func (ClientKey) TableName() string {
	return "client_keys"
}

// Keys are scoped; "all" may call every client endpoint
func (k *ClientKey) Allows(scope string) bool {
	return k.Scope == "all" || k.Scope == scope
}
