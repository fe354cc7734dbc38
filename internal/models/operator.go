package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Console user allowed to issue overrides
type Operator struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Email        string    `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Name         string    `json:"name"`
	Role         string    `gorm:"default:'operator'" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

func (o *Operator) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	return nil
}

func (Operator) TableName() string {
	return "operators"
}
