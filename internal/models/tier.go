package models

import "time"

// Read-only mirror of the tier catalog. A new row is written for every
// (code, version) the catalog has ever carried; old versions stay.
type RateLimitTier struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	Code                   string    `gorm:"uniqueIndex:idx_tier_code_version;not null" json:"code"`
	Version                int       `gorm:"uniqueIndex:idx_tier_code_version;not null" json:"version"`
	Segment                string    `gorm:"index;not null" json:"segment"`
	MessagesPerMinute      int       `gorm:"not null" json:"messages_per_minute"`
	MessagesPerHour        int       `gorm:"not null" json:"messages_per_hour"`
	MessagesPerDay         int       `gorm:"not null" json:"messages_per_day"`
	BurstLimit             int       `gorm:"not null" json:"burst_limit"`
	MaxConcurrentCampaigns int       `json:"max_concurrent_campaigns"`
	MaxCampaignSize        int       `json:"max_campaign_size"`
	InterMessageDelayMs    int       `json:"inter_message_delay_ms"`
	SenderWarmupDays       int       `json:"sender_warmup_days"`
	WarmupRateMultiplier   float64   `json:"warmup_rate_multiplier"`
	QueuePriority          int       `json:"queue_priority"`
	IsActive               bool      `gorm:"default:true" json:"is_active"`
	CreatedAt              time.Time `json:"created_at"`
}

func (RateLimitTier) TableName() string {
	return "rate_limit_tiers"
}

// Tenant → segment assignment, written by billing
type KlienTier struct {
	KlienID    string    `gorm:"primaryKey" json:"klien_id"`
	Segment    string    `gorm:"index;not null" json:"segment"`
	AssignedBy string    `json:"assigned_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (KlienTier) TableName() string {
	return "klien_tiers"
}
