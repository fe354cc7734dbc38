package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type WarmupState string

const (
	WarmupNew       WarmupState = "NEW"
	WarmupWarming   WarmupState = "WARMING"
	WarmupStable    WarmupState = "STABLE"
	WarmupCooldown  WarmupState = "COOLDOWN"
	WarmupSuspended WarmupState = "SUSPENDED"
)

func (s WarmupState) Valid() bool {
	switch s {
	case WarmupNew, WarmupWarming, WarmupStable, WarmupCooldown, WarmupSuspended:
		return true
	}
	return false
}

// Blocks sending outright
func (s WarmupState) Blocked() bool {
	return s == WarmupCooldown || s == WarmupSuspended
}

// Coarse status shown to dashboards. Derived from WarmupState, never written
// independently.
type SenderStatusValue string

const (
	StatusActive    SenderStatusValue = "active"
	StatusWarmingUp SenderStatusValue = "warming_up"
	StatusLimited   SenderStatusValue = "limited"
	StatusPaused    SenderStatusValue = "paused"
	StatusBanned    SenderStatusValue = "banned"
	StatusInactive  SenderStatusValue = "inactive"
)

type Trigger string

const (
	TriggerAutoAge        Trigger = "auto_age"
	TriggerAutoHealth     Trigger = "auto_health"
	TriggerWebhookBlock   Trigger = "webhook_block"
	TriggerWebhookFail    Trigger = "webhook_fail"
	TriggerAutoRecovery   Trigger = "auto_recovery"
	TriggerOwnerForce     Trigger = "owner_force"
	TriggerOwnerResume    Trigger = "owner_resume"
	TriggerManualOverride Trigger = "manual_override"
	TriggerSevereAbuse    Trigger = "severe_abuse"
	TriggerCriticalRisk   Trigger = "critical_risk"
	TriggerRiskChange     Trigger = "risk_change"
	TriggerHealthChange   Trigger = "health_change"
	TriggerTierChange     Trigger = "tier_change"
	TriggerRegistered     Trigger = "registered"
)

// One row per (klien, phone number)
type SenderStatus struct {
	SenderID    string            `gorm:"primaryKey" json:"sender_id"`
	KlienID     string            `gorm:"index;not null" json:"klien_id"`
	PhoneNumber string            `gorm:"index" json:"phone_number"`
	Status      SenderStatusValue `gorm:"not null" json:"status"`
	WarmupState WarmupState       `gorm:"index;not null" json:"warmup_state"`
	// state to return to if a cooldown is left via owner_resume
	PriorState WarmupState `json:"prior_state,omitempty"`
	StartedAt  time.Time   `gorm:"not null" json:"started_at"`

	CurrentDailyLimit         int            `json:"current_daily_limit"`
	CurrentHourlyLimit        int            `json:"current_hourly_limit"`
	CurrentBurstLimit         int            `json:"current_burst_limit"`
	MinIntervalSeconds        int            `json:"min_interval_seconds"`
	MaxIntervalSeconds        int            `json:"max_interval_seconds"`
	AllowedTemplateCategories datatypes.JSON `json:"allowed_template_categories"`
	MaxMarketingPercent       int            `json:"max_marketing_percent"`
	BlastEnabled              bool           `json:"blast_enabled"`

	HealthScore       float64 `json:"health_score"`
	LastHealthGrade   string  `json:"last_health_grade"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	RiskLevel         string  `json:"risk_level"`

	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	CooldownTrigger Trigger    `json:"cooldown_trigger,omitempty"`
	ForcedBy        string     `json:"forced_by,omitempty"`
	ForcedReason    string     `json:"forced_reason,omitempty"`
	SuspendedReason string     `json:"suspended_reason,omitempty"`

	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	LastRecoveryAt   *time.Time `json:"-"`
	LastTransitionAt time.Time  `json:"last_transition_at"`
	Version          int64      `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (SenderStatus) TableName() string {
	return "sender_statuses"
}

// Owner-forced cooldowns and suspensions can only be left by owner_resume
// or manual_override
func (s *SenderStatus) Forced() bool {
	return s.CooldownTrigger == TriggerOwnerForce
}

func (s *SenderStatus) NumberAgeDays(now time.Time) int {
	if now.Before(s.StartedAt) {
		return 0
	}
	return int(now.Sub(s.StartedAt).Hours() / 24)
}

func (s *SenderStatus) TemplateCategories() []string {
	if len(s.AllowedTemplateCategories) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(s.AllowedTemplateCategories, &out); err != nil {
		return nil
	}
	return out
}

func (s *SenderStatus) SetTemplateCategories(categories []string) {
	if categories == nil {
		categories = []string{}
	}
	data, _ := json.Marshal(categories)
	s.AllowedTemplateCategories = datatypes.JSON(data)
}
