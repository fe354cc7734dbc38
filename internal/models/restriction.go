package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type RestrictionStatus string

const (
	RestrictionActive    RestrictionStatus = "active"
	RestrictionWarned    RestrictionStatus = "warned"
	RestrictionThrottled RestrictionStatus = "throttled"
	RestrictionPaused    RestrictionStatus = "paused"
	RestrictionSuspended RestrictionStatus = "suspended"
	RestrictionRestored  RestrictionStatus = "restored"
)

type ActionType string

const (
	ActionWarn     ActionType = "warn"
	ActionThrottle ActionType = "throttle"
	ActionPause    ActionType = "pause"
	ActionSuspend  ActionType = "suspend"
)

// suspend > pause > throttle > warn
func (a ActionType) Severity() int {
	switch a {
	case ActionWarn:
		return 1
	case ActionThrottle:
		return 2
	case ActionPause:
		return 3
	case ActionSuspend:
		return 4
	default:
		return 0
	}
}

func (a ActionType) Valid() bool {
	return a.Severity() > 0
}

func (a ActionType) Status() RestrictionStatus {
	switch a {
	case ActionWarn:
		return RestrictionWarned
	case ActionThrottle:
		return RestrictionThrottled
	case ActionPause:
		return RestrictionPaused
	case ActionSuspend:
		return RestrictionSuspended
	default:
		return RestrictionActive
	}
}

// Manual override set by an operator; empty means none
type ManualRestriction string

const (
	ManualNone    ManualRestriction = ""
	ManualSuspend ManualRestriction = "suspend"
	ManualLift    ManualRestriction = "lift"
)

// One triggered rule or escalation step
type RestrictionAction struct {
	Rule               string     `json:"rule"`
	Action             ActionType `json:"action"`
	Points             float64    `json:"points"`
	ThrottleMultiplier float64    `json:"throttle_multiplier,omitempty"`
	TriggeredAt        time.Time  `json:"triggered_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
}

func (a RestrictionAction) ActiveAt(now time.Time) bool {
	return now.Before(a.ExpiresAt)
}

// Live restriction aggregate per tenant
type UserRestriction struct {
	KlienID              string            `gorm:"primaryKey" json:"klien_id"`
	Status               RestrictionStatus `gorm:"index;not null" json:"status"`
	ActiveAbusePoints    float64           `json:"active_abuse_points"`
	ThrottleMultiplier   float64           `gorm:"not null;default:1" json:"throttle_multiplier"`
	CanSend              bool              `json:"can_send"`
	CanCreateCampaign    bool              `json:"can_create_campaign"`
	RestrictionExpiresAt *time.Time        `json:"restriction_expires_at,omitempty"`
	Actions              datatypes.JSON    `json:"actions"`

	IsWhitelisted bool              `json:"is_whitelisted"`
	IsBlacklisted bool              `json:"is_blacklisted"`
	Manual        ManualRestriction `json:"manual_override,omitempty"`
	OverrideBy    string            `json:"override_by,omitempty"`
	OverrideAt    *time.Time        `json:"override_at,omitempty"`
	OverrideNote  string            `json:"override_note,omitempty"`

	LastPointsDecayAt time.Time `json:"last_points_decay_at"`
	Version           int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (UserRestriction) TableName() string {
	return "user_restrictions"
}

func (u *UserRestriction) ActionList() []RestrictionAction {
	var out []RestrictionAction
	if len(u.Actions) == 0 {
		return out
	}
	_ = json.Unmarshal(u.Actions, &out)
	return out
}

func (u *UserRestriction) SetActionList(actions []RestrictionAction) {
	if actions == nil {
		actions = []RestrictionAction{}
	}
	data, _ := json.Marshal(actions)
	u.Actions = datatypes.JSON(data)
}
