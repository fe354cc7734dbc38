package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

type EntityType string

const (
	EntitySender   EntityType = "sender"
	EntityUser     EntityType = "user"
	EntityCampaign EntityType = "campaign"
)

func (e EntityType) Valid() bool {
	return e == EntitySender || e == EntityUser || e == EntityCampaign
}

type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskWarning  RiskLevel = "warning"
	RiskHigh     RiskLevel = "high_risk"
	RiskCritical RiskLevel = "critical"
)

// Fixed bands: ≤30 safe, 31–60 warning, 61–80 high_risk, 81–100 critical
func LevelForScore(score float64) RiskLevel {
	switch {
	case score > 80:
		return RiskCritical
	case score > 60:
		return RiskHigh
	case score > 30:
		return RiskWarning
	default:
		return RiskSafe
	}
}

func (l RiskLevel) Rank() int {
	switch l {
	case RiskWarning:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

type RiskScore struct {
	ID           uint           `gorm:"primaryKey" json:"-"`
	EntityType   EntityType     `gorm:"uniqueIndex:idx_risk_entity;not null" json:"entity_type"`
	EntityID     string         `gorm:"uniqueIndex:idx_risk_entity;not null" json:"entity_id"`
	KlienID      string         `gorm:"index" json:"klien_id,omitempty"`
	Score        float64        `json:"score"`
	RiskLevel    RiskLevel      `gorm:"index;not null" json:"risk_level"`
	FactorScores datatypes.JSON `json:"factor_scores"`

	Score24hAgo  float64        `json:"score_24h_ago"`
	Score7dAgo   float64        `json:"score_7d_ago"`
	DailyHistory datatypes.JSON `json:"-"`

	IncidentCount  int        `json:"incident_count"`
	CurrentAction  string     `json:"current_action,omitempty"`
	LastIncidentAt *time.Time `json:"last_incident_at,omitempty"`
	LastDecayAt    time.Time  `json:"last_decay_at"`
	SafeDays       int        `json:"safe_days"`

	IsWhitelisted  bool   `json:"is_whitelisted"`
	IsBlacklisted  bool   `json:"is_blacklisted"`
	OverrideBy     string `json:"override_by,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`

	Version   int64     `gorm:"not null;default:0" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (RiskScore) TableName() string {
	return "risk_scores"
}

// Level after admin overrides. Blacklist wins over whitelist.
func (r *RiskScore) EffectiveLevel() RiskLevel {
	if r.IsBlacklisted {
		return RiskCritical
	}
	if r.IsWhitelisted {
		return RiskSafe
	}
	return r.RiskLevel
}

func (r *RiskScore) Factors() map[string]float64 {
	out := map[string]float64{}
	if len(r.FactorScores) == 0 {
		return out
	}
	_ = json.Unmarshal(r.FactorScores, &out)
	return out
}

func (r *RiskScore) SetFactors(factors map[string]float64) {
	data, _ := json.Marshal(factors)
	r.FactorScores = datatypes.JSON(data)
}

// Score at the start of each of the last days, oldest first
func (r *RiskScore) History() []float64 {
	var out []float64
	if len(r.DailyHistory) == 0 {
		return out
	}
	_ = json.Unmarshal(r.DailyHistory, &out)
	return out
}

func (r *RiskScore) SetHistory(history []float64) {
	if history == nil {
		history = []float64{}
	}
	data, _ := json.Marshal(history)
	r.DailyHistory = datatypes.JSON(data)
}
