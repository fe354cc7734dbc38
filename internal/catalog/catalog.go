// Package catalog holds the data-driven throttling configuration: rate limit
// tiers per tenant segment, warm-up profiles, risk factors and abuse rules.
//
// A Catalog is immutable once validated. The Registry swaps whole snapshots
// on reload, so readers never observe a half-applied change.
package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
)

type Tier struct {
	Code                   string  `yaml:"code" json:"code"`
	Segment                string  `yaml:"segment" json:"segment"`
	Version                int     `yaml:"version" json:"version"`
	MessagesPerMinute      int     `yaml:"messages_per_minute" json:"messages_per_minute"`
	MessagesPerHour        int     `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay         int     `yaml:"messages_per_day" json:"messages_per_day"`
	BurstLimit             int     `yaml:"burst_limit" json:"burst_limit"`
	MaxConcurrentCampaigns int     `yaml:"max_concurrent_campaigns" json:"max_concurrent_campaigns"`
	MaxCampaignSize        int     `yaml:"max_campaign_size" json:"max_campaign_size"`
	InterMessageDelayMs    int     `yaml:"inter_message_delay_ms" json:"inter_message_delay_ms"`
	SenderWarmupDays       int     `yaml:"sender_warmup_days" json:"sender_warmup_days"`
	WarmupRateMultiplier   float64 `yaml:"warmup_rate_multiplier" json:"warmup_rate_multiplier"`
	QueuePriority          int     `yaml:"queue_priority" json:"queue_priority"`
}

// Per-state sending envelope. STABLE takes its caps from the tier instead.
type StateProfile struct {
	DailyLimit                int      `yaml:"daily_limit" json:"daily_limit"`
	HourlyLimit               int      `yaml:"hourly_limit" json:"hourly_limit"`
	BurstLimit                int      `yaml:"burst_limit" json:"burst_limit"`
	UseTierLimits             bool     `yaml:"use_tier_limits" json:"use_tier_limits"`
	MinIntervalSeconds        int      `yaml:"min_interval_seconds" json:"min_interval_seconds"`
	MaxIntervalSeconds        int      `yaml:"max_interval_seconds" json:"max_interval_seconds"`
	AllowedTemplateCategories []string `yaml:"allowed_template_categories" json:"allowed_template_categories"`
	MaxMarketingPercent       int      `yaml:"max_marketing_percent" json:"max_marketing_percent"`
	BlastEnabled              bool     `yaml:"blast_enabled" json:"blast_enabled"`
}

type HealthDeltas struct {
	Success float64 `yaml:"success" json:"success"`
	Failure float64 `yaml:"failure" json:"failure"`
	Reject  float64 `yaml:"reject" json:"reject"`
	Block   float64 `yaml:"block" json:"block"`
	Report  float64 `yaml:"report" json:"report"`
}

type Warmup struct {
	Profiles map[models.WarmupState]StateProfile `yaml:"profiles" json:"profiles"`

	WarmingAfterDays          int     `yaml:"warming_after_days" json:"warming_after_days"`
	StableAfterDays           int     `yaml:"stable_after_days" json:"stable_after_days"`
	StableMinGrade            string  `yaml:"stable_min_grade" json:"stable_min_grade"`
	DegradedBelowGrade        string  `yaml:"degraded_below_grade" json:"degraded_below_grade"`
	CooldownHealthBelow       float64 `yaml:"cooldown_health_below" json:"cooldown_health_below"`
	CooldownConsecutiveErrors int     `yaml:"cooldown_consecutive_errors" json:"cooldown_consecutive_errors"`
	RecoveryHealthAtLeast     float64 `yaml:"recovery_health_at_least" json:"recovery_health_at_least"`
	// health regained per hour spent in cooldown
	RecoveryPerHour           float64 `yaml:"recovery_per_hour" json:"recovery_per_hour"`
	InactiveAfterDays         int     `yaml:"inactive_after_days" json:"inactive_after_days"`
	InitialHealth             float64 `yaml:"initial_health" json:"initial_health"`

	// hours of cooldown keyed by trigger
	CooldownHours map[models.Trigger]int `yaml:"cooldown_hours" json:"cooldown_hours"`

	Health       HealthDeltas                 `yaml:"health" json:"health"`
	GradeFactors map[string]float64           `yaml:"grade_factors" json:"grade_factors"`
	RiskFactors  map[models.RiskLevel]float64 `yaml:"risk_factors" json:"risk_factors"`
}

type GradeBand struct {
	Grade    string  `yaml:"grade" json:"grade"`
	MinScore float64 `yaml:"min_score" json:"min_score"`
}

type Thresholds struct {
	Low    float64 `yaml:"low" json:"low"`
	Medium float64 `yaml:"medium" json:"medium"`
	High   float64 `yaml:"high" json:"high"`
}

type RiskFactor struct {
	Name            string     `yaml:"name" json:"name"`
	Weight          float64    `yaml:"weight" json:"weight"`
	Baseline        float64    `yaml:"baseline" json:"baseline"`
	Scale           float64    `yaml:"scale" json:"scale"`
	MaxContribution float64    `yaml:"max_contribution" json:"max_contribution"`
	Thresholds      Thresholds `yaml:"thresholds" json:"thresholds"`
	Disabled        bool       `yaml:"disabled" json:"disabled"`
}

type Risk struct {
	Factors              []RiskFactor `yaml:"factors" json:"factors"`
	SafeDecayPercent     float64      `yaml:"safe_decay_percent" json:"safe_decay_percent"`
	ElevatedDecayPercent float64      `yaml:"elevated_decay_percent" json:"elevated_decay_percent"`
	// ratios are ignored until an entity has sent this many messages in the window
	MinVolume int `yaml:"min_volume" json:"min_volume"`
}

type AbuseRule struct {
	Code               string            `yaml:"code" json:"code"`
	Name               string            `yaml:"name" json:"name"`
	SignalType         string            `yaml:"signal_type" json:"signal_type"`
	Severity           string            `yaml:"severity" json:"severity"`
	Comparator         string            `yaml:"comparator" json:"comparator"`
	Threshold          float64           `yaml:"threshold" json:"threshold"`
	AbusePoints        float64           `yaml:"abuse_points" json:"abuse_points"`
	ActionType         models.ActionType `yaml:"action_type" json:"action_type"`
	DurationMinutes    int               `yaml:"duration_minutes" json:"duration_minutes"`
	CooldownMinutes    int               `yaml:"cooldown_minutes" json:"cooldown_minutes"`
	ThrottleMultiplier float64           `yaml:"throttle_multiplier" json:"throttle_multiplier"`
	AppliesTo          []string          `yaml:"applies_to" json:"applies_to"`
	Disabled           bool              `yaml:"disabled" json:"disabled"`
}

// Empty AppliesTo covers every segment
func (r AbuseRule) AppliesToSegment(segment string) bool {
	if len(r.AppliesTo) == 0 {
		return true
	}
	for _, s := range r.AppliesTo {
		if s == "*" || strings.EqualFold(s, segment) {
			return true
		}
	}
	return false
}

type EscalationStep struct {
	Points          float64           `yaml:"points" json:"points"`
	Action          models.ActionType `yaml:"action" json:"action"`
	DurationMinutes int               `yaml:"duration_minutes" json:"duration_minutes"`
}

type Abuse struct {
	Rules                     []AbuseRule      `yaml:"rules" json:"rules"`
	Escalation                []EscalationStep `yaml:"escalation" json:"escalation"`
	PointsDecayPercentPerDay  float64          `yaml:"points_decay_percent_per_day" json:"points_decay_percent_per_day"`
	DefaultThrottleMultiplier float64          `yaml:"default_throttle_multiplier" json:"default_throttle_multiplier"`
}

type Global struct {
	Capacity   int     `yaml:"capacity" json:"capacity"`
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`
}

type Catalog struct {
	DefaultSegment string      `yaml:"default_segment" json:"default_segment"`
	Global         Global      `yaml:"global" json:"global"`
	Tiers          []Tier      `yaml:"tiers" json:"tiers"`
	Warmup         Warmup      `yaml:"warmup" json:"warmup"`
	Grades         []GradeBand `yaml:"sender_grades" json:"sender_grades"`
	Risk           Risk        `yaml:"risk" json:"risk"`
	Abuse          Abuse       `yaml:"abuse" json:"abuse"`

	bySegment map[string]Tier
	byCode    map[string]Tier
	rules     map[string][]AbuseRule
}

// Checks the catalog and builds its lookup indexes
func (c *Catalog) Validate() error {
	if len(c.Tiers) == 0 {
		return apperror.Configuration("catalog has no tiers", nil)
	}

	c.bySegment = make(map[string]Tier, len(c.Tiers))
	c.byCode = make(map[string]Tier, len(c.Tiers))
	for _, tier := range c.Tiers {
		if tier.Code == "" || tier.Segment == "" {
			return apperror.Configuration("tier code and segment are required", nil)
		}
		if tier.MessagesPerMinute <= 0 || tier.MessagesPerHour <= 0 || tier.MessagesPerDay <= 0 || tier.BurstLimit <= 0 {
			return apperror.Configuration(fmt.Sprintf("tier %s: message limits must be positive", tier.Code), nil)
		}
		if tier.Version <= 0 {
			return apperror.Configuration(fmt.Sprintf("tier %s: version must be positive", tier.Code), nil)
		}
		if tier.WarmupRateMultiplier < 0 {
			return apperror.Configuration(fmt.Sprintf("tier %s: warmup_rate_multiplier is negative", tier.Code), nil)
		}
		segment := strings.ToLower(tier.Segment)
		if _, dup := c.bySegment[segment]; dup {
			return apperror.Configuration(fmt.Sprintf("segment %s has more than one tier", tier.Segment), nil)
		}
		c.bySegment[segment] = tier
		c.byCode[tier.Code] = tier
	}
	if c.DefaultSegment != "" {
		if _, ok := c.bySegment[strings.ToLower(c.DefaultSegment)]; !ok {
			return apperror.Configuration(fmt.Sprintf("default_segment %s has no tier", c.DefaultSegment), nil)
		}
	}
	if c.Global.Capacity < 0 || c.Global.RefillRate < 0 {
		return apperror.Configuration("global bucket parameters must not be negative", nil)
	}

	for _, state := range []models.WarmupState{models.WarmupNew, models.WarmupWarming, models.WarmupStable} {
		if _, ok := c.Warmup.Profiles[state]; !ok {
			return apperror.Configuration(fmt.Sprintf("warm-up profile for %s is missing", state), nil)
		}
	}
	if c.Warmup.WarmingAfterDays <= 0 || c.Warmup.StableAfterDays < c.Warmup.WarmingAfterDays {
		return apperror.Configuration("warm-up age thresholds must be positive and ordered", nil)
	}

	if len(c.Grades) == 0 {
		return apperror.Configuration("sender_grades are required", nil)
	}
	sort.SliceStable(c.Grades, func(i, j int) bool { return c.Grades[i].MinScore > c.Grades[j].MinScore })
	for _, band := range c.Grades {
		if _, ok := c.Warmup.GradeFactors[band.Grade]; !ok {
			return apperror.Configuration(fmt.Sprintf("grade %s has no limit factor", band.Grade), nil)
		}
	}

	for _, factor := range c.Risk.Factors {
		if factor.Name == "" || factor.Scale <= 0 || factor.Weight < 0 || factor.MaxContribution < 0 {
			return apperror.Configuration(fmt.Sprintf("risk factor %q is malformed", factor.Name), nil)
		}
	}

	c.rules = make(map[string][]AbuseRule)
	seen := map[string]bool{}
	for _, rule := range c.Abuse.Rules {
		if rule.Code == "" || seen[rule.Code] {
			return apperror.Configuration(fmt.Sprintf("abuse rule code %q is empty or duplicated", rule.Code), nil)
		}
		seen[rule.Code] = true
		if !ValidComparator(rule.Comparator) {
			return apperror.Configuration(fmt.Sprintf("abuse rule %s: unknown comparator %q", rule.Code, rule.Comparator), nil)
		}
		if !rule.ActionType.Valid() {
			return apperror.Configuration(fmt.Sprintf("abuse rule %s: unknown action %q", rule.Code, rule.ActionType), nil)
		}
		if rule.Disabled {
			continue
		}
		c.rules[rule.SignalType] = append(c.rules[rule.SignalType], rule)
	}
	sort.SliceStable(c.Abuse.Escalation, func(i, j int) bool { return c.Abuse.Escalation[i].Points < c.Abuse.Escalation[j].Points })
	for _, step := range c.Abuse.Escalation {
		if !step.Action.Valid() || step.Points <= 0 {
			return apperror.Configuration("escalation steps need positive points and a known action", nil)
		}
	}
	if c.Abuse.DefaultThrottleMultiplier <= 0 || c.Abuse.DefaultThrottleMultiplier >= 1 {
		return apperror.Configuration("default_throttle_multiplier must be in (0,1)", nil)
	}

	return nil
}

// Returns the tier for a segment, or a ConfigurationError
func (c *Catalog) TierBySegment(segment string) (Tier, error) {
	tier, ok := c.bySegment[strings.ToLower(strings.TrimSpace(segment))]
	if !ok {
		return Tier{}, apperror.Configuration(fmt.Sprintf("tier for segment %q", segment), apperror.ErrNotFound)
	}
	return tier, nil
}

func (c *Catalog) TierByCode(code string) (Tier, bool) {
	tier, ok := c.byCode[code]
	return tier, ok
}

func (c *Catalog) HasSegment(segment string) bool {
	_, ok := c.bySegment[strings.ToLower(strings.TrimSpace(segment))]
	return ok
}

// Health grade for a score; bands are sorted high to low on Validate
func (c *Catalog) Grade(health float64) string {
	for _, band := range c.Grades {
		if health >= band.MinScore {
			return band.Grade
		}
	}
	return c.Grades[len(c.Grades)-1].Grade
}

// Lower grades sort after higher ones: A < B < C < D
func (c *Catalog) GradeRank(grade string) int {
	for i, band := range c.Grades {
		if band.Grade == grade {
			return i
		}
	}
	return len(c.Grades)
}

func (c *Catalog) RulesFor(signalType string) []AbuseRule {
	return c.rules[signalType]
}

func (c *Catalog) CooldownHours(trigger models.Trigger) int {
	if hours, ok := c.Warmup.CooldownHours[trigger]; ok {
		return hours
	}
	return c.Warmup.CooldownHours[models.TriggerAutoHealth]
}

// Rows for the rate_limit_tiers mirror
func (c *Catalog) TierModels() []models.RateLimitTier {
	out := make([]models.RateLimitTier, 0, len(c.Tiers))
	for _, tier := range c.Tiers {
		out = append(out, models.RateLimitTier{
			Code:                   tier.Code,
			Version:                tier.Version,
			Segment:                tier.Segment,
			MessagesPerMinute:      tier.MessagesPerMinute,
			MessagesPerHour:        tier.MessagesPerHour,
			MessagesPerDay:         tier.MessagesPerDay,
			BurstLimit:             tier.BurstLimit,
			MaxConcurrentCampaigns: tier.MaxConcurrentCampaigns,
			MaxCampaignSize:        tier.MaxCampaignSize,
			InterMessageDelayMs:    tier.InterMessageDelayMs,
			SenderWarmupDays:       tier.SenderWarmupDays,
			WarmupRateMultiplier:   tier.WarmupRateMultiplier,
			QueuePriority:          tier.QueuePriority,
			IsActive:               true,
		})
	}
	return out
}
