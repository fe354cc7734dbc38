package catalog

import (
	"fmt"
	"os"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"gopkg.in/yaml.v3"
)

// Default returns the built-in catalog, validated.
func Default() *Catalog {
	c := defaults()
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("built-in catalog is invalid: %v", err))
	}
	return c
}

// Parse overlays YAML onto the built-in catalog. Lists replace the defaults,
// maps are merged key by key.
func Parse(data []byte) (*Catalog, error) {
	c := defaults()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, apperror.Configuration("parse catalog", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.Configuration("read catalog "+path, err)
	}
	return Parse(data)
}

func defaults() *Catalog {
	return &Catalog{
		DefaultSegment: "umkm",
		Global:         Global{Capacity: 1000, RefillRate: 200},
		Tiers: []Tier{
			{
				Code: "umkm-basic", Segment: "umkm", Version: 1,
				MessagesPerMinute: 20, MessagesPerHour: 600, MessagesPerDay: 5000, BurstLimit: 10,
				MaxConcurrentCampaigns: 2, MaxCampaignSize: 5000, InterMessageDelayMs: 3000,
				SenderWarmupDays: 8, WarmupRateMultiplier: 1.0, QueuePriority: 1,
			},
			{
				Code: "corporate-standard", Segment: "corporate", Version: 1,
				MessagesPerMinute: 60, MessagesPerHour: 2000, MessagesPerDay: 20000, BurstLimit: 30,
				MaxConcurrentCampaigns: 5, MaxCampaignSize: 50000, InterMessageDelayMs: 1000,
				SenderWarmupDays: 8, WarmupRateMultiplier: 1.5, QueuePriority: 5,
			},
			{
				Code: "enterprise-premium", Segment: "enterprise", Version: 1,
				MessagesPerMinute: 120, MessagesPerHour: 5000, MessagesPerDay: 80000, BurstLimit: 60,
				MaxConcurrentCampaigns: 10, MaxCampaignSize: 200000, InterMessageDelayMs: 500,
				SenderWarmupDays: 8, WarmupRateMultiplier: 2.0, QueuePriority: 10,
			},
		},
		Warmup: Warmup{
			Profiles: map[models.WarmupState]StateProfile{
				models.WarmupNew: {
					DailyLimit: 50, HourlyLimit: 10, BurstLimit: 3,
					MinIntervalSeconds: 30, MaxIntervalSeconds: 90,
					AllowedTemplateCategories: []string{"utility"},
				},
				models.WarmupWarming: {
					DailyLimit: 250, HourlyLimit: 40, BurstLimit: 8,
					MinIntervalSeconds: 10, MaxIntervalSeconds: 45,
					AllowedTemplateCategories: []string{"utility", "authentication", "marketing"},
					MaxMarketingPercent:       20,
					BlastEnabled:              true,
				},
				models.WarmupStable: {
					UseTierLimits:             true,
					MaxIntervalSeconds:        30,
					AllowedTemplateCategories: []string{"utility", "authentication", "marketing", "service"},
					MaxMarketingPercent:       100,
					BlastEnabled:              true,
				},
			},
			WarmingAfterDays:          4,
			StableAfterDays:           8,
			StableMinGrade:            "A",
			DegradedBelowGrade:        "B",
			CooldownHealthBelow:       40,
			CooldownConsecutiveErrors: 5,
			RecoveryHealthAtLeast:     60,
			RecoveryPerHour:           1.5,
			InactiveAfterDays:         30,
			InitialHealth:             100,
			CooldownHours: map[models.Trigger]int{
				models.TriggerAutoHealth:   24,
				models.TriggerWebhookFail:  12,
				models.TriggerWebhookBlock: 48,
				models.TriggerOwnerForce:   24,
			},
			Health: HealthDeltas{Success: 0.5, Failure: -2, Reject: -3, Block: -10, Report: -5},
			GradeFactors: map[string]float64{
				"A": 1.0, "B": 0.75, "C": 0.5, "D": 0.25,
			},
			RiskFactors: map[models.RiskLevel]float64{
				models.RiskSafe:     1.0,
				models.RiskWarning:  0.7,
				models.RiskHigh:     0.4,
				models.RiskCritical: 0,
			},
		},
		Grades: []GradeBand{
			{Grade: "A", MinScore: 85},
			{Grade: "B", MinScore: 70},
			{Grade: "C", MinScore: 50},
			{Grade: "D", MinScore: 0},
		},
		Risk: Risk{
			Factors: []RiskFactor{
				{Name: "failure_ratio", Weight: 0.30, Baseline: 0.05, Scale: 0.25, MaxContribution: 30, Thresholds: Thresholds{Low: 0.05, Medium: 0.15, High: 0.3}},
				{Name: "reject_ratio", Weight: 0.20, Baseline: 0.02, Scale: 0.15, MaxContribution: 20, Thresholds: Thresholds{Low: 0.02, Medium: 0.08, High: 0.15}},
				{Name: "block_rate", Weight: 0.25, Baseline: 0.005, Scale: 0.03, MaxContribution: 25, Thresholds: Thresholds{Low: 0.005, Medium: 0.015, High: 0.03}},
				{Name: "report_rate", Weight: 0.25, Baseline: 0.001, Scale: 0.01, MaxContribution: 25, Thresholds: Thresholds{Low: 0.001, Medium: 0.005, High: 0.01}},
				{Name: "volume_spike", Weight: 0.10, Baseline: 2, Scale: 8, MaxContribution: 10, Thresholds: Thresholds{Low: 2, Medium: 5, High: 10}},
				{Name: "quality_rating", Weight: 0.20, Baseline: 0, Scale: 1, MaxContribution: 20, Thresholds: Thresholds{Low: 0.1, Medium: 0.5, High: 1}},
				{Name: "ban_notice", Weight: 1.0, Baseline: 0, Scale: 1, MaxContribution: 100, Thresholds: Thresholds{Low: 1, Medium: 1, High: 1}},
			},
			SafeDecayPercent:     5,
			ElevatedDecayPercent: 2,
			MinVolume:            20,
		},
		Abuse: Abuse{
			Rules: []AbuseRule{
				{Code: "rate_limit_spam", Name: "Repeated rate limit hits", SignalType: "rate_limit_violation", Severity: "low",
					Comparator: CompareGTE, Threshold: 20, AbusePoints: 10, ActionType: models.ActionWarn, DurationMinutes: 60, CooldownMinutes: 30},
				{Code: "rate_limit_flood", Name: "Rate limit flooding", SignalType: "rate_limit_violation", Severity: "medium",
					Comparator: CompareGTE, Threshold: 100, AbusePoints: 25, ActionType: models.ActionThrottle, DurationMinutes: 360, CooldownMinutes: 60, ThrottleMultiplier: 0.5},
				{Code: "high_failure", Name: "High failure ratio", SignalType: "failure_ratio", Severity: "medium",
					Comparator: CompareGTE, Threshold: 0.3, AbusePoints: 20, ActionType: models.ActionThrottle, DurationMinutes: 360, CooldownMinutes: 60, ThrottleMultiplier: 0.5},
				{Code: "high_block", Name: "Recipients blocking", SignalType: "block_rate", Severity: "high",
					Comparator: CompareGTE, Threshold: 0.05, AbusePoints: 40, ActionType: models.ActionPause, DurationMinutes: 720, CooldownMinutes: 120},
				{Code: "report_spike", Name: "Spam reports", SignalType: "report_rate", Severity: "high",
					Comparator: CompareGTE, Threshold: 0.02, AbusePoints: 50, ActionType: models.ActionPause, DurationMinutes: 720, CooldownMinutes: 120},
				{Code: "risk_high", Name: "High risk score", SignalType: "risk_score", Severity: "medium",
					Comparator: CompareGT, Threshold: 60, AbusePoints: 15, ActionType: models.ActionWarn, DurationMinutes: 240, CooldownMinutes: 240},
				{Code: "risk_critical", Name: "Critical risk score", SignalType: "risk_score", Severity: "critical",
					Comparator: CompareGT, Threshold: 80, AbusePoints: 100, ActionType: models.ActionSuspend, DurationMinutes: 4320, CooldownMinutes: 1440},
			},
			Escalation: []EscalationStep{
				{Points: 50, Action: models.ActionThrottle, DurationMinutes: 360},
				{Points: 100, Action: models.ActionPause, DurationMinutes: 720},
				{Points: 200, Action: models.ActionSuspend, DurationMinutes: 4320},
			},
			PointsDecayPercentPerDay:  10,
			DefaultThrottleMultiplier: 0.5,
		},
	}
}
