package warmup

import (
	"math"
	"reflect"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/models"
)

// Limits is the hot-path view of a sender: its state and the sending
// envelope derived from state × tier × health grade × risk level.
type Limits struct {
	SenderID                  string                   `json:"sender_id"`
	KlienID                   string                   `json:"klien_id"`
	State                     models.WarmupState       `json:"warmup_state"`
	Status                    models.SenderStatusValue `json:"status"`
	DailyLimit                int                      `json:"daily_limit"`
	HourlyLimit               int                      `json:"hourly_limit"`
	BurstLimit                int                      `json:"burst_limit"`
	MinIntervalSeconds        int                      `json:"min_interval_seconds"`
	MaxIntervalSeconds        int                      `json:"max_interval_seconds"`
	AllowedTemplateCategories []string                 `json:"allowed_template_categories"`
	MaxMarketingPercent       int                      `json:"max_marketing_percent"`
	BlastEnabled              bool                     `json:"blast_enabled"`
	HealthScore               float64                  `json:"health_score"`
	Grade                     string                   `json:"grade"`
	RiskLevel                 models.RiskLevel         `json:"risk_level"`
	CooldownUntil             *time.Time               `json:"cooldown_until,omitempty"`
	Tier                      catalog.Tier             `json:"tier"`
}

func limitsFromRow(row *models.SenderStatus, tier catalog.Tier) Limits {
	return Limits{
		SenderID:                  row.SenderID,
		KlienID:                   row.KlienID,
		State:                     row.WarmupState,
		Status:                    row.Status,
		DailyLimit:                row.CurrentDailyLimit,
		HourlyLimit:               row.CurrentHourlyLimit,
		BurstLimit:                row.CurrentBurstLimit,
		MinIntervalSeconds:        row.MinIntervalSeconds,
		MaxIntervalSeconds:        row.MaxIntervalSeconds,
		AllowedTemplateCategories: row.TemplateCategories(),
		MaxMarketingPercent:       row.MaxMarketingPercent,
		BlastEnabled:              row.BlastEnabled,
		HealthScore:               row.HealthScore,
		Grade:                     row.LastHealthGrade,
		RiskLevel:                 models.RiskLevel(row.RiskLevel),
		CooldownUntil:             row.CooldownUntil,
		Tier:                      tier,
	}
}

// envelope is the derived part of a sender row
type envelope struct {
	DailyLimit          int      `json:"daily_limit"`
	HourlyLimit         int      `json:"hourly_limit"`
	BurstLimit          int      `json:"burst_limit"`
	MinIntervalSeconds  int      `json:"min_interval_seconds"`
	MaxIntervalSeconds  int      `json:"max_interval_seconds"`
	TemplateCategories  []string `json:"allowed_template_categories"`
	MaxMarketingPercent int      `json:"max_marketing_percent"`
	BlastEnabled        bool     `json:"blast_enabled"`
}

func (e envelope) equal(o envelope) bool {
	return reflect.DeepEqual(e, o)
}

func envelopeOf(row *models.SenderStatus) envelope {
	categories := row.TemplateCategories()
	if categories == nil {
		categories = []string{}
	}
	return envelope{
		DailyLimit:          row.CurrentDailyLimit,
		HourlyLimit:         row.CurrentHourlyLimit,
		BurstLimit:          row.CurrentBurstLimit,
		MinIntervalSeconds:  row.MinIntervalSeconds,
		MaxIntervalSeconds:  row.MaxIntervalSeconds,
		TemplateCategories:  categories,
		MaxMarketingPercent: row.MaxMarketingPercent,
		BlastEnabled:        row.BlastEnabled,
	}
}

func (e envelope) apply(row *models.SenderStatus) {
	row.CurrentDailyLimit = e.DailyLimit
	row.CurrentHourlyLimit = e.HourlyLimit
	row.CurrentBurstLimit = e.BurstLimit
	row.MinIntervalSeconds = e.MinIntervalSeconds
	row.MaxIntervalSeconds = e.MaxIntervalSeconds
	row.SetTemplateCategories(e.TemplateCategories)
	row.MaxMarketingPercent = e.MaxMarketingPercent
	row.BlastEnabled = e.BlastEnabled
}

// Derives the envelope for state × tier × grade × risk level.
// COOLDOWN and SUSPENDED are inbox-only: every limit is zero.
func computeEnvelope(c *catalog.Catalog, tier catalog.Tier, state models.WarmupState, grade string, risk models.RiskLevel) envelope {
	if state.Blocked() {
		return envelope{TemplateCategories: []string{}}
	}

	profile := c.Warmup.Profiles[state]
	var daily, hourly, burst float64
	if profile.UseTierLimits {
		daily = float64(tier.MessagesPerDay)
		hourly = float64(tier.MessagesPerHour)
		burst = float64(tier.BurstLimit)
	} else {
		mult := tier.WarmupRateMultiplier
		if mult <= 0 {
			mult = 1
		}
		daily = math.Min(float64(profile.DailyLimit)*mult, float64(tier.MessagesPerDay))
		hourly = math.Min(float64(profile.HourlyLimit)*mult, float64(tier.MessagesPerHour))
		burst = math.Min(float64(profile.BurstLimit)*mult, float64(tier.BurstLimit))
	}

	factor := gradeFactor(c, grade) * riskFactor(c, risk)
	out := envelope{
		DailyLimit:          int(math.Floor(daily * factor)),
		HourlyLimit:         int(math.Floor(hourly * factor)),
		BurstLimit:          int(math.Floor(burst * factor)),
		MinIntervalSeconds:  profile.MinIntervalSeconds,
		MaxIntervalSeconds:  profile.MaxIntervalSeconds,
		TemplateCategories:  append([]string{}, profile.AllowedTemplateCategories...),
		MaxMarketingPercent: profile.MaxMarketingPercent,
		BlastEnabled:        profile.BlastEnabled,
	}
	if out.HourlyLimit > 0 && out.BurstLimit == 0 {
		out.BurstLimit = 1
	}
	if out.HourlyLimit > out.DailyLimit {
		out.HourlyLimit = out.DailyLimit
	}
	if profile.UseTierLimits && out.MinIntervalSeconds == 0 {
		out.MinIntervalSeconds = int(math.Ceil(float64(tier.InterMessageDelayMs) / 1000))
	}
	if out.MaxIntervalSeconds < out.MinIntervalSeconds {
		out.MaxIntervalSeconds = out.MinIntervalSeconds
	}
	if factor == 0 {
		out.BlastEnabled = false
	}
	return out
}

func gradeFactor(c *catalog.Catalog, grade string) float64 {
	if f, ok := c.Warmup.GradeFactors[grade]; ok {
		return f
	}
	return 1
}

func riskFactor(c *catalog.Catalog, level models.RiskLevel) float64 {
	if level == "" {
		level = models.RiskSafe
	}
	if f, ok := c.Warmup.RiskFactors[level]; ok {
		return f
	}
	return 1
}
