package warmup

import (
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/models"
)

type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeReported  Outcome = "reported"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSent, OutcomeDelivered, OutcomeFailed, OutcomeRejected, OutcomeBlocked, OutcomeReported:
		return true
	}
	return false
}

func (o Outcome) isError() bool {
	return o == OutcomeFailed || o == OutcomeRejected || o == OutcomeBlocked
}

type ProviderSignalKind string

const (
	SignalQuality   ProviderSignalKind = "quality_rating"
	SignalBanNotice ProviderSignalKind = "ban_notice"
	SignalBlock     ProviderSignalKind = "block"
	SignalFailure   ProviderSignalKind = "delivery_failure"
)

type ProviderSignal struct {
	Kind    ProviderSignalKind `json:"kind"`
	Quality string             `json:"quality,omitempty"` // GREEN, YELLOW, RED
	Detail  string             `json:"detail,omitempty"`
}

func healthDelta(c *catalog.Catalog, o Outcome) float64 {
	switch o {
	case OutcomeDelivered:
		return c.Warmup.Health.Success
	case OutcomeFailed:
		return c.Warmup.Health.Failure
	case OutcomeRejected:
		return c.Warmup.Health.Reject
	case OutcomeBlocked:
		return c.Warmup.Health.Block
	case OutcomeReported:
		return c.Warmup.Health.Report
	default:
		return 0
	}
}

func clampHealth(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func degraded(c *catalog.Catalog, grade string) bool {
	return c.GradeRank(grade) > c.GradeRank(c.Warmup.DegradedBelowGrade)
}

func stableAfterDays(c *catalog.Catalog, tier catalog.Tier) int {
	if tier.SenderWarmupDays > 0 {
		return tier.SenderWarmupDays
	}
	return c.Warmup.StableAfterDays
}

// State the number's age and grade warrant, ignoring cooldowns
func ageState(c *catalog.Catalog, tier catalog.Tier, ageDays int, grade string) models.WarmupState {
	if ageDays >= stableAfterDays(c, tier) && c.GradeRank(grade) <= c.GradeRank(c.Warmup.StableMinGrade) {
		return models.WarmupStable
	}
	if ageDays >= c.Warmup.WarmingAfterDays {
		return models.WarmupWarming
	}
	return models.WarmupNew
}

// Next step of auto_age from a non-blocked state. Never regresses and never
// skips a step.
func nextAgeStep(c *catalog.Catalog, tier catalog.Tier, row *models.SenderStatus, now time.Time) (models.WarmupState, bool) {
	age := row.NumberAgeDays(now)
	grade := row.LastHealthGrade

	switch row.WarmupState {
	case models.WarmupNew:
		if age >= c.Warmup.WarmingAfterDays && !degraded(c, grade) {
			return models.WarmupWarming, true
		}
	case models.WarmupWarming:
		if age >= stableAfterDays(c, tier) && c.GradeRank(grade) <= c.GradeRank(c.Warmup.StableMinGrade) {
			return models.WarmupStable, true
		}
	}
	return row.WarmupState, false
}

// Target of auto_recovery: whatever the age warrants, but never NEW
func recoveryTarget(c *catalog.Catalog, tier catalog.Tier, row *models.SenderStatus, now time.Time) models.WarmupState {
	target := ageState(c, tier, row.NumberAgeDays(now), row.LastHealthGrade)
	if target == models.WarmupNew {
		return models.WarmupWarming
	}
	return target
}

// Target of owner_resume and of leaving SUSPENDED
func resumeTarget(c *catalog.Catalog, tier catalog.Tier, row *models.SenderStatus, now time.Time) models.WarmupState {
	if row.PriorState != "" && !row.PriorState.Blocked() {
		warranted := ageState(c, tier, row.NumberAgeDays(now), row.LastHealthGrade)
		if rank(warranted) < rank(row.PriorState) {
			return warranted
		}
		return row.PriorState
	}
	return ageState(c, tier, row.NumberAgeDays(now), row.LastHealthGrade)
}

func rank(s models.WarmupState) int {
	switch s {
	case models.WarmupNew:
		return 0
	case models.WarmupWarming:
		return 1
	case models.WarmupStable:
		return 2
	default:
		return -1
	}
}

func needsCooldown(c *catalog.Catalog, row *models.SenderStatus) bool {
	if row.WarmupState.Blocked() {
		return false
	}
	if row.HealthScore < c.Warmup.CooldownHealthBelow {
		return true
	}
	return c.Warmup.CooldownConsecutiveErrors > 0 && row.ConsecutiveErrors >= c.Warmup.CooldownConsecutiveErrors
}

func projectStatus(c *catalog.Catalog, row *models.SenderStatus, now time.Time) models.SenderStatusValue {
	switch row.WarmupState {
	case models.WarmupSuspended:
		return models.StatusBanned
	case models.WarmupCooldown:
		if row.Forced() {
			return models.StatusPaused
		}
		return models.StatusLimited
	}

	if c.Warmup.InactiveAfterDays > 0 {
		last := row.StartedAt
		if row.LastSentAt != nil {
			last = *row.LastSentAt
		}
		if now.Sub(last) >= time.Duration(c.Warmup.InactiveAfterDays)*24*time.Hour {
			return models.StatusInactive
		}
	}
	if row.WarmupState == models.WarmupStable {
		return models.StatusActive
	}
	return models.StatusWarmingUp
}
