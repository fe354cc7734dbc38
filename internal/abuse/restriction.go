package abuse

import (
	"math"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/models"
)

// Restriction for a tenant with no record yet
func defaultRestriction(klienID string) models.UserRestriction {
	row := models.UserRestriction{
		KlienID:            klienID,
		Status:             models.RestrictionActive,
		ThrottleMultiplier: 1,
		CanSend:            true,
		CanCreateCampaign:  true,
	}
	row.SetActionList(nil)
	return row
}

// Resolve recomputes status, can_send, throttle_multiplier and expiry from
// the override layer and the unexpired actions. Expired actions are dropped.
//
// Precedence: blacklist, whitelist, manual suspend/lift, then the highest
// severity unexpired action.
func Resolve(c *catalog.Catalog, row *models.UserRestriction, now time.Time) {
	var active []models.RestrictionAction
	var top models.ActionType
	var expires time.Time
	multiplier := 1.0

	for _, action := range row.ActionList() {
		if !action.ActiveAt(now) {
			continue
		}
		active = append(active, action)

		switch {
		case action.Action.Severity() > top.Severity():
			top = action.Action
			expires = action.ExpiresAt
		case action.Action == top && action.ExpiresAt.After(expires):
			expires = action.ExpiresAt
		}
		if action.Action == models.ActionThrottle {
			m := action.ThrottleMultiplier
			if m <= 0 || m >= 1 {
				m = c.Abuse.DefaultThrottleMultiplier
			}
			multiplier = math.Min(multiplier, m)
		}
	}
	row.SetActionList(active)

	computed := models.RestrictionActive
	switch {
	case top.Valid():
		computed = top.Status()
	case row.Status == models.RestrictionRestored && row.ActiveAbusePoints <= 0:
		// probation ends once the points have decayed away
	case row.Status != models.RestrictionActive:
		// had restrictions, all of them expired
		computed = models.RestrictionRestored
	}

	status := computed
	switch {
	case row.IsBlacklisted:
		status = models.RestrictionSuspended
	case row.IsWhitelisted:
		status = models.RestrictionActive
	case row.Manual == models.ManualSuspend:
		status = models.RestrictionSuspended
	case row.Manual == models.ManualLift:
		status = models.RestrictionActive
	}

	row.Status = status
	row.CanSend = status != models.RestrictionPaused && status != models.RestrictionSuspended
	row.CanCreateCampaign = row.CanSend && status != models.RestrictionThrottled
	row.ThrottleMultiplier = 1
	if status == models.RestrictionThrottled {
		row.ThrottleMultiplier = multiplier
	}
	row.RestrictionExpiresAt = nil
	if status == computed && top.Valid() {
		at := expires.UTC()
		row.RestrictionExpiresAt = &at
	}
}

// Applies whole days of percentage decay to the abuse points. The anchor
// moves by whole days only.
func decayPoints(c *catalog.Catalog, row *models.UserRestriction, now time.Time) bool {
	if row.LastPointsDecayAt.IsZero() {
		row.LastPointsDecayAt = now.UTC()
		return true
	}
	days := int(now.Sub(row.LastPointsDecayAt) / (24 * time.Hour))
	if days <= 0 {
		return false
	}
	row.LastPointsDecayAt = row.LastPointsDecayAt.Add(time.Duration(days) * 24 * time.Hour)
	if row.ActiveAbusePoints <= 0 || c.Abuse.PointsDecayPercentPerDay <= 0 {
		return true
	}

	factor := math.Pow(1-c.Abuse.PointsDecayPercentPerDay/100, float64(days))
	points := math.Round(row.ActiveAbusePoints*factor*100) / 100
	if points < 0.01 {
		points = 0
	}
	row.ActiveAbusePoints = points
	return true
}
