package throttle

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/ratelimit"
)

// Reason prefixes
const (
	ReasonRestricted  = "restricted"
	ReasonSender      = "sender"
	ReasonRateLimited = "rate_limited"
	ReasonQuota       = "quota"
	ReasonConfig      = "config"
	ReasonUnavailable = "unavailable"
	ReasonInvalid     = "invalid"

	ReasonInvariant = "internal:invariant"
	ReasonPanic     = "internal:panic"
	ReasonInternal  = "internal:error"
)

type Request struct {
	SenderID   string `json:"sender_id" binding:"required"`
	KlienID    string `json:"klien_id" binding:"required"`
	CampaignID string `json:"campaign_id,omitempty"`
	// tokens to take at every scope; zero means one message
	Cost int `json:"cost,omitempty"`
}

// Decision is the answer to one admission request. A denied decision with
// a RetryAfter of ratelimit.RetryNever will not clear on its own.
type Decision struct {
	Allow             bool                     `json:"allow"`
	RetryAfter        time.Duration            `json:"-"`
	Reason            string                   `json:"reason,omitempty"`
	State             models.WarmupState       `json:"warmup_state,omitempty"`
	RestrictionStatus models.RestrictionStatus `json:"restriction_status,omitempty"`
	DecidedAt         time.Time                `json:"decided_at"`
}

func allow(now time.Time) Decision {
	return Decision{Allow: true, DecidedAt: now}
}

func deny(reason string, retryAfter time.Duration, now time.Time) Decision {
	return Decision{Reason: reason, RetryAfter: retryAfter, DecidedAt: now}
}

// Retry delay in whole milliseconds; -1 when retrying will not help
func (d Decision) RetryAfterMs() int64 {
	if d.RetryAfter == ratelimit.RetryNever {
		return -1
	}
	return d.RetryAfter.Milliseconds()
}

// Whole seconds to wait, rounded up and at least 1. Zero when the denial
// has no wait or never clears on its own.
func (d Decision) RetryAfterSeconds() int64 {
	if d.RetryAfter <= 0 || d.RetryAfter == ratelimit.RetryNever {
		return 0
	}
	seconds := int64(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// Returns the reason prefix, e.g. "rate_limited" for "rate_limited:sender"
func (d Decision) Category() string {
	category, _, _ := strings.Cut(d.Reason, ":")
	return category
}

// Text suitable for showing to the tenant
func (d Decision) Message() string {
	if d.Allow {
		return "Message may be sent now."
	}

	category, detail, _ := strings.Cut(d.Reason, ":")
	switch category {
	case ReasonRestricted:
		return fmt.Sprintf("Sending is disabled for this account (%s).", detail)
	case ReasonSender:
		switch models.WarmupState(detail) {
		case models.WarmupCooldown:
			return "This number is cooling down to protect its quality rating." + d.retryHint()
		case models.WarmupSuspended:
			return "This number is suspended and cannot send messages."
		}
		return fmt.Sprintf("This number cannot send right now (%s).", detail)
	case ReasonRateLimited:
		return fmt.Sprintf("Sending too fast for the %s limit.", detail) + d.retryHint()
	case ReasonQuota:
		scope, period, _ := strings.Cut(detail, "_")
		return fmt.Sprintf("The %s quota for this %s is used up.", period, scope) + d.retryHint()
	case ReasonUnavailable:
		return "Throttling state is temporarily unavailable. Please retry shortly."
	case ReasonConfig:
		return "Sending limits are not configured for this account."
	case ReasonInvalid:
		return "The send request is invalid."
	}
	return "Message cannot be sent right now."
}

func (d Decision) retryHint() string {
	seconds := d.RetryAfterSeconds()
	if seconds == 0 {
		return ""
	}
	return fmt.Sprintf(" Retry in %s.", time.Duration(seconds)*time.Second)
}
