// Package throttle composes restrictions, sender warm-up limits, token buckets
// and calendar quotas into the single admission decision made before every
// send attempt.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/metrics"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/ratelimit"
	"github.com/aman-churiwal/wa-throttle/internal/warmup"
	log "github.com/sirupsen/logrus"
)

type RestrictionSource interface {
	Restriction(ctx context.Context, klienID string) (models.UserRestriction, error)
}

type SenderLimits interface {
	Limits(ctx context.Context, senderID string) (warmup.Limits, error)
}

type Options struct {
	// Admit a campaign whose bucket store is unreachable instead of denying
	CampaignFailOpen bool
	// Calendar for daily quotas
	Location *time.Location
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Engine struct {
	restrictions RestrictionSource
	senders      SenderLimits
	registry     *catalog.Registry
	buckets      ratelimit.Store
	quotas       ratelimit.Counter
	violations   *ratelimit.ViolationTracker

	failOpen bool
	location *time.Location
	metrics  *metrics.Metrics
	nowFn    func() time.Time
}

func NewEngine(restrictions RestrictionSource, senders SenderLimits, registry *catalog.Registry, buckets ratelimit.Store, quotas ratelimit.Counter, violations *ratelimit.ViolationTracker, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Engine{
		restrictions: restrictions,
		senders:      senders,
		registry:     registry,
		buckets:      buckets,
		quotas:       quotas,
		violations:   violations,
		failOpen:     opts.CampaignFailOpen,
		location:     opts.Location,
		metrics:      opts.Metrics,
		nowFn:        opts.Now,
	}
}

type scopeBucket struct {
	scope  ratelimit.Scope
	key    string
	params ratelimit.Params
}

type quota struct {
	name   string
	key    string
	period ratelimit.Period
	limit  int
}

// Admit decides whether one more message may be sent now. It never returns
// an error: failures deny with a reason naming their cause, and consumption
// at earlier scopes is rolled back before a denial is returned.
func (e *Engine) Admit(ctx context.Context, req Request) (decision Decision) {
	start := time.Now()
	now := e.nowFn()

	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{
				"sender_id": req.SenderID,
				"klien_id":  req.KlienID,
				"panic":     p,
			}).Errorf("admission panic recovered\n%s", debug.Stack())
			decision = deny(ReasonPanic, 0, now)
		}
		e.metrics.ObserveAdmit(decision.Allow, decision.Reason, time.Since(start))
	}()

	if req.SenderID == "" || req.KlienID == "" || req.Cost < 0 {
		return deny(ReasonInvalid+":request", 0, now)
	}
	cost := req.Cost
	if cost == 0 {
		cost = 1
	}
	fields := log.Fields{"sender_id": req.SenderID, "klien_id": req.KlienID, "campaign_id": req.CampaignID}

	restriction, err := e.restrictions.Restriction(ctx, req.KlienID)
	if err != nil {
		return e.failure(err, "restriction", fields, now)
	}
	if !restriction.CanSend {
		d := deny(ReasonRestricted+":"+string(restriction.Status), retryUntil(restriction.RestrictionExpiresAt, now), now)
		d.RestrictionStatus = restriction.Status
		return d
	}

	limits, err := e.senders.Limits(ctx, req.SenderID)
	if err != nil {
		d := e.failure(err, "sender", fields, now)
		d.RestrictionStatus = restriction.Status
		return d
	}
	if limits.KlienID != req.KlienID {
		log.WithFields(fields).WithField("owner", limits.KlienID).Warn("sender does not belong to klien")
		return deny(ReasonInvalid+":sender_klien", 0, now)
	}
	annotate := func(d Decision) Decision {
		d.State = limits.State
		d.RestrictionStatus = restriction.Status
		return d
	}
	if limits.State.Blocked() {
		return annotate(deny(ReasonSender+":"+string(limits.State), retryUntil(limits.CooldownUntil, now), now))
	}

	scopes := e.scopes(req, limits, restriction)
	if len(scopes) > 0 && scopes[0].scope == ratelimit.ScopeGlobal && scopes[0].params.Capacity == 0 {
		// a catalog global capacity of 0 means no global bucket, not deny-all
		scopes = scopes[1:]
	}

	var taken []scopeBucket
	for i, s := range scopes {
		result, err := e.buckets.Take(ctx, s.key, s.params, float64(cost), now)
		if err != nil {
			if s.scope == ratelimit.ScopeCampaign && e.failOpen && apperror.IsStale(err) {
				log.WithFields(fields).WithError(err).Warn("campaign bucket unavailable, failing open")
				continue
			}
			e.rollback(ctx, taken, cost, now)
			return annotate(e.failure(err, string(s.scope), fields, now))
		}
		if result.Admitted {
			taken = append(taken, s)
			continue
		}

		e.rollback(ctx, taken, cost, now)
		e.violations.Record(ratelimit.KlienKey(req.KlienID), now)
		retry := result.RetryAfter
		for _, later := range scopes[i+1:] {
			if wait := e.peek(ctx, later, cost, now); wait > retry {
				retry = wait
			}
		}
		return annotate(deny(ReasonRateLimited+":"+string(s.scope), retry, now))
	}

	if d, denied := e.consumeQuotas(ctx, e.quotasFor(req, limits), cost, now, fields); denied {
		e.rollback(ctx, taken, cost, now)
		if d.Category() == ReasonQuota {
			e.violations.Record(ratelimit.KlienKey(req.KlienID), now)
		}
		return annotate(d)
	}

	return annotate(allow(now))
}

// Bucket parameters per scope, in evaluation order
func (e *Engine) scopes(req Request, limits warmup.Limits, restriction models.UserRestriction) []scopeBucket {
	c := e.registry.Current()
	tier := limits.Tier

	multiplier := restriction.ThrottleMultiplier
	if multiplier <= 0 || multiplier > 1 {
		multiplier = 1
	}

	scopes := []scopeBucket{
		{
			scope:  ratelimit.ScopeGlobal,
			key:    ratelimit.GlobalKey(),
			params: ratelimit.Params{Capacity: c.Global.Capacity, RefillRate: c.Global.RefillRate},
		},
		{
			scope:  ratelimit.ScopeSender,
			key:    ratelimit.SenderKey(req.SenderID),
			params: ratelimit.Params{Capacity: limits.BurstLimit, RefillRate: float64(limits.HourlyLimit) / 3600},
		},
		{
			scope: ratelimit.ScopeKlien,
			key:   ratelimit.KlienKey(req.KlienID),
			params: ratelimit.Params{
				Capacity:   tier.BurstLimit,
				RefillRate: float64(tier.MessagesPerMinute) / 60 * multiplier,
			},
		},
	}

	if req.CampaignID != "" {
		campaigns := tier.MaxConcurrentCampaigns
		if campaigns <= 0 {
			campaigns = 1
		}
		scopes = append(scopes, scopeBucket{
			scope: ratelimit.ScopeCampaign,
			key:   ratelimit.CampaignKey(req.CampaignID),
			params: ratelimit.Params{
				Capacity:   tier.BurstLimit,
				RefillRate: float64(tier.MessagesPerMinute) / float64(campaigns) / 60 * multiplier,
			},
		})
	}
	return scopes
}

func (e *Engine) quotasFor(req Request, limits warmup.Limits) []quota {
	hour := ratelimit.Hourly(e.location)
	day := ratelimit.Daily(e.location)
	senderKey := "quota:" + ratelimit.SenderKey(req.SenderID)
	klienKey := "quota:" + ratelimit.KlienKey(req.KlienID)

	return []quota{
		{name: "sender_hour", key: senderKey, period: hour, limit: limits.HourlyLimit},
		{name: "sender_day", key: senderKey, period: day, limit: limits.DailyLimit},
		{name: "klien_hour", key: klienKey, period: hour, limit: limits.Tier.MessagesPerHour},
		{name: "klien_day", key: klienKey, period: day, limit: limits.Tier.MessagesPerDay},
	}
}

// Increments every quota counter; on the first one over its limit all
// increments are reverted. Quotas with no limit are not counted.
func (e *Engine) consumeQuotas(ctx context.Context, quotas []quota, cost int, now time.Time, fields log.Fields) (Decision, bool) {
	var counted []quota
	revert := func() {
		for _, q := range counted {
			if _, err := e.quotas.Add(ctx, q.key, q.period, -int64(cost), now); err != nil {
				log.WithFields(fields).WithError(err).WithField("quota", q.name).Warn("quota rollback failed")
			}
		}
	}

	for _, q := range quotas {
		if q.limit <= 0 {
			continue
		}
		used, err := e.quotas.Add(ctx, q.key, q.period, int64(cost), now)
		if err != nil {
			revert()
			return e.failure(err, "quota", fields, now), true
		}
		counted = append(counted, q)
		if used > int64(q.limit) {
			revert()
			return deny(ReasonQuota+":"+q.name, q.period.End(now).Sub(now), now), true
		}
	}
	return Decision{}, false
}

// Current usage of the sender and klien quotas; an empty id skips its scope
func (e *Engine) Usage(ctx context.Context, senderID, klienID string) (map[string]int64, error) {
	now := e.nowFn()
	var quotas []quota
	if senderID != "" {
		quotas = append(quotas, e.quotasFor(Request{SenderID: senderID}, warmup.Limits{})[:2]...)
	}
	if klienID != "" {
		quotas = append(quotas, e.quotasFor(Request{KlienID: klienID}, warmup.Limits{})[2:]...)
	}

	out := make(map[string]int64, len(quotas))
	for _, q := range quotas {
		n, err := e.quotas.Get(ctx, q.key, q.period, now)
		if err != nil {
			return nil, err
		}
		out[q.name] = n
	}
	return out, nil
}

// Bucket state at a scope, refilled to now
func (e *Engine) Bucket(ctx context.Context, scope ratelimit.Scope, id string, params ratelimit.Params) (ratelimit.State, error) {
	key := ratelimit.KeyFor(scope, id)
	if key == "" {
		return ratelimit.State{}, fmt.Errorf("unknown scope %q: %w", scope, apperror.ErrInvalidArgument)
	}
	return e.buckets.Peek(ctx, key, params, e.nowFn())
}

func (e *Engine) peek(ctx context.Context, s scopeBucket, cost int, now time.Time) time.Duration {
	state, err := e.buckets.Peek(ctx, s.key, s.params, now)
	if err != nil {
		return 0
	}
	return state.RetryAfter(float64(cost), now)
}

func (e *Engine) rollback(ctx context.Context, taken []scopeBucket, cost int, now time.Time) {
	for _, s := range taken {
		// a cancelled caller must not leak tokens
		if err := e.buckets.Refund(context.WithoutCancel(ctx), s.key, s.params, float64(cost), now); err != nil {
			log.WithError(err).WithField("scope", s.scope).Warn("token refund failed")
		}
	}
}

// Maps a component error to a closed-failing decision
func (e *Engine) failure(err error, scope string, fields log.Fields, now time.Time) Decision {
	entry := log.WithFields(fields).WithError(err).WithField("scope", scope)

	var reason string
	switch {
	case apperror.IsInvariant(err):
		entry.Error("invariant violation during admission")
		reason = ReasonInvariant
	case apperror.IsConfiguration(err):
		entry.Warn("admission denied by configuration error")
		reason = ReasonConfig + ":" + scope
	case apperror.IsStale(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		entry.Warn("admission denied, state unavailable")
		reason = ReasonUnavailable + ":" + scope
	default:
		entry.Error("admission failed")
		reason = ReasonInternal
	}
	return deny(reason, 0, now)
}

func retryUntil(until *time.Time, now time.Time) time.Duration {
	if until == nil {
		return ratelimit.RetryNever
	}
	if !until.After(now) {
		return 0
	}
	return until.Sub(now)
}
