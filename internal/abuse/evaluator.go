// Package abuse evaluates configured abuse rules against tenant signals and
// maintains the per-tenant restriction the admission path consults.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/metrics"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/repository"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	maxCASRetries = 3
	lockStripes   = 64
	// applied when a rule or escalation step has no duration
	defaultActionDuration = 24 * time.Hour
)

// Signal types rules can match
const (
	SignalRateLimitViolation = "rate_limit_violation"
	SignalFailureRatio       = "failure_ratio"
	SignalRejectRatio        = "reject_ratio"
	SignalBlockRate          = "block_rate"
	SignalReportRate         = "report_rate"
	SignalVolumeSpike        = "volume_spike"
	SignalRiskScore          = "risk_score"
)

type Signal struct {
	Type     string    `json:"type"`
	EntityID string    `json:"entity_id,omitempty"`
	Value    float64   `json:"value"`
	At       time.Time `json:"at"`
}

type TriggeredAction struct {
	Rule       string            `json:"rule"`
	Action     models.ActionType `json:"action"`
	Points     float64           `json:"points"`
	Signal     string            `json:"signal,omitempty"`
	Value      float64           `json:"value"`
	Comparator string            `json:"comparator,omitempty"`
	Threshold  float64           `json:"threshold"`
	ExpiresAt  time.Time         `json:"expires_at"`
	Escalation bool              `json:"escalation,omitempty"`
}

type Repository interface {
	Get(ctx context.Context, klienID string) (*models.UserRestriction, error)
	Create(ctx context.Context, restriction *models.UserRestriction) error
	Update(ctx context.Context, restriction *models.UserRestriction, expectedVersion int64) error
	ListRestricted(ctx context.Context) ([]models.UserRestriction, error)
}

// Persisted abuse events, consulted when the in-memory cooldown is cold
type EventLookup interface {
	Latest(ctx context.Context, filter repository.EventFilter) (*models.EventLog, error)
}

type SegmentResolver interface {
	SegmentFor(ctx context.Context, klienID string) (string, error)
}

type Options struct {
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
	CacheTTL  time.Duration
}

type Evaluator struct {
	repo      Repository
	lookup    EventLookup
	segments  SegmentResolver
	registry  *catalog.Registry
	publisher events.Publisher
	metrics   *metrics.Metrics
	nowFn     func() time.Time

	// klien id → models.UserRestriction
	cache *cache.Cache

	mu    sync.Mutex
	fired map[string]time.Time

	locks [lockStripes]sync.Mutex
}

func NewEvaluator(repo Repository, lookup EventLookup, segments SegmentResolver, registry *catalog.Registry, opts Options) *Evaluator {
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	return &Evaluator{
		repo:      repo,
		lookup:    lookup,
		segments:  segments,
		registry:  registry,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		nowFn:     opts.Now,
		cache:     cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		fired:     make(map[string]time.Time),
	}
}

// Hot path read. Expiry is applied on the fly so a lapsed action stops
// restricting before the sweep persists it.
func (e *Evaluator) Restriction(ctx context.Context, klienID string) (models.UserRestriction, error) {
	now := e.nowFn()
	if cached, ok := e.cache.Get(klienID); ok {
		row := cached.(models.UserRestriction)
		if row.RestrictionExpiresAt != nil && !now.Before(*row.RestrictionExpiresAt) {
			Resolve(e.registry.Current(), &row, now)
		}
		return row, nil
	}

	stored, err := e.repo.Get(ctx, klienID)
	if err != nil {
		return models.UserRestriction{}, apperror.Stale("user restrictions", klienID, err)
	}
	row := defaultRestriction(klienID)
	if stored != nil {
		row = *stored
	}
	e.cache.SetDefault(klienID, row)

	if row.RestrictionExpiresAt != nil && !now.Before(*row.RestrictionExpiresAt) {
		Resolve(e.registry.Current(), &row, now)
	}
	return row, nil
}

// Checks every rule matching the signals' types and segment. Triggered rules
// add abuse points and actions to the tenant's restriction, which may then
// escalate.
func (e *Evaluator) Evaluate(ctx context.Context, klienID string, signals ...Signal) ([]TriggeredAction, error) {
	if klienID == "" {
		return nil, fmt.Errorf("klien id is required: %w", apperror.ErrInvalidArgument)
	}
	if len(signals) == 0 {
		return nil, nil
	}

	c := e.registry.Current()
	segment, err := e.segments.SegmentFor(ctx, klienID)
	if err != nil {
		return nil, err
	}
	if segment == "" {
		segment = c.DefaultSegment
	}

	lock := e.lockFor(klienID)
	lock.Lock()
	defer lock.Unlock()

	now := e.nowFn()
	var triggered []TriggeredAction
	for _, signal := range signals {
		for _, rule := range c.RulesFor(signal.Type) {
			if !rule.AppliesToSegment(segment) {
				continue
			}
			if !catalog.Compare(rule.Comparator, signal.Value, rule.Threshold) {
				continue
			}
			cooling, err := e.coolingDown(ctx, rule, klienID, now)
			if err != nil {
				return nil, err
			}
			if cooling || alreadyTriggered(triggered, rule.Code) {
				continue
			}

			triggered = append(triggered, TriggeredAction{
				Rule:       rule.Code,
				Action:     rule.ActionType,
				Points:     rule.AbusePoints,
				Signal:     signal.Type,
				Value:      signal.Value,
				Comparator: rule.Comparator,
				Threshold:  rule.Threshold,
				ExpiresAt:  now.Add(duration(rule.DurationMinutes)).UTC(),
			})
		}
	}
	if len(triggered) == 0 {
		return nil, nil
	}

	var escalations []TriggeredAction
	before, after, err := e.update(ctx, klienID, true, func(row *models.UserRestriction, c *catalog.Catalog, now time.Time) bool {
		escalations = escalations[:0]
		actions := row.ActionList()
		for _, t := range triggered {
			row.ActiveAbusePoints += t.Points
			actions = append(actions, models.RestrictionAction{
				Rule:               t.Rule,
				Action:             t.Action,
				Points:             t.Points,
				ThrottleMultiplier: ruleMultiplier(c, t.Rule),
				TriggeredAt:        now.UTC(),
				ExpiresAt:          t.ExpiresAt,
			})
		}
		if step, ok := escalationFor(c, row.ActiveAbusePoints, actions, now); ok {
			expires := now.Add(duration(step.DurationMinutes)).UTC()
			actions = append(actions, models.RestrictionAction{
				Rule:        escalationRule(step),
				Action:      step.Action,
				TriggeredAt: now.UTC(),
				ExpiresAt:   expires,
			})
			escalations = append(escalations, TriggeredAction{
				Rule:       escalationRule(step),
				Action:     step.Action,
				Value:      row.ActiveAbusePoints,
				Threshold:  step.Points,
				ExpiresAt:  expires,
				Escalation: true,
			})
		}
		row.SetActionList(actions)
		// new abuse ends a manual lift
		if row.Manual == models.ManualLift {
			row.Manual = models.ManualNone
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	for _, t := range triggered {
		e.fired[firedKey(t.Rule, klienID)] = now
	}
	e.mu.Unlock()

	all := append(triggered, escalations...)
	for _, t := range all {
		kind := events.KindAbuseTriggered
		if t.Escalation {
			kind = events.KindEscalation
		}
		e.publisher.Publish(events.Event{
			Stream:     events.StreamAbuse,
			Kind:       kind,
			EntityType: string(models.EntityUser),
			EntityID:   klienID,
			KlienID:    klienID,
			Trigger:    t.Rule,
			Payload:    events.Raw(t),
			OccurredAt: now,
		})
		e.metrics.AbuseAction(string(t.Action))
		log.WithFields(log.Fields{
			"klien_id": klienID,
			"rule":     t.Rule,
			"action":   t.Action,
			"points":   after.ActiveAbusePoints,
		}).Warn("abuse rule triggered")
	}
	e.emitStatus(before, after, "abuse", "", now)

	return all, nil
}

type OverrideAction string

const (
	OverrideSuspend   OverrideAction = "suspend"
	OverrideLift      OverrideAction = "lift"
	OverrideWhitelist OverrideAction = "whitelist"
	OverrideBlacklist OverrideAction = "blacklist"
	OverrideClear     OverrideAction = "clear"
)

type OverrideRequest struct {
	Action OverrideAction `json:"action"`
	Actor  string         `json:"-"`
	Note   string         `json:"note"`
}

// Operator writes that bypass computed status. Lift also pardons the active
// actions and points; clear removes every override flag.
func (e *Evaluator) Override(ctx context.Context, klienID string, req OverrideRequest) (models.UserRestriction, error) {
	switch req.Action {
	case OverrideSuspend, OverrideLift, OverrideWhitelist, OverrideBlacklist, OverrideClear:
	default:
		return models.UserRestriction{}, fmt.Errorf("unknown override %q: %w", req.Action, apperror.ErrInvalidArgument)
	}
	if klienID == "" {
		return models.UserRestriction{}, fmt.Errorf("klien id is required: %w", apperror.ErrInvalidArgument)
	}

	lock := e.lockFor(klienID)
	lock.Lock()
	defer lock.Unlock()

	before, after, err := e.update(ctx, klienID, true, func(row *models.UserRestriction, _ *catalog.Catalog, now time.Time) bool {
		switch req.Action {
		case OverrideSuspend:
			row.Manual = models.ManualSuspend
		case OverrideLift:
			row.Manual = models.ManualLift
			row.ActiveAbusePoints = 0
			row.SetActionList(nil)
		case OverrideWhitelist:
			row.IsWhitelisted, row.IsBlacklisted = true, false
		case OverrideBlacklist:
			row.IsWhitelisted, row.IsBlacklisted = false, true
		case OverrideClear:
			row.IsWhitelisted, row.IsBlacklisted = false, false
			row.Manual = models.ManualNone
		}
		at := now.UTC()
		row.OverrideBy = req.Actor
		row.OverrideAt = &at
		row.OverrideNote = req.Note
		return true
	})
	if err != nil {
		return models.UserRestriction{}, err
	}

	now := e.nowFn()
	e.publisher.Publish(events.Event{
		Stream:     events.StreamOverride,
		Kind:       "restriction_" + string(req.Action),
		EntityType: string(models.EntityUser),
		EntityID:   klienID,
		KlienID:    klienID,
		Trigger:    string(req.Action),
		Actor:      req.Actor,
		Before:     events.Raw(statusView(before)),
		After:      events.Raw(statusView(after)),
		Payload:    events.Raw(map[string]string{"note": req.Note}),
		OccurredAt: now,
	})
	log.WithFields(log.Fields{
		"klien_id": klienID,
		"actor":    req.Actor,
		"override": req.Action,
		"status":   after.Status,
	}).Info("restriction override applied")
	e.emitStatus(before, after, string(req.Action), req.Actor, now)

	return *after, nil
}

// Expires lapsed actions and decays abuse points for every restricted
// tenant. Returns how many restrictions changed.
func (e *Evaluator) Sweep(ctx context.Context) (int, error) {
	rows, err := e.repo.ListRestricted(ctx)
	if err != nil {
		return 0, apperror.Stale("user restrictions", "", err)
	}

	var errs []error
	changed := 0
	for _, stored := range rows {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		lock := e.lockFor(stored.KlienID)
		lock.Lock()
		before, after, err := e.update(ctx, stored.KlienID, false, func(row *models.UserRestriction, c *catalog.Catalog, now time.Time) bool {
			decayed := decayPoints(c, row, now)
			return decayed || expiredActions(row, now)
		})
		lock.Unlock()

		if err != nil {
			log.WithError(err).WithField("klien_id", stored.KlienID).Warn("restriction sweep failed")
			errs = append(errs, err)
			continue
		}
		if before.Version != after.Version {
			changed++
			e.emitStatus(before, after, "expiry", "", e.nowFn())
		}
	}

	// forget cooldown marks no rule could still honour
	e.mu.Lock()
	now := e.nowFn()
	for key, at := range e.fired {
		if now.Sub(at) > 7*24*time.Hour {
			delete(e.fired, key)
		}
	}
	e.mu.Unlock()

	return changed, errors.Join(errs...)
}

func (e *Evaluator) Invalidate(klienID string) {
	e.cache.Delete(klienID)
}

func (e *Evaluator) lockFor(klienID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(klienID))
	return &e.locks[h.Sum32()%lockStripes]
}

// Read-modify-write with a version check. Callers hold the tenant lock.
func (e *Evaluator) update(ctx context.Context, klienID string, create bool, fn func(*models.UserRestriction, *catalog.Catalog, time.Time) bool) (*models.UserRestriction, *models.UserRestriction, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		now := e.nowFn()
		c := e.registry.Current()

		stored, err := e.repo.Get(ctx, klienID)
		if err != nil {
			return nil, nil, apperror.Stale("user restrictions", klienID, err)
		}
		isNew := stored == nil
		var row models.UserRestriction
		switch {
		case !isNew:
			row = *stored
		case create:
			row = defaultRestriction(klienID)
			row.LastPointsDecayAt = now.UTC()
		default:
			return nil, nil, fmt.Errorf("restriction for %s: %w", klienID, apperror.ErrNotFound)
		}

		before := row
		if !fn(&row, c, now) && !isNew {
			e.cache.SetDefault(klienID, row)
			return &before, &row, nil
		}
		Resolve(c, &row, now)

		if isNew {
			if err := e.repo.Create(ctx, &row); err != nil {
				lastErr = err
				continue
			}
		} else {
			row.Version = before.Version + 1
			err := e.repo.Update(ctx, &row, before.Version)
			if errors.Is(err, apperror.ErrConflict) {
				lastErr = err
				continue
			}
			if err != nil {
				return nil, nil, apperror.Stale("user restrictions", klienID, err)
			}
		}

		e.cache.SetDefault(klienID, row)
		return &before, &row, nil
	}

	return nil, nil, apperror.Stale("user restrictions", klienID, fmt.Errorf("gave up after %d attempts: %w", maxCASRetries, lastErr))
}

func (e *Evaluator) coolingDown(ctx context.Context, rule catalog.AbuseRule, klienID string, now time.Time) (bool, error) {
	if rule.CooldownMinutes <= 0 {
		return false, nil
	}
	window := time.Duration(rule.CooldownMinutes) * time.Minute
	key := firedKey(rule.Code, klienID)

	e.mu.Lock()
	last, ok := e.fired[key]
	e.mu.Unlock()
	if ok {
		return now.Sub(last) < window, nil
	}
	if e.lookup == nil {
		return false, nil
	}

	event, err := e.lookup.Latest(ctx, repository.EventFilter{
		Stream:   string(events.StreamAbuse),
		Kind:     events.KindAbuseTriggered,
		EntityID: klienID,
		Trigger:  rule.Code,
		Since:    now.Add(-window),
	})
	if err != nil {
		return false, apperror.Stale("abuse events", klienID, err)
	}
	if event == nil {
		return false, nil
	}

	e.mu.Lock()
	e.fired[key] = event.OccurredAt
	e.mu.Unlock()
	return now.Sub(event.OccurredAt) < window, nil
}

func (e *Evaluator) emitStatus(before, after *models.UserRestriction, trigger, actor string, now time.Time) {
	if before.Status == after.Status && before.CanSend == after.CanSend {
		return
	}
	e.publisher.Publish(events.Event{
		Stream:     events.StreamRestriction,
		Kind:       events.KindRestrictionChange,
		EntityType: string(models.EntityUser),
		EntityID:   after.KlienID,
		KlienID:    after.KlienID,
		Trigger:    trigger,
		Actor:      actor,
		Before:     events.Raw(statusView(before)),
		After:      events.Raw(statusView(after)),
		OccurredAt: now,
	})
	log.WithFields(log.Fields{
		"klien_id": after.KlienID,
		"trigger":  trigger,
		"from":     before.Status,
		"to":       after.Status,
	}).Info("restriction status changed")
}

type restrictionView struct {
	Status             models.RestrictionStatus `json:"status"`
	CanSend            bool                     `json:"can_send"`
	ThrottleMultiplier float64                  `json:"throttle_multiplier"`
	Points             float64                  `json:"active_abuse_points"`
}

func statusView(row *models.UserRestriction) restrictionView {
	return restrictionView{
		Status:             row.Status,
		CanSend:            row.CanSend,
		ThrottleMultiplier: row.ThrottleMultiplier,
		Points:             row.ActiveAbusePoints,
	}
}

// Highest step reached by points that is more severe than every action
// already active
func escalationFor(c *catalog.Catalog, points float64, actions []models.RestrictionAction, now time.Time) (catalog.EscalationStep, bool) {
	maxSeverity := 0
	for _, a := range actions {
		if a.ActiveAt(now) && a.Action.Severity() > maxSeverity {
			maxSeverity = a.Action.Severity()
		}
	}

	var reached catalog.EscalationStep
	found := false
	for _, step := range c.Abuse.Escalation {
		if points >= step.Points {
			reached = step
			found = true
		}
	}
	if !found || reached.Action.Severity() <= maxSeverity {
		return catalog.EscalationStep{}, false
	}
	return reached, true
}

func expiredActions(row *models.UserRestriction, now time.Time) bool {
	for _, a := range row.ActionList() {
		if !a.ActiveAt(now) {
			return true
		}
	}
	if row.Status == models.RestrictionRestored && row.ActiveAbusePoints <= 0 {
		return true
	}
	return row.RestrictionExpiresAt != nil && !now.Before(*row.RestrictionExpiresAt)
}

func ruleMultiplier(c *catalog.Catalog, code string) float64 {
	for _, rule := range c.Abuse.Rules {
		if rule.Code == code {
			return rule.ThrottleMultiplier
		}
	}
	return 0
}

func escalationRule(step catalog.EscalationStep) string {
	return fmt.Sprintf("escalation:%s", step.Action)
}

func alreadyTriggered(triggered []TriggeredAction, code string) bool {
	for _, t := range triggered {
		if t.Rule == code {
			return true
		}
	}
	return false
}

func firedKey(rule, klienID string) string {
	return rule + "|" + klienID
}

func duration(minutes int) time.Duration {
	if minutes <= 0 {
		return defaultActionDuration
	}
	return time.Duration(minutes) * time.Minute
}
