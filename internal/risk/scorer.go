// Package risk scores senders, tenants and campaigns from delivery outcome
// signals and decays those scores over quiet days.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/metrics"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	log "github.com/sirupsen/logrus"
)

const (
	maxCASRetries = 3
	lockStripes   = 64
	historyDays   = 8
	// decay steps beyond this are pointless, the score is ~0
	maxDecayDays = 400
)

type Repository interface {
	Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.RiskScore, error)
	Create(ctx context.Context, score *models.RiskScore) error
	Update(ctx context.Context, score *models.RiskScore, expectedVersion int64) error
	List(ctx context.Context) ([]models.RiskScore, error)
}

type Observation struct {
	EntityType models.EntityType `json:"entity_type" binding:"required"`
	EntityID   string            `json:"entity_id" binding:"required"`
	KlienID    string            `json:"klien_id"`
	Signal     Signal            `json:"signal" binding:"required"`
	Value      float64           `json:"value"`
	At         time.Time         `json:"at"`
}

// Risk level payload of level change events
type LevelChange struct {
	Level models.RiskLevel `json:"level"`
	Score float64          `json:"score"`
}

type Options struct {
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Scorer struct {
	repo      Repository
	registry  *catalog.Registry
	publisher events.Publisher
	metrics   *metrics.Metrics
	nowFn     func() time.Time

	mu      sync.Mutex
	windows map[string]*window

	locks [lockStripes]sync.Mutex
}

func NewScorer(repo Repository, registry *catalog.Registry, opts Options) *Scorer {
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scorer{
		repo:      repo,
		registry:  registry,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		nowFn:     opts.Now,
		windows:   make(map[string]*window),
	}
}

func entityKey(entityType models.EntityType, entityID string) string {
	return string(entityType) + ":" + entityID
}

// Sum of per-factor contributions, each capped at its max contribution.
// Contributions grow linearly with how far the observation exceeds the
// factor baseline.
func Score(c *catalog.Catalog, observed Observed) (float64, map[string]float64) {
	factors := make(map[string]float64, len(c.Risk.Factors))
	total := 0.0
	for _, factor := range c.Risk.Factors {
		if factor.Disabled {
			continue
		}
		value, ok := observed[factor.Name]
		if !ok {
			factors[factor.Name] = 0
			continue
		}
		normalized := (value - factor.Baseline) / factor.Scale
		normalized = math.Max(0, math.Min(1, normalized))
		contribution := math.Min(factor.MaxContribution, factor.Weight*normalized*100)
		factors[factor.Name] = round(contribution)
		total += contribution
	}
	return round(math.Max(0, math.Min(100, total))), factors
}

// Display band of an observed factor value
func Band(factor catalog.RiskFactor, value float64) string {
	switch {
	case value >= factor.Thresholds.High:
		return "high"
	case value >= factor.Thresholds.Medium:
		return "medium"
	case value >= factor.Thresholds.Low:
		return "low"
	default:
		return "none"
	}
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}

// Feeds one signal into the entity's rolling window. Incidents raise the
// stored score to at least the computed one and reset the decay clock;
// other signals only update the window.
func (s *Scorer) RecordEvent(ctx context.Context, o Observation) (*models.RiskScore, error) {
	if !o.EntityType.Valid() || o.EntityID == "" {
		return nil, fmt.Errorf("entity type and id are required: %w", apperror.ErrInvalidArgument)
	}
	if !o.Signal.Valid() {
		return nil, fmt.Errorf("unknown signal %q: %w", o.Signal, apperror.ErrInvalidArgument)
	}

	now := s.nowFn()
	if o.At.IsZero() {
		o.At = now
	}
	c := s.registry.Current()
	observed := s.observe(o, now, c.Risk.MinVolume)
	score, factors := Score(c, observed)

	if !o.Signal.Incident(o.Value) {
		row, err := s.repo.Get(ctx, o.EntityType, o.EntityID)
		if err != nil {
			return nil, apperror.Stale("risk scores", entityKey(o.EntityType, o.EntityID), err)
		}
		if row == nil {
			row = &models.RiskScore{EntityType: o.EntityType, EntityID: o.EntityID, KlienID: o.KlienID, RiskLevel: models.RiskSafe}
		}
		return row, nil
	}

	return s.update(ctx, o.EntityType, o.EntityID, o.KlienID, true, string(o.Signal), "", func(row *models.RiskScore, now time.Time) bool {
		row.SetFactors(factors)
		if score > row.Score {
			row.Score = score
		}
		at := o.At.UTC()
		row.IncidentCount++
		row.LastIncidentAt = &at
		row.LastDecayAt = now.UTC()
		row.SafeDays = 0
		return true
	})
}

func (s *Scorer) observe(o Observation, now time.Time, minVolume int) Observed {
	key := entityKey(o.EntityType, o.EntityID)

	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[key]
	if w == nil {
		w = &window{entityType: o.EntityType, entityID: o.EntityID}
		s.windows[key] = w
	}
	if o.KlienID != "" {
		w.klienID = o.KlienID
	}
	w.add(o.Signal, o.Value, o.At)
	return w.observe(now, minVolume)
}

type EntityObservation struct {
	EntityType models.EntityType
	EntityID   string
	KlienID    string
	Observed   Observed
}

// Current observations of every entity seen in the last 24 hours
func (s *Scorer) Observations(now time.Time) []EntityObservation {
	minVolume := s.registry.Current().Risk.MinVolume

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EntityObservation, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, EntityObservation{
			EntityType: w.entityType,
			EntityID:   w.entityID,
			KlienID:    w.klienID,
			Observed:   w.observe(now, minVolume),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return entityKey(out[i].EntityType, out[i].EntityID) < entityKey(out[j].EntityType, out[j].EntityID)
	})
	return out
}

// Drops windows idle for a full day
func (s *Scorer) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for key, w := range s.windows {
		if now.Sub(w.last) >= windowHours*time.Hour {
			delete(s.windows, key)
			pruned++
		}
	}
	return pruned
}

// Applies whole days of decay since the last anchor. The anchor moves by
// whole days only, so repeated calls within a day change nothing.
func (s *Scorer) Decay(ctx context.Context, entityType models.EntityType, entityID string) (*models.RiskScore, error) {
	return s.update(ctx, entityType, entityID, "", false, events.KindRiskDecay, "", func(row *models.RiskScore, now time.Time) bool {
		days := int(now.Sub(row.LastDecayAt) / (24 * time.Hour))
		if days <= 0 {
			return false
		}

		c := s.registry.Current()
		history := row.History()
		for i := 0; i < days && i < maxDecayDays; i++ {
			history = append(history, row.Score)
			rate := c.Risk.ElevatedDecayPercent
			if models.LevelForScore(row.Score) == models.RiskSafe {
				rate = c.Risk.SafeDecayPercent
			}
			row.Score = round(row.Score * (1 - rate/100))
			if models.LevelForScore(row.Score) == models.RiskSafe {
				row.SafeDays++
			}
		}
		if len(history) > historyDays {
			history = history[len(history)-historyDays:]
		}
		row.SetHistory(history)
		row.Score24hAgo = history[len(history)-1]
		if len(history) >= 7 {
			row.Score7dAgo = history[len(history)-7]
		} else {
			row.Score7dAgo = history[0]
		}
		row.LastDecayAt = row.LastDecayAt.Add(time.Duration(days) * 24 * time.Hour)
		return true
	})
}

// Decays every stored score; failures are logged and joined
func (s *Scorer) DecayAll(ctx context.Context) (int, error) {
	scores, err := s.repo.List(ctx)
	if err != nil {
		return 0, apperror.Stale("risk scores", "", err)
	}

	var errs []error
	decayed := 0
	for _, score := range scores {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := s.Decay(ctx, score.EntityType, score.EntityID); err != nil {
			log.WithError(err).WithFields(log.Fields{"entity_type": score.EntityType, "entity_id": score.EntityID}).Warn("risk decay failed")
			errs = append(errs, err)
			continue
		}
		decayed++
	}
	return decayed, errors.Join(errs...)
}

func (s *Scorer) Get(ctx context.Context, entityType models.EntityType, entityID string) (*models.RiskScore, error) {
	row, err := s.repo.Get(ctx, entityType, entityID)
	if err != nil {
		return nil, apperror.Stale("risk scores", entityKey(entityType, entityID), err)
	}
	if row == nil {
		return nil, fmt.Errorf("risk score %s: %w", entityKey(entityType, entityID), apperror.ErrNotFound)
	}
	return row, nil
}

type Override string

const (
	OverrideWhitelist Override = "whitelist"
	OverrideBlacklist Override = "blacklist"
	OverrideClear     Override = "clear"
)

// Operator escape hatch. Whitelist forces safe and blacklist forces
// critical regardless of score; the two are mutually exclusive.
func (s *Scorer) SetOverride(ctx context.Context, entityType models.EntityType, entityID string, override Override, actor, reason string) (*models.RiskScore, error) {
	if !entityType.Valid() || entityID == "" {
		return nil, fmt.Errorf("entity type and id are required: %w", apperror.ErrInvalidArgument)
	}
	switch override {
	case OverrideWhitelist, OverrideBlacklist, OverrideClear:
	default:
		return nil, fmt.Errorf("unknown override %q: %w", override, apperror.ErrInvalidArgument)
	}

	var before models.RiskScore
	row, err := s.update(ctx, entityType, entityID, "", true, string(override), actor, func(row *models.RiskScore, _ time.Time) bool {
		before = *row
		switch override {
		case OverrideWhitelist:
			row.IsWhitelisted, row.IsBlacklisted = true, false
		case OverrideBlacklist:
			row.IsWhitelisted, row.IsBlacklisted = false, true
		case OverrideClear:
			row.IsWhitelisted, row.IsBlacklisted = false, false
		}
		row.OverrideBy = actor
		row.OverrideReason = reason
		return true
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(events.Event{
		Stream:     events.StreamOverride,
		Kind:       "risk_" + string(override),
		EntityType: string(entityType),
		EntityID:   entityID,
		KlienID:    row.KlienID,
		Trigger:    string(override),
		Actor:      actor,
		Before:     events.Raw(map[string]bool{"is_whitelisted": before.IsWhitelisted, "is_blacklisted": before.IsBlacklisted}),
		After:      events.Raw(map[string]bool{"is_whitelisted": row.IsWhitelisted, "is_blacklisted": row.IsBlacklisted}),
		Payload:    events.Raw(map[string]string{"reason": reason}),
	})
	log.WithFields(log.Fields{
		"entity_type": entityType,
		"entity_id":   entityID,
		"actor":       actor,
		"override":    override,
	}).Info("risk override applied")

	return row, nil
}

func (s *Scorer) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// Read-modify-write of one score row with a version check. fn reports
// whether it changed anything.
func (s *Scorer) update(ctx context.Context, entityType models.EntityType, entityID, klienID string, create bool, trigger, actor string, fn func(*models.RiskScore, time.Time) bool) (*models.RiskScore, error) {
	key := entityKey(entityType, entityID)
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		now := s.nowFn()
		row, err := s.repo.Get(ctx, entityType, entityID)
		if err != nil {
			return nil, apperror.Stale("risk scores", key, err)
		}

		isNew := row == nil
		if isNew {
			if !create {
				return nil, fmt.Errorf("risk score %s: %w", key, apperror.ErrNotFound)
			}
			row = &models.RiskScore{
				EntityType:  entityType,
				EntityID:    entityID,
				KlienID:     klienID,
				RiskLevel:   models.RiskSafe,
				LastDecayAt: now.UTC(),
			}
			row.SetFactors(map[string]float64{})
			row.SetHistory(nil)
		}
		if row.KlienID == "" && klienID != "" {
			row.KlienID = klienID
		}

		before := *row
		if !fn(row, now) && !isNew {
			return row, nil
		}
		row.RiskLevel = models.LevelForScore(row.Score)

		if isNew {
			if err := s.repo.Create(ctx, row); err != nil {
				// most likely a concurrent insert; the next Get sees it
				lastErr = err
				continue
			}
		} else {
			row.Version = before.Version + 1
			err := s.repo.Update(ctx, row, before.Version)
			if errors.Is(err, apperror.ErrConflict) {
				lastErr = err
				continue
			}
			if err != nil {
				return nil, apperror.Stale("risk scores", key, err)
			}
		}

		s.emit(&before, row, trigger, actor, now)
		return row, nil
	}

	return nil, apperror.Stale("risk scores", key, fmt.Errorf("gave up after %d attempts: %w", maxCASRetries, lastErr))
}

func (s *Scorer) emit(before, after *models.RiskScore, trigger, actor string, now time.Time) {
	if after.Score > before.Score {
		s.publisher.Publish(events.Event{
			Stream:     events.StreamRisk,
			Kind:       events.KindRiskScored,
			EntityType: string(after.EntityType),
			EntityID:   after.EntityID,
			KlienID:    after.KlienID,
			Trigger:    trigger,
			Before:     events.Raw(LevelChange{Level: before.RiskLevel, Score: before.Score}),
			After:      events.Raw(LevelChange{Level: after.RiskLevel, Score: after.Score}),
			Payload:    json.RawMessage(after.FactorScores),
			OccurredAt: now,
		})
	}

	from, to := before.EffectiveLevel(), after.EffectiveLevel()
	if from == to {
		return
	}

	s.publisher.Publish(events.Event{
		Stream:     events.StreamRisk,
		Kind:       events.KindRiskLevelChange,
		EntityType: string(after.EntityType),
		EntityID:   after.EntityID,
		KlienID:    after.KlienID,
		Trigger:    trigger,
		Actor:      actor,
		Before:     events.Raw(LevelChange{Level: from, Score: before.Score}),
		After:      events.Raw(LevelChange{Level: to, Score: after.Score}),
		OccurredAt: now,
	})
	s.metrics.RiskLevelChange(string(after.EntityType), string(to))

	entry := log.WithFields(log.Fields{
		"entity_type": after.EntityType,
		"entity_id":   after.EntityID,
		"klien_id":    after.KlienID,
		"trigger":     trigger,
		"from":        from,
		"to":          to,
		"score":       after.Score,
	})
	if to.Rank() > from.Rank() && to.Rank() >= models.RiskHigh.Rank() {
		entry.Warn("risk level escalated")
		return
	}
	entry.Info("risk level changed")
}

// Reports whether a risk event crossed into high_risk or critical
func Escalated(e events.Event) (LevelChange, bool) {
	if e.Stream != events.StreamRisk || e.Kind != events.KindRiskLevelChange {
		return LevelChange{}, false
	}
	var before, after LevelChange
	if err := json.Unmarshal(e.Before, &before); err != nil {
		return LevelChange{}, false
	}
	if err := json.Unmarshal(e.After, &after); err != nil {
		return LevelChange{}, false
	}
	return after, after.Level.Rank() > before.Level.Rank() && after.Level.Rank() >= models.RiskHigh.Rank()
}
