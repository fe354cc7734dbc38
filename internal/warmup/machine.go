// Package warmup implements the per-sender lifecycle that ages a phone number
// through progressively looser sending limits, and pulls it back when health
// or provider signals turn bad.
//
// The machine is the single source of truth for a sender's limits. Every
// state change and every limit change is published as an immutable event.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/metrics"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	maxCASRetries = 3

	defaultRefreshAfter = 5 * time.Second
)

type Repository interface {
	Get(ctx context.Context, senderID string) (*models.SenderStatus, error)
	Create(ctx context.Context, sender *models.SenderStatus) error
	Update(ctx context.Context, sender *models.SenderStatus, expectedVersion int64) error
	List(ctx context.Context) ([]models.SenderStatus, error)
}

type TierResolver interface {
	TierForKlien(ctx context.Context, klienID string) (catalog.Tier, error)
}

type Options struct {
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Now       func() time.Time

	// How long a cached sender row is served before it is re-read from the
	// repository. Zero uses the default; negative never re-reads.
	RefreshAfter time.Duration
}

// Each sender is an independently locked record. write serializes mutations
// of one sender; mu guards the cached row for hot-path readers.
type record struct {
	write    sync.Mutex
	mu       sync.RWMutex
	row      *models.SenderStatus
	loadedAt time.Time
}

func (r *record) snapshot() models.SenderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *r.row
}

// Older versions never replace a newer cached row
func (r *record) set(row *models.SenderStatus, at time.Time) {
	r.mu.Lock()
	if r.row == nil || row.Version >= r.row.Version {
		r.row = row
	}
	r.loadedAt = at
	r.mu.Unlock()
}

func (r *record) staleAt(now time.Time, after time.Duration) bool {
	if after < 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return now.Sub(r.loadedAt) >= after
}

type Machine struct {
	repo      Repository
	tiers     TierResolver
	registry  *catalog.Registry
	publisher events.Publisher
	metrics   *metrics.Metrics
	nowFn     func() time.Time
	refresh   time.Duration

	mu      sync.RWMutex
	records map[string]*record
	loads   singleflight.Group
}

func NewMachine(repo Repository, tiers TierResolver, registry *catalog.Registry, opts Options) *Machine {
	if opts.Publisher == nil {
		opts.Publisher = events.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RefreshAfter == 0 {
		opts.RefreshAfter = defaultRefreshAfter
	}
	return &Machine{
		repo:      repo,
		tiers:     tiers,
		registry:  registry,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		nowFn:     opts.Now,
		refresh:   opts.RefreshAfter,
		records:   make(map[string]*record),
	}
}

type RegisterRequest struct {
	SenderID    string    `json:"sender_id" binding:"required"`
	KlienID     string    `json:"klien_id" binding:"required"`
	PhoneNumber string    `json:"phone_number"`
	StartedAt   time.Time `json:"started_at"`
}

// Creates a NEW sender. Registering an existing sender is ErrConflict.
func (m *Machine) Register(ctx context.Context, req RegisterRequest) (Limits, error) {
	if strings.TrimSpace(req.SenderID) == "" || strings.TrimSpace(req.KlienID) == "" {
		return Limits{}, fmt.Errorf("sender_id and klien_id are required: %w", apperror.ErrInvalidArgument)
	}

	existing, err := m.repo.Get(ctx, req.SenderID)
	if err != nil {
		return Limits{}, apperror.Stale("sender status", req.SenderID, err)
	}
	if existing != nil {
		return Limits{}, fmt.Errorf("sender %s already registered: %w", req.SenderID, apperror.ErrConflict)
	}

	tier, err := m.tiers.TierForKlien(ctx, req.KlienID)
	if err != nil {
		return Limits{}, err
	}

	c := m.registry.Current()
	now := m.nowFn().UTC()
	startedAt := req.StartedAt
	if startedAt.IsZero() || startedAt.After(now) {
		startedAt = now
	}

	row := &models.SenderStatus{
		SenderID:         req.SenderID,
		KlienID:          req.KlienID,
		PhoneNumber:      req.PhoneNumber,
		WarmupState:      models.WarmupNew,
		StartedAt:        startedAt.UTC(),
		HealthScore:      c.Warmup.InitialHealth,
		RiskLevel:        string(models.RiskSafe),
		LastTransitionAt: now,
	}
	refresh(c, tier, row, now)

	if err := m.repo.Create(ctx, row); err != nil {
		return Limits{}, apperror.Stale("sender status", req.SenderID, err)
	}

	m.mu.Lock()
	m.records[row.SenderID] = &record{row: row, loadedAt: m.nowFn()}
	m.mu.Unlock()

	tx := &txn{catalog: c, tier: tier, now: now, trigger: models.TriggerRegistered}
	tx.steps = []step{{from: "", to: models.WarmupNew, trigger: models.TriggerRegistered}}
	m.emit(&models.SenderStatus{}, row, tx)

	return limitsFromRow(row, tier), nil
}

// Hot path: returns the sender's current limits from memory. I/O happens on
// first reference, when the cached row is older than the refresh interval,
// or when the tier or catalog changed underneath.
func (m *Machine) Limits(ctx context.Context, senderID string) (Limits, error) {
	rec, err := m.record(ctx, senderID)
	if err != nil {
		return Limits{}, err
	}
	row := rec.snapshot()

	tier, err := m.tiers.TierForKlien(ctx, row.KlienID)
	if err != nil {
		return Limits{}, err
	}

	c := m.registry.Current()
	want := computeEnvelope(c, tier, row.WarmupState, row.LastHealthGrade, models.RiskLevel(row.RiskLevel))
	if want.equal(envelopeOf(&row)) {
		return limitsFromRow(&row, tier), nil
	}

	limits, err := m.mutate(ctx, senderID, models.TriggerTierChange, "", m.nowFn(), func(*models.SenderStatus, *txn) error {
		return nil
	})
	if err != nil {
		// derived limits are authoritative even if they could not be persisted
		log.WithError(err).WithField("sender_id", senderID).Warn("failed to persist recomputed limits")
		want.apply(&row)
		return limitsFromRow(&row, tier), nil
	}
	return limits, nil
}

// Read-only copy of the stored row
func (m *Machine) Snapshot(ctx context.Context, senderID string) (*models.SenderStatus, error) {
	rec, err := m.record(ctx, senderID)
	if err != nil {
		return nil, err
	}
	row := rec.snapshot()
	return &row, nil
}

// Runs auto_age and auto_recovery for one sender at now
func (m *Machine) Evaluate(ctx context.Context, senderID string, now time.Time) (Limits, error) {
	return m.mutate(ctx, senderID, models.TriggerAutoAge, "", now, func(row *models.SenderStatus, tx *txn) error {
		switch row.WarmupState {
		case models.WarmupSuspended:
			return nil
		case models.WarmupCooldown:
			tx.trigger = models.TriggerAutoRecovery
			recoverHealth(tx.catalog, row, now)
			if canAutoRecover(tx.catalog, row, now) {
				target := recoveryTarget(tx.catalog, tx.tier, row, now)
				leaveBlocked(row)
				row.ConsecutiveErrors = 0
				tx.move(row, target, models.TriggerAutoRecovery)
				tx.reason = "cooldown expired and health recovered"
			}
			return nil
		}

		for {
			next, ok := nextAgeStep(tx.catalog, tx.tier, row, now)
			if !ok {
				break
			}
			tx.move(row, next, models.TriggerAutoAge)
		}
		return nil
	})
}

// Evaluates every known sender; failures are logged and joined
func (m *Machine) EvaluateAll(ctx context.Context, now time.Time) (int, error) {
	senders, err := m.repo.List(ctx)
	if err != nil {
		return 0, apperror.Stale("sender status", "", err)
	}

	var errs []error
	evaluated := 0
	for _, sender := range senders {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := m.Evaluate(ctx, sender.SenderID, now); err != nil {
			log.WithError(err).WithField("sender_id", sender.SenderID).Warn("warm-up evaluation failed")
			errs = append(errs, err)
			continue
		}
		evaluated++
	}
	return evaluated, errors.Join(errs...)
}

// Applies a delivery outcome to the health score
func (m *Machine) RecordOutcome(ctx context.Context, senderID string, outcome Outcome, at time.Time) (Limits, error) {
	if !outcome.Valid() {
		return Limits{}, fmt.Errorf("unknown outcome %q: %w", outcome, apperror.ErrInvalidArgument)
	}
	now := m.nowFn()
	if at.IsZero() {
		at = now
	}

	return m.mutate(ctx, senderID, models.TriggerHealthChange, "", now, func(row *models.SenderStatus, tx *txn) error {
		row.HealthScore = clampHealth(row.HealthScore + healthDelta(tx.catalog, outcome))
		switch {
		case outcome.isError():
			row.ConsecutiveErrors++
		case outcome == OutcomeDelivered:
			row.ConsecutiveErrors = 0
		}
		if outcome == OutcomeSent && (row.LastSentAt == nil || at.After(*row.LastSentAt)) {
			sent := at.UTC()
			row.LastSentAt = &sent
		}

		row.LastHealthGrade = tx.catalog.Grade(row.HealthScore)
		if needsCooldown(tx.catalog, row) {
			tx.reason = fmt.Sprintf("health %.1f, %d consecutive errors", row.HealthScore, row.ConsecutiveErrors)
			enterCooldown(tx, row, models.TriggerAutoHealth, tx.catalog.CooldownHours(models.TriggerAutoHealth), "", "")
		}
		return nil
	})
}

// Applies a provider webhook signal. Blocks and ban notices cool the sender
// down immediately; a RED quality rating does too.
func (m *Machine) ApplyProviderSignal(ctx context.Context, senderID string, signal ProviderSignal) (Limits, error) {
	return m.mutate(ctx, senderID, models.TriggerHealthChange, "", m.nowFn(), func(row *models.SenderStatus, tx *txn) error {
		c := tx.catalog
		switch signal.Kind {
		case SignalBlock, SignalBanNotice:
			row.HealthScore = clampHealth(row.HealthScore + c.Warmup.Health.Block)
			tx.reason = string(signal.Kind)
			enterCooldown(tx, row, models.TriggerWebhookBlock, c.CooldownHours(models.TriggerWebhookBlock), "", signal.Detail)

		case SignalQuality:
			switch strings.ToUpper(signal.Quality) {
			case "RED":
				tx.reason = "quality rating RED"
				enterCooldown(tx, row, models.TriggerWebhookFail, c.CooldownHours(models.TriggerWebhookFail), "", signal.Detail)
			case "YELLOW":
				row.HealthScore = clampHealth(row.HealthScore + c.Warmup.Health.Reject)
			case "GREEN", "":
				return nil
			default:
				return fmt.Errorf("unknown quality rating %q: %w", signal.Quality, apperror.ErrInvalidArgument)
			}

		case SignalFailure:
			row.HealthScore = clampHealth(row.HealthScore + c.Warmup.Health.Failure)
			row.ConsecutiveErrors++

		default:
			return fmt.Errorf("unknown provider signal %q: %w", signal.Kind, apperror.ErrInvalidArgument)
		}

		row.LastHealthGrade = c.Grade(row.HealthScore)
		if !row.WarmupState.Blocked() && needsCooldown(c, row) {
			tx.reason = fmt.Sprintf("provider %s", signal.Kind)
			enterCooldown(tx, row, models.TriggerWebhookFail, c.CooldownHours(models.TriggerWebhookFail), "", signal.Detail)
		}
		return nil
	})
}

// Records the sender's risk level; limits scale by its factor
func (m *Machine) SetRiskLevel(ctx context.Context, senderID string, level models.RiskLevel) (Limits, error) {
	if level != models.RiskSafe && level.Rank() == 0 {
		return Limits{}, fmt.Errorf("unknown risk level %q: %w", level, apperror.ErrInvalidArgument)
	}
	return m.mutate(ctx, senderID, models.TriggerRiskChange, "", m.nowFn(), func(row *models.SenderStatus, tx *txn) error {
		row.RiskLevel = string(level)
		return nil
	})
}

type ForceRequest struct {
	State  models.WarmupState `json:"state" binding:"required"`
	Hours  int                `json:"hours"`
	Actor  string             `json:"-"`
	Reason string             `json:"reason"`
}

// Owner-forced COOLDOWN or SUSPENDED. No automatic trigger can undo it.
func (m *Machine) Force(ctx context.Context, senderID string, req ForceRequest) (Limits, error) {
	if req.State != models.WarmupCooldown && req.State != models.WarmupSuspended {
		return Limits{}, fmt.Errorf("owner can only force COOLDOWN or SUSPENDED: %w", apperror.ErrInvalidTransition)
	}

	return m.mutate(ctx, senderID, models.TriggerOwnerForce, req.Actor, m.nowFn(), func(row *models.SenderStatus, tx *txn) error {
		tx.reason = req.Reason
		if req.State == models.WarmupSuspended {
			suspend(tx, row, models.TriggerOwnerForce, req.Actor, req.Reason)
			return nil
		}

		if row.WarmupState == models.WarmupSuspended {
			log.WithFields(log.Fields{"sender_id": senderID, "actor": req.Actor}).Warn("forced cooldown of a suspended sender rejected")
			return apperror.Terminal("warmup", "sender %s is SUSPENDED and cannot be forced into COOLDOWN", senderID)
		}
		hours := req.Hours
		if hours <= 0 {
			hours = tx.catalog.CooldownHours(models.TriggerOwnerForce)
		}
		enterCooldown(tx, row, models.TriggerOwnerForce, hours, req.Actor, req.Reason)
		return nil
	})
}

// Leaves COOLDOWN or SUSPENDED early, back to the prior state or whatever
// the number's age now warrants
func (m *Machine) Resume(ctx context.Context, senderID, actor, reason string) (Limits, error) {
	return m.mutate(ctx, senderID, models.TriggerOwnerResume, actor, m.nowFn(), func(row *models.SenderStatus, tx *txn) error {
		if !row.WarmupState.Blocked() {
			return fmt.Errorf("sender %s is %s: %w", senderID, row.WarmupState, apperror.ErrInvalidTransition)
		}
		tx.reason = reason
		target := resumeTarget(tx.catalog, tx.tier, row, tx.now)
		leaveBlocked(row)
		row.ConsecutiveErrors = 0
		tx.move(row, target, models.TriggerOwnerResume)
		return nil
	})
}

// Suspends on severe abuse or critical risk
func (m *Machine) Suspend(ctx context.Context, senderID string, trigger models.Trigger, actor, reason string) (Limits, error) {
	if trigger != models.TriggerSevereAbuse && trigger != models.TriggerCriticalRisk {
		return Limits{}, fmt.Errorf("trigger %s cannot suspend: %w", trigger, apperror.ErrInvalidTransition)
	}
	return m.mutate(ctx, senderID, trigger, actor, m.nowFn(), func(row *models.SenderStatus, tx *txn) error {
		tx.reason = reason
		suspend(tx, row, trigger, actor, reason)
		return nil
	})
}

// Sets any state. The operator console's escape hatch.
func (m *Machine) ManualOverride(ctx context.Context, senderID string, state models.WarmupState, actor, reason string) (Limits, error) {
	if !state.Valid() {
		return Limits{}, fmt.Errorf("unknown state %q: %w", state, apperror.ErrInvalidArgument)
	}

	return m.mutate(ctx, senderID, models.TriggerManualOverride, actor, m.nowFn(), func(row *models.SenderStatus, tx *txn) error {
		tx.reason = reason
		if row.WarmupState == state {
			return nil
		}
		switch state {
		case models.WarmupSuspended:
			suspend(tx, row, models.TriggerManualOverride, actor, reason)
		case models.WarmupCooldown:
			enterCooldown(tx, row, models.TriggerManualOverride, tx.catalog.CooldownHours(models.TriggerManualOverride), actor, reason)
		default:
			leaveBlocked(row)
			row.ConsecutiveErrors = 0
			tx.move(row, state, models.TriggerManualOverride)
		}
		return nil
	})
}

type step struct {
	from    models.WarmupState
	to      models.WarmupState
	trigger models.Trigger
}

// State carried through one mutation
type txn struct {
	catalog *catalog.Catalog
	tier    catalog.Tier
	now     time.Time
	trigger models.Trigger
	actor   string
	reason  string
	steps   []step
}

func (tx *txn) move(row *models.SenderStatus, to models.WarmupState, trigger models.Trigger) {
	if row.WarmupState == to {
		return
	}
	tx.steps = append(tx.steps, step{from: row.WarmupState, to: to, trigger: trigger})
	tx.trigger = trigger
	row.WarmupState = to
}

func enterCooldown(tx *txn, row *models.SenderStatus, trigger models.Trigger, hours int, actor, reason string) {
	if row.WarmupState == models.WarmupSuspended {
		return
	}
	until := tx.now.Add(time.Duration(hours) * time.Hour).UTC()

	if row.WarmupState == models.WarmupCooldown {
		if row.CooldownUntil == nil || until.After(*row.CooldownUntil) {
			row.CooldownUntil = &until
		}
		if trigger == models.TriggerOwnerForce {
			row.CooldownTrigger = trigger
			row.ForcedBy = actor
			row.ForcedReason = reason
		}
		tx.trigger = trigger
		return
	}

	row.PriorState = row.WarmupState
	row.CooldownUntil = &until
	row.CooldownTrigger = trigger
	recoveredAt := tx.now.UTC()
	row.LastRecoveryAt = &recoveredAt
	if trigger == models.TriggerOwnerForce || trigger == models.TriggerManualOverride {
		row.ForcedBy = actor
		row.ForcedReason = reason
	}
	tx.move(row, models.WarmupCooldown, trigger)
}

func suspend(tx *txn, row *models.SenderStatus, trigger models.Trigger, actor, reason string) {
	if row.WarmupState == models.WarmupSuspended {
		return
	}
	if row.WarmupState != models.WarmupCooldown {
		row.PriorState = row.WarmupState
	}
	row.CooldownUntil = nil
	row.CooldownTrigger = ""
	row.ForcedBy = actor
	row.ForcedReason = ""
	row.SuspendedReason = reason
	tx.move(row, models.WarmupSuspended, trigger)
}

func leaveBlocked(row *models.SenderStatus) {
	row.PriorState = ""
	row.CooldownUntil = nil
	row.CooldownTrigger = ""
	row.ForcedBy = ""
	row.ForcedReason = ""
	row.SuspendedReason = ""
	row.LastRecoveryAt = nil
}

// Passive health regain while cooling down
func recoverHealth(c *catalog.Catalog, row *models.SenderStatus, now time.Time) {
	if c.Warmup.RecoveryPerHour <= 0 || row.HealthScore >= 100 {
		return
	}
	anchor := row.LastTransitionAt
	if row.LastRecoveryAt != nil {
		anchor = *row.LastRecoveryAt
	}
	hours := now.Sub(anchor).Hours()
	if hours <= 0 {
		return
	}
	row.HealthScore = clampHealth(row.HealthScore + hours*c.Warmup.RecoveryPerHour)
	row.LastHealthGrade = c.Grade(row.HealthScore)
	at := now.UTC()
	row.LastRecoveryAt = &at
}

func canAutoRecover(c *catalog.Catalog, row *models.SenderStatus, now time.Time) bool {
	if row.Forced() {
		return false
	}
	if row.CooldownUntil != nil && now.Before(*row.CooldownUntil) {
		return false
	}
	return row.HealthScore >= c.Warmup.RecoveryHealthAtLeast
}

// Re-derives grade, status and envelope from the row's state
func refresh(c *catalog.Catalog, tier catalog.Tier, row *models.SenderStatus, now time.Time) {
	row.LastHealthGrade = c.Grade(row.HealthScore)
	row.Status = projectStatus(c, row, now)
	computeEnvelope(c, tier, row.WarmupState, row.LastHealthGrade, models.RiskLevel(row.RiskLevel)).apply(row)
}

func (m *Machine) record(ctx context.Context, senderID string) (*record, error) {
	m.mu.RLock()
	rec := m.records[senderID]
	m.mu.RUnlock()
	if rec != nil {
		if rec.staleAt(m.nowFn(), m.refresh) {
			return m.revalidate(ctx, rec, senderID)
		}
		return rec, nil
	}

	v, err, _ := m.loads.Do(senderID, func() (interface{}, error) {
		row, err := m.repo.Get(ctx, senderID)
		if err != nil {
			return nil, apperror.Stale("sender status", senderID, err)
		}
		if row == nil {
			return nil, apperror.Configuration(fmt.Sprintf("sender %s is not registered", senderID), apperror.ErrNotFound)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if existing := m.records[senderID]; existing != nil {
			return existing, nil
		}
		rec := &record{row: row, loadedAt: m.nowFn()}
		m.records[senderID] = rec
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*record), nil
}

// Picks up writes made by other instances sharing the repository. A failed
// read keeps serving the cached row and retries on the next call.
func (m *Machine) revalidate(ctx context.Context, rec *record, senderID string) (*record, error) {
	_, err, _ := m.loads.Do("refresh:"+senderID, func() (interface{}, error) {
		return nil, m.reload(ctx, rec, senderID)
	})
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, apperror.ErrNotFound):
		m.mu.Lock()
		if m.records[senderID] == rec {
			delete(m.records, senderID)
		}
		m.mu.Unlock()
		return nil, err
	default:
		log.WithError(err).WithField("sender_id", senderID).Warn("sender refresh failed, serving cached row")
		return rec, nil
	}
}

func (m *Machine) reload(ctx context.Context, rec *record, senderID string) error {
	row, err := m.repo.Get(ctx, senderID)
	if err != nil {
		return apperror.Stale("sender status", senderID, err)
	}
	if row == nil {
		return apperror.Configuration(fmt.Sprintf("sender %s is not registered", senderID), apperror.ErrNotFound)
	}
	rec.set(row, m.nowFn())
	return nil
}

// Applies fn to a copy of the sender row, re-derives everything, and writes
// it back with a version check. Lost races reload and retry.
func (m *Machine) mutate(ctx context.Context, senderID string, trigger models.Trigger, actor string, now time.Time, fn func(*models.SenderStatus, *txn) error) (Limits, error) {
	rec, err := m.record(ctx, senderID)
	if err != nil {
		return Limits{}, err
	}

	rec.write.Lock()
	defer rec.write.Unlock()

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		before := rec.snapshot()
		tier, err := m.tiers.TierForKlien(ctx, before.KlienID)
		if err != nil {
			return Limits{}, err
		}

		c := m.registry.Current()
		tx := &txn{catalog: c, tier: tier, now: now, trigger: trigger, actor: actor}
		next := before
		next.LastHealthGrade = c.Grade(next.HealthScore)
		if err := fn(&next, tx); err != nil {
			return Limits{}, err
		}
		refresh(c, tier, &next, now)

		if !changed(&before, &next) {
			return limitsFromRow(&before, tier), nil
		}
		if len(tx.steps) > 0 {
			next.LastTransitionAt = now.UTC()
		}
		next.Version = before.Version + 1
		next.UpdatedAt = now.UTC()

		err = m.repo.Update(ctx, &next, before.Version)
		if errors.Is(err, apperror.ErrConflict) {
			log.WithFields(log.Fields{"sender_id": senderID, "attempt": attempt + 1}).Debug("sender version conflict, reloading")
			if err := m.reload(ctx, rec, senderID); err != nil {
				return Limits{}, err
			}
			continue
		}
		if err != nil {
			return Limits{}, apperror.Stale("sender status", senderID, err)
		}

		rec.set(&next, m.nowFn())
		m.emit(&before, &next, tx)
		return limitsFromRow(&next, tier), nil
	}

	return Limits{}, fmt.Errorf("sender %s: %w after %d attempts", senderID, apperror.ErrConflict, maxCASRetries)
}

func changed(a, b *models.SenderStatus) bool {
	return a.WarmupState != b.WarmupState ||
		a.Status != b.Status ||
		a.PriorState != b.PriorState ||
		a.HealthScore != b.HealthScore ||
		a.LastHealthGrade != b.LastHealthGrade ||
		a.ConsecutiveErrors != b.ConsecutiveErrors ||
		a.RiskLevel != b.RiskLevel ||
		!timeEqual(a.CooldownUntil, b.CooldownUntil) ||
		a.CooldownTrigger != b.CooldownTrigger ||
		a.ForcedBy != b.ForcedBy ||
		a.ForcedReason != b.ForcedReason ||
		a.SuspendedReason != b.SuspendedReason ||
		!timeEqual(a.LastSentAt, b.LastSentAt) ||
		!envelopeOf(a).equal(envelopeOf(b))
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

type stateView struct {
	State         models.WarmupState       `json:"state"`
	Status        models.SenderStatusValue `json:"status,omitempty"`
	CooldownUntil *time.Time               `json:"cooldown_until,omitempty"`
}

func (m *Machine) emit(before, after *models.SenderStatus, tx *txn) {
	fields := log.Fields{"sender_id": after.SenderID, "klien_id": after.KlienID}
	if tx.actor != "" {
		fields["actor"] = tx.actor
	}

	prev := stateView{State: before.WarmupState, Status: before.Status, CooldownUntil: before.CooldownUntil}
	for i, s := range tx.steps {
		view := stateView{State: s.to}
		if i == len(tx.steps)-1 {
			view.Status = after.Status
			view.CooldownUntil = after.CooldownUntil
		} else {
			intermediate := *after
			intermediate.WarmupState = s.to
			view.Status = projectStatus(tx.catalog, &intermediate, tx.now)
		}

		m.publisher.Publish(events.Event{
			Stream:     events.StreamStateTransition,
			Kind:       events.KindTransition,
			EntityType: string(models.EntitySender),
			EntityID:   after.SenderID,
			KlienID:    after.KlienID,
			Trigger:    string(s.trigger),
			Actor:      tx.actor,
			Before:     events.Raw(prev),
			After:      events.Raw(view),
			Payload: events.Raw(map[string]interface{}{
				"reason": tx.reason,
				"health": after.HealthScore,
				"grade":  after.LastHealthGrade,
			}),
			OccurredAt: tx.now,
		})
		if s.from != "" {
			m.metrics.Transition(string(s.from), string(s.to), string(s.trigger))
		}
		log.WithFields(fields).WithFields(log.Fields{
			"from":    s.from,
			"to":      s.to,
			"trigger": s.trigger,
		}).Info("sender state transition")

		prev = view
	}

	oldLimits, newLimits := envelopeOf(before), envelopeOf(after)
	if before.SenderID != "" && !oldLimits.equal(newLimits) {
		m.publisher.Publish(events.Event{
			Stream:     events.StreamLimitChange,
			Kind:       events.KindLimitChange,
			EntityType: string(models.EntitySender),
			EntityID:   after.SenderID,
			KlienID:    after.KlienID,
			Trigger:    string(tx.trigger),
			Actor:      tx.actor,
			Before:     events.Raw(oldLimits),
			After:      events.Raw(newLimits),
			Payload:    events.Raw(map[string]interface{}{"tier": tx.tier.Code, "state": after.WarmupState}),
			OccurredAt: tx.now,
		})
		log.WithFields(fields).WithFields(log.Fields{
			"trigger": tx.trigger,
			"daily":   newLimits.DailyLimit,
			"hourly":  newLimits.HourlyLimit,
			"burst":   newLimits.BurstLimit,
		}).Debug("sender limits changed")
	}
}
