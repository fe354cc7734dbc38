package warmup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type memoryRepo struct {
	mu   sync.Mutex
	rows map[string]models.SenderStatus
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[string]models.SenderStatus)}
}

func (r *memoryRepo) Get(_ context.Context, id string) (*models.SenderStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (r *memoryRepo) Create(_ context.Context, sender *models.SenderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[sender.SenderID]; ok {
		return fmt.Errorf("duplicate key")
	}
	r.rows[sender.SenderID] = *sender
	return nil
}

func (r *memoryRepo) Update(_ context.Context, sender *models.SenderStatus, expected int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows[sender.SenderID].Version != expected {
		return apperror.ErrConflict
	}
	r.rows[sender.SenderID] = *sender
	return nil
}

func (r *memoryRepo) List(_ context.Context) ([]models.SenderStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SenderStatus, 0, len(r.rows))
	for _, row := range r.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SenderID < out[j].SenderID })
	return out, nil
}

// simulates a write from another process
func (r *memoryRepo) tamper(id string, fn func(*models.SenderStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.rows[id]
	fn(&row)
	row.Version++
	r.rows[id] = row
}

type staticTiers struct {
	mu   sync.Mutex
	tier catalog.Tier
}

func (s *staticTiers) TierForKlien(context.Context, string) (catalog.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier, nil
}

func (s *staticTiers) set(tier catalog.Tier) {
	s.mu.Lock()
	s.tier = tier
	s.mu.Unlock()
}

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(e events.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *capture) stream(s events.Stream) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Stream == s {
			out = append(out, e)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	machine *Machine
	repo    *memoryRepo
	tiers   *staticTiers
	events  *capture
	clock   *clock
	catalog *catalog.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := catalog.Default()
	tier, err := c.TierBySegment("umkm")
	require.NoError(t, err)

	f := &fixture{
		repo:    newMemoryRepo(),
		tiers:   &staticTiers{tier: tier},
		events:  &capture{},
		clock:   &clock{now: epoch},
		catalog: c,
	}
	f.machine = NewMachine(f.repo, f.tiers, catalog.NewRegistry(c), Options{
		Publisher: f.events,
		Now:       f.clock.Now,
	})
	return f
}

func (f *fixture) register(t *testing.T, id string) Limits {
	t.Helper()
	limits, err := f.machine.Register(context.Background(), RegisterRequest{
		SenderID:    id,
		KlienID:     "klien-1",
		PhoneNumber: "+6281200000000",
		StartedAt:   epoch,
	})
	require.NoError(t, err)
	return limits
}

func TestRegister_StartsNew(t *testing.T) {
	f := newFixture(t)
	limits := f.register(t, "s1")

	assert.Equal(t, models.WarmupNew, limits.State)
	assert.Equal(t, models.StatusWarmingUp, limits.Status)
	assert.Equal(t, 50, limits.DailyLimit)
	assert.Equal(t, 10, limits.HourlyLimit)
	assert.Equal(t, 3, limits.BurstLimit)
	assert.Equal(t, []string{"utility"}, limits.AllowedTemplateCategories)
	assert.False(t, limits.BlastEnabled)
	assert.Equal(t, "A", limits.Grade)

	transitions := f.events.stream(events.StreamStateTransition)
	require.Len(t, transitions, 1)
	assert.Equal(t, string(models.TriggerRegistered), transitions[0].Trigger)

	_, err := f.machine.Register(context.Background(), RegisterRequest{SenderID: "s1", KlienID: "klien-1"})
	assert.ErrorIs(t, err, apperror.ErrConflict)

	_, err = f.machine.Register(context.Background(), RegisterRequest{SenderID: "s2"})
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

func TestLimits_UnregisteredSender(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine.Limits(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, apperror.IsConfiguration(err))
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestEvaluate_WarmupIsMonotonic(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	var states []models.WarmupState
	for d := 0; d <= 12; d++ {
		now := epoch.Add(time.Duration(d) * day)
		f.clock.set(now)
		limits, err := f.machine.Evaluate(context.Background(), "s1", now)
		require.NoError(t, err)
		states = append(states, limits.State)
	}

	for i := 1; i < len(states); i++ {
		assert.GreaterOrEqual(t, rank(states[i]), rank(states[i-1]), "day %d regressed", i)
	}
	assert.Equal(t, models.WarmupNew, states[3])
	assert.Equal(t, models.WarmupWarming, states[4])
	assert.Equal(t, models.WarmupWarming, states[7])
	assert.Equal(t, models.WarmupStable, states[8])

	limits, err := f.machine.Limits(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 5000, limits.DailyLimit)
	assert.Equal(t, 600, limits.HourlyLimit)
	assert.Equal(t, 10, limits.BurstLimit)
	assert.Equal(t, models.StatusActive, limits.Status)
}

func TestEvaluate_LateEvaluationStepsThroughEveryState(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	now := epoch.Add(9 * day)
	f.clock.set(now)
	limits, err := f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupStable, limits.State)

	transitions := f.events.stream(events.StreamStateTransition)
	require.Len(t, transitions, 3)
	assert.JSONEq(t, `{"state":"NEW","status":"warming_up"}`, string(transitions[1].Before))
	assert.Contains(t, string(transitions[1].After), `"state":"WARMING"`)
	assert.Contains(t, string(transitions[2].After), `"state":"STABLE"`)
	assert.Equal(t, string(models.TriggerAutoAge), transitions[2].Trigger)
}

func TestEvaluate_DegradedHealthHoldsAge(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	// seven reports take health to 65, grade C
	for i := 0; i < 7; i++ {
		_, err := f.machine.RecordOutcome(context.Background(), "s1", OutcomeReported, time.Time{})
		require.NoError(t, err)
	}
	row, err := f.machine.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 65.0, row.HealthScore)
	assert.Equal(t, "C", row.LastHealthGrade)

	now := epoch.Add(5 * day)
	limits, err := f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupNew, limits.State)
	assert.Equal(t, 25, limits.DailyLimit, "grade C halves the NEW envelope")
}

func TestRecordOutcome_ConsecutiveErrorsCoolDown(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")
	f.clock.set(epoch.Add(5 * day))

	var limits Limits
	var err error
	for i := 0; i < 5; i++ {
		limits, err = f.machine.RecordOutcome(context.Background(), "s1", OutcomeFailed, time.Time{})
		require.NoError(t, err)
	}

	assert.Equal(t, models.WarmupCooldown, limits.State)
	assert.Equal(t, models.StatusLimited, limits.Status)
	assert.Zero(t, limits.DailyLimit)
	assert.Zero(t, limits.BurstLimit)
	assert.Empty(t, limits.AllowedTemplateCategories)
	require.NotNil(t, limits.CooldownUntil)
	assert.True(t, limits.CooldownUntil.Equal(epoch.Add(5*day+24*time.Hour)))

	row, err := f.machine.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.TriggerAutoHealth, row.CooldownTrigger)
	assert.Equal(t, models.WarmupNew, row.PriorState)
	assert.Equal(t, 90.0, row.HealthScore)
}

func TestEvaluate_AutoRecoveryLandsInWarming(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")
	f.clock.set(epoch.Add(5 * day))
	for i := 0; i < 5; i++ {
		_, err := f.machine.RecordOutcome(context.Background(), "s1", OutcomeFailed, time.Time{})
		require.NoError(t, err)
	}

	// still cooling down
	now := epoch.Add(5*day + 12*time.Hour)
	limits, err := f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupCooldown, limits.State)

	now = epoch.Add(6*day + time.Hour)
	f.clock.set(now)
	limits, err = f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupWarming, limits.State, "recovery never lands in NEW")
	assert.Nil(t, limits.CooldownUntil)
	assert.Equal(t, 250, limits.DailyLimit)

	row, err := f.machine.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, row.ConsecutiveErrors)
	assert.Empty(t, row.CooldownTrigger)

	transitions := f.events.stream(events.StreamStateTransition)
	last := transitions[len(transitions)-1]
	assert.Equal(t, string(models.TriggerAutoRecovery), last.Trigger)
}

func TestEvaluate_RecoveryNeedsHealth(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")
	f.repo.tamper("s1", func(row *models.SenderStatus) { row.HealthScore = 20 })

	_, err := f.machine.ApplyProviderSignal(context.Background(), "s1", ProviderSignal{Kind: SignalQuality, Quality: "RED"})
	require.NoError(t, err)

	// 12h cooldown expired but 12h of passive recovery only brings health to 38
	now := epoch.Add(12 * time.Hour)
	limits, err := f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupCooldown, limits.State)
	assert.InDelta(t, 38.0, limits.HealthScore, 0.001)

	now = epoch.Add(48 * time.Hour)
	limits, err = f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupWarming, limits.State)
}

func TestForce_CooldownOnlyClearedByResume(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	limits, err := f.machine.Force(context.Background(), "s1", ForceRequest{
		State:  models.WarmupCooldown,
		Hours:  1,
		Actor:  "ops@example.com",
		Reason: "customer complaint",
	})
	require.NoError(t, err)
	assert.Equal(t, models.WarmupCooldown, limits.State)
	assert.Equal(t, models.StatusPaused, limits.Status)

	// expired and healthy, but forced
	now := epoch.Add(72 * time.Hour)
	f.clock.set(now)
	limits, err = f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupCooldown, limits.State)

	// an automatic cooldown on top keeps the forced flag
	_, err = f.machine.ApplyProviderSignal(context.Background(), "s1", ProviderSignal{Kind: SignalBlock})
	require.NoError(t, err)
	row, err := f.machine.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, row.Forced())
	assert.Equal(t, "ops@example.com", row.ForcedBy)

	limits, err = f.machine.Resume(context.Background(), "s1", "ops@example.com", "resolved")
	require.NoError(t, err)
	assert.Equal(t, models.WarmupNew, limits.State)
	assert.Equal(t, models.StatusWarmingUp, limits.Status)

	_, err = f.machine.Resume(context.Background(), "s1", "ops@example.com", "again")
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	override := f.events.stream(events.StreamStateTransition)
	last := override[len(override)-1]
	assert.Equal(t, "ops@example.com", last.Actor)
	assert.Equal(t, string(models.TriggerOwnerResume), last.Trigger)
}

func TestForce_RejectsNonBlockingStates(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	_, err := f.machine.Force(context.Background(), "s1", ForceRequest{State: models.WarmupStable})
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
}

func TestSuspend_IsTerminalUntilOwnerAction(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	_, err := f.machine.Suspend(context.Background(), "s1", models.TriggerAutoHealth, "", "")
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	limits, err := f.machine.Suspend(context.Background(), "s1", models.TriggerSevereAbuse, "abuse", "rule risk_critical")
	require.NoError(t, err)
	assert.Equal(t, models.WarmupSuspended, limits.State)
	assert.Equal(t, models.StatusBanned, limits.Status)
	assert.Zero(t, limits.HourlyLimit)

	now := epoch.Add(30 * day)
	f.clock.set(now)
	limits, err = f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupSuspended, limits.State)

	for i := 0; i < 10; i++ {
		_, err = f.machine.RecordOutcome(context.Background(), "s1", OutcomeBlocked, time.Time{})
		require.NoError(t, err)
	}
	row, err := f.machine.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.WarmupSuspended, row.WarmupState)

	_, err = f.machine.Force(context.Background(), "s1", ForceRequest{State: models.WarmupCooldown})
	assert.ErrorIs(t, err, apperror.ErrTerminalState)
	assert.True(t, apperror.IsInvariant(err))

	limits, err = f.machine.ManualOverride(context.Background(), "s1", models.WarmupWarming, "admin@example.com", "appeal accepted")
	require.NoError(t, err)
	assert.Equal(t, models.WarmupWarming, limits.State)
}

func TestApplyProviderSignal_Cooldowns(t *testing.T) {
	tests := []struct {
		name    string
		signal  ProviderSignal
		state   models.WarmupState
		trigger models.Trigger
		hours   int
	}{
		{"block", ProviderSignal{Kind: SignalBlock}, models.WarmupCooldown, models.TriggerWebhookBlock, 48},
		{"ban notice", ProviderSignal{Kind: SignalBanNotice}, models.WarmupCooldown, models.TriggerWebhookBlock, 48},
		{"quality red", ProviderSignal{Kind: SignalQuality, Quality: "red"}, models.WarmupCooldown, models.TriggerWebhookFail, 12},
		{"quality yellow", ProviderSignal{Kind: SignalQuality, Quality: "YELLOW"}, models.WarmupNew, "", 0},
		{"single failure", ProviderSignal{Kind: SignalFailure}, models.WarmupNew, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.register(t, "s1")

			_, err := f.machine.ApplyProviderSignal(context.Background(), "s1", tt.signal)
			require.NoError(t, err)

			row, err := f.machine.Snapshot(context.Background(), "s1")
			require.NoError(t, err)
			assert.Equal(t, tt.state, row.WarmupState)
			assert.Equal(t, tt.trigger, row.CooldownTrigger)
			if tt.hours > 0 {
				require.NotNil(t, row.CooldownUntil)
				assert.True(t, row.CooldownUntil.Equal(epoch.Add(time.Duration(tt.hours)*time.Hour)))
			}
		})
	}

	f := newFixture(t)
	f.register(t, "s1")
	_, err := f.machine.ApplyProviderSignal(context.Background(), "s1", ProviderSignal{Kind: "carrier_pigeon"})
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

func TestSetRiskLevel_ScalesLimits(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	limits, err := f.machine.SetRiskLevel(context.Background(), "s1", models.RiskWarning)
	require.NoError(t, err)
	assert.Equal(t, 35, limits.DailyLimit)
	assert.Equal(t, 7, limits.HourlyLimit)
	assert.Equal(t, 2, limits.BurstLimit)

	changes := f.events.stream(events.StreamLimitChange)
	require.Len(t, changes, 1)
	assert.Contains(t, string(changes[0].Before), `"daily_limit":50`)
	assert.Contains(t, string(changes[0].After), `"daily_limit":35`)
	assert.Equal(t, string(models.TriggerRiskChange), changes[0].Trigger)

	limits, err = f.machine.SetRiskLevel(context.Background(), "s1", models.RiskCritical)
	require.NoError(t, err)
	assert.Zero(t, limits.DailyLimit)
	assert.False(t, limits.BlastEnabled)

	_, err = f.machine.SetRiskLevel(context.Background(), "s1", "apocalyptic")
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

func TestLimits_RecomputedOnTierChange(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	corporate, err := f.catalog.TierBySegment("corporate")
	require.NoError(t, err)
	f.tiers.set(corporate)

	limits, err := f.machine.Limits(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 75, limits.DailyLimit)
	assert.Equal(t, 15, limits.HourlyLimit)
	assert.Equal(t, 4, limits.BurstLimit)
	assert.Equal(t, "corporate-standard", limits.Tier.Code)

	stored, err := f.repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 75, stored.CurrentDailyLimit)
	assert.Equal(t, int64(1), stored.Version)

	changes := f.events.stream(events.StreamLimitChange)
	require.Len(t, changes, 1)
	assert.Equal(t, string(models.TriggerTierChange), changes[0].Trigger)
}

func TestMutate_RetriesOnVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	f.repo.tamper("s1", func(row *models.SenderStatus) { row.HealthScore = 50 })

	limits, err := f.machine.RecordOutcome(context.Background(), "s1", OutcomeFailed, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 48.0, limits.HealthScore)

	stored, err := f.repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, 48.0, stored.HealthScore)
}

func TestLimits_SeesWritesFromAnotherInstance(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	other := NewMachine(f.repo, f.tiers, catalog.NewRegistry(f.catalog), Options{Now: f.clock.Now})
	ctx := context.Background()

	limits, err := f.machine.Limits(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.WarmupNew, limits.State)
	assert.Equal(t, 3, limits.BurstLimit)

	_, err = other.Force(ctx, "s1", ForceRequest{State: models.WarmupCooldown, Hours: 24, Actor: "owner@example.com"})
	require.NoError(t, err)

	for _, offset := range []time.Duration{6 * time.Second, time.Minute, time.Hour, 12 * time.Hour} {
		f.clock.set(epoch.Add(offset))
		limits, err = f.machine.Limits(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.WarmupCooldown, limits.State, "at +%s", offset)
		assert.Zero(t, limits.BurstLimit, "at +%s", offset)
	}

	// the refreshed row carries the other instance's version
	limits, err = f.machine.RecordOutcome(ctx, "s1", OutcomeDelivered, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, models.WarmupCooldown, limits.State)

	stored, err := f.repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.WarmupCooldown, stored.WarmupState)
	assert.Equal(t, "owner@example.com", stored.ForcedBy)
}

func TestLimits_RefreshDisabledKeepsCachedRow(t *testing.T) {
	f := newFixture(t)
	f.machine = NewMachine(f.repo, f.tiers, catalog.NewRegistry(f.catalog), Options{
		Now:          f.clock.Now,
		RefreshAfter: -1,
	})
	f.register(t, "s1")

	f.repo.tamper("s1", func(row *models.SenderStatus) { row.HealthScore = 10 })
	f.clock.set(epoch.Add(day))

	row, err := f.machine.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, row.HealthScore)
}

func TestLimits_RefreshDropsDeletedSender(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	f.repo.mu.Lock()
	delete(f.repo.rows, "s1")
	f.repo.mu.Unlock()
	f.clock.set(epoch.Add(time.Minute))

	_, err := f.machine.Limits(context.Background(), "s1")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestStatus_InactiveAfterSilence(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	_, err := f.machine.RecordOutcome(context.Background(), "s1", OutcomeSent, epoch.Add(time.Hour))
	require.NoError(t, err)

	now := epoch.Add(40 * day)
	f.clock.set(now)
	limits, err := f.machine.Evaluate(context.Background(), "s1", now)
	require.NoError(t, err)
	assert.Equal(t, models.WarmupStable, limits.State)
	assert.Equal(t, models.StatusInactive, limits.Status)

	_, err = f.machine.RecordOutcome(context.Background(), "s1", OutcomeSent, now)
	require.NoError(t, err)
	row, err := f.machine.Snapshot(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, row.Status)
}

func TestEvaluateAll(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")
	f.register(t, "s2")

	now := epoch.Add(4 * day)
	n, err := f.machine.EvaluateAll(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts := map[models.WarmupState]int{}
	rows, err := f.repo.List(context.Background())
	require.NoError(t, err)
	for _, row := range rows {
		counts[row.WarmupState]++
	}
	assert.Equal(t, 2, counts[models.WarmupWarming])
}

func TestLimits_ConcurrentReadersAndWriters(t *testing.T) {
	f := newFixture(t)
	f.register(t, "s1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.machine.Limits(context.Background(), "s1")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.machine.RecordOutcome(context.Background(), "s1", OutcomeDelivered, time.Time{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.repo.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.HealthScore)
}
