package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	c := Default()

	tier, err := c.TierBySegment("UMKM")
	require.NoError(t, err)
	assert.Equal(t, "umkm-basic", tier.Code)

	_, err = c.TierBySegment("government")
	assert.True(t, apperror.IsConfiguration(err))
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestGrade(t *testing.T) {
	c := Default()
	assert.Equal(t, "A", c.Grade(85))
	assert.Equal(t, "B", c.Grade(84.9))
	assert.Equal(t, "C", c.Grade(50))
	assert.Equal(t, "D", c.Grade(10))
	assert.Less(t, c.GradeRank("A"), c.GradeRank("C"))
}

func TestParse_OverlaysDefaults(t *testing.T) {
	c, err := Parse([]byte(`
default_segment: corporate
tiers:
  - code: corporate-v2
    segment: corporate
    version: 2
    messages_per_minute: 90
    messages_per_hour: 3000
    messages_per_day: 30000
    burst_limit: 40
warmup:
  cooldown_hours:
    webhook_block: 72
`))
	require.NoError(t, err)

	require.Len(t, c.Tiers, 1)
	tier, err := c.TierBySegment("corporate")
	require.NoError(t, err)
	assert.Equal(t, 90, tier.MessagesPerMinute)
	assert.Equal(t, 72, c.CooldownHours(models.TriggerWebhookBlock))
	assert.Equal(t, 24, c.CooldownHours(models.TriggerAutoHealth))
	assert.NotEmpty(t, c.RulesFor("risk_score"))
}

func TestParse_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown comparator": `
abuse:
  rules:
    - code: x
      signal_type: failure_ratio
      comparator: between
      action_type: warn
`,
		"unknown action": `
abuse:
  rules:
    - code: x
      signal_type: failure_ratio
      comparator: gt
      action_type: ban
`,
		"default segment without tier": `default_segment: government`,
		"non positive limits": `
tiers:
  - code: broken
    segment: umkm
    version: 1
    messages_per_minute: 0
    messages_per_hour: 1
    messages_per_day: 1
    burst_limit: 1
`,
		"malformed yaml": `tiers: [`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, apperror.IsConfiguration(err))
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		op        string
		value     float64
		threshold float64
		want      bool
	}{
		{CompareGT, 5, 4, true},
		{CompareGT, 4, 4, false},
		{CompareGTE, 4, 4, true},
		{CompareLT, 3, 4, true},
		{CompareLTE, 4, 4, true},
		{CompareEQ, 0.3, 0.1 + 0.2, true},
		{"between", 1, 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Compare(tt.op, tt.value, tt.threshold), "%s %v %v", tt.op, tt.value, tt.threshold)
	}
}

func TestAbuseRule_AppliesToSegment(t *testing.T) {
	assert.True(t, AbuseRule{}.AppliesToSegment("umkm"))
	assert.True(t, AbuseRule{AppliesTo: []string{"UMKM"}}.AppliesToSegment("umkm"))
	assert.False(t, AbuseRule{AppliesTo: []string{"corporate"}}.AppliesToSegment("umkm"))
}

const catalogV1 = `
tiers:
  - code: umkm-basic
    segment: umkm
    version: 1
    messages_per_minute: 20
    messages_per_hour: 600
    messages_per_day: 5000
    burst_limit: 10
`

const catalogV2 = `
tiers:
  - code: umkm-basic
    segment: umkm
    version: 2
    messages_per_minute: 40
    messages_per_hour: 600
    messages_per_day: 5000
    burst_limit: 10
`

func TestRegistry_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogV1), 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)

	var reloaded []int
	r.OnReload(func(c *Catalog) { reloaded = append(reloaded, c.Tiers[0].Version) })

	require.NoError(t, os.WriteFile(path, []byte(catalogV2), 0o600))
	require.NoError(t, r.Reload())
	assert.Equal(t, []int{2}, reloaded)

	require.NoError(t, os.WriteFile(path, []byte("default_segment: nope"), 0o600))
	assert.Error(t, r.Reload())

	tier, err := r.Current().TierBySegment("umkm")
	require.NoError(t, err)
	assert.Equal(t, 40, tier.MessagesPerMinute)
}

func TestRegistry_WatchReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogV1), 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Watch(ctx)
	}()

	polls := 0
	require.Eventually(t, func() bool {
		// rewrite once a second so the debounce timer can fire in between
		if polls%10 == 0 {
			_ = os.WriteFile(path, []byte(catalogV2), 0o600)
		}
		polls++
		tier, errTier := r.Current().TierBySegment("umkm")
		return errTier == nil && tier.Version == 2
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	<-done
}

type memoryAssignments struct {
	mu    sync.Mutex
	rows  map[string]*models.KlienTier
	gets  int
	fails bool
}

func (m *memoryAssignments) Get(_ context.Context, klienID string) (*models.KlienTier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.fails {
		return nil, errors.New("db down")
	}
	return m.rows[klienID], nil
}

func (m *memoryAssignments) Upsert(_ context.Context, assignment *models.KlienTier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[assignment.KlienID] = assignment
	return nil
}

func TestAssignments_ResolveAndCache(t *testing.T) {
	ctx := context.Background()
	store := &memoryAssignments{rows: map[string]*models.KlienTier{}}
	a := NewAssignments(NewRegistry(Default()), store, time.Minute)

	tier, err := a.TierForKlien(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "umkm", tier.Segment)

	_, err = a.Assign(ctx, "k-1", "Corporate", "billing")
	require.NoError(t, err)

	tier, err = a.TierForKlien(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "corporate", tier.Segment)
	assert.Equal(t, 1, store.gets)

	_, err = a.Assign(ctx, "k-1", "government", "billing")
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

func TestAssignments_NoDefaultIsConfigurationError(t *testing.T) {
	c := Default()
	c.DefaultSegment = ""
	store := &memoryAssignments{rows: map[string]*models.KlienTier{}}
	a := NewAssignments(NewRegistry(c), store, time.Minute)

	_, err := a.TierForKlien(context.Background(), "k-9")
	assert.True(t, apperror.IsConfiguration(err))
}

func TestAssignments_StoreFailureIsStale(t *testing.T) {
	store := &memoryAssignments{rows: map[string]*models.KlienTier{}, fails: true}
	a := NewAssignments(NewRegistry(Default()), store, time.Minute)

	_, err := a.TierForKlien(context.Background(), "k-1")
	assert.True(t, apperror.IsStale(err))
}

type recordingMirror struct {
	synced [][]models.RateLimitTier
}

func (m *recordingMirror) Sync(_ context.Context, tiers []models.RateLimitTier) error {
	m.synced = append(m.synced, tiers)
	return nil
}

func TestMirrorTiers_SyncsOnReload(t *testing.T) {
	r := NewRegistry(Default())
	mirror := &recordingMirror{}
	require.NoError(t, MirrorTiers(context.Background(), r, mirror))
	require.Len(t, mirror.synced, 1)
	assert.Len(t, mirror.synced[0], 3)

	require.NoError(t, r.Reload())
	assert.Len(t, mirror.synced, 2)
}
