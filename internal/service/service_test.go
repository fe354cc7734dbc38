package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryOperators struct {
	mu   sync.Mutex
	rows map[string]*models.Operator
}

func newMemoryOperators() *memoryOperators {
	return &memoryOperators{rows: make(map[string]*models.Operator)}
}

func (m *memoryOperators) Create(_ context.Context, o *models.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	m.rows[o.Email] = o
	return nil
}

func (m *memoryOperators) FindByEmail(_ context.Context, email string) (*models.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[email], nil
}

func (m *memoryOperators) FindByID(_ context.Context, id string) (*models.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.rows {
		if o.ID.String() == id {
			return o, nil
		}
	}
	return nil, nil
}

func (m *memoryOperators) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}

func TestAuthService_LoginRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := NewAuthService(newMemoryOperators(), "test-secret-test-secret-test-secret", 1)

	operator, err := svc.Register(ctx, " Ops@Example.com ", "correct-horse", "Ops", models.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", operator.Email)

	token, err := svc.Login(ctx, "ops@example.com", "correct-horse")
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, operator.ID.String(), claims["user_id"])
	assert.Equal(t, models.RoleAdmin, claims["role"])

	_, err = svc.Login(ctx, "ops@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewAuthService(newMemoryOperators(), "secret", 1)

	_, err := svc.Register(ctx, "a@example.com", "short", "", "")
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)

	_, err = svc.Register(ctx, "a@example.com", "long-enough", "", "root")
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)

	_, err = svc.Register(ctx, "a@example.com", "long-enough", "", "")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "a@example.com", "long-enough", "", "")
	assert.ErrorIs(t, err, apperror.ErrConflict)
}

func TestAuthService_RejectsForeignToken(t *testing.T) {
	ctx := context.Background()
	issuer := NewAuthService(newMemoryOperators(), "issuer-secret", 1)
	_, err := issuer.Register(ctx, "a@example.com", "long-enough", "", "")
	require.NoError(t, err)
	token, err := issuer.Login(ctx, "a@example.com", "long-enough")
	require.NoError(t, err)

	verifier := NewAuthService(newMemoryOperators(), "other-secret", 1)
	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestAuthService_BootstrapOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryOperators()
	svc := NewAuthService(repo, "secret", 1)

	require.NoError(t, svc.Bootstrap(ctx, "root@example.com", "bootstrap-pass"))
	require.NoError(t, svc.Bootstrap(ctx, "second@example.com", "bootstrap-pass"))

	count, _ := repo.Count(ctx)
	assert.Equal(t, int64(1), count)
	root, _ := repo.FindByEmail(ctx, "root@example.com")
	require.NotNil(t, root)
	assert.Equal(t, models.RoleAdmin, root.Role)
}

type memoryClientKeys struct {
	mu      sync.Mutex
	rows    map[string]*models.ClientKey
	lookups int
}

func newMemoryClientKeys() *memoryClientKeys {
	return &memoryClientKeys{rows: make(map[string]*models.ClientKey)}
}

func (m *memoryClientKeys) Create(_ context.Context, k *models.ClientKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k.ID = uuid.New()
	m.rows[k.ID.String()] = k
	return nil
}

func (m *memoryClientKeys) FindByHash(_ context.Context, hash string) (*models.ClientKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, k := range m.rows {
		if k.KeyHash == hash && k.IsActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryClientKeys) FindByID(_ context.Context, id string) (*models.ClientKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.rows[id]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (m *memoryClientKeys) List(_ context.Context) ([]models.ClientKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ClientKey, 0, len(m.rows))
	for _, k := range m.rows {
		out = append(out, *k)
	}
	return out, nil
}

func (m *memoryClientKeys) Update(_ context.Context, id string, updates map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := updates["is_active"].(bool); ok {
		m.rows[id].IsActive = active
	}
	return nil
}

func (m *memoryClientKeys) UpdateLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (m *memoryClientKeys) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func TestClientKeyService_ValidateIsCached(t *testing.T) {
	ctx := context.Background()
	repo := newMemoryClientKeys()
	svc := NewClientKeyService(repo, time.Minute)

	plain, created, err := svc.Create(ctx, "dispatcher", "ops@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, models.ScopeDispatch, created.Scope)
	assert.NotEqual(t, plain, created.KeyHash)

	for i := 0; i < 3; i++ {
		key, err := svc.Validate(ctx, plain)
		require.NoError(t, err)
		require.NotNil(t, key)
		assert.Equal(t, created.ID, key.ID)
	}
	assert.Equal(t, 1, repo.lookups)

	unknown, err := svc.Validate(ctx, "wt_unknown")
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

func TestClientKeyService_DeactivateInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	svc := NewClientKeyService(newMemoryClientKeys(), time.Minute)

	plain, created, err := svc.Create(ctx, "webhook relay", "ops", models.ScopeWebhook)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, plain)
	require.NoError(t, err)

	require.NoError(t, svc.Update(ctx, created.ID.String(), map[string]interface{}{"is_active": false}))

	key, err := svc.Validate(ctx, plain)
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestClientKeyService_UnknownScope(t *testing.T) {
	_, _, err := NewClientKeyService(newMemoryClientKeys(), 0).Create(context.Background(), "x", "ops", "root")
	assert.ErrorIs(t, err, apperror.ErrInvalidArgument)
}

type stubFleet struct{}

func (stubFleet) CountByState(context.Context) (map[models.WarmupState]int64, error) {
	return map[models.WarmupState]int64{models.WarmupStable: 3, models.WarmupCooldown: 1}, nil
}

func (stubFleet) List(context.Context) ([]models.RiskScore, error) {
	return []models.RiskScore{
		{EntityType: models.EntitySender, RiskLevel: models.RiskSafe},
		{EntityType: models.EntitySender, RiskLevel: models.RiskSafe, IsBlacklisted: true},
		{EntityType: models.EntityUser, RiskLevel: models.RiskWarning},
	}, nil
}

func (stubFleet) ListRestricted(context.Context) ([]models.UserRestriction, error) {
	return []models.UserRestriction{
		{KlienID: "k-1", Status: models.RestrictionThrottled},
		{KlienID: "k-2", Status: models.RestrictionThrottled},
		{KlienID: "k-3", Status: models.RestrictionSuspended},
	}, nil
}

type stubEvents struct{}

func (stubEvents) List(_ context.Context, filter repository.EventFilter) ([]models.EventLog, error) {
	return []models.EventLog{{ID: "e-1", Stream: filter.Stream, Kind: "rule_triggered"}}, nil
}

func (stubEvents) CountByStream(context.Context, time.Time, time.Time) (map[string]map[string]int64, error) {
	return map[string]map[string]int64{"abuse": {"rule_triggered": 4}}, nil
}

func TestAnalyticsService_GetSummary(t *testing.T) {
	svc := NewAnalyticsService(stubFleet{}, stubFleet{}, stubFleet{}, stubEvents{})
	to := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	summary, err := svc.GetSummary(context.Background(), to.Add(-24*time.Hour), to)
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.SendersByState[models.WarmupStable])
	assert.Equal(t, int64(1), summary.RiskByLevel[models.EntitySender]["safe"])
	assert.Equal(t, int64(1), summary.RiskByLevel[models.EntitySender]["critical"])
	assert.Equal(t, int64(1), summary.RiskByLevel[models.EntityUser]["warning"])
	assert.Equal(t, int64(2), summary.RestrictionsByStatus[models.RestrictionThrottled])
	assert.Equal(t, int64(4), summary.Events["abuse"]["rule_triggered"])

	list, err := svc.GetEvents(context.Background(), repository.EventFilter{Stream: "abuse"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "abuse", string(list[0].Stream))
}
