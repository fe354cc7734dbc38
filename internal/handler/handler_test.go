package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/abuse"
	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/circuitbreaker"
	"github.com/aman-churiwal/wa-throttle/internal/feedback"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/ratelimit"
	"github.com/aman-churiwal/wa-throttle/internal/service"
	"github.com/aman-churiwal/wa-throttle/internal/throttle"
	"github.com/aman-churiwal/wa-throttle/internal/warmup"
	"github.com/aman-churiwal/wa-throttle/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func withActor(actor string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("actor", actor)
		c.Next()
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperror.Configuration("sender s-1 is not registered", apperror.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("bad: %w", apperror.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("dup: %w", apperror.ErrConflict), http.StatusConflict},
		{fmt.Errorf("resume: %w", apperror.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("force: %w", apperror.ErrTerminalState), http.StatusConflict},
		{apperror.Terminal("warmup", "sender s-1 is SUSPENDED"), http.StatusConflict},
		{apperror.Invariant("token_bucket", "negative tokens"), http.StatusInternalServerError},
		{apperror.Stale("sender status", "s-1", errors.New("timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

type stubEngine struct {
	decision throttle.Decision
	got      throttle.Request
}

func (s *stubEngine) Admit(_ context.Context, req throttle.Request) throttle.Decision {
	s.got = req
	return s.decision
}

type stubFeedback struct {
	err       error
	outcomes  []feedback.Outcome
	providers []feedback.ProviderEvent
}

func (s *stubFeedback) HandleOutcome(_ context.Context, o feedback.Outcome) error {
	s.outcomes = append(s.outcomes, o)
	return s.err
}

func (s *stubFeedback) HandleProviderEvent(_ context.Context, e feedback.ProviderEvent) error {
	s.providers = append(s.providers, e)
	return s.err
}

func throttleRouter(engine *stubEngine, fb *stubFeedback) *gin.Engine {
	h := NewThrottleHandler(engine, fb)
	router := gin.New()
	router.POST("/v1/admit", h.Admit)
	router.POST("/v1/outcomes", h.Outcome)
	router.POST("/v1/webhooks/provider", h.ProviderWebhook)
	return router
}

func TestThrottleHandler_Admit(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	t.Run("allowed", func(t *testing.T) {
		engine := &stubEngine{decision: throttle.Decision{Allow: true, State: models.WarmupStable, DecidedAt: now}}
		w := doJSON(throttleRouter(engine, &stubFeedback{}), http.MethodPost, "/v1/admit", throttle.Request{SenderID: "s-1", KlienID: "k-1", CampaignID: "c-1"})

		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, true, body["allow"])
		assert.Equal(t, "c-1", engine.got.CampaignID)
		assert.Empty(t, w.Header().Get("Retry-After"))
	})

	t.Run("rate limited", func(t *testing.T) {
		engine := &stubEngine{decision: throttle.Decision{Reason: "rate_limited:sender", RetryAfter: 2500 * time.Millisecond, DecidedAt: now}}
		w := doJSON(throttleRouter(engine, &stubFeedback{}), http.MethodPost, "/v1/admit", throttle.Request{SenderID: "s-1", KlienID: "k-1"})

		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "3", w.Header().Get("Retry-After"))
		body := decode(t, w)
		assert.Equal(t, false, body["allow"])
		assert.Equal(t, "rate_limited:sender", body["reason"])
		assert.Equal(t, float64(2500), body["retry_after_ms"])
		assert.NotEmpty(t, body["message"])
	})

	t.Run("retry after rounds up", func(t *testing.T) {
		engine := &stubEngine{decision: throttle.Decision{Reason: "rate_limited:klien", RetryAfter: 1900 * time.Millisecond, DecidedAt: now}}
		w := doJSON(throttleRouter(engine, &stubFeedback{}), http.MethodPost, "/v1/admit", throttle.Request{SenderID: "s-1", KlienID: "k-1"})

		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "2", w.Header().Get("Retry-After"))
		assert.Contains(t, decode(t, w)["message"], "Retry in 2s")
	})

	t.Run("sub-second wait", func(t *testing.T) {
		engine := &stubEngine{decision: throttle.Decision{Reason: "rate_limited:sender", RetryAfter: 40 * time.Millisecond, DecidedAt: now}}
		w := doJSON(throttleRouter(engine, &stubFeedback{}), http.MethodPost, "/v1/admit", throttle.Request{SenderID: "s-1", KlienID: "k-1"})

		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
	})

	t.Run("never clears", func(t *testing.T) {
		engine := &stubEngine{decision: throttle.Decision{Reason: "sender:SUSPENDED", RetryAfter: ratelimit.RetryNever, DecidedAt: now}}
		w := doJSON(throttleRouter(engine, &stubFeedback{}), http.MethodPost, "/v1/admit", throttle.Request{SenderID: "s-1", KlienID: "k-1"})

		require.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Empty(t, w.Header().Get("Retry-After"))
		assert.Equal(t, float64(-1), decode(t, w)["retry_after_ms"])
	})

	t.Run("missing fields", func(t *testing.T) {
		w := doJSON(throttleRouter(&stubEngine{}, &stubFeedback{}), http.MethodPost, "/v1/admit", map[string]string{"sender_id": "s-1"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestThrottleHandler_Feedback(t *testing.T) {
	fb := &stubFeedback{}
	router := throttleRouter(&stubEngine{}, fb)

	w := doJSON(router, http.MethodPost, "/v1/outcomes", map[string]string{"sender_id": "s-1", "klien_id": "k-1", "outcome": "delivered"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, fb.outcomes, 1)
	assert.Equal(t, warmup.OutcomeDelivered, fb.outcomes[0].Result)

	w = doJSON(router, http.MethodPost, "/v1/webhooks/provider", map[string]string{"sender_id": "s-1", "klien_id": "k-1", "kind": "quality_rating", "quality": "RED"})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, fb.providers, 1)
	assert.Equal(t, "RED", fb.providers[0].Quality)

	fb.err = fmt.Errorf("unknown outcome: %w", apperror.ErrInvalidArgument)
	w = doJSON(router, http.MethodPost, "/v1/outcomes", map[string]string{"sender_id": "s-1", "klien_id": "k-1", "outcome": "bounced"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	fb.err = worker.ErrPoolOverloaded
	w = doJSON(router, http.MethodPost, "/v1/outcomes", map[string]string{"sender_id": "s-1", "klien_id": "k-1", "outcome": "sent"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

type stubSenders struct {
	limits   map[string]warmup.Limits
	forced   warmup.ForceRequest
	resumed  string
	override models.WarmupState
}

func (s *stubSenders) Register(_ context.Context, req warmup.RegisterRequest) (warmup.Limits, error) {
	if _, ok := s.limits[req.SenderID]; ok {
		return warmup.Limits{}, fmt.Errorf("sender %s already registered: %w", req.SenderID, apperror.ErrConflict)
	}
	l := warmup.Limits{SenderID: req.SenderID, KlienID: req.KlienID, State: models.WarmupNew}
	s.limits[req.SenderID] = l
	return l, nil
}

func (s *stubSenders) Limits(_ context.Context, id string) (warmup.Limits, error) {
	l, ok := s.limits[id]
	if !ok {
		return warmup.Limits{}, apperror.Configuration("sender "+id+" is not registered", apperror.ErrNotFound)
	}
	return l, nil
}

func (s *stubSenders) Snapshot(_ context.Context, id string) (*models.SenderStatus, error) {
	l, ok := s.limits[id]
	if !ok {
		return nil, apperror.Configuration("sender "+id+" is not registered", apperror.ErrNotFound)
	}
	return &models.SenderStatus{SenderID: id, KlienID: l.KlienID, WarmupState: l.State}, nil
}

func (s *stubSenders) Force(_ context.Context, id string, req warmup.ForceRequest) (warmup.Limits, error) {
	s.forced = req
	l := s.limits[id]
	l.State = req.State
	return l, nil
}

func (s *stubSenders) Resume(_ context.Context, id, actor, _ string) (warmup.Limits, error) {
	l := s.limits[id]
	if !l.State.Blocked() {
		return warmup.Limits{}, fmt.Errorf("sender %s is %s: %w", id, l.State, apperror.ErrInvalidTransition)
	}
	s.resumed = actor
	return l, nil
}

func (s *stubSenders) ManualOverride(_ context.Context, id string, state models.WarmupState, _, _ string) (warmup.Limits, error) {
	if !state.Valid() {
		return warmup.Limits{}, fmt.Errorf("unknown state %q: %w", state, apperror.ErrInvalidArgument)
	}
	s.override = state
	return s.limits[id], nil
}

type stubRisk struct {
	scores map[string]*models.RiskScore
}

func (s stubRisk) Get(_ context.Context, entityType models.EntityType, id string) (*models.RiskScore, error) {
	if score, ok := s.scores[string(entityType)+":"+id]; ok {
		return score, nil
	}
	return nil, fmt.Errorf("risk score %s:%s: %w", entityType, id, apperror.ErrNotFound)
}

type stubUsage struct{}

func (stubUsage) Usage(_ context.Context, senderID, klienID string) (map[string]int64, error) {
	out := map[string]int64{}
	if senderID != "" {
		out["sender_hour"] = 3
	}
	if klienID != "" {
		out["klien_day"] = 40
	}
	return out, nil
}

func senderRouter(senders *stubSenders, risk stubRisk) *gin.Engine {
	h := NewSenderHandler(senders, risk, stubUsage{})
	router := gin.New()
	router.POST("/v1/senders", h.Register)
	router.GET("/v1/senders/:id", h.Get)
	admin := router.Group("/admin/senders", withActor("operator:ops@example.com"))
	admin.POST("/:id/cooldown", h.ForceCooldown)
	admin.POST("/:id/suspend", h.Suspend)
	admin.POST("/:id/resume", h.Resume)
	admin.PUT("/:id/state", h.SetState)
	return router
}

func TestSenderHandler_RegisterAndGet(t *testing.T) {
	senders := &stubSenders{limits: map[string]warmup.Limits{}}
	risk := stubRisk{scores: map[string]*models.RiskScore{"sender:s-2": {EntityType: models.EntitySender, EntityID: "s-2", Score: 42}}}
	router := senderRouter(senders, risk)

	w := doJSON(router, http.MethodPost, "/v1/senders", warmup.RegisterRequest{SenderID: "s-1", KlienID: "k-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/senders", warmup.RegisterRequest{SenderID: "s-1", KlienID: "k-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/senders/s-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotContains(t, body, "risk")
	assert.Equal(t, map[string]interface{}{"sender_hour": float64(3)}, body["usage"])

	senders.limits["s-2"] = warmup.Limits{SenderID: "s-2", KlienID: "k-1", State: models.WarmupStable}
	w = doJSON(router, http.MethodGet, "/v1/senders/s-2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "risk")

	w = doJSON(router, http.MethodGet, "/v1/senders/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSenderHandler_AdminActions(t *testing.T) {
	senders := &stubSenders{limits: map[string]warmup.Limits{
		"s-1": {SenderID: "s-1", KlienID: "k-1", State: models.WarmupStable},
	}}
	router := senderRouter(senders, stubRisk{})

	w := doJSON(router, http.MethodPost, "/admin/senders/s-1/cooldown", map[string]interface{}{"hours": 6, "reason": "complaints"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.WarmupCooldown, senders.forced.State)
	assert.Equal(t, 6, senders.forced.Hours)
	assert.Equal(t, "operator:ops@example.com", senders.forced.Actor)

	w = doJSON(router, http.MethodPost, "/admin/senders/s-1/suspend", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.WarmupSuspended, senders.forced.State)

	// resume of a sender that is not blocked
	w = doJSON(router, http.MethodPost, "/admin/senders/s-1/resume", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	senders.limits["s-1"] = warmup.Limits{SenderID: "s-1", State: models.WarmupCooldown}
	w = doJSON(router, http.MethodPost, "/admin/senders/s-1/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "operator:ops@example.com", senders.resumed)

	w = doJSON(router, http.MethodPut, "/admin/senders/s-1/state", map[string]string{"state": "WARMING", "reason": "appeal accepted"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.WarmupWarming, senders.override)

	w = doJSON(router, http.MethodPut, "/admin/senders/s-1/state", map[string]string{"state": "FROZEN", "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPut, "/admin/senders/s-1/state", map[string]string{"state": "STABLE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type stubTiers struct {
	assigned map[string]string
}

func (s *stubTiers) Assign(_ context.Context, klienID, segment, actor string) (*models.KlienTier, error) {
	if segment != "umkm" && segment != "enterprise" {
		return nil, fmt.Errorf("unknown segment %q: %w", segment, apperror.ErrInvalidArgument)
	}
	s.assigned[klienID] = segment
	return &models.KlienTier{KlienID: klienID, Segment: segment, AssignedBy: actor}, nil
}

func (s *stubTiers) TierForKlien(_ context.Context, klienID string) (catalog.Tier, error) {
	segment := s.assigned[klienID]
	if segment == "" {
		segment = "umkm"
	}
	return catalog.Tier{Code: segment, Segment: segment}, nil
}

type stubRestrictions struct {
	last abuse.OverrideRequest
}

func (s *stubRestrictions) Restriction(_ context.Context, klienID string) (models.UserRestriction, error) {
	return models.UserRestriction{KlienID: klienID, Status: models.RestrictionActive, CanSend: true}, nil
}

func (s *stubRestrictions) Override(_ context.Context, klienID string, req abuse.OverrideRequest) (models.UserRestriction, error) {
	if req.Action != abuse.OverrideSuspend && req.Action != abuse.OverrideLift {
		return models.UserRestriction{}, fmt.Errorf("unknown override %q: %w", req.Action, apperror.ErrInvalidArgument)
	}
	s.last = req
	return models.UserRestriction{KlienID: klienID, Status: models.RestrictionSuspended, OverrideBy: req.Actor}, nil
}

func TestKlienHandler(t *testing.T) {
	tiers := &stubTiers{assigned: map[string]string{}}
	restrictions := &stubRestrictions{}
	h := NewKlienHandler(tiers, restrictions, stubRisk{}, stubUsage{})

	router := gin.New()
	router.PUT("/v1/klien/:id/tier", withActor("key:billing"), h.AssignTier)
	router.GET("/v1/klien/:id", h.Get)
	router.POST("/admin/klien/:id/restriction", withActor("operator:ops@example.com"), h.OverrideRestriction)

	w := doJSON(router, http.MethodPut, "/v1/klien/k-1/tier", map[string]string{"segment": "enterprise"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "key:billing", decode(t, w)["assigned_by"])

	w = doJSON(router, http.MethodPut, "/v1/klien/k-1/tier", map[string]string{"segment": "galactic"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/klien/k-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "enterprise", body["tier"].(map[string]interface{})["segment"])
	assert.Equal(t, "active", body["restriction"].(map[string]interface{})["status"])

	w = doJSON(router, http.MethodPost, "/admin/klien/k-1/restriction", map[string]string{"action": "suspend", "note": "fraud report"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "operator:ops@example.com", restrictions.last.Actor)
	assert.Equal(t, "fraud report", restrictions.last.Note)

	w = doJSON(router, http.MethodPost, "/admin/klien/k-1/restriction", map[string]string{"action": "nuke"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type stubSweeper struct {
	runs int
}

func (s *stubSweeper) Sweep(context.Context) feedback.Report {
	s.runs++
	return feedback.Report{SendersEvaluated: 4}
}

func (s *stubSweeper) LastReport() feedback.Report {
	return feedback.Report{SendersEvaluated: s.runs}
}

func TestSystemHandler_Breakers(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "bucket-store", MaxFailures: 1})
	_ = breaker.Call(func() error { return errors.New("redis down") })
	require.Equal(t, circuitbreaker.StateOpen, breaker.State())

	h := NewSystemHandler(map[string]*circuitbreaker.CircuitBreaker{"bucket-store": breaker}, catalog.NewRegistry(nil), &stubSweeper{})
	router := gin.New()
	router.GET("/admin/breakers", h.CircuitBreakerStatus)
	router.POST("/admin/breakers/:name/reset", h.ResetCircuitBreaker)
	router.POST("/admin/catalog/reload", h.ReloadCatalog)
	router.POST("/admin/sweeper/run", h.RunSweep)

	w := doJSON(router, http.MethodGet, "/admin/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "open", decode(t, w)["bucket-store"].(map[string]interface{})["state"])

	w = doJSON(router, http.MethodPost, "/admin/breakers/unknown/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(router, http.MethodPost, "/admin/breakers/bucket-store/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	w = doJSON(router, http.MethodPost, "/admin/catalog/reload", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/admin/sweeper/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), decode(t, w)["senders_evaluated"])
}

type stubAuth struct{}

func (stubAuth) Login(_ context.Context, email, password string) (string, error) {
	if email == "ops@example.com" && password == "correct-horse" {
		return "signed-token", nil
	}
	return "", service.ErrInvalidCredentials
}

func (stubAuth) Register(_ context.Context, email, _, _, _ string) (*models.Operator, error) {
	return &models.Operator{Email: email, Role: models.RoleOperator}, nil
}

func TestAuthHandler_Login(t *testing.T) {
	h := NewAuthHandler(stubAuth{})
	router := gin.New()
	router.POST("/admin/login", h.Login)

	w := doJSON(router, http.MethodPost, "/admin/login", map[string]string{"email": "ops@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "signed-token", decode(t, w)["token"])

	w = doJSON(router, http.MethodPost, "/admin/login", map[string]string{"email": "ops@example.com", "password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(router, http.MethodPost, "/admin/login", map[string]string{"email": "ops@example.com"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseTimeRange(t *testing.T) {
	router := gin.New()
	router.GET("/range", func(c *gin.Context) {
		from, to, err := parseTimeRange(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"from": from.Unix(), "to": to.Unix()})
	})

	w := doJSON(router, http.MethodGet, "/range?from=2026-03-01T00:00:00Z&to=1772409600", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Unix()), body["from"])
	assert.Equal(t, float64(1772409600), body["to"])

	w = doJSON(router, http.MethodGet, "/range?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
