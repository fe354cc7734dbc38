package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/abuse"
	"github.com/aman-churiwal/wa-throttle/internal/catalog"
	"github.com/aman-churiwal/wa-throttle/internal/circuitbreaker"
	"github.com/aman-churiwal/wa-throttle/internal/config"
	"github.com/aman-churiwal/wa-throttle/internal/events"
	"github.com/aman-churiwal/wa-throttle/internal/feedback"
	"github.com/aman-churiwal/wa-throttle/internal/handler"
	"github.com/aman-churiwal/wa-throttle/internal/healthcheck"
	"github.com/aman-churiwal/wa-throttle/internal/metrics"
	"github.com/aman-churiwal/wa-throttle/internal/middleware"
	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/aman-churiwal/wa-throttle/internal/ratelimit"
	"github.com/aman-churiwal/wa-throttle/internal/repository"
	"github.com/aman-churiwal/wa-throttle/internal/risk"
	"github.com/aman-churiwal/wa-throttle/internal/service"
	"github.com/aman-churiwal/wa-throttle/internal/storage"
	"github.com/aman-churiwal/wa-throttle/internal/throttle"
	"github.com/aman-churiwal/wa-throttle/internal/warmup"
	"github.com/aman-churiwal/wa-throttle/internal/worker"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	clientKeyCacheTTL = 5 * time.Minute
	recorderBuffer    = 1024
	recorderFlush     = 2 * time.Second
)

var startTime = time.Now()

type Server struct {
	router     *gin.Engine
	config     *config.Config
	db         *storage.Database
	redis      *storage.RedisClient
	httpServer *http.Server
	health     *healthcheck.Checker

	metrics     *metrics.Metrics
	registry    *catalog.Registry
	bus         *events.Bus
	recorder    *events.Recorder
	hub         *events.Hub
	pool        *worker.Pool
	breakers    map[string]*circuitbreaker.CircuitBreaker
	machine     *warmup.Machine
	scorer      *risk.Scorer
	evaluator   *abuse.Evaluator
	engine      *throttle.Engine
	sweeper     *feedback.Sweeper
	authService *service.AuthService
	clientKeys  *service.ClientKeyService

	throttleHandler  *handler.ThrottleHandler
	senderHandler    *handler.SenderHandler
	klienHandler     *handler.KlienHandler
	riskHandler      *handler.RiskHandler
	clientKeyHandler *handler.ClientKeyHandler
	systemHandler    *handler.SystemHandler
	analyticsHandler *handler.AnalyticsHandler
	authHandler      *handler.AuthHandler
}

// Builds every component and the router. redis may be nil when the memory
// bucket backend is configured.
func New(ctx context.Context, cfg *config.Config, db *storage.Database, redis *storage.RedisClient) (*Server, error) {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	m := metrics.New()

	registry, err := catalog.LoadRegistry(cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	// Repositories
	senderRepo := repository.NewSenderRepository(db)
	riskRepo := repository.NewRiskRepository(db)
	restrictionRepo := repository.NewRestrictionRepository(db)
	eventRepo := repository.NewEventRepository(db)
	tierRepo := repository.NewTierRepository(db)
	klienTierRepo := repository.NewKlienTierRepository(db)
	operatorRepo := repository.NewOperatorRepository(db)
	clientKeyRepo := repository.NewClientKeyRepository(db)

	if err := catalog.MirrorTiers(ctx, registry, tierRepo); err != nil {
		log.WithError(err).Warn("failed to mirror catalog tiers")
	}
	assignments := catalog.NewAssignments(registry, klienTierRepo, cfg.Throttle.AssignmentTTL)

	// Event streams
	bus := events.NewBus()
	bus.OnDrop(m.EventDropped)
	recorder := events.NewRecorder(eventRepo, recorderBuffer, recorderFlush)
	recorder.Attach(bus)
	hub := events.NewHub()
	hub.Attach(bus)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "bucket-store",
		MaxFailures: cfg.Throttle.BreakerFailures,
		Timeout:     cfg.Throttle.BreakerTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			m.BreakerState(name, int(to))
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	buckets, quotas, err := ratelimit.NewStore(cfg.Throttle.BucketBackend, redis, breaker)
	if err != nil {
		return nil, fmt.Errorf("create bucket store: %w", err)
	}

	pool, err := worker.New(ctx, worker.Config{
		Name:      "feedback",
		Size:      cfg.Worker.PoolSize,
		QueueSize: cfg.Worker.QueueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	// Core
	machine := warmup.NewMachine(senderRepo, assignments, registry, warmup.Options{
		Publisher:    bus,
		Metrics:      m,
		RefreshAfter: cfg.Throttle.SenderTTL,
	})
	scorer := risk.NewScorer(riskRepo, registry, risk.Options{Publisher: bus, Metrics: m})
	evaluator := abuse.NewEvaluator(restrictionRepo, eventRepo, assignments, registry, abuse.Options{
		Publisher: bus,
		Metrics:   m,
		CacheTTL:  cfg.Throttle.RestrictionTTL,
	})
	violations := ratelimit.NewViolationTracker(cfg.Throttle.ViolationWindow)

	loc, err := cfg.Throttle.Location()
	if err != nil {
		return nil, err
	}
	engine := throttle.NewEngine(evaluator, machine, registry, buckets, quotas, violations, throttle.Options{
		CampaignFailOpen: cfg.Throttle.CampaignFailOpen,
		Location:         loc,
		Metrics:          m,
	})

	processor := feedback.NewProcessor(machine, scorer, evaluator, pool)
	processor.Subscribe(bus)
	sweeper := feedback.NewSweeper(scorer, machine, evaluator, violations, feedback.SweeperConfig{
		Interval: cfg.Sweeper.Interval,
		Timeout:  cfg.Sweeper.Timeout,
	})

	// Operators and client keys
	authService := service.NewAuthService(operatorRepo, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiryHours)
	if cfg.Auth.BootstrapEmail != "" {
		if err := authService.Bootstrap(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword); err != nil {
			return nil, fmt.Errorf("bootstrap operator: %w", err)
		}
	}
	clientKeys := service.NewClientKeyService(clientKeyRepo, clientKeyCacheTTL)
	analytics := service.NewAnalyticsService(senderRepo, riskRepo, restrictionRepo, eventRepo)

	breakers := map[string]*circuitbreaker.CircuitBreaker{breaker.Name(): breaker}

	health := healthcheck.NewChecker(healthcheck.Config{})
	health.Add("database", db.Ping)
	if redis != nil {
		health.Add("redis", redis.Ping)
	}

	s := &Server{
		router:      gin.New(),
		config:      cfg,
		db:          db,
		redis:       redis,
		health:      health,
		metrics:     m,
		registry:    registry,
		bus:         bus,
		recorder:    recorder,
		hub:         hub,
		pool:        pool,
		breakers:    breakers,
		machine:     machine,
		scorer:      scorer,
		evaluator:   evaluator,
		engine:      engine,
		sweeper:     sweeper,
		authService: authService,
		clientKeys:  clientKeys,

		throttleHandler:  handler.NewThrottleHandler(engine, processor),
		senderHandler:    handler.NewSenderHandler(machine, scorer, engine),
		klienHandler:     handler.NewKlienHandler(assignments, evaluator, scorer, engine),
		riskHandler:      handler.NewRiskHandler(scorer),
		clientKeyHandler: handler.NewClientKeyHandler(clientKeys),
		systemHandler:    handler.NewSystemHandler(breakers, registry, sweeper),
		analyticsHandler: handler.NewAnalyticsHandler(analytics, hub),
		authHandler:      handler.NewAuthHandler(authService),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.router.Group("/v1")
	{
		dispatch := v1.Group("", middleware.ClientKeyValidator(s.clientKeys, models.ScopeDispatch))
		dispatch.POST("/admit", s.throttleHandler.Admit)
		dispatch.POST("/outcomes", s.throttleHandler.Outcome)
		dispatch.POST("/senders", s.senderHandler.Register)
		dispatch.GET("/senders/:id", s.senderHandler.Get)
		dispatch.GET("/klien/:id", s.klienHandler.Get)
		dispatch.GET("/events", s.analyticsHandler.GetEvents)
		dispatch.GET("/events/stream", s.analyticsHandler.Stream)

		webhooks := v1.Group("/webhooks", middleware.ClientKeyValidator(s.clientKeys, models.ScopeWebhook))
		webhooks.POST("/provider", s.throttleHandler.ProviderWebhook)

		billing := v1.Group("", middleware.ClientKeyValidator(s.clientKeys, models.ScopeBilling))
		billing.PUT("/klien/:id/tier", s.klienHandler.AssignTier)
	}

	s.router.POST("/admin/login", s.authHandler.Login)

	admin := s.router.Group("/admin", middleware.RequireAuth(s.authService))
	{
		admin.GET("/status", s.adminStatus)
		admin.GET("/summary", s.analyticsHandler.GetSummary)
		admin.GET("/events", s.analyticsHandler.GetEvents)
		admin.GET("/risk/:type/:id", s.riskHandler.Get)
		admin.GET("/circuit-breakers", s.systemHandler.CircuitBreakerStatus)
		admin.GET("/catalog", s.systemHandler.Catalog)
		admin.GET("/sweeper", s.systemHandler.SweepReport)

		ops := admin.Group("", middleware.RequireRole(models.RoleAdmin, models.RoleOperator))
		ops.POST("/senders/:id/cooldown", s.senderHandler.ForceCooldown)
		ops.POST("/senders/:id/suspend", s.senderHandler.Suspend)
		ops.POST("/senders/:id/resume", s.senderHandler.Resume)
		ops.PUT("/senders/:id/state", s.senderHandler.SetState)
		ops.POST("/klien/:id/restriction", s.klienHandler.OverrideRestriction)
		ops.POST("/risk/:type/:id/override", s.riskHandler.Override)
		ops.POST("/sweeper/run", s.systemHandler.RunSweep)

		root := admin.Group("", middleware.RequireRole(models.RoleAdmin))
		root.POST("/operators", s.authHandler.CreateOperator)
		root.POST("/keys", s.clientKeyHandler.Create)
		root.GET("/keys", s.clientKeyHandler.List)
		root.GET("/keys/:id", s.clientKeyHandler.Get)
		root.PATCH("/keys/:id", s.clientKeyHandler.Update)
		root.DELETE("/keys/:id", s.clientKeyHandler.Delete)
		root.POST("/catalog/reload", s.systemHandler.ReloadCatalog)
		root.POST("/circuit-breakers/:name/reset", s.systemHandler.ResetCircuitBreaker)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	overall := s.health.CheckAll(c.Request.Context())

	checks := gin.H{}
	for _, status := range s.health.GetAllStatus() {
		checks[status.Name] = status.IsHealthy
	}

	statusCode := http.StatusOK
	if overall != healthcheck.Healthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overall.String(),
		"service":   "wa-throttle",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

func (s *Server) adminStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"throttle":        "running",
		"bucket_backend":  s.config.Throttle.BucketBackend,
		"default_segment": s.registry.Current().DefaultSegment,
		"tiers":           len(s.registry.Current().Tiers),
		"worker_pool":     s.pool.Metrics(),
		"stream_clients":  s.hub.ClientCount(),
		"dependencies":    s.health.GetAllStatus(),
		"uptime":          time.Since(startTime).Seconds(),
		"timestamp":       time.Now().Unix(),
	})
}

// Serves HTTP and runs the background components until ctx is done or one
// of them fails, then shuts everything down in order.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	// recorder and hub get their own context so they outlive the HTTP server
	// and drain what the last requests published
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go s.recorder.Run(bgCtx)
	go s.hub.Run(bgCtx)

	s.sweeper.Start(gctx)
	s.health.Start(gctx)

	if s.config.Catalog.Watch {
		g.Go(func() error {
			return s.registry.Watch(gctx)
		})
	}

	g.Go(func() error {
		log.WithFields(log.Fields{
			"addr":        addr,
			"environment": s.config.Server.Environment,
		}).Info("starting throttle service")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	stopBackground()
	s.recorder.Wait()
	return err
}

// Stops accepting requests, then the sweeper, the worker pool and the bus
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down server")

	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}

	s.sweeper.Stop()
	s.health.Stop()

	timeout := s.config.Server.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	s.pool.Shutdown(timeout)
	s.bus.Close()

	return errors.Join(errs...)
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
