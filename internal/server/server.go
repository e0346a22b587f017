// Package server wires the abuse-mitigation components into an HTTP service.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/consignguard/internal/abuse"
	"github.com/mbd888/consignguard/internal/auth"
	"github.com/mbd888/consignguard/internal/bans"
	"github.com/mbd888/consignguard/internal/circuitbreaker"
	"github.com/mbd888/consignguard/internal/config"
	"github.com/mbd888/consignguard/internal/health"
	"github.com/mbd888/consignguard/internal/logging"
	"github.com/mbd888/consignguard/internal/metrics"
	"github.com/mbd888/consignguard/internal/ratelimit"
	"github.com/mbd888/consignguard/internal/realtime"
	"github.com/mbd888/consignguard/internal/security"
	"github.com/mbd888/consignguard/internal/traces"
	"github.com/mbd888/consignguard/internal/validation"
	"github.com/mbd888/consignguard/internal/violations"
	"github.com/mbd888/consignguard/migrations"
)

const (
	breakerThreshold    = 5
	breakerOpenDuration = 30 * time.Second
	defaultDrainDelay   = 5 * time.Second
	violationRingSize   = 10000
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil if using the in-process ledger
	breaker     *circuitbreaker.Breaker
	policies    *abuse.Registry
	banOracle   *bans.Oracle
	banTimer    *bans.Timer
	banEvents   bans.Fanout
	violations  violations.Store
	realtimeHub *realtime.Hub
	limiter     *abuse.Limiter
	escalator   *abuse.Escalator
	recorder    *abuse.Recorder
	guard       *abuse.Guard
	sweeper     *abuse.Sweeper
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	shutdownOnce  sync.Once
	shutdownErr   error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance. A malformed policy table is returned as
// an *abuse.ConfigError and must abort startup.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: defaultDrainDelay,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Policy table
	policies, err := loadPolicies(cfg)
	if err != nil {
		return nil, err
	}
	s.policies = policies
	s.logger.Info("abuse policies loaded",
		"count", len(policies.All()),
		"longest_window", policies.LongestWindow().String(),
	)

	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpenDuration,
		circuitbreaker.WithTransitionHook(func(dep string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker transition",
				"dependency", dep,
				"from", from.String(),
				"to", to.String(),
			)
		}),
	)

	// Ban and violation storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var banStore bans.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		banStore = bans.NewPostgresStore(db)
		s.violations = violations.NewPostgresStore(db)
		s.health.Register("database", health.DBChecker("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		banStore = bans.NewMemoryStore()
		s.violations = violations.NewMemoryStore(violationRingSize)
		s.logger.Info("using in-memory storage (bans and violations are lost on restart)")
	}

	// Attempt ledger (Redis if REDIS_URL set, otherwise in-process)
	var ledger abuse.Ledger
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.logger.Warn("redis unreachable at startup, attempts fall back to local ledger", "error", err)
		}
		ttl := max(cfg.LedgerIdleTTL, policies.LongestWindow())
		ledger = abuse.NewFallbackLedger(abuse.NewRedisLedger(s.redis, ttl), s.breaker, s.logger)
		s.health.RegisterOptional("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
		s.health.RegisterOptional(abuse.LedgerDependency,
			health.BreakerChecker(abuse.LedgerDependency, s.breaker, abuse.LedgerDependency))
		s.logger.Info("using shared attempt ledger", "redis", redisOpts.Addr, "ttl", ttl.String())
	} else {
		ledger = abuse.NewMemoryLedger()
		s.logger.Info("using in-process attempt ledger (limits are per instance)")
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	// The oracle publishes through banEvents, which is filled in once the
	// escalator exists.
	s.banOracle = bans.NewOracle(banStore,
		bans.WithBreaker(s.breaker),
		bans.WithNotifier(&s.banEvents),
		bans.WithLogger(s.logger),
		bans.WithLookupTimeout(cfg.BanLookupTimeout),
		bans.WithFailOpen(cfg.BanFailOpen),
	)
	s.health.RegisterOptional(bans.BreakerDependency,
		health.BreakerChecker(bans.BreakerDependency, s.breaker, bans.BreakerDependency))

	s.escalator = abuse.NewEscalator(policies, s.banOracle,
		abuse.WithBanDuration(cfg.BanDuration),
		abuse.WithEscalatorLogger(s.logger),
	)
	s.banEvents = bans.Fanout{s.realtimeHub, s.escalator}

	s.recorder = abuse.NewRecorder(s.violations, cfg.ViolationQueueSize,
		abuse.WithRecorderNotifier(s.realtimeHub),
		abuse.WithRecorderLogger(s.logger),
	)

	s.limiter = abuse.NewLimiter(policies, ledger,
		abuse.WithBanChecker(s.banOracle),
		abuse.WithViolationLogger(s.recorder),
		abuse.WithEscalation(s.escalator),
		abuse.WithLimiterLogger(s.logger),
	)
	s.guard = abuse.NewGuard(s.limiter, abuse.WithGuardLogger(s.logger))

	s.banTimer = bans.NewTimer(s.banOracle, cfg.SweepInterval, s.logger)
	s.sweeper = abuse.NewSweeper(s.limiter, s.escalator, cfg.SweepInterval, cfg.LedgerIdleTTL, s.logger)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func loadPolicies(cfg *config.Config) (*abuse.Registry, error) {
	if cfg.PolicyFile != "" {
		return abuse.LoadPolicyFile(cfg.PolicyFile)
	}
	return abuse.NewRegistry(abuse.DefaultPolicies()...)
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Coarse per-IP flood protection in front of every route
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: s.cfg.EdgeRPS,
		BurstSize:         s.cfg.EdgeBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	serviceSecret := auth.NewSecret(s.cfg.ServiceToken)
	adminSecret := auth.NewSecret(s.cfg.AdminSecret)
	if !serviceSecret.IsSet() || !adminSecret.IsSet() {
		s.logger.Warn("running without SERVICE_TOKEN or ADMIN_SECRET, routes are open")
	}

	limits := abuse.NewHandler(s.limiter)

	// Calls from the storefront's own services
	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireService(serviceSecret))
	limits.RegisterRoutes(v1)

	// Operator surface. The admin guard runs first so that wrong secrets
	// count toward the admin_action lockout.
	admin := s.router.Group("/v1/admin")
	admin.Use(s.guard.Middleware("admin_action"))
	admin.Use(auth.RequireAdmin(adminSecret))
	limits.RegisterAdminRoutes(admin)
	bans.NewHandler(s.banOracle).RegisterRoutes(admin)
	violations.NewHandler(s.violations).RegisterRoutes(admin)
	admin.GET("/stream", s.realtimeHub.Handler())
	admin.GET("/stream/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Degraded  []string        `json:"degraded,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	var degraded []string
	for _, st := range checks {
		if !st.Healthy && st.Optional {
			degraded = append(degraded, st.Name)
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case len(degraded) > 0:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Degraded:  degraded,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until ctx is
// cancelled, SIGINT/SIGTERM arrives or the listener fails. It always returns
// after a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stopSignals := signal.NotifyContext(runCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	g, gctx := errgroup.WithContext(sigCtx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	go s.realtimeHub.Run(runCtx)
	go s.banTimer.Start(runCtx)
	go s.sweeper.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		select {
		case <-time.After(100 * time.Millisecond):
			s.ready.Store(true)
			s.logger.Info("server ready")
		case <-gctx.Done():
		}
	}()

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("context cancelled")
		} else {
			s.logger.Info("shutdown signal received")
		}
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server. Calling it more than once returns
// the first result.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Cancel the context for background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.banTimer.Stop()
	s.sweeper.Stop()
	s.rateLimiter.Stop()

	// Drain queued violations before the stores go away
	if err := s.recorder.Close(ctx); err != nil {
		s.logger.Warn("violation queue not fully drained", "error", err)
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	s.closeStores()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Guard returns the limiter guard so in-process callers can wrap their own
// operations.
func (s *Server) Guard() *abuse.Guard {
	return s.guard
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
