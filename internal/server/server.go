// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/luvio/trustengine/internal/accounts"
	"github.com/luvio/trustengine/internal/circuitbreaker"
	"github.com/luvio/trustengine/internal/config"
	"github.com/luvio/trustengine/internal/counterstore"
	"github.com/luvio/trustengine/internal/events"
	"github.com/luvio/trustengine/internal/health"
	"github.com/luvio/trustengine/internal/logging"
	"github.com/luvio/trustengine/internal/metrics"
	"github.com/luvio/trustengine/internal/modqueue"
	"github.com/luvio/trustengine/internal/ratelimit"
	"github.com/luvio/trustengine/internal/risk"
	"github.com/luvio/trustengine/internal/security"
	"github.com/luvio/trustengine/internal/traces"
	"github.com/luvio/trustengine/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	counters   counterstore.Store
	riskEngine *risk.Engine
	limiter    *ratelimit.Limiter
	queue      *modqueue.Service
	queueTimer *modqueue.Timer
	accounts   *accounts.Service
	events     *events.Service
	healthReg  *health.Registry
	db         *sql.DB // nil if using in-memory
	redisStore *counterstore.RedisStore
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger
	tracesStop func(context.Context) error
	cancelRun  context.CancelFunc // cancels background goroutines started in Run

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

// WithCounterStore sets a custom counter store (for testing)
func WithCounterStore(store counterstore.Store) Option {
	return func(s *Server) {
		s.counters = store
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set counters/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	// Counter store (Redis if REDIS_URL set, otherwise in-memory).
	// Redis sits behind a circuit breaker so an outage degrades the
	// fail-open signals instead of stalling every request.
	if s.counters == nil {
		if cfg.RedisURL != "" {
			redisStore, err := counterstore.NewRedisStore(ctx, cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.redisStore = redisStore
			breaker := circuitbreaker.New(5, 30*time.Second)
			s.counters = counterstore.WithBreaker(redisStore, breaker, s.logger)
			s.logger.Info("using Redis counter store", "url", maskDSN(cfg.RedisURL))
			s.healthReg.Register("redis", func(ctx context.Context) health.Status {
				if _, _, err := redisStore.Get(ctx, "health/ping"); err != nil && !errors.Is(err, counterstore.ErrNotFound) {
					return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
				}
				return health.Status{Name: "redis", Healthy: true}
			})
		} else {
			s.counters = counterstore.NewMemoryStore()
			s.logger.Info("using in-memory counter store (counters will not persist)")
		}
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		profileStore  risk.ProfileStore
		itemStore     modqueue.Store
		reviewerStore modqueue.ReviewerStore
		accountStore  accounts.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		s.healthReg.Register("postgres", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "postgres", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "postgres", Healthy: true}
		})

		pgProfiles := risk.NewPostgresStore(db)
		if err := pgProfiles.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate risk profile store", "error", err)
		}
		profileStore = pgProfiles

		pgItems := modqueue.NewPostgresStore(db)
		if err := pgItems.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate moderation queue store", "error", err)
		}
		itemStore = pgItems

		pgReviewers := modqueue.NewPostgresReviewerStore(db)
		if err := pgReviewers.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate reviewer store", "error", err)
		}
		reviewerStore = pgReviewers

		pgAccounts := accounts.NewPostgresStore(db)
		if err := pgAccounts.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate account store", "error", err)
		}
		accountStore = pgAccounts
	} else {
		profileStore = risk.NewMemoryStore()
		itemStore = modqueue.NewMemoryStore()
		reviewerStore = modqueue.NewMemoryReviewerStore()
		accountStore = accounts.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Risk engine
	s.riskEngine = risk.NewEngine(profileStore, s.counters)
	s.logger.Info("risk scoring enabled")

	// Rate limiter, with the per-IP API budget from config
	s.limiter = ratelimit.New(s.counters).WithLimits(apiLimits(cfg.APILimitRPM))
	s.logger.Info("rate limiting enabled", "api_limit_rpm", cfg.APILimitRPM)

	// Accounts (suspension state)
	s.accounts = accounts.NewService(accountStore)

	// Moderation queue
	s.queue = modqueue.NewService(itemStore, reviewerStore, s.riskEngine, s.accounts, modqueue.ServiceConfig{
		ReviewSLA:       cfg.ReviewSLA,
		StaleAfter:      cfg.StaleAfter,
		MaxPerReviewer:  cfg.MaxPerReviewer,
		SuspendWarnings: cfg.SuspendWarnings,
	})
	s.queueTimer = modqueue.NewTimer(s.queue, time.Duration(cfg.QueueTickSeconds)*time.Second, s.logger)
	s.logger.Info("moderation queue enabled",
		"review_sla", cfg.ReviewSLA,
		"stale_after", cfg.StaleAfter,
	)

	// Event ingestion pipeline
	s.events = events.NewService(s.limiter, s.riskEngine, s.queue, s.accounts).
		WithSuspendThreshold(cfg.SuspendWarnings)
	s.logger.Info("event ingestion enabled")

	// Tracing (optional)
	if cfg.OTLPEndpoint != "" {
		stop, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("failed to initialize tracing", "error", err)
		} else {
			s.tracesStop = stop
			s.logger.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
		}
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// apiLimits overlays the configured per-IP request budget onto the
// default rule catalogue.
func apiLimits(rpm int) ratelimit.Limits {
	limits := ratelimit.DefaultLimits()
	for tier := range limits {
		rule := limits[tier][ratelimit.ActionAPIRequest]
		rule.Quota = int64(rpm)
		limits[tier][ratelimit.ActionAPIRequest] = rule
	}
	return limits
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (internal service; restrict origins via deployment config)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxBodyBytes))

	// Per-IP rate limiting on the public API
	s.router.Use(s.limiter.RequireQuota(ratelimit.ActionAPIRequest, ratelimit.ByClientIP))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminMiddleware guards mutating admin endpoints with the shared
// secret. Outside production an unset secret leaves the group open for
// local development.
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "admin_disabled",
					"message": "Admin API is not configured",
				})
				return
			}
			c.Next()
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
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
	// Short forms for common probe configs
	s.router.GET("/healthz", s.livenessHandler)
	s.router.GET("/readyz", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Risk scoring
	riskHandler := risk.NewHandler(s.riskEngine)
	riskHandler.RegisterRoutes(v1)

	// Rate limit decisions
	ratelimitHandler := ratelimit.NewHandler(s.limiter)
	ratelimitHandler.RegisterRoutes(v1)

	// Moderation queue
	queueHandler := modqueue.NewHandler(s.queue)
	queueHandler.RegisterRoutes(v1)

	// Account status (read side is public to internal callers)
	accountsHandler := accounts.NewHandler(s.accounts)
	accountsHandler.RegisterRoutes(v1)

	// Event ingestion (the main write path)
	eventsHandler := events.NewHandler(s.events)
	eventsHandler.RegisterRoutes(v1)

	// Admin group: suspensions, reinstatement, reviewer roster
	admin := v1.Group("/admin")
	admin.Use(s.adminMiddleware())
	accountsHandler.RegisterAdminRoutes(admin)
	queueHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "trustengine",
		"description": "Trust and safety decision engine",
		"version":     Version,
	})
}

// Version is set at build time via ldflags.
var Version = "0.1.0"

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the escalation/auto-assign timer
	go s.queueTimer.Start(runCtx)

	// Export connection-pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop queue timer
	if s.queueTimer != nil {
		s.queueTimer.Stop()
		s.logger.Info("queue timer stopped")
	}

	// Flush traces
	if s.tracesStop != nil {
		if err := s.tracesStop(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	// Close redis connection pool
	if s.redisStore != nil {
		if err := s.redisStore.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
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
