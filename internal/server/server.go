// Package server sets up the HTTP ingress with all routes
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
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/graminpay/sentinel/internal/agent"
	"github.com/graminpay/sentinel/internal/anomaly"
	"github.com/graminpay/sentinel/internal/config"
	"github.com/graminpay/sentinel/internal/device"
	"github.com/graminpay/sentinel/internal/features"
	"github.com/graminpay/sentinel/internal/fraud"
	"github.com/graminpay/sentinel/internal/health"
	"github.com/graminpay/sentinel/internal/logging"
	"github.com/graminpay/sentinel/internal/metrics"
	"github.com/graminpay/sentinel/internal/offline"
	"github.com/graminpay/sentinel/internal/ratelimit"
	"github.com/graminpay/sentinel/internal/realtime"
	"github.com/graminpay/sentinel/internal/retry"
	"github.com/graminpay/sentinel/internal/security"
	"github.com/graminpay/sentinel/internal/simswap"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/validation"
	"github.com/graminpay/sentinel/internal/watchlist"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the fraud pipeline dependencies
type Server struct {
	cfg           *config.Config
	store         store.Store
	queue         offline.QueueStore
	fraudEngine   *fraud.Engine
	anomalyEngine *anomaly.Engine
	fingerprinter *device.Fingerprinter
	simswap       *simswap.Detector
	agentAnalyzer *agent.Analyzer
	offline       *offline.Controller
	blacklist     *watchlist.Blacklist
	loginGuard    *watchlist.LoginGuard
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	healthReg     *health.Registry
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithStore injects a storage implementation (for testing)
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set store/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			// Configure connection pool
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			// The database may still be starting; retry before giving up.
			if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error {
				return db.PingContext(ctx)
			}); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}

			s.db = db
			pgStore := store.NewPostgresStore(db)
			if err := pgStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate store", "error", err)
			}
			s.store = pgStore

			pgQueue := offline.NewPostgresQueue(db)
			if err := pgQueue.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate offline queue", "error", err)
			}
			s.queue = pgQueue
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = store.NewMemoryStore()
			s.queue = offline.NewMemoryQueue()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}
	if s.queue == nil {
		s.queue = offline.NewMemoryQueue()
	}

	// Watchlists and lockout guard feed the engine's hard overrides
	s.blacklist = watchlist.NewBlacklist()
	s.loginGuard = watchlist.NewLoginGuard(
		cfg.LockoutMaxAttempts,
		time.Duration(cfg.LockoutMinutes)*time.Minute,
	)

	// Scoring pipeline
	extractor := features.NewExtractor(s.store)
	s.fraudEngine = fraud.NewEngine(extractor, s.store,
		fraud.WithLogger(s.logger),
		fraud.WithBlacklist(s.blacklist),
		fraud.WithLockout(s.loginGuard),
	)
	s.anomalyEngine = anomaly.NewEngine(s.store, s.logger)
	s.fingerprinter = device.NewFingerprinter(s.store, s.logger)
	s.simswap = simswap.NewDetector(s.store, s.logger)
	s.agentAnalyzer = agent.NewAnalyzer(s.store, s.logger)
	s.offline = offline.NewController(s.queue, s.store, offline.PolicyFromConfig(cfg), s.logger)

	// Realtime hub for the display-only dashboard feed
	s.realtimeHub = realtime.NewHub(s.logger)

	// Health checks
	s.healthReg = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time dashboard streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :userId URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserParamMiddleware())

	// Scoring pipeline
	v1.POST("/transactions", s.scoreTransaction)
	v1.POST("/anomaly", s.scoreAnomaly)
	v1.GET("/users/:userId/transactions", s.listUserTransactions)

	// Device fingerprinting
	v1.POST("/devices/fingerprint", s.fingerprintDevice)
	v1.GET("/users/:userId/devices", s.listUserDevices)

	// SIM-swap detection
	v1.POST("/simswap/detect", s.detectSimSwap)
	v1.GET("/users/:userId/simswap", s.listSimSwapEvents)
	v1.POST("/simswap/:id/verify", s.verifySimSwap)

	// Agent behavior analysis
	v1.POST("/agents/:userId/analyze", s.analyzeAgent)

	// Offline admission and sync
	v1.POST("/offline/queue", s.queueOffline)
	v1.POST("/offline/sync", s.syncOffline)

	// Alert surface
	v1.GET("/users/:userId/alerts", s.listAlerts)
	v1.POST("/alerts/:id/dismiss", s.dismissAlert)
	v1.GET("/users/:userId/events", s.listSecurityEvents)
	v1.POST("/events/:id/resolve", s.resolveSecurityEvent)

	// Watchlist administration and login outcomes
	v1.POST("/watchlist", s.addToWatchlist)
	v1.POST("/logins", s.recordLogin)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start DB stats collector
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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
