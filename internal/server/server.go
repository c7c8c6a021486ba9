// Package server wires the Invigil platform together: storage, auth, the
// proctoring gateway, the real-time hub, webhooks, and the HTTP surface.
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
	"github.com/invigil/invigil/internal/auth"
	"github.com/invigil/invigil/internal/catalog"
	"github.com/invigil/invigil/internal/config"
	"github.com/invigil/invigil/internal/exam"
	"github.com/invigil/invigil/internal/health"
	"github.com/invigil/invigil/internal/logging"
	"github.com/invigil/invigil/internal/metrics"
	"github.com/invigil/invigil/internal/proctor"
	"github.com/invigil/invigil/internal/ratelimit"
	"github.com/invigil/invigil/internal/realtime"
	"github.com/invigil/invigil/internal/retry"
	"github.com/invigil/invigil/internal/risk"
	"github.com/invigil/invigil/internal/security"
	"github.com/invigil/invigil/internal/session"
	"github.com/invigil/invigil/internal/validation"
	"github.com/invigil/invigil/internal/webhooks"
)

// Version reported by the health and info endpoints.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg          *config.Config
	sessions     session.Store
	exams        exam.Store
	authMgr      *auth.Manager
	proctorSvc   *proctor.Service
	watchdog     *proctor.Watchdog
	hub          *realtime.Hub
	webhookStore webhooks.Store
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil when using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStores sets the session and exam stores (for testing).
func WithStores(sessions session.Store, exams exam.Store) Option {
	return func(s *Server) {
		s.sessions = sessions
		s.exams = exams
	}
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var authStore auth.Store
	var webhookStore webhooks.Store
	if cfg.DatabaseURL != "" && s.sessions == nil {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// The database often comes up alongside us; give it a moment.
		if err := retry.Do(ctx, 5, time.Second, db.Ping); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		sessionStore := session.NewPostgresStore(db)
		if err := sessionStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate session store", "error", err)
		}
		s.sessions = sessionStore

		examStore := exam.NewPostgresStore(db)
		if err := examStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate exam store", "error", err)
		}
		s.exams = examStore

		authPG := auth.NewPostgresStore(db)
		if err := authPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		authStore = authPG

		webhookPG := webhooks.NewPostgresStore(db)
		if err := webhookPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		webhookStore = webhookPG

		s.checks.Register("database", health.DBChecker(db))
	} else {
		if s.sessions == nil {
			s.sessions = session.NewMemoryStore()
		}
		if s.exams == nil {
			s.exams = exam.NewMemoryStore()
		}
		authStore = auth.NewMemoryStore()
		webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}
	s.webhookStore = webhookStore
	s.authMgr = auth.NewManager(authStore)

	// Event catalog, with operator overrides.
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	if cfg.CatalogPath != "" {
		s.logger.Info("loaded event catalog overrides", "path", cfg.CatalogPath)
	}

	// Risk engine with platform thresholds.
	thresholds := risk.Thresholds{
		Warning:   cfg.WarningThreshold,
		Flag:      cfg.FlagThreshold,
		Terminate: cfg.TerminateThreshold,
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	engine := risk.NewEngine().WithThresholds(thresholds)

	// Real-time hub and webhook emitter.
	s.hub = realtime.NewHub(s.logger)
	emitter := webhooks.NewEmitter(webhooks.NewDispatcher(webhookStore), s.logger)

	// The proctoring gateway ties everything together.
	s.proctorSvc = proctor.NewService(s.sessions, s.exams, cat, engine, s.logger).
		WithDispatcher(s.hub).
		WithWebhookEmitter(emitter).
		WithTokenIssuer(sessionTokenIssuer{s.authMgr}).
		WithStartWindow(cfg.StartWindow)
	s.hub.WithSnapshotSource(s.proctorSvc)

	s.watchdog = proctor.NewWatchdog(s.proctorSvc, cfg.WatchdogInterval, s.logger)

	// Router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// sessionTokenIssuer adapts auth.Manager to the gateway's issuer interface,
// dropping the credential metadata the gateway has no use for.
type sessionTokenIssuer struct {
	mgr *auth.Manager
}

func (i sessionTokenIssuer) IssueSessionToken(ctx context.Context, userID, sessionID string) (string, error) {
	raw, _, err := i.mgr.IssueSessionToken(ctx, userID, sessionID)
	return raw, err
}

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

	// CORS
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(security.CORSMiddleware(origins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(s.rateLimitConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) rateLimitConfig() ratelimit.Config {
	if s.cfg.RateLimitRPS <= 0 {
		return ratelimit.DefaultConfig()
	}
	return ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitRPS * 2,
		CleanupInterval:   time.Minute,
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	authHandler := auth.NewHandler(s.authMgr)
	examHandler := exam.NewHandler(s.exams)
	proctorHandler := proctor.NewHandler(s.proctorSvc)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.exams)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// Public
	v1.GET("/auth", authHandler.Info)
	v1.POST("/admins", authHandler.Register)

	// Any authenticated caller
	authed := v1.Group("")
	authed.Use(auth.RequireAuth(s.authMgr))
	authed.GET("/whoami", authHandler.Whoami)

	// Admin surface: exams, sessions, webhooks, key management.
	admin := v1.Group("")
	admin.Use(auth.RequireAuth(s.authMgr), auth.RequireRole(auth.RoleAdmin))
	admin.GET("/keys", authHandler.ListKeys)
	admin.POST("/keys", authHandler.CreateKey)
	admin.DELETE("/keys/:keyId", authHandler.RevokeKey)
	examHandler.RegisterRoutes(admin)
	proctorHandler.RegisterAdminRoutes(admin)
	webhookHandler.RegisterRoutes(admin)

	// Student surface: the token must be bound to the session in the path.
	student := v1.Group("")
	student.Use(auth.RequireAuth(s.authMgr), auth.RequireSession("sessionId"))
	proctorHandler.RegisterStudentRoutes(student)

	// WebSocket endpoints authenticate via ?token= because browser WebSocket
	// clients cannot set headers.
	v1.GET("/ws/sessions/:sessionId", s.wsStudentHandler)
	v1.GET("/ws/exams/:examId/monitor", s.wsMonitorHandler)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "invigil",
		"version": Version,
		"docs":    "/v1/auth",
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   Version,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// wsStudentHandler upgrades a student connection after checking the token is
// bound to the session in the path.
func (s *Server) wsStudentHandler(c *gin.Context) {
	sessionID := c.Param("sessionId")

	cred, err := s.wsCredential(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "valid token required"})
		return
	}
	if cred.Role != auth.RoleStudent || cred.SessionID != sessionID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "token is not valid for this session"})
		return
	}

	s.hub.HandleStudent(c.Writer, c.Request, sessionID)
}

// wsMonitorHandler upgrades an admin observer connection after checking exam
// ownership. Disconnecting simply stops observing.
func (s *Server) wsMonitorHandler(c *gin.Context) {
	examID := c.Param("examId")

	cred, err := s.wsCredential(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "valid token required"})
		return
	}
	if cred.Role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "admin key required"})
		return
	}

	ex, err := s.exams.Get(c.Request.Context(), examID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "exam not found"})
		return
	}
	if ex.AdminID != cred.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "not your exam"})
		return
	}

	s.hub.HandleMonitor(c.Writer, c.Request, examID)
}

func (s *Server) wsCredential(c *gin.Context) (*auth.Credential, error) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}
	return s.authMgr.Validate(c.Request.Context(), token)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a shutdown signal, a server error,
// or context cancellation.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Real-time hub
	go s.hub.Run(runCtx)

	// Expiry/timeout watchdog
	go s.watchdog.Start(runCtx)

	// DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Stop the hub, watchdog, and DB stats collector.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic.
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.watchdog != nil {
		s.watchdog.Stop()
		s.logger.Info("watchdog stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
