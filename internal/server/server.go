// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
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

	"github.com/lexbridge/casepay/internal/archive"
	"github.com/lexbridge/casepay/internal/audit"
	"github.com/lexbridge/casepay/internal/auth"
	"github.com/lexbridge/casepay/internal/cases"
	"github.com/lexbridge/casepay/internal/config"
	"github.com/lexbridge/casepay/internal/funding"
	"github.com/lexbridge/casepay/internal/health"
	"github.com/lexbridge/casepay/internal/idgen"
	"github.com/lexbridge/casepay/internal/logging"
	"github.com/lexbridge/casepay/internal/metrics"
	"github.com/lexbridge/casepay/internal/payments"
	"github.com/lexbridge/casepay/internal/ratelimit"
	"github.com/lexbridge/casepay/internal/security"
	"github.com/lexbridge/casepay/internal/settlement"
	"github.com/lexbridge/casepay/internal/traces"
	"github.com/lexbridge/casepay/internal/validation"
	"github.com/lexbridge/casepay/internal/webhooks"
	"github.com/lexbridge/casepay/migrations"
)

// Version is reported by /health and set from cmd/server.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	logger *slog.Logger

	caseStore    cases.Store
	auditLog     audit.Logger
	webhookStore webhooks.Store
	accountStore payments.AccountStore
	gateway      payments.Gateway
	objects      archive.ObjectStore
	messages     archive.MessageSource
	purgeLocker  archive.Locker

	caseService *cases.Service
	accounts    *payments.Accounts
	intents     *funding.Intents
	engine      *settlement.Engine
	pipeline    *webhooks.Pipeline
	archiver    *archive.Archiver
	purger      *archive.Purger

	webhookTimer   *webhooks.Timer
	purgeScheduler *archive.Scheduler
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithGateway injects a payment gateway instead of building one from config.
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithObjectStore injects the object store instead of building one from config.
func WithObjectStore(o archive.ObjectStore) Option {
	return func(s *Server) {
		s.objects = o
	}
}

// WithMessageSource supplies case conversations for archives.
func WithMessageSource(m archive.MessageSource) Option {
	return func(s *Server) {
		s.messages = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initCollaborators(ctx); err != nil {
		return nil, err
	}
	if err := s.initServices(); err != nil {
		return nil, err
	}
	s.initHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage selects Postgres when DATABASE_URL is set, otherwise in-memory
// stores for local development.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.caseStore = cases.NewMemoryStore()
		s.auditLog = audit.NewMemoryLogger()
		s.webhookStore = webhooks.NewMemoryStore()
		s.accountStore = payments.NewMemoryAccountStore()
		s.purgeLocker = &archive.LocalLocker{}
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.caseStore = cases.NewPostgresStore(db)
	s.auditLog = audit.NewPostgresLogger(db)
	s.webhookStore = webhooks.NewPostgresStore(db)
	s.accountStore = payments.NewPostgresAccountStore(db)
	s.purgeLocker = archive.NewPostgresLocker(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initCollaborators builds the payment gateway and object store unless they
// were injected.
func (s *Server) initCollaborators(ctx context.Context) error {
	if s.gateway == nil {
		if s.cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(s.cfg.StripeSecretKey, s.cfg.GatewayTimeout, s.logger)
			s.logger.Info("stripe gateway enabled")
		} else {
			s.gateway = payments.NewMemoryGateway()
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-memory payment gateway")
		}
	}

	if s.objects == nil {
		if s.cfg.StorageEndpoint != "" {
			store, err := archive.NewMinioObjectStore(ctx, archive.MinioConfig{
				Endpoint:  s.cfg.StorageEndpoint,
				Bucket:    s.cfg.StorageBucket,
				AccessKey: s.cfg.StorageAccessKey,
				SecretKey: s.cfg.StorageSecretKey,
				UseSSL:    s.cfg.StorageUseSSL,
				Timeout:   s.cfg.StorageTimeout,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize object store: %w", err)
			}
			s.objects = store
			s.logger.Info("object storage enabled", "endpoint", s.cfg.StorageEndpoint, "bucket", s.cfg.StorageBucket)
		} else {
			s.objects = archive.NewMemoryObjectStore()
			s.logger.Warn("STORAGE_ENDPOINT not set, using in-memory object store")
		}
	}

	if s.messages == nil {
		s.messages = archive.NoMessages{}
	}
	return nil
}

func (s *Server) initServices() error {
	fees, err := settlement.NewFeePolicy(s.cfg.PlatformFeeRate)
	if err != nil {
		return err
	}

	s.caseService = cases.NewService(s.caseStore, s.auditLog).WithArchiveRetention(s.cfg.ArchiveRetention)
	s.accounts = payments.NewAccounts(s.accountStore, s.gateway, s.cfg.StripeRefreshURL, s.cfg.StripeReturnURL)
	s.intents = funding.NewIntents(s.caseStore, s.gateway, s.auditLog)
	s.engine = settlement.NewEngine(s.caseStore, s.gateway, s.accounts, s.auditLog, fees, s.logger)

	registry := webhooks.NewRegistry()
	funding.NewHandler(s.caseStore).Register(registry)
	s.pipeline = webhooks.NewPipeline(webhooks.Secrets{
		Platform: s.cfg.StripeWebhookSecret,
		Connect:  s.cfg.StripeConnectWebhookSecret,
	}, s.webhookStore, s.auditLog, registry, s.logger)
	if s.cfg.StripeWebhookSecret == "" {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, all webhook deliveries will be rejected")
	}
	s.webhookTimer = webhooks.NewTimer(s.webhookStore, s.cfg.WebhookRetention, s.logger)

	s.archiver = archive.NewArchiver(s.caseStore, s.objects, s.messages, s.auditLog, s.logger)
	s.purger = archive.NewPurger(s.caseStore, s.objects, s.purgeLocker, s.auditLog, s.logger)
	s.purgeScheduler = archive.NewScheduler(s.purger, s.cfg.PurgeInterval, s.cfg.PurgeBatchSize, s.logger)

	s.logger.Info("case services enabled", "fee_rate", fees.Rate().String())
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.DB(s.db))
	}
	if p, ok := s.objects.(pinger); ok {
		s.health.Register("object_store", func(ctx context.Context) health.Status {
			if err := p.Ping(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}
	s.health.Register("purge_scheduler", health.Worker(s.purgeScheduler))
	s.health.Register("webhook_retention", health.Worker(s.webhookTimer))
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse an upstream request ID (load balancer, gateway) when present.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		if id := c.Param("id"); id != "" {
			ctx = logging.WithCaseID(ctx, id)
		}
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Signed provider callbacks: no caller identity, no rate limit.
	webhooks.NewHandler(s.pipeline).RegisterRoutes(v1)

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	api := v1.Group("",
		security.CORSMiddleware(s.cfg.CORSAllowedOrigins),
		s.rateLimiter.Middleware(),
		validation.IDParamMiddleware(),
	)

	participant := api.Group("", auth.RequireActor())
	cases.NewHandler(s.caseService).RegisterRoutes(participant)
	funding.NewHTTPHandler(s.intents).RegisterRoutes(participant)
	payments.NewHandler(s.accounts).RegisterRoutes(participant)

	admin := api.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	cases.NewHandler(s.caseService).RegisterAdminRoutes(admin)
	settlement.NewHandler(s.engine).RegisterAdminRoutes(admin)
	audit.NewHandler(s.auditLog).RegisterAdminRoutes(admin)
	archive.NewHandler(s.archiver, s.purger, s.cfg.PurgeBatchSize).RegisterAdminRoutes(admin)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)
	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Storage:   "memory",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.db != nil {
		resp.Storage = "postgres"
	}
	if !healthy {
		// workers report unhealthy until Run starts them
		resp.Status = "degraded"
	}
	c.JSON(http.StatusOK, resp)
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
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// shutdown signal, ctx cancellation or a server error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

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

func (s *Server) startWorkers(ctx context.Context) {
	go s.webhookTimer.Start(ctx)

	if err := s.purgeScheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start purge scheduler", "error", err)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.purgeScheduler.Stop()
	s.webhookTimer.Stop()
	s.logger.Info("background workers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

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
