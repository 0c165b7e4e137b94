// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/ecdsa"
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

	"github.com/roborio/roborio/internal/auth"
	"github.com/roborio/roborio/internal/config"
	"github.com/roborio/roborio/internal/escrow"
	"github.com/roborio/roborio/internal/health"
	"github.com/roborio/roborio/internal/ledger"
	"github.com/roborio/roborio/internal/logging"
	"github.com/roborio/roborio/internal/metrics"
	"github.com/roborio/roborio/internal/ratelimit"
	"github.com/roborio/roborio/internal/realtime"
	"github.com/roborio/roborio/internal/security"
	"github.com/roborio/roborio/internal/traces"
	"github.com/roborio/roborio/internal/validation"
	"github.com/roborio/roborio/internal/waitlist"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	origins         *security.OriginPolicy
	rpc             ledger.RPC
	gateway         *ledger.Gateway
	escrowStore     escrow.Store
	escrowService   *escrow.Service
	nonces          auth.NonceStore
	signingKey      *ecdsa.PrivateKey
	authHandler     *auth.Handler
	verifier        *auth.Verifier
	waitlistStore   waitlist.Store
	mailer          waitlist.Mailer
	realtimeHub     *realtime.Hub
	health          *health.Registry
	rateLimiter     *ratelimit.Limiter
	waitlistLimiter *ratelimit.Limiter
	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	stopTracing     func(context.Context) error
	drainDelay      time.Duration

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

// WithRPC replaces the RPC client dialed from the configured endpoint (for testing)
func WithRPC(client ledger.RPC) Option {
	return func(s *Server) {
		s.rpc = client
	}
}

// WithEscrowStore sets the mirror store, overriding the configured one
func WithEscrowStore(store escrow.Store) Option {
	return func(s *Server) {
		s.escrowStore = store
	}
}

// WithNonceStore sets the wallet-auth nonce store
func WithNonceStore(store auth.NonceStore) Option {
	return func(s *Server) {
		s.nonces = store
	}
}

// WithWaitlistStore sets the waitlist store
func WithWaitlistStore(store waitlist.Store) Option {
	return func(s *Server) {
		s.waitlistStore = store
	}
}

// WithMailer sets how waitlist confirmation links are delivered
func WithMailer(m waitlist.Mailer) Option {
	return func(s *Server) {
		s.mailer = m
	}
}

// WithSigningKey sets the session token key, overriding JWT_JWK/JWT_PRIVATE_KEY_PEM
func WithSigningKey(key *ecdsa.PrivateKey) Option {
	return func(s *Server) {
		s.signingKey = key
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set stores/logger/rpc)
	for _, opt := range opts {
		opt(s)
	}

	origins, err := security.NewOriginPolicy(cfg.AllowedOrigins, cfg.AllowedOriginPatterns)
	if err != nil {
		return nil, fmt.Errorf("origin policy: %w", err)
	}
	s.origins = origins

	conn, err := cfg.Connection()
	if err != nil {
		return nil, fmt.Errorf("resolve rpc endpoint: %w", err)
	}
	if s.rpc == nil {
		s.rpc = conn.Client()
	}
	s.gateway = ledger.NewGateway(conn, s.rpc, s.logger)
	s.logger.Info("ledger gateway ready", "cluster", string(conn.Cluster), "endpoint", conn.Endpoint)

	if err := s.initStorage(); err != nil {
		return nil, err
	}
	s.initAuth()

	// Realtime hub pushes mirror changes to connected parties
	s.realtimeHub = realtime.NewHub(s.logger).WithOriginPolicy(origins)

	s.escrowService = escrow.NewService(escrow.Config{
		ProgramID:         cfg.ProgramID(),
		Cluster:           conn.Cluster,
		SolPriceUSD:       cfg.SolPriceUSD,
		PlatformFeeWallet: cfg.PlatformFeeWallet,
		AutoClose:         cfg.EscrowAutoClose,
		ConfirmTimeout:    cfg.ConfirmTimeout,
		RefreshInterval:   cfg.AutoRefreshInterval,
	}, s.gateway, nil, nil, s.escrowStore, s.logger).WithNotifier(s.realtimeHub)

	s.initHealth()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) initStorage() error {
	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

		if s.escrowStore == nil {
			s.escrowStore = escrow.NewPostgresStore(db)
		}
		if s.nonces == nil {
			s.nonces = auth.NewPostgresNonceStore(db)
		}
		if s.waitlistStore == nil {
			s.waitlistStore = waitlist.NewPostgresStore(db)
		}
	}

	if s.escrowStore == nil && s.cfg.MirrorRESTURL != "" {
		s.escrowStore = escrow.NewRESTStore(s.cfg.MirrorRESTURL, s.cfg.MirrorAPIKey, nil, s.logger)
		s.logger.Info("using hosted escrow mirror", "url", s.cfg.MirrorRESTURL)
	}

	if s.escrowStore == nil {
		s.escrowStore = escrow.NewMemoryStore()
		s.logger.Warn("escrow mirror is in-memory; data is lost on restart")
	}
	if s.nonces == nil {
		s.nonces = auth.NewMemoryNonceStore()
	}
	if s.waitlistStore == nil {
		s.waitlistStore = waitlist.NewMemoryStore()
		s.logger.Warn("waitlist is in-memory; signups are lost on restart")
	}
	return nil
}

func (s *Server) initAuth() {
	if s.signingKey == nil {
		key, err := auth.LoadSigningKey(s.cfg.JWTJWK, s.cfg.JWTPrivateKeyPEM)
		if err != nil {
			s.logger.Warn("wallet auth disabled until a signing key is configured", "error", err)
		}
		s.signingKey = key
	}

	var issuer *auth.Issuer
	if s.signingKey != nil {
		kid := s.cfg.JWTKid
		if kid == "" {
			kid = "roborio-1"
		}
		i, err := auth.NewIssuer(s.signingKey, kid)
		if err != nil {
			s.logger.Error("invalid session signing key", "error", err)
		} else {
			issuer = i
			s.verifier = auth.NewVerifier(&s.signingKey.PublicKey)
		}
	}
	s.authHandler = auth.NewHandler(issuer, s.nonces, s.origins, s.logger)
}

func (s *Server) initHealth() {
	s.health = health.NewRegistry(Version)
	s.health.Register("rpc", health.Ping("rpc", func(ctx context.Context) error {
		_, err := s.gateway.Client().GetGenesisHash(ctx)
		return err
	}))
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	s.health.Register("realtime", func(context.Context) health.Status {
		st := health.Status{Name: "realtime", Healthy: true}
		if n, ok := s.realtimeHub.Stats()["connectedClients"].(int); ok {
			st.Detail = fmt.Sprintf("%d clients", n)
		}
		return st
	})
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID and access log
	s.router.Use(logging.Middleware(s.logger))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Wallet sign-in and the waitlist answer their own CORS preflights
	s.authHandler.RegisterRoutes(s.router)

	s.waitlistLimiter = ratelimit.New(ratelimit.WaitlistConfig())
	waitlist.NewHandler(s.waitlistStore, s.mailer, s.origins, s.cfg.WaitlistBaseURL, s.logger).
		WithLimiter(s.waitlistLimiter).
		RegisterRoutes(s.router)

	// Escrow read API, authenticated by session token
	v1 := s.router.Group("/v1", security.CORSMiddleware(s.origins, security.DefaultCORSOptions()))
	if s.verifier != nil {
		v1.Use(auth.Middleware(s.verifier))
	}
	v1.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	v1.GET("/info", s.infoHandler)
	escrow.NewHandler(s.escrowService).
		WithStreamer(s.realtimeHub).
		RegisterRoutes(v1)
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

// infoHandler describes the deployment so clients can check they target
// the same cluster and program.
func (s *Server) infoHandler(c *gin.Context) {
	cfg := s.escrowService.Config()
	c.JSON(http.StatusOK, gin.H{
		"version":     Version,
		"cluster":     string(cfg.Cluster),
		"programId":   cfg.ProgramID.String(),
		"solPriceUsd": cfg.SolPriceUSD,
		"walletAuth":  s.verifier != nil,
		"realtime":    s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, traces.Options{
		ServiceName: "roborio",
		Version:     Version,
		Endpoint:    s.cfg.OTLPEndpoint,
		Cluster:     string(s.gateway.Connection().Cluster),
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: escrow streams are long-lived.
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"cluster", string(s.escrowService.Config().Cluster),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

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
	defer signal.Stop(sigChan)

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
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Wait for in-flight nonce cleanups
	s.authHandler.Wait()

	// Stop rate limiter cleanup goroutines
	s.rateLimiter.Stop()
	s.waitlistLimiter.Stop()

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
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

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
