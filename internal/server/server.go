// Package server wires the invoice, dispute and arbitration services behind
// the HTTP API.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/arcinvoice/internal/arbitration"
	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/config"
	"github.com/mbd888/arcinvoice/internal/dispute"
	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/health"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/metrics"
	"github.com/mbd888/arcinvoice/internal/notify"
	"github.com/mbd888/arcinvoice/internal/ratelimit"
	"github.com/mbd888/arcinvoice/internal/realtime"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
	"github.com/mbd888/arcinvoice/internal/security"
	"github.com/mbd888/arcinvoice/internal/traces"
	"github.com/mbd888/arcinvoice/internal/validation"
	"github.com/mbd888/arcinvoice/internal/watcher"
	"github.com/mbd888/arcinvoice/internal/webhooks"
	"github.com/mbd888/arcinvoice/internal/worker"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config
	net chain.Network

	db     *sql.DB // nil if using in-memory
	ledger *ledger.Ledger

	eth      *chain.EthBackend        // nil in simulated mode
	sim      *escrow.SimulatedBackend // nil unless simulated
	head     health.BlockSource
	adapters *escrow.Adapters

	reconciler *reconciliation.Reconciler
	negotiator *dispute.Negotiator
	bridge     *arbitration.Bridge

	webhooks    *webhooks.Dispatcher
	realtimeHub *realtime.Hub
	watcher     *watcher.Watcher

	sweepTimer       *worker.Periodic
	disputeTimer     *worker.Periodic
	arbitrationTimer *worker.Periodic

	checks       *health.Registry
	rateLimiter  *ratelimit.Limiter
	writeLimiter *ratelimit.Limiter

	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready          atomic.Bool
	healthy        atomic.Bool
	watcherStarted bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		net:        chain.NetworkFor(cfg.ChainID),
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		checks:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store ledger.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store = ledger.NewPostgresStore(db)
		s.checks.Register("database", health.Database("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = ledger.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}
	s.ledger = ledger.New(store).WithLogger(s.logger)

	// Chain backend (simulated when RPC_URL is empty)
	var (
		backend   chain.Backend
		contracts escrow.Contracts
		logs      watcher.LogSource
	)
	if cfg.Simulated() {
		s.sim = escrow.NewSimulatedBackend(s.net)
		backend, logs, s.head = s.sim, s.sim, s.sim
		contracts = s.sim.Contracts()
		s.logger.Warn("RPC_URL not set, running against the simulated escrow chain", "network", s.net.Name)
	} else {
		keyring, err := chain.NewKeyring(cfg.SignerKeys)
		if err != nil {
			return nil, fmt.Errorf("failed to load signer keys: %w", err)
		}
		eth, err := chain.Dial(ctx, cfg.RPCURL, keyring)
		if err != nil {
			return nil, err
		}
		s.eth = eth
		backend, logs, s.head = eth, eth.Client(), eth
		contracts = escrow.Contracts{
			Token:        common.HexToAddress(cfg.TokenAddress),
			FeeCollector: common.HexToAddress(cfg.FeeCollectorAddress),
		}
		s.logger.Info("chain configured", "network", s.net.Name, "signers", len(keyring.Addresses()))
	}

	client := chain.NewClient(backend).
		WithTimeout(cfg.ChainConfirmTimeout).
		WithPollInterval(cfg.ChainPollInterval).
		WithLogger(s.logger)
	if err := client.CheckNetwork(ctx, s.net); err != nil {
		s.closeChain()
		return nil, err
	}
	s.checks.Register("chain", health.Chain("chain", s.head))
	s.adapters = escrow.NewAdapters(client, contracts)

	// Event fan-out: logs, live stream, outbound webhooks
	s.realtimeHub = realtime.NewHub(s.logger).WithAllowedOrigins(s.cfg.AllowedOrigins())
	s.webhooks = webhooks.NewDispatcher(webhooks.Target{
		URL:    cfg.NotifyWebhookURL,
		Secret: cfg.NotifyWebhookSecret,
	}).WithLogger(s.logger)
	if err := s.webhooks.Validate(); err != nil {
		s.closeChain()
		return nil, err
	}
	notifiers := notify.Multi{notify.Logger(s.logger), s.realtimeHub}
	if s.webhooks.Enabled() {
		notifiers = append(notifiers, s.webhooks)
		s.logger.Info("outbound webhooks enabled")
	}

	// Settlement services
	s.reconciler = reconciliation.New(store, s.adapters, client, s.net).
		WithLogger(s.logger).
		WithNotifier(notifiers).
		WithOperator(cfg.OperatorAddress).
		WithAutoRelease(cfg.AutoReleaseEnabled).
		WithConcurrency(cfg.SweepConcurrency)

	s.negotiator = dispute.NewNegotiator(store, s.reconciler, s.reconciler.Locks()).
		WithLogger(s.logger).
		WithNotifier(notifiers)

	var court arbitration.Court
	if cfg.ArbitrationAPIURL != "" {
		court = arbitration.NewKlerosClient(cfg.ArbitrationAPIURL, cfg.ArbitrationAPIKey)
	} else {
		s.logger.Warn("ARBITRATION_API_URL not set, escalated cases stay pending")
	}
	s.bridge = arbitration.NewBridge(store, s.reconciler, court, s.reconciler.Locks()).
		WithNetwork(s.net).
		WithLogger(s.logger).
		WithNotifier(notifiers)
	if cfg.PinataAPIKey != "" {
		s.bridge.WithPinner(arbitration.NewPinataPinner(arbitration.DefaultPinataURL, cfg.PinataAPIKey, cfg.PinataSecretKey))
	}

	// Background work
	s.sweepTimer = reconciliation.NewTimer(s.reconciler, cfg.SweepInterval, s.logger)
	s.disputeTimer = dispute.NewTimer(s.negotiator, cfg.SweepInterval, s.logger)
	s.arbitrationTimer = arbitration.NewTimer(s.bridge, 2*cfg.SweepInterval, s.logger)

	watcherCfg := watcher.DefaultConfig()
	if cfg.Simulated() {
		watcherCfg.PollInterval = time.Second
	}
	s.watcher = watcher.New(watcherCfg, logs, store, s.reconciler, s.logger)

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

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins()))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting; fund-moving routes add the write limiter
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.writeLimiter = ratelimit.New(ratelimit.WriteConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics and request spans
	s.router.Use(metrics.Middleware(), traces.Middleware())

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

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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

const callerKey = "callerAddr"

// requireCaller reads the wallet the upstream auth layer put in
// X-Wallet-Address. Routes that act on behalf of a party reject requests
// without one.
func requireCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := validation.SanitizeAddress(c.GetHeader(ratelimit.WalletHeader))
		if addr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_wallet",
				"message": "X-Wallet-Address header is required",
			})
			return
		}
		if !validation.IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "X-Wallet-Address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Set(callerKey, addr)
		c.Next()
	}
}

func callerAddress(c *gin.Context) string {
	return c.GetString(callerKey)
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

	// WebSocket for live invoice and dispute status
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	write := s.writeLimiter.Middleware()

	// Public reads: invoice links are shared with payers who have no
	// session yet.
	v1.GET("/invoices/:id", s.getInvoice)
	v1.GET("/invoices/:id/dispute", s.latestDispute)
	v1.GET("/fees/quote", s.quoteFees)
	v1.GET("/pay/:code", s.payLink)
	v1.GET("/disputes/:id", s.getDispute)
	v1.GET("/disputes/:id/evidence", s.listDisputeEvidence)
	v1.GET("/disputes/:id/arbitration", s.getCase)

	// Funding callbacks and reconcile only read the chain to decide.
	v1.POST("/invoices/:id/payments", write, s.recordFunding)
	v1.POST("/invoices/:id/milestones/:milestoneId/payments", write, s.recordMilestoneFunding)
	v1.POST("/invoices/:id/reconcile", write, s.reconcile)

	// Court callback, authenticated by HMAC
	v1.POST("/arbitration/rulings", s.rulingWebhook)

	protected := v1.Group("")
	protected.Use(requireCaller())
	{
		protected.GET("/invoices", s.listInvoices)
		protected.GET("/analytics", s.analytics)
		protected.POST("/invoices", write, s.createInvoice)
		protected.PATCH("/invoices/:id", write, s.updateInvoice)
		protected.POST("/invoices/:id/publish", write, s.publishInvoice)
		protected.POST("/invoices/:id/escrow", write, s.attachEscrow)

		protected.POST("/invoices/:id/release", write, s.release)
		protected.POST("/invoices/:id/refund", write, s.refund)
		protected.POST("/invoices/:id/milestones/:milestoneId/approve", write, s.approveMilestone)
		protected.POST("/invoices/:id/milestones/:milestoneId/release", write, s.releaseMilestone)

		protected.POST("/invoices/:id/disputes", write, s.openDispute)
		protected.POST("/disputes/:id/proposals", write, s.proposeResolution)
		protected.POST("/disputes/:id/accept", write, s.acceptProposal)
		protected.POST("/disputes/:id/reject", write, s.rejectProposal)
		protected.POST("/disputes/:id/evidence", write, s.submitDisputeEvidence)

		protected.POST("/disputes/:id/escalate", write, s.escalate)
		protected.POST("/disputes/:id/arbitration/evidence", write, s.submitCaseEvidence)
		protected.POST("/arbitration/cases/:caseId/execute", write, s.executeRuling)

		if s.sim != nil {
			s.registerDevRoutes(protected)
		}
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Network   chain.Network   `json:"network"`
	Simulated bool            `json:"simulated"`
	Checks    []health.Status `json:"checks,omitempty"`
	Stream    realtime.Stats  `json:"stream"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Network:   s.net,
		Simulated: s.sim != nil,
		Checks:    statuses,
		Stream:    s.realtimeHub.Stats(),
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
	if ok, statuses := s.checks.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
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
		WriteTimeout:      s.cfg.ChainConfirmTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.net.Name,
			"simulated", s.sim != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start escrow event watcher
	if err := s.watcher.Start(runCtx); err != nil {
		s.logger.Error("failed to start escrow watcher", "error", err)
	} else {
		s.watcherStarted = true
	}

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start reconciliation sweep, dispute expiry and arbitration sync
	go s.sweepTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.arbitrationTimer.Start(runCtx)

	for _, job := range []*worker.Periodic{s.sweepTimer, s.disputeTimer, s.arbitrationTimer} {
		s.checks.Register(job.Name(), health.Worker(job.Name(), job.Running, job.LastRun, 3*job.Interval()))
	}

	if s.db != nil {
		if err := metrics.RegisterDB(s.db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
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
		_ = s.Shutdown()
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

	// Cancel the context for all background goroutines (hub, timers, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.sweepTimer.Stop()
	s.disputeTimer.Stop()
	s.arbitrationTimer.Stop()
	s.logger.Info("timers stopped")

	if s.watcherStarted {
		s.watcher.Stop()
		s.watcherStarted = false
		s.logger.Info("escrow watcher stopped")
	}

	// Stop rate limiter cleanup goroutines
	s.rateLimiter.Stop()
	s.writeLimiter.Stop()

	// Let in-flight webhook deliveries finish
	s.webhooks.Wait()

	s.closeChain()

	// Close database connection pool
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

func (s *Server) closeChain() {
	if s.eth != nil {
		s.eth.Close()
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Simulator returns the simulated chain, or nil when a real RPC endpoint is
// configured.
func (s *Server) Simulator() *escrow.SimulatedBackend {
	return s.sim
}

// Reconciler exposes the reconciler to operator tooling.
func (s *Server) Reconciler() *reconciliation.Reconciler {
	return s.reconciler
}

// Bridge exposes the arbitration bridge to operator tooling.
func (s *Server) Bridge() *arbitration.Bridge {
	return s.bridge
}

// Negotiator exposes the dispute negotiator to operator tooling.
func (s *Server) Negotiator() *dispute.Negotiator {
	return s.negotiator
}

// Network is the chain the server was configured for.
func (s *Server) Network() chain.Network {
	return s.net
}

// Quoter returns the fee quoter bound to the configured fee collector.
func (s *Server) Quoter() *escrow.FeeQuoter {
	return s.adapters.Quoter()
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
