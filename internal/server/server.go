// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/printbit/kiosk/internal/admin"
	"github.com/printbit/kiosk/internal/coins"
	"github.com/printbit/kiosk/internal/config"
	"github.com/printbit/kiosk/internal/idgen"
	"github.com/printbit/kiosk/internal/ledger"
	"github.com/printbit/kiosk/internal/logging"
	"github.com/printbit/kiosk/internal/metrics"
	"github.com/printbit/kiosk/internal/payment"
	"github.com/printbit/kiosk/internal/ratelimit"
	"github.com/printbit/kiosk/internal/realtime"
	"github.com/printbit/kiosk/internal/security"
	"github.com/printbit/kiosk/internal/session"
	"github.com/printbit/kiosk/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Ledger
	ledgerStore  ledger.Store
	adminStore   *admin.Store
	sessions     *session.Store
	janitor      *session.Janitor
	decoder      *coins.Decoder
	acceptor     *coins.Acceptor
	dispatcher   payment.Dispatcher
	hub          *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	decoderClock coins.Clock
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithLedgerStore sets a custom ledger store (for testing)
func WithLedgerStore(store ledger.Store) Option {
	return func(s *Server) {
		s.ledgerStore = store
	}
}

// WithDispatcher sets a custom print dispatcher (for testing)
func WithDispatcher(d payment.Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithDecoderClock sets the clock driving the coin decoder's fragment window
// (for testing)
func WithDecoderClock(clock coins.Clock) Option {
	return func(s *Server) {
		s.decoderClock = clock
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	format := "json"
	if cfg.IsDevelopment() {
		format = "text"
	}
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, format),
	}

	// Apply options first (may set stores/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Ledger on the JSON file store; tests swap it for memory
	if s.ledgerStore == nil {
		s.ledgerStore = ledger.NewFileStore(cfg.DataFile)
	}
	l, err := ledger.Open(ctx, s.ledgerStore)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	s.ledger = l
	metrics.BalanceCurrent.Set(float64(l.Snapshot().Balance))

	// Admin console store (settings + audit log)
	adminStore, err := admin.Open(ctx, cfg.AdminDB, s.logger)
	if err != nil {
		return nil, fmt.Errorf("open admin store: %w", err)
	}
	s.adminStore = adminStore

	// Upload sessions
	s.sessions = session.NewStore(cfg.UploadDir, cfg.SessionTTL, cfg.MaxUploadSize)
	s.janitor = session.NewJanitor(s.sessions, session.DefaultSweepInterval, s.logger)

	// Realtime hub for the kiosk screen and upload portal
	s.hub = realtime.NewHub(s.logger)

	// Coin intake: serial port -> decoder -> ledger -> broadcast
	s.decoder = coins.NewDecoder(cfg.FragmentWindow, s.decoderClock, s.handleCoin, s.handleCoinWarning)
	s.acceptor = coins.NewAcceptor(s.decoder, cfg.SerialPort, cfg.SerialBaud, s.logger)

	// Print dispatch
	if s.dispatcher == nil {
		if cfg.PrintCommand != "" {
			s.dispatcher = payment.NewExecDispatcher(cfg.PrintCommand, s.logger)
		} else {
			s.dispatcher = payment.NewNoopDispatcher(s.logger)
		}
	}

	// Configure gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// handleCoin credits an accepted coin and pushes the new balance to every
// screen. A coin the ledger cannot durably record is not announced.
func (s *Server) handleCoin(value int64) {
	snap, err := s.ledger.Credit(context.Background(), value)
	if err != nil {
		s.logger.Error("coin credit failed", "value", value, "error", err)
		return
	}

	metrics.ObserveCoin(value)
	metrics.BalanceCurrent.Set(float64(snap.Balance))
	s.logger.Info("coin accepted", "value", value, "balance", snap.Balance)

	s.hub.BroadcastCoinAccepted(value, snap.Balance)
	s.hub.BroadcastBalance(snap.Balance)
}

func (s *Server) handleCoinWarning(w coins.Warning) {
	metrics.CoinWarningsTotal.WithLabelValues(string(w.Code)).Inc()
	s.logger.Warn("coin decoder warning", "code", w.Code, "message", w.Message)
	s.hub.BroadcastCoinWarning(w)
}

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

	// CORS: the kiosk UI and upload portal are same-origin; phones on the LAN
	// hit the portal directly
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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
		// Check for existing request ID (from a reverse proxy, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for realtime balance and upload events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	root := s.router.Group("")

	// JSON endpoints get a tight body cap; the upload endpoints allow a full
	// file plus multipart framing
	api := root.Group("", validation.RequestSizeMiddleware(validation.MaxRequestSize))
	uploads := root.Group("", validation.RequestSizeMiddleware(s.cfg.MaxUploadSize+validation.MaxRequestSize))

	// Balance and payment confirmation
	paymentSvc := payment.NewService(s.ledger, s.sessions, s.dispatcher, s.cfg.UploadDir, s.logger)
	paymentHandler := payment.NewHandler(paymentSvc, s.ledger, s.hub, s.adminStore, s.logger)
	paymentHandler.RegisterRoutes(api, uploads)

	// Upload sessions
	sessionHandler := session.NewHandler(s.sessions, s.hub, s.adminStore, s.logger)
	sessionHandler.RegisterRoutes(api, uploads)

	// Operator console
	adminHandler := admin.NewHandler(s.adminStore, s.ledger, s.hub, s.cfg.UploadDir, s.acceptor.Status, s.logger)
	adminHandler.RegisterPublicRoutes(api)
	adminHandler.RegisterRoutes(s.router.Group("/admin"))
}

func (s *Server) healthHandler(c *gin.Context) {
	snap := s.ledger.Snapshot()
	serial := s.acceptor.Status()

	status := "healthy"
	code := http.StatusOK
	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"balance":      snap.Balance,
		"liveSessions": s.sessions.Len(),
		"serial":       serial,
		"realtime":     s.hub.Stats(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second, // uploads from phones can be slow
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

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start session janitor
	go s.janitor.Run(runCtx)

	// Start coin acceptor (non-fatal if no hardware is attached)
	if err := s.acceptor.Start(runCtx); err != nil {
		s.logger.Error("coin acceptor start failed", "error", err)
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

	// Cancel the context for all background goroutines (hub, janitor, acceptor)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the serial port read loop
	s.acceptor.Close()
	s.logger.Info("coin acceptor stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close admin database
	if err := s.adminStore.Close(); err != nil {
		s.logger.Error("admin store close error", "error", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
