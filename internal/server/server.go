// Package server wires the payment services together behind one HTTP server.
package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/config"
	"github.com/tutorhub/payments/internal/dispute"
	"github.com/tutorhub/payments/internal/escrow"
	"github.com/tutorhub/payments/internal/gateway"
	"github.com/tutorhub/payments/internal/health"
	"github.com/tutorhub/payments/internal/idgen"
	"github.com/tutorhub/payments/internal/ledger"
	"github.com/tutorhub/payments/internal/logging"
	"github.com/tutorhub/payments/internal/metrics"
	"github.com/tutorhub/payments/internal/settings"
	"github.com/tutorhub/payments/internal/validation"
	"github.com/tutorhub/payments/internal/wallet"
)

// Server is the HTTP server and its wired services.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	router *gin.Engine
	db     *sql.DB // nil in memory mode
	health *health.Registry

	gatewayClient gateway.Client // overridable for tests
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGatewayClient replaces the outbound payment gateway client.
func WithGatewayClient(c gateway.Client) Option {
	return func(s *Server) { s.gatewayClient = c }
}

// New creates a fully wired server. With DATABASE_URL set the stores are
// PostgreSQL-backed; otherwise everything runs in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	feeRate, err := decimal.NewFromString(cfg.PlatformFeeRate)
	if err != nil {
		return nil, fmt.Errorf("parse PLATFORM_FEE_RATE: %w", err)
	}
	minFee, err := decimal.NewFromString(cfg.MinTransactionFee)
	if err != nil {
		return nil, fmt.Errorf("parse MIN_TRANSACTION_FEE: %w", err)
	}
	defaults := settings.Settings{
		PlatformFeeRate:   feeRate,
		MinTransactionFee: minFee,
		Currency:          cfg.Currency,
	}

	var (
		walletStore   wallet.Store
		ledgerStore   ledger.Store
		escrowStore   escrow.Store
		paymentStore  gateway.Store
		settingsStore settings.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.health.Register("postgres", health.DBChecker("postgres", db))
		s.logger.Info("using postgres stores", "dsn", maskDSN(cfg.DatabaseURL))

		ledgerPG := ledger.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db, cfg.Currency)
		ledgerStore = ledgerPG
		escrowStore = escrow.NewPostgresStore(db, ledgerPG)
		paymentStore = gateway.NewPostgresStore(db)
		settingsStore = settings.NewPostgresStore(db, defaults)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores")
		wallets := wallet.NewMemoryStore(cfg.Currency)
		ledgerMem := ledger.NewMemoryStore(wallets)
		walletStore = wallets
		ledgerStore = ledgerMem
		escrowStore = escrow.NewMemoryStore(ledgerMem)
		paymentStore = gateway.NewMemoryStore()
		settingsStore, err = settings.NewMemoryStore(defaults)
		if err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
	}

	ledgerSvc := ledger.New(ledgerStore)
	escrowSvc := escrow.NewService(escrowStore, ledgerSvc, cfg.Currency, s.logger)
	disputeSvc := dispute.NewService(escrowSvc, settingsStore, s.logger)

	if s.gatewayClient == nil {
		s.gatewayClient = gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey,
			time.Duration(cfg.GatewayTimeout)*time.Second)
	}
	gatewaySvc := gateway.NewService(paymentStore, s.gatewayClient, escrowSvc, gateway.Config{
		Currency:    cfg.Currency,
		CheckoutTTL: time.Duration(cfg.CheckoutTTL) * time.Minute,
		WebhookKey:  cfg.GatewayWebhookKey,
	}, s.logger)

	s.router = s.buildRouter(
		wallet.NewHandler(walletStore),
		ledger.NewHandler(ledgerSvc, cfg.Currency),
		escrow.NewHandler(escrowSvc),
		dispute.NewHandler(disputeSvc),
		gateway.NewHandler(gatewaySvc, escrowSvc),
		settings.NewHandler(settingsStore),
	)
	return s, nil
}

func (s *Server) buildRouter(
	wallets *wallet.Handler,
	ledgers *ledger.Handler,
	escrows *escrow.Handler,
	disputes *dispute.Handler,
	gateways *gateway.Handler,
	settingsH *settings.Handler,
) *gin.Engine {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestIDMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(metrics.Middleware())
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	r.GET("/health", s.healthHandler)
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", s.healthHandler)
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/v1")
	v1.Use(validation.IDParamMiddleware("id"))
	wallets.RegisterRoutes(v1)
	ledgers.RegisterRoutes(v1)
	escrows.RegisterRoutes(v1)
	disputes.RegisterRoutes(v1)
	gateways.RegisterRoutes(v1)
	gateways.RegisterWebhookRoutes(v1.Group("/gateway"))

	admin := v1.Group("/admin", s.adminAuthMiddleware())
	disputes.RegisterAdminRoutes(admin)
	ledgers.RegisterAdminRoutes(admin)
	settingsH.RegisterAdminRoutes(admin)

	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails. Shutdown drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	s.logger.Info("server stopped")
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = idgen.WithPrefix("req_")
		}
		c.Header("X-Request-ID", reqID)
		ctx := logging.WithRequestID(c.Request.Context(), reqID)
		c.Request = c.Request.WithContext(logging.WithLogger(ctx, s.logger))
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Webhook auth failures and 5xx are worth noise; the rest is debug.
		level := slog.LevelDebug
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		} else if c.Writer.Status() == http.StatusUnauthorized {
			level = slog.LevelWarn
		}
		logging.L(c.Request.Context()).Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// adminAuthMiddleware guards the admin group with a shared secret header.
// Constant-time comparison over hashes; an empty configured secret never
// matches.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	secretHash := sha256.Sum256([]byte(s.cfg.AdminSecret))
	return func(c *gin.Context) {
		provided := sha256.Sum256([]byte(c.GetHeader("X-Admin-Secret")))
		if s.cfg.AdminSecret == "" || subtle.ConstantTimeCompare(provided[:], secretHash[:]) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "****")
	return u.String()
}
