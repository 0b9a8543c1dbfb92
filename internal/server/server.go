// Package server wires the shop together and exposes the HTTP surface:
// the platform update webhook, the payment provider IPN endpoint, and
// the init-data authenticated browse API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/rvasily/streetmarket/internal/bot"
	"github.com/rvasily/streetmarket/internal/catalog"
	"github.com/rvasily/streetmarket/internal/config"
	"github.com/rvasily/streetmarket/internal/discount"
	"github.com/rvasily/streetmarket/internal/inventory"
	"github.com/rvasily/streetmarket/internal/mediagroup"
	"github.com/rvasily/streetmarket/internal/metrics"
	"github.com/rvasily/streetmarket/internal/money"
	"github.com/rvasily/streetmarket/internal/payments"
	"github.com/rvasily/streetmarket/internal/purchase"
	"github.com/rvasily/streetmarket/internal/storage"
	"github.com/rvasily/streetmarket/internal/sweep"
	"github.com/rvasily/streetmarket/internal/traces"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg          *config.Config
	store        storage.Store
	provider     payments.Provider
	inventory    *inventory.Engine
	discounts    *discount.Service
	catalog      *catalog.Service
	orchestrator *payments.Orchestrator
	purchases    *purchase.Service
	collector    *mediagroup.Collector
	botClient    *bot.Client
	notifier     *bot.Notifier
	sweeper      *sweep.Sweeper
	convs        convStates

	db             *sql.DB // nil when using the in-memory store
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	tracerShutdown func(context.Context) error
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider overrides the payment provider (tests).
func WithProvider(p payments.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithStore overrides the storage backend (tests).
func WithStore(st storage.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// New creates a fully wired server.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Storage: Postgres when configured, in-memory otherwise.
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("open database: %w", err)
			}
			if err := db.Ping(); err != nil {
				return nil, fmt.Errorf("connect to database: %w", err)
			}
			s.db = db
			s.store = storage.NewPostgresStore(db)
			s.logger.Info("using postgres store")
		} else {
			s.store = storage.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory store (data is lost on restart)")
		}
	}

	s.inventory = inventory.New(s.store, s.logger)
	s.discounts = discount.New(s.store, s.logger)
	s.catalog = catalog.New(s.store, s.logger)

	s.botClient = bot.NewClient(cfg.BotAPIURL, cfg.BotToken, s.logger)
	s.notifier = bot.NewNotifier(s.botClient, cfg.AdminChatID, s.logger)

	s.purchases = purchase.New(s.store, s.discounts, s.inventory,
		s.notifier, s.notifier, cfg.MediaDir, s.logger)

	if s.provider == nil {
		s.provider = payments.NewClient(cfg.PaymentAPIURL, cfg.PaymentAPIKey)
	}
	callbackURL := ""
	if cfg.PublicBaseURL != "" {
		callbackURL = cfg.PublicBaseURL + "/webhook"
	}
	s.orchestrator = payments.New(s.store, s.provider, s.discounts,
		s.inventory, s.purchases, s.notifier, callbackURL, s.logger)

	s.collector = mediagroup.New(s.handleMediaSubmission, s.logger)

	s.sweeper = sweep.New(sweep.Config{
		BasketTTL:         cfg.BasketTimeout,
		BasketInterval:    cfg.BasketSweepEvery,
		PendingMaxAge:     cfg.PendingMaxAge,
		PendingInterval:   cfg.PendingSweepEvery,
		AbandonedMaxAge:   cfg.BasketTimeout,
		AbandonedInterval: cfg.AbandonedEvery,
	}, s.store, s.inventory, s.orchestrator, s.logger)

	s.setupRouter()
	return s, nil
}

func (s *Server) setupRouter() {
	if s.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())

	// Payment provider IPN.
	r.POST("/webhook", s.handlePaymentWebhook)

	// Platform updates arrive at a secret path containing the bot token.
	r.POST("/telegram/"+s.cfg.BotToken, s.handlePlatformUpdate)

	api := r.Group("/api", s.initDataAuth())
	{
		api.GET("/profile", s.handleProfile)
		api.GET("/cities", s.handleCities)
		api.GET("/districts", s.handleDistricts)
		api.GET("/products", s.handleProducts)
		api.GET("/basket", s.handleBasket)
		api.POST("/basket/add", s.handleBasketAdd)
		api.POST("/basket/remove", s.handleBasketRemove)
		api.POST("/basket/checkout", s.handleCheckout)
		api.POST("/invoice", s.handleCreateInvoice)
		api.POST("/payment/:id/check", s.handleCheckPayment)
		api.GET("/purchases", s.handlePurchaseHistory)
	}

	s.router = r
}

// Run starts the HTTP server, the sweepers, and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracer, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracerShutdown = shutdownTracer

	if err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Warn("initial catalogue refresh failed", "error", err)
	}

	go s.sweeper.Start(ctx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPReadTimeout,
		WriteTimeout: s.cfg.HTTPWriteTimeout,
		IdleTimeout:  s.cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	s.sweeper.Stop()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
		}
	}
	if s.tracerShutdown != nil {
		_ = s.tracerShutdown(shutdownCtx)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}
	return nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler { return s.router }

func parseAmount(s string) (money.Amount, bool) {
	a, ok := money.Parse(s)
	if !ok || a <= 0 {
		return 0, false
	}
	return a, true
}

func timeNow() time.Time { return time.Now().UTC() }
