package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hrq/hrq/internal/config"
	"github.com/hrq/hrq/internal/domain/questionnaire"
	"github.com/hrq/hrq/internal/platform/analytics"
	"github.com/hrq/hrq/internal/platform/auth"
	"github.com/hrq/hrq/internal/platform/cache"
	"github.com/hrq/hrq/internal/platform/db"
	"github.com/hrq/hrq/internal/platform/events"
	"github.com/hrq/hrq/internal/platform/hipaa"
	"github.com/hrq/hrq/internal/platform/middleware"
	"github.com/hrq/hrq/internal/platform/reporting"
	"github.com/hrq/hrq/internal/platform/telemetry"
	"github.com/hrq/hrq/internal/platform/webhook"
	"github.com/hrq/hrq/internal/platform/websocket"
)

const (
	templateCachePrefix  = "hrq:template"
	maxTrackedRecords    = 10000
	webhookRetryInterval = 15 * time.Second
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Str("service", "hrq-server").Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "hrq-server").Logger()
}

// components are the long-lived services the HTTP layer routes to.
type components struct {
	pool     *pgxpool.Pool
	redis    *redis.Client
	service  *questionnaire.Service
	tracker  *analytics.SubmissionTracker
	webhooks *webhook.Manager
	live     *websocket.Hub
	metrics  *telemetry.Metrics
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is enabled; identities are taken from request headers")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis is optional: without it templates are cached in process and
	// events are relayed in process.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		logger.Info().Msg("connected to redis")
	}

	kc, err := cfg.KeyConfig()
	if err != nil {
		return err
	}
	crypto, err := hipaa.NewEncryptionService(kc, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize PHI encryption")
		return err
	}

	var schemaCache questionnaire.SchemaCache = cache.NewMemory(cfg.TemplateCacheTTL)
	if rdb != nil {
		schemaCache = cache.NewRedisJSONCache(rdb, templateCachePrefix, cfg.TemplateCacheTTL)
	}

	txRunner := db.NewTxRunner(pool)
	outbox := events.NewOutbox(pool)
	templates := questionnaire.NewTemplateRepoPG(pool)
	schemas := questionnaire.NewSchemaProvider(templates, schemaCache, logger)
	svc := questionnaire.NewService(
		schemas,
		questionnaire.NewResponseRepoPG(pool),
		txRunner,
		hipaa.NewAuditLogger(pool),
		outbox,
		crypto,
		logger,
	)

	// Event consumers
	validator := hipaa.NewAnalyticsValidator(logger)
	tracker := analytics.NewSubmissionTracker(maxTrackedRecords, validator)
	hooks := webhook.NewManager(webhook.NewMemoryStore(),
		webhook.WithTimeout(cfg.WebhookTimeout),
		webhook.WithValidator(validator),
		webhook.WithLogger(logger),
	)
	if err := hooks.Seed(ctx, cfg.WebhookEndpoints); err != nil {
		return fmt.Errorf("seed webhooks: %w", err)
	}
	live := websocket.NewHub(validator, logger)
	metrics := telemetry.NewMetrics().WithPoolStats(func() (int32, int32, int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})
	handlers := []events.Handler{tracker, hooks, live, metrics}

	var wg sync.WaitGroup
	var publisher events.Publisher
	if rdb != nil {
		publisher = events.NewRedisStreamPublisher(rdb, cfg.EventStream)
		hostname, _ := os.Hostname()
		relay := events.NewRelay(rdb, events.RelayConfig{
			Stream:   cfg.EventStream,
			Group:    cfg.EventGroup,
			Consumer: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		}, validator, logger, handlers...)
		if err := relay.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("create consumer group: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	} else {
		publisher = events.NewMemoryPublisher(handlers...)
	}

	dispatcher := events.NewDispatcher(outbox, publisher, logger)
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		hooks.RunRetries(ctx, webhookRetryInterval)
	}()

	e := newEcho(cfg, logger, components{
		pool:     pool,
		redis:    rdb,
		service:  svc,
		tracker:  tracker,
		webhooks: hooks,
		live:     live,
		metrics:  metrics,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stop()
	wg.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the router and middleware chain. Request id, logging and
// recovery come first so every later failure is logged with its id; PHI
// redaction sits closest to the handlers so it sees their raw output.
func newEcho(cfg *config.Config, logger zerolog.Logger, c components) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(c.metrics.Middleware())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.SanitizeWithLogger(logger))

	allowed := append([]string{questionnaire.ClinicianReportRoute}, cfg.PHIAllowedRoutes...)
	e.Use(middleware.PHIRedaction(hipaa.NewResponseRedactor(allowed...), logger))

	deps := map[string]db.Pinger{}
	if c.redis != nil {
		rdb := c.redis
		deps["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	e.GET("/health", db.HealthHandler(c.pool, deps))
	e.GET("/metrics", c.metrics.PrometheusHandler())

	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}
	api := e.Group("/api/v1", authMW)

	questionnaire.NewHandler(c.service, cfg.TemplateFamily).RegisterRoutes(api)
	admin := api.Group("/analytics", auth.RequireRole(auth.RoleAdmin))
	analytics.NewSummaryHandler(c.tracker).RegisterRoutes(admin)
	websocket.NewWebSocketHandler(c.live, cfg.CORSOrigins).RegisterRoutes(admin)
	webhook.NewHandler(c.webhooks).RegisterRoutes(api.Group("/webhooks", auth.RequireRole(auth.RoleAdmin)))
	reporting.NewHandler(c.pool).RegisterRoutes(api)

	return e
}
