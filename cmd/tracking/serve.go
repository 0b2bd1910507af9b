package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/tracking/internal/config"
	"github.com/ehr/tracking/internal/domain/enrollment"
	"github.com/ehr/tracking/internal/domain/tracking"
	"github.com/ehr/tracking/internal/platform/auth"
	"github.com/ehr/tracking/internal/platform/db"
	"github.com/ehr/tracking/internal/platform/kafka"
	"github.com/ehr/tracking/internal/platform/lock"
	"github.com/ehr/tracking/internal/platform/metrics"
	"github.com/ehr/tracking/internal/platform/middleware"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the tracking event consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	schema, err := tracking.LoadSchema(cfg.SchemaFile)
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry()
	deps := map[string]db.Pinger{"postgres": pool}

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authz := auth.NewTokenAuthorizer(jwtCfg, cfg.ServiceToken)

	repo := tracking.NewTrackingRepoPG(pool)
	svc := tracking.NewService(schema, ruleSource(cfg, pool), tracking.NewSourceStorePG(pool), repo, authz, logger)
	svc.SetMetrics(reg)

	if cfg.RedisURL != "" {
		rdb, err := lock.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		svc.SetLocker(lock.NewBatchLock(rdb, cfg.BatchLockTTL))
		deps["redis"] = db.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Dur("ttl", cfg.BatchLockTTL).Msg("redis batch lock enabled")
	}

	checkRules(ctx, svc, pool, cfg, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", db.HealthHandler(pool, deps))
	e.GET("/metrics", echo.WrapHandler(reg.Handler()))

	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	}
	api := e.Group("/api/v1", middleware.RequestTimeout(cfg.RequestTimeout), authMW, db.TenantMiddleware(pool, cfg.DefaultTenant))
	tracking.NewHandler(svc, repo).RegisterRoutes(api)

	consumerErr := make(chan error, 1)
	if cfg.KafkaEnabled() {
		writer := kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaEnrollmentTopic)
		defer writer.Close()
		deps["kafka"] = writer

		pub := enrollment.NewService(enrollment.NewEnrollmentRepoPG(pool), writer, logger)
		pub.SetMetrics(reg)
		enrollment.NewHandler(pub).RegisterRoutes(api)

		if cfg.ServiceToken == "" {
			logger.Warn().Msg("SERVICE_TOKEN not set; queue batches will be processed but not written")
		}
		bind := func(ctx context.Context, tenant string) (context.Context, func(), error) {
			return db.AcquireTenantConn(ctx, pool, tenant)
		}
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:   cfg.KafkaBrokers,
			Topic:     cfg.KafkaEventTopic,
			GroupID:   cfg.KafkaGroupID,
			BatchSize: cfg.BatchSize,
			BatchWait: cfg.BatchWait,
		}, svc.QueueHandler(bind, cfg.DefaultTenant), logger)
		defer consumer.Close()
		go func() { consumerErr <- consumer.Run(ctx) }()
	} else {
		logger.Warn().Msg("KAFKA_BROKERS not set; event consumer and publisher disabled")
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-consumerErr:
		if err != nil {
			logger.Error().Err(err).Msg("event consumer stopped")
			runErr = err
		}
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return runErr
}

// checkRules loads the default tenant's mapping rules once so configuration
// errors show up at startup instead of on the first batch.
func checkRules(ctx context.Context, svc *tracking.Service, pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) {
	tctx, release, err := db.AcquireTenantConn(ctx, pool, cfg.DefaultTenant)
	if err != nil {
		logger.Warn().Err(err).Msg("could not check mapping rules")
		return
	}
	defer release()

	cat, err := svc.Catalog(tctx)
	if err != nil {
		logger.Error().Err(err).Str("tenant_id", cfg.DefaultTenant).Msg("mapping rules invalid; batches will fail until fixed")
		return
	}
	logger.Info().Int("rules", cat.Len()).Str("source", cfg.RulesSource).Msg("mapping rules loaded")
}
