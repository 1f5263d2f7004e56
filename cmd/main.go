/**
 * @description
 * Entry point for the escrow service. It wires the ledger store, the payment
 * gateway and contract service clients, Redis backed rate limiting and job
 * locks, the RabbitMQ gateway event consumer and outbox dispatcher, the cron
 * scheduler and the HTTP API.
 *
 * @dependencies
 * - pgxpool for the ledger database, godotenv for local config.
 * - go-redis for rate limits and job locks, amqp091-go for messaging.
 */

package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/escrow-service/internal/api"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/contractclient"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
	"github.com/transfa/escrow-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		repo  store.Repository
		ready func(ctx context.Context) error
	)
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store; balances are lost on restart")
		repo = store.NewMemoryRepository()
	default:
		pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			logger.Error("unable to parse database URL", "error", err)
			os.Exit(1)
		}
		pgConfig.MaxConns = 50
		pgConfig.MinConns = 5
		pgConfig.MaxConnLifetime = 30 * time.Minute
		pgConfig.MaxConnIdleTime = 5 * time.Minute
		pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbpool.Close()
		logger.Info("database connection established")

		if cfg.AutoMigrate {
			if err := store.EnsureSchema(ctx, dbpool); err != nil {
				logger.Error("failed to apply schema", "error", err)
				os.Exit(1)
			}
		}
		repo = store.NewPostgresRepository(dbpool)
		ready = dbpool.Ping
	}

	currencies, err := app.LoadCurrencyTable(ctx, repo)
	if err != nil {
		logger.Error("failed to load currencies", "error", err)
		os.Exit(1)
	}
	policy, err := app.EnsureFeePolicy(ctx, repo, cfg.DefaultFeePolicy())
	if err != nil {
		logger.Error("failed to load fee policy", "error", err)
		os.Exit(1)
	}
	logger.Info("fee policy active", "version", policy.Version, "platform_fee_rate", policy.Rates.PlatformFeeRate.String())

	var (
		limiter app.WithdrawalLimiter
		locker  app.Locker
	)
	if cfg.RedisURL == "" {
		logger.Warn("redis url missing; withdrawal rate limiting and job locks disabled")
	} else if redisOptions, err := redis.ParseURL(cfg.RedisURL); err != nil {
		logger.Warn("redis url parse failed; withdrawal rate limiting and job locks disabled", "error", err)
	} else {
		redisClient := redis.NewClient(redisOptions)
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		pingErr := redisClient.Ping(pingCtx).Err()
		pingCancel()
		if pingErr != nil {
			logger.Warn("redis ping failed; withdrawal rate limiting and job locks disabled", "error", pingErr)
			redisClient.Close()
		} else {
			defer redisClient.Close()
			limiter = app.NewRedisWithdrawalLimiter(redisClient, cfg.RedisKeyPrefix)
			locker = app.NewRedisLocker(redisClient, cfg.RedisKeyPrefix)
			logger.Info("redis connected")
		}
	}

	gateway := paymentgateway.NewClient(cfg.PaymentGatewayBaseURL, cfg.PaymentGatewayAPIKey)
	contracts := app.ContractServiceDirectory{Client: contractclient.NewClient(cfg.ContractServiceURL, cfg.ContractServiceAPIKey)}

	service := app.NewService(repo, currencies, gateway, gateway, contracts, app.Options{
		EarningsClearingPeriod:         cfg.EarningsClearingPeriod(),
		DispatchWithdrawalsImmediately: cfg.PayoutDispatchImmediate,
		WithdrawalRateLimit:            cfg.WithdrawalRateLimit,
		WithdrawalVolumeLimit:          cfg.WithdrawalVolumeCap(),
		RateLimiter:                    limiter,
		PayoutConfirmationTimeout:      cfg.PayoutConfirmationTimeout(),
		Logger:                         logger,
	})
	jobs := app.NewJobs(service, locker, logger)

	if cfg.SchedulerEnabled {
		scheduler := app.NewScheduler(jobs, logger, app.Schedules{
			AutoRelease:    cfg.AutoReleaseSchedule,
			PayoutDispatch: cfg.PayoutDispatchSchedule,
			Clearance:      cfg.ClearanceSchedule,
		})
		if n := scheduler.Start(); n > 0 {
			defer func() { <-scheduler.Stop().Done() }()
		}
	}

	if cfg.OutboxEnabled {
		factory := func() (rabbitmq.Publisher, error) {
			if cfg.RabbitMQURL == "" {
				return &rabbitmq.LoggingPublisher{Logger: logger}, nil
			}
			producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
			if err != nil {
				return nil, err
			}
			return producer, nil
		}
		go app.NewOutboxDispatcher(repo, factory, logger).Run(ctx)
	}

	if cfg.RabbitMQURL == "" {
		logger.Warn("rabbitmq url missing; gateway events are only accepted via webhook")
	} else {
		go consumeGatewayEvents(ctx, cfg, app.NewGatewayEventConsumer(service, logger), logger)
	}

	var keys api.KeySource = api.NewJWKSCache(cfg.JWKSURL)
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		logger.Warn("jwks url missing; user endpoints will reject every token")
	}
	handler := api.NewHandler(service, jobs, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Keys:           keys,
		Auth:           api.AuthOptions{AdminRole: cfg.AdminRole},
		InternalAPIKey: cfg.InternalAPIKey,
		WebhookSecret:  cfg.WebhookSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
		Idempotency:    repo,
		IdempotencyTTL: cfg.IdempotencyTTL(),
		Ready:          ready,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server stopped")
}

// consumeGatewayEvents keeps a RabbitMQ consumer attached to the gateway
// event exchange, reconnecting with a fixed delay until ctx is cancelled.
func consumeGatewayEvents(ctx context.Context, cfg config.Config, consumer *app.GatewayEventConsumer, logger *slog.Logger) {
	const reconnectDelay = 5 * time.Second
	for {
		rc, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("rabbitmq consumer connect failed", "error", err)
		} else {
			err = rc.ConsumeWithBindings(ctx, cfg.GatewayEventsExchange, cfg.GatewayEventQueue, consumer.Handlers())
			rc.Close()
			if err != nil {
				logger.Warn("gateway event consumer stopped", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
