/**
 * @description
 * This is the main entry point for the reward-service. It loads configuration, opens the
 * ledger store (PostgreSQL, or in-memory when no database is configured), connects the event
 * broker, Redis and the payout processor, then runs the HTTP server, the RabbitMQ consumers
 * and the cron scheduler until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: Loads a local `.env` into the environment.
 * - github.com/redis/go-redis/v9: Backs the withdrawal rate limiter.
 * - golang.org/x/sync/errgroup: Runs the server and shutdown watcher together.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/kafka, pkg/payoutclient: Broker and payout processor clients.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bacon/reward-service/internal/api"
	"github.com/bacon/reward-service/internal/app"
	"github.com/bacon/reward-service/internal/config"
	"github.com/bacon/reward-service/internal/store"
	"github.com/bacon/reward-service/pkg/kafka"
	"github.com/bacon/reward-service/pkg/payoutclient"
	"github.com/bacon/reward-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\"failed to load .env\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	log.Printf("level=info component=bootstrap msg=\"starting reward-service\" port=%s broker=%s", cfg.ServerPort, cfg.EventBroker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	var repository store.Repository
	if cfg.DatabaseURL == "" {
		log.Println("level=warn component=bootstrap msg=\"DATABASE_URL not set; using in-memory ledger (data is lost on restart)\"")
		repository = store.NewMemoryRepository(clock)
	} else {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		dbpool, err := openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool, clock)
	}

	publisher := newPublisher(cfg)
	defer publisher.Close()

	var limiter app.RateLimiter
	if redisClient := newRedisClient(ctx, cfg); redisClient != nil {
		defer redisClient.Close()
		limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	var payouts app.PayoutGateway
	if cfg.PayoutAPIBaseURL == "" || cfg.PayoutAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"payout processor not configured; withdrawals wait for external confirmation\" env=PAYOUT_API_BASE_URL")
	} else {
		payouts = payoutclient.NewClient(cfg.PayoutAPIBaseURL, cfg.PayoutAPIKey)
	}

	rewardService := app.NewService(repository, publisher, payouts, limiter, clock, app.Settings{
		EventsExchange:          cfg.EventsExchange,
		CharityAccountID:        cfg.CharityAccountID,
		MinimumWithdrawal:       cfg.MinimumWithdrawalCents,
		PayoutTimeout:           cfg.PayoutTimeout(),
		DistributionMaxAttempts: cfg.DistributionMaxAttempts,
		DistributionBaseBackoff: cfg.DistributionBaseBackoff(),
		WithdrawalRateLimit:     cfg.WithdrawalRateLimitPerMinute,
	})
	if err := rewardService.EnsureCharityAccount(ctx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"charity account setup failed\" account_id=%s err=%v", cfg.CharityAccountID, err)
	}

	if cfg.RabbitMQURL == "" {
		log.Println("level=warn component=bootstrap msg=\"RABBITMQ_URL not set; sale and payout consumers disabled\"")
	} else {
		saleConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer saleConsumer.Close()
		saleBindings := map[string]func([]byte) bool{
			"sale.completed": app.NewSaleCompletedConsumer(rewardService).HandleMessage,
		}
		if err := saleConsumer.ConsumeWithBindings(cfg.InboundEventsExchange, cfg.SaleEventQueue, saleBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"sale consumer start failed\" err=%v", err)
		}

		payoutConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer payoutConsumer.Close()
		payoutBindings := map[string]func([]byte) bool{
			"payout.status.*": app.NewPayoutStatusConsumer(rewardService).HandleMessage,
		}
		if err := payoutConsumer.ConsumeWithBindings(cfg.InboundEventsExchange, cfg.PayoutEventQueue, payoutBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payout consumer start failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"rabbitmq consumers started\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(app.NewJobs(rewardService, logger), logger, cfg)
	scheduler.Start()

	handlers := api.NewRewardHandlers(rewardService)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           api.NewRouter(handlers, api.ClerkAuthMiddleware(cfg.ClerkJWKSURL), cfg.InternalAPIKey),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("level=info component=http msg=\"shutdown started\"")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		<-scheduler.Stop().Done()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("level=error component=http msg=\"server stopped with error\" err=%v", err)
	}
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dbpool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, err
	}
	return dbpool, nil
}

func newPublisher(cfg config.Config) rabbitmq.Publisher {
	switch cfg.EventBroker {
	case config.BrokerKafka:
		log.Printf("level=info component=bootstrap msg=\"kafka publisher configured\" topic=%s", cfg.KafkaTopic)
		return kafka.NewPublisher(cfg.KafkaBrokerList(), cfg.KafkaTopic)
	case config.BrokerRabbitMQ:
		if cfg.RabbitMQURL == "" {
			break
		}
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
			break
		}
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		return producer
	}
	return &rabbitmq.EventProducerFallback{}
}

func newRedisClient(ctx context.Context, cfg config.Config) *redis.Client {
	if cfg.WithdrawalRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; withdrawal rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; withdrawal rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; withdrawal rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
