/**
 * @description
 * This is the main entry point for the wallet-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for fraud velocity counters.
 * - github.com/robfig/cron/v3: Scheduled background jobs.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/moolreclient, pkg/paystackclient: Clients for the payout and gateway APIs.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bundlehub/wallet-service/internal/api"
	"github.com/bundlehub/wallet-service/internal/app"
	"github.com/bundlehub/wallet-service/internal/config"
	"github.com/bundlehub/wallet-service/internal/store"
	"github.com/bundlehub/wallet-service/pkg/moolreclient"
	"github.com/bundlehub/wallet-service/pkg/paystackclient"
	rmrabbit "github.com/bundlehub/wallet-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.PaystackSecretKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"paystack secret key must be configured\" env=PAYSTACK_SECRET_KEY")
	}
	if strings.TrimSpace(cfg.PaystackWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"paystack webhook secret must be configured\" env=PAYSTACK_WEBHOOK_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting wallet-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish events.
	// This service only needs to publish, so we use a producer.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the gateway and payout clients.
	paystackClient := paystackclient.NewClient(cfg.PaystackBaseURL, cfg.PaystackSecretKey)
	moolreClient := moolreclient.NewClient(cfg.MoolreBaseURL, cfg.MoolreAPIUser, cfg.MoolreAPIKey, cfg.MoolreAccountID)

	// Provider order is the fallback order: Moolre first, Paystack transfers second.
	providers := []app.PayoutProvider{
		app.NewMoolreProvider(moolreClient),
		app.NewPaystackProvider(paystackClient),
	}

	// Redis backs the fraud velocity counters. Missing Redis degrades the
	// fraud checks, it does not prevent boot.
	var velocity *app.RedisVelocityLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; deposit velocity checks disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; deposit velocity checks disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; deposit velocity checks disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				velocity = app.NewRedisVelocityLimiter(redisClient, cfg.RedisVelocityPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	walletService := app.NewService(repository, paystackClient, providers, producer, velocity, cfg)

	// Start the payout dispatcher loop.
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	dispatcher := app.NewDispatcher(walletService, cfg)
	go dispatcher.Run(dispatcherCtx)

	// Start the scheduled jobs.
	cronRunner, err := app.NewCronRunner(walletService, cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"cron setup failed\" err=%v", err)
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	// Initialize the API handlers and router.
	walletHandlers := api.NewWalletHandlers(walletService, cfg.PaystackWebhookSecret)
	router := api.WalletRoutes(walletHandlers, cfg.ClerkJWKSURL)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopDispatcher()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
