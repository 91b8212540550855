package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kurateapp/kurate/internal/adapters/api"
	"github.com/kurateapp/kurate/internal/adapters/cache"
	"github.com/kurateapp/kurate/internal/adapters/database"
	adapterevents "github.com/kurateapp/kurate/internal/adapters/events"
	adapterpayments "github.com/kurateapp/kurate/internal/adapters/payments"
	"github.com/kurateapp/kurate/internal/domain/bids"
	"github.com/kurateapp/kurate/internal/domain/listings"
	"github.com/kurateapp/kurate/internal/domain/settlement"
	"github.com/kurateapp/kurate/pkg/auth"
	pkgdb "github.com/kurateapp/kurate/pkg/database"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load environment variables (local overrides .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. Initialize Postgres Connection Pool
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is not set")
		os.Exit(1)
	}

	dbConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		logger.Error("Unable to parse database config", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("Unable to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if pingErr := pool.Ping(ctx); pingErr != nil {
		logger.Error("Unable to ping database", "error", pingErr)
		os.Exit(1)
	}
	logger.Info("Postgres Connected")

	// 2. Connect to RabbitMQ
	rabbitURL := os.Getenv("RABBITMQ_URL")
	if rabbitURL == "" {
		logger.Error("RABBITMQ_URL is not set")
		os.Exit(1)
	}

	amqpConn, err := amqp.Dial(rabbitURL)
	if err != nil {
		logger.Error("Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer amqpConn.Close()
	logger.Info("RabbitMQ Connected")

	publisher, err := adapterevents.NewRabbitMQPublisher(amqpConn)
	if err != nil {
		logger.Error("Failed to create RabbitMQ publisher", "error", err)
		os.Exit(1)
	}
	defer publisher.Close()

	// 3. Connect to Redis for the listing cache
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		logger.Error("REDIS_URL is not set")
		os.Exit(1)
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisURL})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Redis connection failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Redis Connected")

	// 4. Stripe gateway
	stripeKey := os.Getenv("STRIPE_SECRET_KEY")
	if stripeKey == "" {
		logger.Error("STRIPE_SECRET_KEY is not set")
		os.Exit(1)
	}
	gateway := adapterpayments.NewStripeGateway(stripeKey, logger)

	// 5. JWT verification (public key only, tokens are minted elsewhere)
	publicKeyPEM := os.Getenv("JWT_PUBLIC_KEY")
	if publicKeyPEM == "" {
		logger.Error("JWT_PUBLIC_KEY is not set")
		os.Exit(1)
	}
	signer, err := auth.NewSignerFromPublicKey([]byte(publicKeyPEM), "kurate")
	if err != nil {
		logger.Error("Failed to parse JWT public key", "error", err)
		os.Exit(1)
	}

	// 6. Repositories (Infrastructure Layer)
	txManager := pkgdb.NewPostgresTransactionManager(pool, 3*time.Second)
	listingRepo := database.NewPostgresListingRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	txnRepo := database.NewPostgresTransactionRepository(pool)
	curatorRepo := database.NewPostgresCuratorRepository(pool)
	profiles := database.NewPostgresProfileDirectory(pool)
	outboxRepo := database.NewPostgresOutboxRepository()

	// 7. Domain services
	ledger := bids.NewLedger(listingRepo, bidRepo)
	bidService := bids.NewService(txManager, ledger, bidRepo, outboxRepo, profiles, gateway, logger)
	settlementService := settlement.NewService(txManager, txnRepo, curatorRepo, listingRepo, bidRepo, profiles, gateway, logger)
	listingService := listings.NewService(txManager, listingRepo, bidRepo, settlementService, gateway, outboxRepo, logger)

	listingCache := cache.NewListingCache(rdb, logger)

	// 8. HTTP surface
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	handler := api.NewHandler(bidService, listingService, settlementService, listingCache, logger)
	handler.Register(e, auth.Middleware(signer))

	addr := os.Getenv("API_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("Starting bidding API", "addr", addr)

	// h2c allows HTTP/2 without TLS behind the internal load balancer
	srv := &http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(e, &http2.Server{}),
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
