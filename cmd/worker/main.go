package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/kurateapp/kurate/internal/adapters/database"
	adapterevents "github.com/kurateapp/kurate/internal/adapters/events"
	adapterpayments "github.com/kurateapp/kurate/internal/adapters/payments"
	"github.com/kurateapp/kurate/internal/domain/settlement"
	pkgdb "github.com/kurateapp/kurate/pkg/database"
	pkgevents "github.com/kurateapp/kurate/pkg/events"
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

	// 3. Stripe gateway
	stripeKey := os.Getenv("STRIPE_SECRET_KEY")
	if stripeKey == "" {
		logger.Error("STRIPE_SECRET_KEY is not set")
		os.Exit(1)
	}
	gateway := adapterpayments.NewStripeGateway(stripeKey, logger)

	// 4. Repositories and services
	txManager := pkgdb.NewPostgresTransactionManager(pool, 5*time.Second)
	listingRepo := database.NewPostgresListingRepository(pool)
	bidRepo := database.NewPostgresBidRepository(pool)
	txnRepo := database.NewPostgresTransactionRepository(pool)
	curatorRepo := database.NewPostgresCuratorRepository(pool)
	profiles := database.NewPostgresProfileDirectory(pool)
	outboxRepo := database.NewPostgresOutboxRepository()

	settlementService := settlement.NewService(txManager, txnRepo, curatorRepo, listingRepo, bidRepo, profiles, gateway, logger)

	// 5. Worker components
	relay := pkgevents.NewOutboxRelay(
		outboxRepo,
		publisher,
		txManager,
		10,                   // batch size
		500*time.Millisecond, // polling interval
		adapterevents.Exchange,
		logger,
	)

	notifier := adapterevents.NewRabbitMQNotifier(publisher)
	consumer := adapterevents.NewOutbidConsumer(amqpConn, gateway, notifier, logger)

	closer := settlement.NewCloser(settlementService, listingRepo, 20, 5*time.Second, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting outbox relay...")
		return relay.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting outbid consumer...")
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("Starting auction closer...")
		return closer.Run(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}
