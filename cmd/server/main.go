package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"redemption-service/config"
	"redemption-service/internal/api"
	"redemption-service/internal/broker"
	"redemption-service/internal/redisclient"
	"redemption-service/internal/service"
	"redemption-service/internal/store"
	"redemption-service/internal/util"
	"redemption-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting redemption service")

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	tp, err := util.InitTracer("redemption-service", cfg.Server.Env, cfg.Observ.JaegerEndpoint, cfg.Observ.SampleRatio)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	if cfg.Database.RunMigrations {
		if err := store.RunMigrations(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Migrations applied")
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.Close()

	publisher := broker.NewAsyncPublisher(producer, cfg.Business.EventQueueSize, cfg.Business.PublishTimeout)
	publisher.Start()
	logger.Info("Kafka publisher started", zap.String("topic", cfg.Kafka.Topic))

	opts := service.Options{
		TxMaxAttempts:    cfg.Business.TxMaxAttempts,
		TxInitialBackoff: cfg.Business.TxInitialBackoff,
		TxMaxBackoff:     cfg.Business.TxMaxBackoff,
		OperationTimeout: cfg.Business.OperationTimeout,
	}

	ledger := service.NewPointsLedger(db, publisher)
	catalog := service.NewRewardCatalog(db)
	codePool := service.NewCodePool(db, db, catalog, publisher)
	qr := service.NewQRCodec(cfg.Business.QRSecret, cfg.Business.QRIssuer)
	idempotency := service.NewIdempotencyStore(redisClient, cfg.Business.IdempotencyTTL, cfg.Business.InFlightTTL)

	redemptionService := service.NewRedemptionService(db, ledger, catalog, codePool, idempotency, qr, publisher, opts)
	fulfillmentService := service.NewFulfillmentService(db, ledger, catalog, codePool, qr, publisher, opts)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	auditConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.AuditGroup)
	auditWorker := worker.NewAuditWorker(auditConsumer, worker.NewAuditLog(logger))
	go func() {
		if err := auditWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Audit worker error", zap.Error(err))
		}
	}()

	broadcastConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.BroadcastGroup)
	feed := worker.NewLiveFeed(redisClient, cfg.Business.BroadcastChannel, cfg.Business.PublishTimeout)
	broadcastWorker := worker.NewBroadcastWorker(broadcastConsumer, feed)
	go func() {
		if err := broadcastWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Broadcast worker error", zap.Error(err))
		}
	}()

	reclaimer := worker.NewCodeReclaimer(codePool, cfg.Business.CodeReservationTTL, cfg.Business.CodeReclaimInterval)
	go func() {
		if err := reclaimer.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Code reclaimer error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(redemptionService, fulfillmentService, ledger, codePool,
		api.Dependency{Name: "postgres", Ping: db.Ping},
		api.Dependency{Name: "redis", Ping: redisClient.Ping},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := auditWorker.Stop(); err != nil {
		logger.Warn("Audit worker stop", zap.Error(err))
	}
	if err := broadcastWorker.Stop(); err != nil {
		logger.Warn("Broadcast worker stop", zap.Error(err))
	}

	// drain queued events before the producer closes
	if err := publisher.Close(shutdownCtx); err != nil {
		logger.Warn("Event queue not fully drained", zap.Error(err))
	}

	logger.Info("Server exited")
}
