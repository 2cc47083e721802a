package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funnel-service/config"
	"funnel-service/internal/api"
	"funnel-service/internal/broker"
	"funnel-service/internal/payment"
	"funnel-service/internal/redisclient"
	"funnel-service/internal/service"
	"funnel-service/internal/store"
	"funnel-service/internal/util"
	"funnel-service/internal/worker"

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
	logger.Info("Starting funnel service", zap.String("env", cfg.Server.Env))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	applied, err := db.RunMigrations(context.Background())
	if err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	logger.Info("Migrations applied", zap.Strings("files", applied))

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	eventPublisher := broker.NewEventPublisher(producer)

	var (
		gateway   payment.Gateway
		simulated *payment.SimulatedGateway
	)
	switch cfg.Payment.Provider {
	case "stripe":
		gateway = payment.NewStripeGateway(cfg.Payment.StripeSecretKey)
	default:
		simulated = payment.NewSimulatedGateway(db, cfg.Payment.SimulatedSuccess)
		gateway = simulated
	}
	gateway = payment.Instrumented(gateway)
	logger.Info("Payment gateway ready", zap.String("provider", cfg.Payment.Provider))

	engine := service.NewFunnelEngine(db, gateway, redisClient, eventPublisher, service.EngineConfig{
		SequenceMode: cfg.Funnel.SequenceMode,
		Currency:     cfg.Payment.Currency,
		LockTTL:      cfg.Funnel.SessionLockTTL,
		RequireLock:  cfg.Funnel.RequireSessionLock,
		IntentReuse:  time.Duration(cfg.Payment.IntentReuseSeconds) * time.Second,
	})
	analytics := service.NewAnalyticsService(db)
	checkout := service.NewCheckoutService(db, gateway, eventPublisher, cfg.Payment.Currency)
	delivery := service.NewDeliveryService(db, cfg.Auth.JWTSecret, cfg.Auth.DownloadTokenTTL, cfg.Auth.DownloadBaseURL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	deliveryConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	deliveryWorker := worker.NewDeliveryWorker(deliveryConsumer, delivery)
	go func() {
		if err := deliveryWorker.Start(workerCtx); err != nil {
			logger.Error("Delivery worker error", zap.Error(err))
		}
	}()

	if cfg.Reaper.Enabled {
		reaper := worker.NewSessionReaper(db, cfg.Reaper.Interval, cfg.Reaper.IdleTTL)
		go reaper.Run(workerCtx)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(engine, analytics, checkout, delivery, cfg.Auth.JWTSecret).
		WithReadinessCheck("postgres", db).
		WithReadinessCheck("redis", redisClient)
	if cfg.RateLimit.Enabled {
		limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		defer limiter.Close()
		handler.WithRateLimiter(limiter)
	}
	if simulated != nil && cfg.Server.Env != "production" {
		handler.WithChargeConfirmer(simulated)
	}
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := deliveryWorker.Stop(); err != nil {
		logger.Error("Failed to stop delivery worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
