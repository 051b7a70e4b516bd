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

	"rental-service/config"
	"rental-service/internal/api"
	"rental-service/internal/broker"
	"rental-service/internal/gateway"
	"rental-service/internal/lock"
	"rental-service/internal/redisclient"
	"rental-service/internal/service"
	"rental-service/internal/store"
	"rental-service/internal/util"
	"rental-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// repository is what the services need from either store backend.
type repository interface {
	service.VehicleStore
	service.ReservationRepository
	service.PaymentRepository
	worker.EventLog
	Ping(ctx context.Context) error
}

func main() {

	cfg := config.Load()

	if err := util.InitLogger(util.LogConfig{
		Env:     cfg.Server.Env,
		Level:   cfg.Server.LogLevel,
		Service: cfg.Observ.ServiceName,
		Version: cfg.Observ.ServiceVersion,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting rental service",
		zap.String("env", cfg.Server.Env),
		zap.String("store_backend", cfg.Business.StoreBackend),
		zap.String("lock_backend", cfg.Business.LockBackend),
		zap.Bool("payments_test_mode", cfg.Payments.TestMode))

	tp, err := util.InitTracer(util.TracingConfig{
		ServiceName:    cfg.Observ.ServiceName,
		ServiceVersion: cfg.Observ.ServiceVersion,
		Env:            cfg.Server.Env,
		JaegerEndpoint: cfg.Observ.JaegerEndpoint,
		SampleRatio:    cfg.Observ.TraceSampleRatio,
	})
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

	ctx := context.Background()

	var repo repository
	switch cfg.Business.StoreBackend {
	case config.BackendMemory:
		repo = store.NewMemory()
		logger.Warn("Using in-memory store, data is lost on restart")
	default:
		db, err := store.NewStore(cfg.Database.URL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to apply migrations", zap.Error(err))
		}
		repo = db
		logger.Info("Database connected")
	}

	var locker lock.Locker
	var cache service.VehicleCache
	var redisClient *redisclient.Client
	switch cfg.Business.LockBackend {
	case config.BackendMemory:
		locker = lock.NewKeyedMutex()
		logger.Warn("Using in-process locks, run a single replica")
	default:
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()

		// locks are held across provider calls
		redisClient.SetLockTTL(cfg.Business.LockTTL())
		locker = redisClient
		cache = redisClient
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))

	eventPublisher := broker.NewEventPublisher(producer)

	catalog := service.NewVehicleCatalog(repo, cache, cfg.Business.VehicleCacheTTL)
	if err := catalog.SyncVehiclesToCache(ctx); err != nil {
		logger.Warn("Failed to sync vehicles to cache", zap.Error(err))
	}

	reservationService := service.NewReservationService(catalog, repo, locker, eventPublisher)
	reservationService.SetLockTimeout(cfg.Business.LockTimeout())

	registry := gateway.NewRegistryFromConfig(gateway.Config{
		TestMode: cfg.Payments.TestMode,
		Timeout:  cfg.Business.PaymentTimeout(),
		Stripe: gateway.StripeConfig{
			SecretKey: cfg.Payments.StripeSecretKey,
			BaseURL:   cfg.Payments.StripeBaseURL,
		},
		PayPal: gateway.PayPalConfig{
			ClientID:     cfg.Payments.PayPalClientID,
			ClientSecret: cfg.Payments.PayPalClientSecret,
			BaseURL:      cfg.Payments.PayPalBaseURL,
			ReturnURL:    cfg.Payments.PayPalReturnURL,
			CancelURL:    cfg.Payments.PayPalCancelURL,
		},
	})
	for _, p := range registry.Providers() {
		gw, _ := registry.Get(p)
		logger.Info("Payment provider registered",
			zap.String("provider", string(p)),
			zap.Bool("simulated", gw.Simulated()))
	}

	paymentOrchestrator := service.NewPaymentOrchestrator(repo, reservationService, registry, locker, eventPublisher,
		service.PaymentSettings{
			Currency:       cfg.Business.Currency,
			PaymentTimeout: cfg.Business.PaymentTimeout(),
			LockTimeout:    cfg.Business.LockTimeout(),
		})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer, repo, paymentOrchestrator)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(catalog, reservationService, paymentOrchestrator)
	handler.SetAllowedOrigins(cfg.Server.AllowedOrigins)
	handler.AddReadinessCheck("store", repo)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient)
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

	var metricsSrv *http.Server
	if port := cfg.Observ.PrometheusPort; port != "" && port != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%s", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Starting metrics server", zap.String("port", port))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Error("Error stopping notification worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
