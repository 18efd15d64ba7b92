package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/velora/dispatch/internal/dispatch"
	"github.com/velora/dispatch/internal/earnings"
	"github.com/velora/dispatch/internal/payments"
	"github.com/velora/dispatch/internal/presence"
	"github.com/velora/dispatch/internal/realtime"
	"github.com/velora/dispatch/internal/rides"
	"github.com/velora/dispatch/internal/wallet"
	"github.com/velora/dispatch/pkg/config"
	"github.com/velora/dispatch/pkg/database"
	"github.com/velora/dispatch/pkg/eventbus"
	"github.com/velora/dispatch/pkg/health"
	"github.com/velora/dispatch/pkg/jwtkeys"
	"github.com/velora/dispatch/pkg/logger"
	"github.com/velora/dispatch/pkg/middleware"
	"github.com/velora/dispatch/pkg/ratelimit"
	redisclient "github.com/velora/dispatch/pkg/redis"
	ws "github.com/velora/dispatch/pkg/websocket"
)

const (
	serviceName = "dispatch"
	version     = "1.0.0"

	payoutInterval = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting dispatch node",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("instance", cfg.Server.InstanceID),
		zap.String("environment", cfg.Server.Environment),
	)

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	redisClient, err := redisclient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}()

	bus, err := eventbus.New(eventbus.Config{
		URL:        cfg.NATS.URL,
		Name:       serviceName + "-" + cfg.Server.InstanceID,
		StreamName: cfg.NATS.StreamName,
	})
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer bus.Close()

	// Socket hub with the cross-node room backplane.
	hub := ws.NewHub(cfg.Server.InstanceID)
	relay := ws.NewBusRelay(bus)
	hub.SetRelay(relay)
	if err := relay.Attach(hub); err != nil {
		logger.Fatal("failed to attach room relay", zap.Error(err))
	}
	go hub.Run()

	// Repositories.
	ridesRepo := rides.NewRepository(db)
	driversRepo := presence.NewRepository(db)
	earningsRepo := earnings.NewRepository(db)
	walletRepo := wallet.NewRepository(db)

	// Core services.
	walletSvc := wallet.NewService(walletRepo)
	gateway := payments.NewStripeGateway(cfg.Gateway.APIKey, cfg.Gateway.WebhookSecret)
	reconciler := payments.NewReconciler(gateway, walletSvc)
	rideSvc := rides.NewService(ridesRepo, redisClient, bus, earningsRepo, reconciler, cfg.Dispatch)
	registry := presence.NewRegistry(driversRepo, ridesRepo, redisClient, bus, cfg.Dispatch)

	// Dispatch pipeline: worker pool plus the auto-cancel sweeper.
	notifier := realtime.NewNotifier(hub)
	matcher := dispatch.NewMatcher(registry, cfg.Dispatch)
	worker := dispatch.NewWorker(rideSvc, matcher, notifier, redisClient, bus, cfg.Dispatch)
	if err := worker.Start(rootCtx); err != nil {
		logger.Fatal("failed to start dispatch workers", zap.Error(err))
	}
	sweeper := dispatch.NewSweeper(ridesRepo, rideSvc, notifier, cfg.Dispatch)
	go sweeper.Run(rootCtx)

	// Earnings finalizer consumes completed rides; payouts run on a slow tick.
	finalizer := earnings.NewFinalizer(ridesRepo, earningsRepo, reconciler, bus)
	if err := finalizer.Start(rootCtx, bus); err != nil {
		logger.Fatal("failed to start earnings finalizer", zap.Error(err))
	}
	payoutSvc := earnings.NewPayoutService(earningsRepo)
	go payoutSvc.Run(rootCtx, payoutInterval)

	var limiter *ratelimit.Limiter
	var eventLimiter realtime.EventLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
		eventLimiter = limiter
		logger.Info("rate limiting enabled", zap.String("prefix", cfg.RateLimit.Prefix))
	}

	rtService := realtime.NewService(hub, rideSvc, ridesRepo, registry, eventLimiter)
	rtHandler := realtime.NewHandler(hub, rtService)

	jwtProvider, err := jwtkeys.NewKeyringFromConfig(rootCtx, cfg.JWT)
	if err != nil {
		logger.Fatal("failed to load JWT keyring", zap.Error(err))
	}
	jwtProvider.StartAutoRefresh(rootCtx)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(serviceName))

	router.GET("/health/live", health.Liveness(serviceName, version))
	router.GET("/health/ready", health.Readiness(serviceName, version, map[string]health.Checker{
		"database": health.DatabaseChecker(db),
		"redis":    health.RedisChecker(redisClient.Client),
		"nats": func() error {
			if !bus.Connected() {
				return fmt.Errorf("nats not connected")
			}
			return nil
		},
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Gateway webhooks authenticate by signature, not bearer token.
	webhooks := payments.NewWebhookHandler(gateway, walletSvc, ridesRepo)
	router.POST("/payments/webhook", webhooks.Handle)

	authed := router.Group("/",
		middleware.AuthMiddlewareWithProvider(jwtProvider),
		middleware.RateLimit(limiter, "auth"),
	)
	rtHandler.RegisterRoutes(authed)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
