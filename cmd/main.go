package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tesseract-Nexus/go-shared/rbac"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"payment-core/internal/clients"
	"payment-core/internal/config"
	"payment-core/internal/events"
	"payment-core/internal/gateway"
	"payment-core/internal/handlers"
	"payment-core/internal/middleware"
	"payment-core/internal/models"
	"payment-core/internal/repository"
	"payment-core/internal/services"
	"payment-core/internal/subscribers"
)

// @title Payment Core API
// @version 1.0
// @description Payment initiation, gateway reconciliation and refunds
// @BasePath /api/v1
func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := connectDatabase(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	logger.Info("Connected to database")

	if err := db.AutoMigrate(
		&models.Payment{},
		&models.Refund{},
		&models.GatewayConfig{},
		&models.WebhookEvent{},
	); err != nil {
		logger.WithError(err).Fatal("Auto-migration failed")
	}

	// Seed gateway configurations (idempotent - existing rows win)
	if err := repository.SeedGatewayConfigs(db, cfg.GatewaySeeds, logger); err != nil {
		logger.WithError(err).Warn("Failed to seed gateway configurations")
	}

	redisClient := connectRedis(cfg.RedisURL, logger)

	paymentRepo := repository.NewPaymentRepository(db)

	deps := gateway.Deps{
		HTTPClient: &http.Client{Timeout: cfg.GatewayHTTPTimeout},
		Logger:     logger.WithField("component", "gateway"),
	}
	if redisClient != nil {
		deps.Tokens = gateway.NewRedisTokenCache(redisClient, deps.Logger)
	}
	registry := gateway.NewRegistry(paymentRepo, nil, deps)
	logger.WithField("gateways", registry.SupportedCodes()).Info("Gateway registry initialized")

	// Settlement side effects are optional; the services skip nil collaborators
	var publisher services.SettlementPublisher
	eventsPublisher, err := events.NewPublisher(cfg.NATSURL, cfg.EventsTenantID, logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize events publisher, settlement events won't be published")
		eventsPublisher = nil
	} else {
		defer eventsPublisher.Close()
		publisher = eventsPublisher
		logger.Info("NATS events publisher initialized")
	}

	var notifier services.CustomerNotifier
	if cfg.NotificationServiceURL != "" {
		notifier = clients.NewNotificationClient(cfg.NotificationServiceURL, cfg.EventsTenantID, logger)
	}

	verifier := services.NewWebhookVerifier(registry, logger)
	refundService := services.NewRefundService(paymentRepo, registry, publisher, notifier, cfg.RefundTimeout, logger)
	paymentService := services.NewPaymentService(paymentRepo, registry, verifier, refundService, publisher, notifier, cfg.CallbackBaseURL, logger)

	configSubscriber, err := subscribers.NewPaymentConfigSubscriber(cfg.NATSURL, registry, logger)
	if err != nil {
		logger.WithError(err).Warn("Failed to initialize payment config subscriber, gateway changes apply after restart")
	} else {
		if err := configSubscriber.Start(context.Background()); err != nil {
			logger.WithError(err).Warn("Payment config subscriber failed to start")
		}
		defer configSubscriber.Stop()
	}

	rbacMiddleware := rbac.NewMiddlewareWithURL(cfg.StaffServiceURL, nil)

	var idempotency middleware.IdempotencyStore
	if redisClient != nil {
		idempotency = middleware.NewRedisIdempotencyStore(redisClient)
	}

	router := setupRouter(cfg, logger, db, eventsPublisher, idempotency, rbacMiddleware,
		handlers.NewPaymentHandler(paymentService, refundService),
		handlers.NewRefundHandler(refundService),
		handlers.NewWebhookHandler(paymentService, verifier),
		handlers.NewGatewayHandler(paymentService),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":        cfg.Port,
			"environment": cfg.Environment,
		}).Info("Payment core starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// In-flight refunds hold a row lock; give them the full gateway timeout to finish
	ctx, cancel := context.WithTimeout(context.Background(), cfg.RefundTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("Server exited")
}

// connectDatabase establishes a connection to the database
func connectDatabase(cfg *config.Config) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if cfg.IsProduction() {
		// Queries carry customer data
		logLevel = gormlogger.Silent
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// connectRedis returns nil when Redis is not configured or unreachable
func connectRedis(redisURL string, logger *logrus.Logger) *redis.Client {
	if redisURL == "" {
		logger.Info("REDIS_URL not set, using in-memory token cache and no idempotency keys")
		return nil
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.WithError(err).Warn("Invalid REDIS_URL, continuing without Redis")
		return nil
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Failed to connect to Redis, continuing without Redis")
		_ = client.Close()
		return nil
	}

	logger.Info("Connected to Redis")
	return client
}

// setupRouter configures the HTTP router
func setupRouter(
	cfg *config.Config,
	logger *logrus.Logger,
	db *gorm.DB,
	eventsPublisher *events.Publisher,
	idempotency middleware.IdempotencyStore,
	rbacMw *rbac.Middleware,
	paymentHandler *handlers.PaymentHandler,
	refundHandler *handlers.RefundHandler,
	webhookHandler *handlers.WebhookHandler,
	gatewayHandler *handlers.GatewayHandler,
) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	rateLimits := middleware.NewPaymentRateLimits(cfg.RateLimitPerMinute)

	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	router.Use(middleware.RequestContext())
	router.Use(middleware.AuditMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		status, code := "healthy", http.StatusOK
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		// Settlement events are best effort, so a NATS outage is reported but not fatal
		eventsStatus := "disconnected"
		if eventsPublisher.IsConnected() {
			eventsStatus = "connected"
		}
		c.JSON(code, gin.H{
			"status":  status,
			"service": "payment-core",
			"events":  eventsStatus,
		})
	})
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	idempotent := middleware.IdempotencyMiddleware(idempotency, 24*time.Hour, logger)

	v1 := router.Group("/api/v1")
	{
		payments := v1.Group("/payments")
		{
			// Gateway traffic: authenticated by signature, not by staff permissions
			gatewayTraffic := payments.Group("")
			gatewayTraffic.Use(middleware.RateLimitMiddleware(rateLimits.Webhooks))
			{
				gatewayTraffic.GET("/callback/:gateway", webhookHandler.HandleCallback)
				gatewayTraffic.POST("/callback/:gateway", webhookHandler.HandleCallback)
				gatewayTraffic.POST("/webhook/:gateway", webhookHandler.HandleWebhook)
			}

			checkout := payments.Group("")
			checkout.Use(middleware.RateLimitMiddleware(rateLimits.APIGeneral))
			{
				checkout.GET("/gateways", gatewayHandler.ListGateways)
				checkout.POST("", idempotent, paymentHandler.CreatePayment)
				checkout.POST("/initiate", idempotent, paymentHandler.InitiatePayment)

				checkout.GET("/status/:payment", rbacMw.RequirePermission(rbac.PermissionPaymentsRead), paymentHandler.GetPaymentStatus)
				checkout.GET("/:payment/refunds", rbacMw.RequirePermission(rbac.PermissionPaymentsRead), paymentHandler.ListPaymentRefunds)
				checkout.POST("/:payment/refunds",
					rbacMw.RequirePermission(rbac.PermissionPaymentsRefund),
					middleware.RateLimitMiddleware(rateLimits.Refunds),
					idempotent,
					paymentHandler.CreateRefund)
			}
		}

		refunds := v1.Group("/refunds")
		refunds.Use(middleware.RateLimitMiddleware(rateLimits.APIGeneral))
		{
			refunds.GET("", rbacMw.RequirePermission(rbac.PermissionPaymentsRead), refundHandler.ListRefunds)
			refunds.GET("/statistics", rbacMw.RequirePermission(rbac.PermissionPaymentsRead), refundHandler.GetStatistics)
			refunds.GET("/export", rbacMw.RequirePermission(rbac.PermissionPaymentsRead), refundHandler.ExportRefunds)
			refunds.GET("/:refund", rbacMw.RequirePermission(rbac.PermissionPaymentsRead), refundHandler.GetRefund)
			refunds.POST("/:refund/process",
				rbacMw.RequirePermission(rbac.PermissionPaymentsRefund),
				middleware.RateLimitMiddleware(rateLimits.Refunds),
				refundHandler.ProcessRefund)
			refunds.POST("/:refund/cancel", rbacMw.RequirePermission(rbac.PermissionPaymentsRefund), refundHandler.CancelRefund)
		}
	}

	return router
}
