package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"catalog-import-service/internal/config"
	"catalog-import-service/internal/events"
	"catalog-import-service/internal/handlers"
	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/middleware"
	"catalog-import-service/internal/repository"
	"catalog-import-service/internal/retry"
	"catalog-import-service/internal/webhooks"

	gosharedmw "github.com/Tesseract-Nexus/go-shared/middleware"
	"github.com/Tesseract-Nexus/go-shared/secrets"
	"github.com/Tesseract-Nexus/go-shared/tracing"
)

// @title Catalog Import API
// @version 1.0.0
// @description Bulk product catalog import service: streaming CSV/XLSX ingestion with progress tracking and webhook notifications

// @contact.name Catalog Import API Support
// @contact.url http://www.example.com/support
// @contact.email support@example.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8093
// @BasePath /api/v1

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	// Initialize configuration
	cfg := config.Load()

	// Initialize database
	db, err := config.InitDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if cfg.Environment == "production" {
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetLevel(logrus.DebugLevel)
	}

	// Initialize Redis client
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("WARNING: Failed to parse Redis URL: %v (continuing without Redis)", err)
		redisOpts = &redis.Options{
			Addr: "localhost:6379",
		}
	}
	// Set Redis password from GCP Secret Manager
	redisOpts.Password = secrets.GetRedisPassword()
	redisClient := redis.NewClient(redisOpts)

	// Test Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("WARNING: Failed to connect to Redis: %v (caching will be disabled)", err)
	} else {
		log.Println("✓ Redis connected successfully")
	}
	cancel()

	// Initialize repositories
	productsRepo := repository.NewProductsRepository(db, redisClient, logger)
	importRepo := repository.NewImportRepository(db, redisClient, cfg.RejectionLogLimit, logger)
	webhookRepo := repository.NewWebhookRepository(db, logger)

	// Fail jobs a previous process left running; their pipelines are gone.
	if _, err := importRepo.RecoverStaleJobs(context.Background()); err != nil {
		log.Printf("WARNING: Failed to recover stale import jobs: %v", err)
	}

	// Initialize event publisher only if NATS_URL is set
	eventsPublisher, err := events.NewPublisher(logger)
	if err != nil {
		log.Printf("WARNING: Failed to initialize events publisher: %v (continuing without event publishing)", err)
		eventsPublisher = nil
	} else {
		log.Println("✓ Events publisher initialized")
	}
	defer func() {
		if eventsPublisher != nil {
			eventsPublisher.Close()
		}
	}()

	// Initialize webhook dispatcher
	dispatcher := webhooks.NewDispatcher(webhookRepo, logger, webhooks.Options{
		MaxAttempts:    cfg.WebhookMaxAttempts,
		RequestTimeout: cfg.WebhookTimeout(),
		Retry: &retry.Config{
			MaxRetries:     cfg.WebhookMaxAttempts,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     10 * time.Minute,
			BackoffFactor:  2.0,
			Jitter:         0.1,
		},
	})
	dispatcher.Start()
	log.Println("✓ Webhook dispatcher started")

	// Initialize progress tracker and import coordinator
	tracker := importer.NewTracker(10 * time.Minute)
	sinks := []importer.EventSink{dispatcher}
	if eventsPublisher != nil {
		sinks = append(sinks, eventsPublisher)
	}
	coordinator := importer.NewCoordinator(productsRepo, importRepo, tracker, importer.Options{
		WorkerCount:       cfg.WorkerCount,
		BatchMaxRows:      cfg.BatchMaxRows,
		BatchMaxBytes:     cfg.BatchMaxBytes,
		QueueCapacity:     cfg.QueueCapacity,
		LookupBatchSize:   cfg.LookupBatchSize,
		ProgressEventRows: cfg.ProgressEventRows,
		Retry:             &retry.Config{MaxRetries: cfg.MaxRetries, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 30 * time.Second, BackoffFactor: 2.0, Jitter: 0.1},
	}, logger, sinks...)

	// Periodic housekeeping: tracker eviction and retention sweep
	housekeepingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tracker.Sweep(time.Now())
				cutoff := time.Now().Add(-cfg.JobRetention())
				if _, err := importRepo.SweepFinishedBefore(context.Background(), cutoff); err != nil {
					logger.WithError(err).Warn("Retention sweep failed")
				}
			case <-housekeepingStop:
				return
			}
		}
	}()

	// Initialize handlers
	importHandler := handlers.NewImportHandler(coordinator, importRepo, cfg.UploadDir, cfg.MaxUploadSizeMB<<20)
	webhookHandler := handlers.NewWebhookHandler(webhookRepo, dispatcher)

	// Initialize OpenTelemetry tracing
	var tracerProvider *tracing.TracerProvider
	if cfg.Environment == "production" {
		tracerProvider, err = tracing.InitTracer(tracing.ProductionConfig("catalog-import-service"))
	} else {
		tracerProvider, err = tracing.InitTracer(tracing.DefaultConfig("catalog-import-service"))
	}
	if err != nil {
		log.Printf("WARNING: Failed to initialize tracing: %v (continuing without tracing)", err)
	} else {
		log.Println("✓ OpenTelemetry tracing initialized")
	}

	// Initialize Prometheus metrics
	metrics := gosharedmw.InitGlobalMetrics("tesseract", "catalog_import_service")
	log.Println("✓ Prometheus metrics initialized")

	// Initialize Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Add observability middleware (metrics + tracing)
	router.Use(metrics.Middleware())
	router.Use(tracing.GinMiddleware("catalog-import-service"))
	router.Use(gosharedmw.CompressionMiddleware())

	// Add CORS middleware
	router.Use(middleware.CORS())

	// Health check endpoints
	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.HealthCheck)
	router.GET("/metrics", gosharedmw.Handler())

	// API routes
	v1 := router.Group("/api/v1")
	{
		imports := v1.Group("/imports")
		{
			imports.POST("", importHandler.CreateImport)
			imports.GET("", importHandler.ListImports)
			imports.GET("/template", importHandler.GetImportTemplate)
			imports.GET("/:id", importHandler.GetImport)
			imports.GET("/:id/rejections", importHandler.GetImportRejections)
			imports.POST("/:id/cancel", importHandler.CancelImport)
			imports.POST("/:id/pause", importHandler.PauseImport)
			imports.POST("/:id/resume", importHandler.ResumeImport)
		}

		v1.POST("/webhook-endpoints/:id/test", webhookHandler.TestWebhookEndpoint)
	}

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Start server
	port := cfg.Port

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Catalog import service starting on port %s", port)
		if err := router.Run(":" + port); err != nil {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	<-quit
	log.Println("Shutting down catalog-import-service...")

	// Stop running pipelines; in-flight batches finish first
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARNING: Import pipelines did not drain in time: %v", err)
	}
	shutdownCancel()
	close(housekeepingStop)

	// Flush queued webhook deliveries
	dispatcher.Stop()

	// Shutdown tracer provider
	if tracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		} else {
			log.Println("✓ Tracer provider shut down")
		}
	}

	log.Println("Catalog import service stopped")
}
