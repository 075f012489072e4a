package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tesseract-Nexus/go-shared/secrets"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"catalog-import-service/internal/models"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisURL string

	// Server
	Port        string
	Environment string

	// Uploads are spooled to local disk before the pipeline streams them.
	UploadDir         string
	MaxUploadSizeMB   int64

	// Pipeline tuning
	WorkerCount       int
	BatchMaxRows      int
	BatchMaxBytes     int
	QueueCapacity     int
	LookupBatchSize   int
	MaxRetries        int
	RejectionLogLimit int64
	ProgressEventRows int64

	// Webhooks
	WebhookMaxAttempts    int
	WebhookTimeoutSeconds int

	// Retention of finished jobs and their rejection logs
	JobRetentionDays int
}

func Load() *Config {
	dbPort, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
	maxUploadMB, _ := strconv.ParseInt(getEnv("MAX_UPLOAD_SIZE_MB", "512"), 10, 64)
	workerCount, _ := strconv.Atoi(getEnv("IMPORT_WORKER_COUNT", "4"))
	batchMaxRows, _ := strconv.Atoi(getEnv("IMPORT_BATCH_MAX_ROWS", "500"))
	batchMaxBytes, _ := strconv.Atoi(getEnv("IMPORT_BATCH_MAX_BYTES", "1048576"))
	queueCapacity, _ := strconv.Atoi(getEnv("IMPORT_QUEUE_CAPACITY", "2000"))
	lookupBatchSize, _ := strconv.Atoi(getEnv("IMPORT_LOOKUP_BATCH_SIZE", "200"))
	maxRetries, _ := strconv.Atoi(getEnv("IMPORT_MAX_RETRIES", "3"))
	rejectionLimit, _ := strconv.ParseInt(getEnv("IMPORT_REJECTION_LOG_LIMIT", "1000"), 10, 64)
	progressEventRows, _ := strconv.ParseInt(getEnv("IMPORT_PROGRESS_EVENT_ROWS", "10000"), 10, 64)
	webhookMaxAttempts, _ := strconv.Atoi(getEnv("WEBHOOK_MAX_ATTEMPTS", "8"))
	webhookTimeout, _ := strconv.Atoi(getEnv("WEBHOOK_TIMEOUT_SECONDS", "10"))
	jobRetentionDays, _ := strconv.Atoi(getEnv("JOB_RETENTION_DAYS", "30"))

	return &Config{
		// Database - fetch password from GCP Secret Manager if enabled
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: secrets.GetDBPassword(),
		DBName:     getEnv("DB_NAME", "catalog_import_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		// Redis
		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		// Server
		Port:        getEnv("PORT", "8093"),
		Environment: getEnv("ENVIRONMENT", "development"),

		UploadDir:       getEnv("UPLOAD_DIR", "/tmp/catalog-imports"),
		MaxUploadSizeMB: maxUploadMB,

		WorkerCount:       workerCount,
		BatchMaxRows:      batchMaxRows,
		BatchMaxBytes:     batchMaxBytes,
		QueueCapacity:     queueCapacity,
		LookupBatchSize:   lookupBatchSize,
		MaxRetries:        maxRetries,
		RejectionLogLimit: rejectionLimit,
		ProgressEventRows: progressEventRows,

		WebhookMaxAttempts:    webhookMaxAttempts,
		WebhookTimeoutSeconds: webhookTimeout,

		JobRetentionDays: jobRetentionDays,
	}
}

// WebhookTimeout returns the per-request delivery timeout.
func (c *Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// JobRetention returns how long finished jobs are kept.
func (c *Config) JobRetention() time.Duration {
	return time.Duration(c.JobRetentionDays) * 24 * time.Hour
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	var logLevel logger.LogLevel
	if cfg.Environment == "production" {
		logLevel = logger.Error
	} else {
		logLevel = logger.Info
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-migrate models to keep schema up to date
	// This will add missing columns but won't delete existing columns
	log.Println("Running auto-migrations...")
	if err := db.AutoMigrate(
		&models.Product{},
		&models.ImportJob{},
		&models.ImportBatch{},
		&models.ImportRejection{},
		&models.WebhookEndpoint{},
		&models.WebhookDelivery{},
	); err != nil {
		// Ignore errors about dropping non-existent constraints
		// This can happen when schema was created without old constraints
		errStr := err.Error()
		if strings.Contains(errStr, "does not exist") && strings.Contains(errStr, "constraint") {
			log.Printf("Note: Migration constraint warning (safe to ignore): %v", err)
		} else {
			return nil, fmt.Errorf("failed to run auto-migrations: %w", err)
		}
	}
	log.Println("Auto-migrations completed successfully")

	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
