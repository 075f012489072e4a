package repository

import (
	"context"
	"strings"
	"time"

	"github.com/Tesseract-Nexus/go-shared/cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
)

// ProductsRepository is the pipeline's product store: batched existence
// lookups and transactional batch upserts.
type ProductsRepository struct {
	db     *gorm.DB
	cache  *cache.CacheLayer
	logger *logrus.Entry
}

// NewProductsRepository creates a products repository with optional Redis
// caching. The cache is only used for invalidation: batch writes clear the
// product keys other services read through.
func NewProductsRepository(db *gorm.DB, redisClient *redis.Client, logger *logrus.Logger) *ProductsRepository {
	repo := &ProductsRepository{
		db:     db,
		logger: logger.WithField("component", "products-repository"),
	}

	if redisClient != nil {
		cacheConfig := cache.CacheConfig{
			L1Enabled:  true,
			L1MaxItems: 5000,
			L1TTL:      30 * time.Second,
			DefaultTTL: 5 * time.Minute,
			KeyPrefix:  "tesseract:catalog:",
		}
		repo.cache = cache.NewCacheLayerFromClient(redisClient, cacheConfig)
	}

	return repo
}

// LookupSKUs returns which of the given SKUs already exist, in one query.
// Matching is case-insensitive; callers pass upper-cased SKUs.
func (r *ProductsRepository) LookupSKUs(ctx context.Context, skus []string) (map[string]bool, error) {
	if len(skus) == 0 {
		return map[string]bool{}, nil
	}

	var found []string
	if err := r.db.WithContext(ctx).
		Model(&models.Product{}).
		Where("UPPER(sku) IN ?", skus).
		Pluck("sku", &found).Error; err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(found))
	for _, sku := range found {
		existing[strings.ToUpper(sku)] = true
	}
	return existing, nil
}

// ApplyBatch commits one write batch atomically: the (job, seq) idempotency
// record, every product upsert, and the watermark advance. Replaying a
// committed batch conflicts on the idempotency insert and returns
// importer.ErrBatchAlreadyApplied without touching any row.
func (r *ProductsRepository) ApplyBatch(ctx context.Context, jobID uuid.UUID, seq int64, rows []importer.BatchRow) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.ImportBatch{JobID: jobID, Seq: seq, RowCount: len(rows)}
		if err := tx.Create(&record).Error; err != nil {
			if isUniqueViolation(err) {
				return importer.ErrBatchAlreadyApplied
			}
			return err
		}

		skus := make([]string, 0, len(rows))
		for _, row := range rows {
			skus = append(skus, row.Product.SKU)
		}

		var current []models.Product
		if err := tx.Where("UPPER(sku) IN ?", skus).Find(&current).Error; err != nil {
			return err
		}
		bySKU := make(map[string]*models.Product, len(current))
		for i := range current {
			bySKU[strings.ToUpper(current[i].SKU)] = &current[i]
		}

		now := time.Now().UTC()
		var creates []models.Product
		for _, row := range rows {
			existing, ok := bySKU[row.Product.SKU]
			if !ok {
				creates = append(creates, row.Product)
				continue
			}
			// is_active stays whatever the merchant set in the UI.
			updates := map[string]interface{}{
				"name":        row.Product.Name,
				"description": row.Product.Description,
				"price":       row.Product.Price,
				"quantity":    row.Product.Quantity,
				"attributes":  row.Product.Attributes,
				"updated_at":  now,
			}
			if err := tx.Model(&models.Product{}).
				Where("id = ?", existing.ID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		if len(creates) > 0 {
			if err := tx.Create(&creates).Error; err != nil {
				return err
			}
		}

		return tx.Model(&models.ImportJob{}).
			Where("id = ?", jobID).
			Update("committed_seq", gorm.Expr("GREATEST(committed_seq, ?)", seq)).Error
	})
	if err != nil {
		return err
	}

	r.invalidateProductCache(ctx)
	return nil
}

func (r *ProductsRepository) invalidateProductCache(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.DeletePattern(ctx, "products:*"); err != nil {
		r.logger.WithError(err).Warn("Failed to invalidate product cache")
	}
}

// isUniqueViolation matches both the postgres error and the sqlite one used
// in tests.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint")
}
