package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Tesseract-Nexus/go-shared/cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
)

// JobCacheTTL is short on purpose: job rows change every flush while a
// pipeline runs, and polling clients tolerate a couple seconds of lag.
const JobCacheTTL = 2 * time.Second

var (
	ErrJobNotFound      = errors.New("import job not found")
	ErrJobNotPending    = errors.New("import job is not pending")
	ErrJobAlreadyEnded  = errors.New("import job already finished")
	terminalJobStatuses = []models.ImportStatus{
		models.ImportStatusCompleted,
		models.ImportStatusFailed,
		models.ImportStatusCancelled,
	}
)

// ImportRepository persists import jobs, their progress counters, and the
// rejection log.
type ImportRepository struct {
	db             *gorm.DB
	cache          *cache.CacheLayer
	logger         *logrus.Entry
	rejectionLimit int64
}

// NewImportRepository creates an import repository with optional Redis
// caching of job reads.
func NewImportRepository(db *gorm.DB, redisClient *redis.Client, rejectionLimit int64, logger *logrus.Logger) *ImportRepository {
	if rejectionLimit <= 0 {
		rejectionLimit = 1000
	}
	repo := &ImportRepository{
		db:             db,
		logger:         logger.WithField("component", "import-repository"),
		rejectionLimit: rejectionLimit,
	}

	if redisClient != nil {
		cacheConfig := cache.CacheConfig{
			L1Enabled:  true,
			L1MaxItems: 1000,
			L1TTL:      time.Second,
			DefaultTTL: JobCacheTTL,
			KeyPrefix:  "tesseract:imports:",
		}
		repo.cache = cache.NewCacheLayerFromClient(redisClient, cacheConfig)
	}

	return repo
}

func jobCacheKey(jobID uuid.UUID) string {
	return fmt.Sprintf("imports:job:%s", jobID)
}

// CreateJob inserts a new pending job.
func (r *ImportRepository) CreateJob(ctx context.Context, job *models.ImportJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

// GetJob loads a job by id with a short cache in front, so aggressive
// polling of a finished job does not hammer the database.
func (r *ImportRepository) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error) {
	load := func() (interface{}, error) {
		var job models.ImportJob
		if err := r.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrJobNotFound
			}
			return nil, err
		}
		return &job, nil
	}

	if r.cache == nil {
		result, err := load()
		if err != nil {
			return nil, err
		}
		return result.(*models.ImportJob), nil
	}

	var job models.ImportJob
	if err := r.cache.GetOrSetJSON(ctx, jobCacheKey(jobID), &job, JobCacheTTL, load); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs ordered by upload time, newest first.
func (r *ImportRepository) ListJobs(ctx context.Context, limit, offset int) ([]models.ImportJob, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.ImportJob{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []models.ImportJob
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// MarkRunning transitions PENDING to RUNNING. Any other current status is
// an error, so a job can never be started twice.
func (r *ImportRepository) MarkRunning(ctx context.Context, jobID uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&models.ImportJob{}).
		Where("id = ? AND status = ?", jobID, models.ImportStatusPending).
		Updates(map[string]interface{}{
			"status":     models.ImportStatusRunning,
			"started_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotPending
	}
	r.invalidateJob(ctx, jobID)
	return nil
}

// FlushProgress advances the counter columns by the given deltas. Columns
// are only ever incremented, never overwritten, so a concurrent reader sees
// a consistent monotonic history.
func (r *ImportRepository) FlushProgress(ctx context.Context, jobID uuid.UUID, delta importer.ProgressDelta) error {
	updates := progressUpdates(delta)
	if len(updates) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).
		Model(&models.ImportJob{}).
		Where("id = ?", jobID).
		Updates(updates).Error; err != nil {
		return err
	}
	r.invalidateJob(ctx, jobID)
	return nil
}

// FinishJob applies the final counter delta and the terminal status in one
// update. Already terminal jobs are left untouched.
func (r *ImportRepository) FinishJob(ctx context.Context, jobID uuid.UUID, status models.ImportStatus, errorMessage string, delta importer.ProgressDelta) error {
	updates := progressUpdates(delta)
	updates["status"] = status
	updates["error_message"] = errorMessage
	updates["finished_at"] = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&models.ImportJob{}).
		Where("id = ? AND status NOT IN ?", jobID, terminalJobStatuses).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobAlreadyEnded
	}
	r.invalidateJob(ctx, jobID)
	return nil
}

// FailJob marks a job FAILED without touching its counters. Used when a
// job could be created but its pipeline never started.
func (r *ImportRepository) FailJob(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	return r.FinishJob(ctx, jobID, models.ImportStatusFailed, errorMessage, importer.ProgressDelta{})
}

func progressUpdates(delta importer.ProgressDelta) map[string]interface{} {
	updates := make(map[string]interface{})
	add := func(column string, n int64) {
		if n != 0 {
			updates[column] = gorm.Expr(column+" + ?", n)
		}
	}
	add("rows_consumed", delta.Consumed)
	add("accepted", delta.Counters.Accepted)
	add("updated", delta.Counters.Updated)
	add("duplicate", delta.Counters.Duplicate)
	add("rejected", delta.Counters.Rejected)
	add("failed", delta.Counters.Failed)
	if delta.TotalRowEstimate != nil {
		updates["total_row_estimate"] = *delta.TotalRowEstimate
	}
	return updates
}

// AppendRejections persists rejection rows up to the per-job bound. Rows
// beyond the bound are only counted in rejection_overflow, so a file with
// millions of bad rows cannot bloat the table.
func (r *ImportRepository) AppendRejections(ctx context.Context, jobID uuid.UUID, rejections []models.ImportRejection) error {
	if len(rejections) == 0 {
		return nil
	}

	var existing int64
	if err := r.db.WithContext(ctx).
		Model(&models.ImportRejection{}).
		Where("job_id = ?", jobID).
		Count(&existing).Error; err != nil {
		return err
	}

	room := r.rejectionLimit - existing
	if room < 0 {
		room = 0
	}

	toPersist := rejections
	overflow := int64(0)
	if int64(len(rejections)) > room {
		toPersist = rejections[:room]
		overflow = int64(len(rejections)) - room
	}

	if len(toPersist) > 0 {
		if err := r.db.WithContext(ctx).Create(&toPersist).Error; err != nil {
			return err
		}
	}
	if overflow > 0 {
		if err := r.db.WithContext(ctx).
			Model(&models.ImportJob{}).
			Where("id = ?", jobID).
			Update("rejection_overflow", gorm.Expr("rejection_overflow + ?", overflow)).Error; err != nil {
			return err
		}
	}
	return nil
}

// GetRejections pages through a job's rejection log in line order.
func (r *ImportRepository) GetRejections(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.ImportRejection, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.ImportRejection{}).
		Where("job_id = ?", jobID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rejections []models.ImportRejection
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("line_number ASC").
		Limit(limit).
		Offset(offset).
		Find(&rejections).Error; err != nil {
		return nil, 0, err
	}
	return rejections, total, nil
}

// RecoverStaleJobs fails jobs left RUNNING or PAUSED by a previous process.
// Their pipelines died with the process; completed batches are already
// durable and a retry is a fresh job.
func (r *ImportRepository) RecoverStaleJobs(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.ImportJob{}).
		Where("status IN ?", []models.ImportStatus{models.ImportStatusRunning, models.ImportStatusPaused}).
		Updates(map[string]interface{}{
			"status":        models.ImportStatusFailed,
			"error_message": "service restarted while the import was running",
			"finished_at":   time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		r.logger.WithField("count", result.RowsAffected).Warn("Failed stale import jobs from a previous run")
	}
	return result.RowsAffected, nil
}

// SweepFinishedBefore removes terminal jobs older than the cutoff together
// with their rejection log and batch records.
func (r *ImportRepository) SweepFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var ids []uuid.UUID
	if err := r.db.WithContext(ctx).
		Model(&models.ImportJob{}).
		Where("status IN ? AND finished_at < ?", terminalJobStatuses, cutoff).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id IN ?", ids).Delete(&models.ImportRejection{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.ImportBatch{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&models.ImportJob{}).Error
	})
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		r.invalidateJob(ctx, id)
	}
	return int64(len(ids)), nil
}

func (r *ImportRepository) invalidateJob(ctx context.Context, jobID uuid.UUID) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, jobCacheKey(jobID)); err != nil {
		r.logger.WithError(err).Warn("Failed to invalidate job cache")
	}
}
