package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/retry"
)

// ProgressDelta carries counter changes since the previous flush. Deltas
// can be negative when a late duplicate displaced an already counted row.
type ProgressDelta struct {
	Consumed         int64
	Counters         models.ImportCounters
	TotalRowEstimate *int64
}

// JobStore persists job lifecycle and progress. Counter columns are only
// ever advanced by increments, and all flushes go through the coordinator's
// single flusher goroutine, so workers never race on the job row.
type JobStore interface {
	MarkRunning(ctx context.Context, jobID uuid.UUID) error
	FlushProgress(ctx context.Context, jobID uuid.UUID, delta ProgressDelta) error
	FinishJob(ctx context.Context, jobID uuid.UUID, status models.ImportStatus, errorMessage string, delta ProgressDelta) error
	AppendRejections(ctx context.Context, jobID uuid.UUID, rejections []models.ImportRejection) error
}

// Store is the product-store surface the pipeline needs.
type Store interface {
	SKULookup
	BatchStore
}

// JobEvent is a job lifecycle or progress notification fanned out to
// webhook endpoints and the message bus.
type JobEvent struct {
	JobID        uuid.UUID               `json:"jobId"`
	Type         models.WebhookEventType `json:"eventType"`
	Sequence     int64                   `json:"sequence"`
	Timestamp    time.Time               `json:"timestamp"`
	Status       models.ImportStatus     `json:"status"`
	Counters     models.ImportCounters   `json:"counters"`
	RowsConsumed int64                   `json:"rowsConsumed"`
	ErrorMessage string                  `json:"errorMessage,omitempty"`
}

// EventSink receives job events. Implementations must not block the
// pipeline; slow consumers drop or buffer on their side.
type EventSink interface {
	PublishJobEvent(event JobEvent)
}

// Options tunes the per-job pipeline.
type Options struct {
	WorkerCount     int
	BatchMaxRows    int
	BatchMaxBytes   int
	QueueCapacity   int
	LookupBatchSize int
	// Emit one progress event for roughly every this many consumed rows.
	ProgressEventRows int64
	FlushInterval     time.Duration
	Retry             *retry.Config
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	if opts.BatchMaxRows <= 0 {
		opts.BatchMaxRows = 500
	}
	if opts.BatchMaxBytes <= 0 {
		opts.BatchMaxBytes = 1 << 20
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 2000
	}
	if opts.LookupBatchSize <= 0 {
		opts.LookupBatchSize = 200
	}
	if opts.ProgressEventRows <= 0 {
		opts.ProgressEventRows = 10000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	return opts
}

var (
	ErrJobNotRunning = errors.New("job is not running")
	ErrJobNotPaused  = errors.New("job is not paused")
	ErrJobNotFound   = errors.New("job not found or already finished")
)

type runningJob struct {
	cancel    context.CancelFunc
	paused    atomic.Bool
	progress  *JobProgress
	cancelled atomic.Bool
	eventSeq  atomic.Int64
	done      chan struct{}

	flushMu         sync.Mutex
	flushedConsumed int64
	flushedCounters models.ImportCounters
}

// nextDelta computes the counter increments not yet persisted and records
// the snapshot as flushed. Callers are serialized (flusher, then finish).
func (run *runningJob) nextDelta(snap models.ImportSnapshot) ProgressDelta {
	run.flushMu.Lock()
	defer run.flushMu.Unlock()
	delta := ProgressDelta{
		Consumed: snap.RowsConsumed - run.flushedConsumed,
		Counters: models.ImportCounters{
			Accepted:  snap.Counters.Accepted - run.flushedCounters.Accepted,
			Updated:   snap.Counters.Updated - run.flushedCounters.Updated,
			Duplicate: snap.Counters.Duplicate - run.flushedCounters.Duplicate,
			Rejected:  snap.Counters.Rejected - run.flushedCounters.Rejected,
			Failed:    snap.Counters.Failed - run.flushedCounters.Failed,
		},
		TotalRowEstimate: snap.TotalRowEstimate,
	}
	run.flushedConsumed = snap.RowsConsumed
	run.flushedCounters = snap.Counters
	return delta
}

// revertDelta puts an unflushed delta back after a failed write so the next
// flush carries it again.
func (run *runningJob) revertDelta(delta ProgressDelta) {
	run.flushMu.Lock()
	defer run.flushMu.Unlock()
	run.flushedConsumed -= delta.Consumed
	run.flushedCounters.Accepted -= delta.Counters.Accepted
	run.flushedCounters.Updated -= delta.Counters.Updated
	run.flushedCounters.Duplicate -= delta.Counters.Duplicate
	run.flushedCounters.Rejected -= delta.Counters.Rejected
	run.flushedCounters.Failed -= delta.Counters.Failed
}

// Coordinator owns the import state machine. It runs one pipeline per job:
// source reader, validators, dedup resolver, batcher, and writer pool, all
// connected by bounded channels so a slow store applies backpressure to the
// file reader instead of growing queues.
type Coordinator struct {
	store   Store
	jobs    JobStore
	tracker *Tracker
	sinks   []EventSink
	opts    Options
	logger  *logrus.Entry

	mu      sync.Mutex
	running map[uuid.UUID]*runningJob
	wg      sync.WaitGroup
}

func NewCoordinator(store Store, jobs JobStore, tracker *Tracker, opts Options, logger *logrus.Logger, sinks ...EventSink) *Coordinator {
	return &Coordinator{
		store:   store,
		jobs:    jobs,
		tracker: tracker,
		sinks:   sinks,
		opts:    opts.withDefaults(),
		logger:  logger.WithField("component", "import-coordinator"),
		running: make(map[uuid.UUID]*runningJob),
	}
}

// Start transitions a pending job to running and launches its pipeline.
func (c *Coordinator) Start(job *models.ImportJob) error {
	if job.Status != models.ImportStatusPending {
		return fmt.Errorf("job %s is %s, expected %s", job.ID, job.Status, models.ImportStatusPending)
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &runningJob{
		cancel:   cancel,
		progress: c.tracker.StartJob(job.ID, models.ImportStatusRunning),
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.running[job.ID]; exists {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("job %s already started", job.ID)
	}
	c.running[job.ID] = run
	c.mu.Unlock()

	if err := c.jobs.MarkRunning(ctx, job.ID); err != nil {
		c.mu.Lock()
		delete(c.running, job.ID)
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("failed to mark job running: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(run.done)
		c.run(ctx, job, run)
	}()

	return nil
}

// Cancel stops a running or paused job. In-flight batches finish; queued
// work is discarded.
func (c *Coordinator) Cancel(jobID uuid.UUID) error {
	c.mu.Lock()
	run, ok := c.running[jobID]
	c.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	run.cancelled.Store(true)
	run.paused.Store(false)
	run.cancel()
	return nil
}

// Pause suspends source consumption. Queued and in-flight work drains.
func (c *Coordinator) Pause(jobID uuid.UUID) error {
	c.mu.Lock()
	run, ok := c.running[jobID]
	c.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if run.paused.Swap(true) {
		return ErrJobNotRunning
	}
	run.progress.SetStatus(models.ImportStatusPaused)
	return nil
}

// Resume continues a paused job from where the reader stopped.
func (c *Coordinator) Resume(jobID uuid.UUID) error {
	c.mu.Lock()
	run, ok := c.running[jobID]
	c.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	if !run.paused.Swap(false) {
		return ErrJobNotPaused
	}
	run.progress.SetStatus(models.ImportStatusRunning)
	return nil
}

// Snapshot returns live progress for a job still tracked in memory.
func (c *Coordinator) Snapshot(jobID uuid.UUID) (models.ImportSnapshot, bool) {
	progress, ok := c.tracker.Get(jobID)
	if !ok {
		return models.ImportSnapshot{}, false
	}
	return progress.Snapshot(), true
}

// Shutdown cancels all running jobs and waits for their pipelines to drain
// or ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, run := range c.running {
		run.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, job *models.ImportJob, run *runningJob) {
	logger := c.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"filename": job.OriginalFilename,
		"format":   job.Format,
	})
	logger.Info("Starting import pipeline")

	defer func() {
		c.mu.Lock()
		delete(c.running, job.ID)
		c.mu.Unlock()
	}()

	source, err := OpenLineSource(job.FilePath, job.Format)
	if err != nil {
		logger.WithError(err).Error("Cannot open import source")
		c.finish(job.ID, run, models.ImportStatusFailed, err.Error(), logger)
		return
	}
	defer source.Close()

	if estimate := source.TotalRowEstimate(); estimate != nil {
		run.progress.SetTotalEstimate(*estimate)
	}

	retrier := retry.NewRetrier(c.opts.Retry)
	index := NewDedupIndex()
	resolver := NewResolver(index, c.store, retrier, run.progress, logger)
	pool := NewWriterPool(c.store, index, retrier, run.progress, c.opts.WorkerCount, logger)

	rows := make(chan RawRow, c.opts.QueueCapacity)
	candidates := make(chan CandidateRecord, c.opts.QueueCapacity)
	batches := make(chan *WriteBatch, c.opts.WorkerCount*2)
	rejections := make(chan Rejection, c.opts.QueueCapacity)

	pipelineCtx, stopPipeline := context.WithCancel(ctx)
	defer stopPipeline()

	var sourceErr error
	var stageWg sync.WaitGroup

	// Reader: the only stage that honors pause. Backpressure from the
	// bounded channels reaches it naturally.
	stageWg.Add(1)
	go func() {
		defer stageWg.Done()
		defer close(rows)
		for {
			if run.paused.Load() {
				select {
				case <-pipelineCtx.Done():
					return
				case <-time.After(200 * time.Millisecond):
					continue
				}
			}
			row, err := source.Next()
			if err == io.EOF {
				run.progress.SetTotalEstimate(run.progress.Consumed())
				return
			}
			if err != nil {
				sourceErr = err
				return
			}
			run.progress.AddConsumed(1)
			select {
			case rows <- row:
			case <-pipelineCtx.Done():
				return
			}
		}
	}()

	// Validators.
	var validatorWg sync.WaitGroup
	for i := 0; i < 2; i++ {
		validatorWg.Add(1)
		go func() {
			defer validatorWg.Done()
			for row := range rows {
				record, rejection := ValidateRow(row)
				if rejection != nil {
					run.progress.AddRejected(1)
					select {
					case rejections <- *rejection:
					case <-pipelineCtx.Done():
					}
					continue
				}
				select {
				case candidates <- *record:
				case <-pipelineCtx.Done():
				}
			}
		}()
	}
	stageWg.Add(1)
	go func() {
		defer stageWg.Done()
		validatorWg.Wait()
		close(candidates)
	}()

	// Dedup resolver and batcher: a single goroutine so batch sequence
	// numbers follow file order.
	stageWg.Add(1)
	go func() {
		defer stageWg.Done()
		defer close(batches)

		batcher := NewBatcher(c.opts.BatchMaxRows, c.opts.BatchMaxBytes)
		pending := make([]CandidateRecord, 0, c.opts.LookupBatchSize)

		dispatch := func(batch *WriteBatch) bool {
			if batch == nil {
				return true
			}
			select {
			case batches <- batch:
				return true
			case <-pipelineCtx.Done():
				return false
			}
		}
		resolve := func() bool {
			if len(pending) == 0 {
				return true
			}
			decisions, rejected := resolver.ResolveBatch(pipelineCtx, pending)
			pending = pending[:0]
			for _, rejection := range rejected {
				run.progress.AddRejected(1)
				select {
				case rejections <- rejection:
				case <-pipelineCtx.Done():
					return false
				}
			}
			for _, decision := range decisions {
				if !dispatch(batcher.Add(decision)) {
					return false
				}
			}
			return true
		}

		for record := range candidates {
			pending = append(pending, record)
			if len(pending) >= c.opts.LookupBatchSize {
				if !resolve() {
					return
				}
			}
		}
		if !resolve() {
			return
		}
		dispatch(batcher.Flush())
	}()

	// Writer pool blocks until batches closes and all workers drain.
	poolDone := make(chan struct{})
	go func() {
		pool.Run(pipelineCtx, job.ID, batches, rejections)
		close(poolDone)
	}()

	// Rejection collector persists the rejection log in chunks.
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		buf := make([]models.ImportRejection, 0, 100)
		flush := func() {
			if len(buf) == 0 {
				return
			}
			if err := c.jobs.AppendRejections(context.Background(), job.ID, buf); err != nil {
				logger.WithError(err).Error("Failed to persist rejection log chunk")
			}
			buf = buf[:0]
		}
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case rejection, ok := <-rejections:
				if !ok {
					flush()
					return
				}
				buf = append(buf, models.ImportRejection{
					JobID:      job.ID,
					LineNumber: rejection.LineNumber,
					RawContent: rejection.Raw,
					Reason:     rejection.Reason,
					Field:      rejection.Field,
					Message:    rejection.Message,
				})
				if len(buf) >= 100 {
					flush()
				}
			case <-ticker.C:
				flush()
			}
		}
	}()

	// Flusher: periodic DB progress writes and progress events.
	flusherCtx, stopFlusher := context.WithCancel(context.Background())
	flusherDone := make(chan struct{})
	go func() {
		defer close(flusherDone)
		ticker := time.NewTicker(c.opts.FlushInterval)
		defer ticker.Stop()
		var lastEventAt int64
		for {
			select {
			case <-flusherCtx.Done():
				return
			case <-ticker.C:
				snap := run.progress.Snapshot()
				delta := run.nextDelta(snap)
				if err := c.jobs.FlushProgress(context.Background(), job.ID, delta); err != nil {
					run.revertDelta(delta)
					logger.WithError(err).Warn("Progress flush failed")
				}
				if snap.RowsConsumed-lastEventAt >= c.opts.ProgressEventRows {
					lastEventAt = snap.RowsConsumed
					c.emit(run, job.ID, models.EventImportProgress, snap)
				}
			}
		}
	}()

	// Supervise: store-unreachable trips a job-level failure.
	superviseDone := make(chan struct{})
	go func() {
		defer close(superviseDone)
		select {
		case <-pool.StoreUnreachable():
			logger.Error("Product store unreachable, cancelling pipeline")
			stopPipeline()
		case <-pipelineCtx.Done():
		}
	}()

	stageWg.Wait()
	<-poolDone
	close(rejections)
	<-collectorDone
	stopFlusher()
	<-flusherDone
	stopPipeline()
	<-superviseDone

	storeDown := false
	select {
	case <-pool.StoreUnreachable():
		storeDown = true
	default:
	}

	switch {
	case run.cancelled.Load():
		c.finish(job.ID, run, models.ImportStatusCancelled, "", logger)
	case storeDown:
		c.finish(job.ID, run, models.ImportStatusFailed, "product store unreachable", logger)
	case sourceErr != nil:
		c.finish(job.ID, run, models.ImportStatusFailed, sourceErr.Error(), logger)
	case ctx.Err() != nil:
		// Shutdown without an explicit cancel request.
		c.finish(job.ID, run, models.ImportStatusCancelled, "service shutdown", logger)
	default:
		c.finish(job.ID, run, models.ImportStatusCompleted, "", logger)
	}
}

func (c *Coordinator) finish(jobID uuid.UUID, run *runningJob, status models.ImportStatus, errorMessage string, logger *logrus.Entry) {
	run.progress.Freeze(status, errorMessage)
	snap := run.progress.Snapshot()

	if err := c.jobs.FinishJob(context.Background(), jobID, status, errorMessage, run.nextDelta(snap)); err != nil {
		logger.WithError(err).Error("Failed to persist terminal job state")
	}

	var eventType models.WebhookEventType
	switch status {
	case models.ImportStatusCompleted:
		eventType = models.EventImportCompleted
	case models.ImportStatusFailed:
		eventType = models.EventImportFailed
	case models.ImportStatusCancelled:
		eventType = models.EventImportCancelled
	default:
		eventType = models.EventImportProgress
	}
	c.emit(run, jobID, eventType, snap)

	logger.WithFields(logrus.Fields{
		"status":    status,
		"consumed":  snap.RowsConsumed,
		"accepted":  snap.Counters.Accepted,
		"updated":   snap.Counters.Updated,
		"duplicate": snap.Counters.Duplicate,
		"rejected":  snap.Counters.Rejected,
		"failed":    snap.Counters.Failed,
	}).Info("Import finished")
}

func (c *Coordinator) emit(run *runningJob, jobID uuid.UUID, eventType models.WebhookEventType, snap models.ImportSnapshot) {
	event := JobEvent{
		JobID:        jobID,
		Type:         eventType,
		Sequence:     run.eventSeq.Add(1),
		Timestamp:    time.Now().UTC(),
		Status:       snap.Status,
		Counters:     snap.Counters,
		RowsConsumed: snap.RowsConsumed,
		ErrorMessage: snap.ErrorMessage,
	}
	for _, sink := range c.sinks {
		sink.PublishJobEvent(event)
	}
}
