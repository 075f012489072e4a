package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/retry"
)

// ErrBatchAlreadyApplied is returned by BatchStore.ApplyBatch when the
// (job, seq) pair has already been committed. The caller treats it as a
// clean no-op so replayed batches never double-write or double-count.
var ErrBatchAlreadyApplied = errors.New("batch already applied")

// BatchRow is one product write inside a batch transaction. Raw carries the
// source line for the rejection log when the whole batch fails.
type BatchRow struct {
	Op         DecisionOp
	LineNumber int64
	Raw        string
	Product    models.Product
}

// BatchStore commits a whole batch atomically: the idempotency record for
// (jobID, seq), every row upsert, and the watermark advance succeed or fail
// together.
type BatchStore interface {
	ApplyBatch(ctx context.Context, jobID uuid.UUID, seq int64, rows []BatchRow) error
}

// consecutive exhausted batch failures across the pool before the store is
// declared unreachable and the job fails
const storeUnreachableThreshold = 3

// WriterPool drains write batches with a fixed number of workers, one store
// transaction per batch. Transient store errors are retried with backoff;
// batches that still fail have their rows demoted to rejections and the
// import continues.
type WriterPool struct {
	store    BatchStore
	index    *DedupIndex
	retrier  *retry.Retrier
	progress *JobProgress
	logger   *logrus.Entry
	workers  int

	consecutiveFailures atomic.Int32
	unreachableOnce     sync.Once
	unreachable         chan struct{}
}

func NewWriterPool(store BatchStore, index *DedupIndex, retrier *retry.Retrier, progress *JobProgress, workers int, logger *logrus.Entry) *WriterPool {
	if workers <= 0 {
		workers = 4
	}
	return &WriterPool{
		store:       store,
		index:       index,
		retrier:     retrier,
		progress:    progress,
		logger:      logger,
		workers:     workers,
		unreachable: make(chan struct{}),
	}
}

// StoreUnreachable is closed when several batches in a row exhausted their
// retries, signalling the coordinator to fail the job.
func (p *WriterPool) StoreUnreachable() <-chan struct{} {
	return p.unreachable
}

// Run consumes batches until the channel closes or ctx is cancelled.
// In-flight batches are always finished; cancellation only stops picking up
// new ones. Blocks until all workers have drained.
func (p *WriterPool) Run(ctx context.Context, jobID uuid.UUID, batches <-chan *WriteBatch, rejections chan<- Rejection) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				// Checked before the receive so a cancelled worker never
				// picks up a batch already sitting on the channel; only
				// the batch inside applyBatch runs to commit.
				select {
				case <-ctx.Done():
					return
				default:
				}
				select {
				case <-ctx.Done():
					return
				case batch, ok := <-batches:
					if !ok {
						return
					}
					if ctx.Err() != nil {
						return
					}
					p.applyBatch(ctx, jobID, batch, rejections)
				}
			}
		}()
	}
	wg.Wait()
}

func (p *WriterPool) applyBatch(ctx context.Context, jobID uuid.UUID, batch *WriteBatch, rejections chan<- Rejection) {
	// Skip rows superseded after batching; their replacement sits in a
	// later batch.
	rows := make([]BatchRow, 0, len(batch.Rows))
	for _, d := range batch.Rows {
		if !p.index.StillWinner(d.Record.SKU, d.Record.LineNumber) {
			continue
		}
		rows = append(rows, BatchRow{
			Op:         d.Op,
			LineNumber: d.Record.LineNumber,
			Raw:        d.Record.Raw,
			Product:    candidateToProduct(d.Record),
		})
	}
	if len(rows) == 0 {
		return
	}

	// The batch commit itself runs on context.Background so an in-flight
	// transaction completes even when the job is being cancelled.
	err := p.retrier.Do(context.Background(), func(txCtx context.Context) error {
		return p.store.ApplyBatch(txCtx, jobID, batch.Seq, rows)
	})

	if errors.Is(err, ErrBatchAlreadyApplied) {
		p.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"seq":    batch.Seq,
		}).Warn("Skipping already committed batch")
		p.consecutiveFailures.Store(0)
		return
	}

	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"job_id": jobID,
			"seq":    batch.Seq,
			"rows":   len(rows),
		}).Error("Batch write failed after retries")

		for _, row := range rows {
			if !p.index.MarkFailed(row.Product.SKU, row.LineNumber) {
				// Superseded while the batch was failing; the newer
				// occurrence owns the count.
				continue
			}
			p.progress.AddFailed(1)
			select {
			case rejections <- Rejection{
				LineNumber: row.LineNumber,
				Raw:        row.Raw,
				Reason:     models.RejectReasonWriteFailed,
				Field:      "",
				Message:    fmt.Sprintf("batch %d write failed: %v", batch.Seq, err),
			}:
			case <-ctx.Done():
			}
		}

		if retry.IsTransient(err) {
			if p.consecutiveFailures.Add(1) >= storeUnreachableThreshold {
				p.unreachableOnce.Do(func() { close(p.unreachable) })
			}
		}
		return
	}

	p.consecutiveFailures.Store(0)
	for _, row := range rows {
		if !p.index.MarkApplied(row.Product.SKU, row.LineNumber) {
			// Superseded while the transaction was in flight; the newer
			// occurrence owns the count now.
			continue
		}
		switch row.Op {
		case OpInsert:
			p.progress.AddAccepted(1)
		case OpUpdate:
			p.progress.AddUpdated(1)
		}
	}
}

func candidateToProduct(c CandidateRecord) models.Product {
	product := models.Product{
		SKU:         c.SKU,
		Name:        c.Name,
		Description: c.Description,
		Price:       c.Price,
		Quantity:    c.Quantity,
	}
	if len(c.Attributes) > 0 {
		attrs := make(models.JSON, len(c.Attributes))
		for k, v := range c.Attributes {
			attrs[k] = v
		}
		product.Attributes = &attrs
	}
	return product
}
