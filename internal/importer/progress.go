package importer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"catalog-import-service/internal/models"
)

// JobProgress holds the live counters for one running import. Pipeline
// stages update it with atomic increments only; a full snapshot is taken
// for API polling and for the periodic database flush.
type JobProgress struct {
	jobID uuid.UUID

	consumed  atomic.Int64
	accepted  atomic.Int64
	updated   atomic.Int64
	duplicate atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64

	mu            sync.RWMutex
	status        models.ImportStatus
	totalEstimate *int64
	errorMessage  string
	finishedAt    time.Time
}

func (p *JobProgress) AddConsumed(n int64)  { p.consumed.Add(n) }
func (p *JobProgress) AddAccepted(n int64)  { p.accepted.Add(n) }
func (p *JobProgress) AddUpdated(n int64)   { p.updated.Add(n) }
func (p *JobProgress) AddDuplicate(n int64) { p.duplicate.Add(n) }
func (p *JobProgress) AddRejected(n int64)  { p.rejected.Add(n) }
func (p *JobProgress) AddFailed(n int64)    { p.failed.Add(n) }

func (p *JobProgress) Consumed() int64 { return p.consumed.Load() }

func (p *JobProgress) SetTotalEstimate(total int64) {
	p.mu.Lock()
	p.totalEstimate = &total
	p.mu.Unlock()
}

func (p *JobProgress) SetStatus(status models.ImportStatus) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

func (p *JobProgress) Status() models.ImportStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Freeze records the terminal status. Counters stop changing once the
// pipeline has drained, so the final snapshot stays stable for as long as
// the tracker retains it.
func (p *JobProgress) Freeze(status models.ImportStatus, errorMessage string) {
	p.mu.Lock()
	p.status = status
	p.errorMessage = errorMessage
	p.finishedAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *JobProgress) Counters() models.ImportCounters {
	return models.ImportCounters{
		Accepted:  p.accepted.Load(),
		Updated:   p.updated.Load(),
		Duplicate: p.duplicate.Load(),
		Rejected:  p.rejected.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *JobProgress) Snapshot() models.ImportSnapshot {
	p.mu.RLock()
	status := p.status
	estimate := p.totalEstimate
	errMsg := p.errorMessage
	p.mu.RUnlock()

	snap := models.ImportSnapshot{
		JobID:            p.jobID,
		Status:           status,
		RowsConsumed:     p.consumed.Load(),
		TotalRowEstimate: estimate,
		Counters:         p.Counters(),
		ErrorMessage:     errMsg,
	}
	if estimate != nil && *estimate > 0 {
		pct := int(snap.RowsConsumed * 100 / *estimate)
		if pct > 100 {
			pct = 100
		}
		snap.PercentComplete = pct
	}
	if status == models.ImportStatusCompleted {
		snap.PercentComplete = 100
	}
	return snap
}

// Tracker keeps per-job progress in memory for fast status polling without
// touching the database. Terminal jobs are retained for a grace period so
// clients polling right after completion still see the final counters.
type Tracker struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*JobProgress
	retention time.Duration
}

func NewTracker(retention time.Duration) *Tracker {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Tracker{
		jobs:      make(map[uuid.UUID]*JobProgress),
		retention: retention,
	}
}

func (t *Tracker) StartJob(jobID uuid.UUID, status models.ImportStatus) *JobProgress {
	progress := &JobProgress{jobID: jobID, status: status}
	t.mu.Lock()
	t.jobs[jobID] = progress
	t.mu.Unlock()
	return progress
}

func (t *Tracker) Get(jobID uuid.UUID) (*JobProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	progress, ok := t.jobs[jobID]
	return progress, ok
}

// Sweep drops terminal jobs older than the retention period.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, progress := range t.jobs {
		progress.mu.RLock()
		terminal := progress.status.IsTerminal()
		finishedAt := progress.finishedAt
		progress.mu.RUnlock()

		if terminal && !finishedAt.IsZero() && now.Sub(finishedAt) > t.retention {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}
