package models

import (
	"time"

	"github.com/google/uuid"
)

// ImportFormat represents the file format for import
type ImportFormat string

const (
	ImportFormatCSV  ImportFormat = "csv"
	ImportFormatXLSX ImportFormat = "xlsx"
)

// ImportStatus represents the status of an import job
type ImportStatus string

const (
	ImportStatusPending   ImportStatus = "PENDING"
	ImportStatusRunning   ImportStatus = "RUNNING"
	ImportStatusPaused    ImportStatus = "PAUSED"
	ImportStatusCompleted ImportStatus = "COMPLETED"
	ImportStatusFailed    ImportStatus = "FAILED"
	ImportStatusCancelled ImportStatus = "CANCELLED"
)

// IsTerminal reports whether the status is final. Terminal jobs are never
// re-run; a retry requires a fresh ImportJob.
func (s ImportStatus) IsTerminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed || s == ImportStatusCancelled
}

// Rejection reason codes. Row-level rejections never abort a job.
const (
	RejectReasonValidation   = "VALIDATION_REJECTED"
	RejectReasonLookupFailed = "LOOKUP_FAILED"
	RejectReasonWriteFailed  = "WRITE_FAILED"
)

// ImportCounters holds the per-status row counts for a job.
//
// At completion of a successful job:
// accepted + updated + duplicate + rejected + failed == rows consumed.
type ImportCounters struct {
	Accepted  int64 `json:"accepted"`
	Updated   int64 `json:"updated"`
	Duplicate int64 `json:"duplicate"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
}

// Total returns the number of rows that reached a terminal per-row status.
func (c ImportCounters) Total() int64 {
	return c.Accepted + c.Updated + c.Duplicate + c.Rejected + c.Failed
}

// ImportJob tracks a single bulk catalog import.
//
// The pipeline updates status, counters, and the committed-batch watermark
// so the UI can poll and render a progress bar. Counter columns are only
// ever advanced with atomic increments, never overwritten.
type ImportJob struct {
	ID               uuid.UUID    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	OriginalFilename string       `gorm:"type:varchar(255);not null" json:"originalFilename"`
	FilePath         string       `gorm:"type:varchar(512)" json:"-"`
	Format           ImportFormat `gorm:"type:varchar(10);not null;default:'csv'" json:"format"`

	Status       ImportStatus `gorm:"type:varchar(32);not null;default:'PENDING';index:idx_import_jobs_status" json:"status"`
	ErrorMessage string       `gorm:"type:text" json:"errorMessage,omitempty"`

	// Nullable until the source length is known (streamed CSV stays null
	// until EOF).
	TotalRowEstimate *int64 `json:"totalRowEstimate,omitempty"`
	RowsConsumed     int64  `gorm:"default:0" json:"rowsConsumed"`

	Accepted  int64 `gorm:"default:0" json:"accepted"`
	Updated   int64 `gorm:"default:0" json:"updated"`
	Duplicate int64 `gorm:"default:0" json:"duplicate"`
	Rejected  int64 `gorm:"default:0" json:"rejected"`
	Failed    int64 `gorm:"default:0" json:"failed"`

	// Highest batch sequence committed for this job, used together with
	// the import_batches idempotency records for replay detection.
	CommittedSeq int64 `gorm:"default:0" json:"committedSeq"`

	// Rejection rows beyond the persisted per-job bound are only counted.
	RejectionOverflow int64 `gorm:"default:0" json:"rejectionOverflow"`

	CreatedAt  time.Time  `gorm:"default:CURRENT_TIMESTAMP;index:idx_import_jobs_created" json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// TableName specifies the table name for ImportJob
func (ImportJob) TableName() string {
	return "import_jobs"
}

// Counters returns the per-status counts as a single value.
func (j *ImportJob) Counters() ImportCounters {
	return ImportCounters{
		Accepted:  j.Accepted,
		Updated:   j.Updated,
		Duplicate: j.Duplicate,
		Rejected:  j.Rejected,
		Failed:    j.Failed,
	}
}

// ProgressPercent estimates completion. Returns 0 while the total is
// unknown.
func (j *ImportJob) ProgressPercent() int {
	if j.Status.IsTerminal() {
		return 100
	}
	if j.TotalRowEstimate == nil || *j.TotalRowEstimate <= 0 {
		return 0
	}
	pct := int(j.Counters().Total() * 100 / *j.TotalRowEstimate)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ImportBatch is the idempotency record for one committed WriteBatch.
// (job id, sequence) is unique; re-applying a committed batch conflicts on
// insert and becomes a no-op.
type ImportBatch struct {
	JobID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uniq_import_batches_job_seq,priority:1" json:"jobId"`
	Seq       int64     `gorm:"not null;uniqueIndex:uniq_import_batches_job_seq,priority:2" json:"seq"`
	RowCount  int       `gorm:"not null" json:"rowCount"`
	CreatedAt time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// TableName specifies the table name for ImportBatch
func (ImportBatch) TableName() string {
	return "import_batches"
}

// ImportRejection is one row of a job's rejection log.
type ImportRejection struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	JobID      uuid.UUID `gorm:"type:uuid;not null;index:idx_import_rejections_job" json:"jobId"`
	LineNumber int64     `gorm:"not null" json:"lineNumber"`
	RawContent string    `gorm:"type:text" json:"rawContent,omitempty"`
	Reason     string    `gorm:"type:varchar(32);not null" json:"reason"`
	Field      string    `gorm:"type:varchar(64)" json:"field,omitempty"`
	Message    string    `gorm:"type:text" json:"message,omitempty"`
	CreatedAt  time.Time `gorm:"default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// TableName specifies the table name for ImportRejection
func (ImportRejection) TableName() string {
	return "import_rejections"
}

// ImportSnapshot is the polling view of a job: status plus a consistent
// read of all counters. Safe to serve at any call rate while the pipeline
// is writing.
type ImportSnapshot struct {
	JobID            uuid.UUID      `json:"jobId"`
	Status           ImportStatus   `json:"status"`
	Counters         ImportCounters `json:"counters"`
	RowsConsumed     int64          `json:"rowsConsumed"`
	TotalRowEstimate *int64         `json:"totalRowEstimate,omitempty"`
	PercentComplete  int            `json:"percentComplete"`
	ErrorMessage     string         `json:"errorMessage,omitempty"`
}

// ImportTemplateColumn defines a column in the import template
type ImportTemplateColumn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // string, number
	Example     string `json:"example"`
}

// ImportTemplate defines the structure of an import template
type ImportTemplate struct {
	Entity  string                 `json:"entity"`
	Version string                 `json:"version"`
	Columns []ImportTemplateColumn `json:"columns"`
}

// ProductImportColumns returns the column definitions for product import
func ProductImportColumns() []ImportTemplateColumn {
	return []ImportTemplateColumn{
		{Name: "sku", Description: "Unique product SKU (case-insensitive)", Required: true, Type: "string", Example: "TSH-BLU-001"},
		{Name: "name", Description: "Product name", Required: true, Type: "string", Example: "Blue Cotton T-Shirt"},
		{Name: "price", Description: "Product price", Required: true, Type: "number", Example: "29.99"},
		{Name: "quantity", Description: "Stock quantity", Required: false, Type: "number", Example: "120"},
		{Name: "description", Description: "Product description", Required: false, Type: "string", Example: ""},
	}
}

// ProductImportTemplate returns the template definition for products
func ProductImportTemplate() ImportTemplate {
	return ImportTemplate{
		Entity:  "products",
		Version: "1.0",
		Columns: ProductImportColumns(),
	}
}
