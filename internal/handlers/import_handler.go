package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"
)

// ImportCoordinator is the pipeline surface the handler drives.
type ImportCoordinator interface {
	Start(job *models.ImportJob) error
	Cancel(jobID uuid.UUID) error
	Pause(jobID uuid.UUID) error
	Resume(jobID uuid.UUID) error
	Snapshot(jobID uuid.UUID) (models.ImportSnapshot, bool)
}

// ImportJobStore is the persistence surface the handler reads from.
type ImportJobStore interface {
	CreateJob(ctx context.Context, job *models.ImportJob) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error)
	ListJobs(ctx context.Context, limit, offset int) ([]models.ImportJob, int64, error)
	GetRejections(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.ImportRejection, int64, error)
	FailJob(ctx context.Context, jobID uuid.UUID, errorMessage string) error
}

type ImportHandler struct {
	coordinator ImportCoordinator
	jobs        ImportJobStore
	uploadDir   string
	maxUpload   int64
}

func NewImportHandler(coordinator ImportCoordinator, jobs ImportJobStore, uploadDir string, maxUploadBytes int64) *ImportHandler {
	return &ImportHandler{
		coordinator: coordinator,
		jobs:        jobs,
		uploadDir:   uploadDir,
		maxUpload:   maxUploadBytes,
	}
}

// CreateImport accepts a CSV or XLSX upload and starts an import job
// POST /api/v1/imports
func (h *ImportHandler) CreateImport(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "MISSING_FILE", Message: "multipart field 'file' is required"},
		})
		return
	}

	format, err := formatFromFilename(fileHeader.Filename)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "UNSUPPORTED_FORMAT", Message: err.Error(), Field: "file"},
		})
		return
	}

	job := &models.ImportJob{
		ID:               uuid.New(),
		OriginalFilename: filepath.Base(fileHeader.Filename),
		Format:           format,
		Status:           models.ImportStatusPending,
	}

	// Spool the upload to disk so the pipeline streams from a stable file
	// instead of holding the request body open.
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "UPLOAD_FAILED", Message: "failed to prepare upload directory"},
		})
		return
	}
	job.FilePath = filepath.Join(h.uploadDir, fmt.Sprintf("%s.%s", job.ID, format))
	if err := c.SaveUploadedFile(fileHeader, job.FilePath); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "UPLOAD_FAILED", Message: fmt.Sprintf("failed to save upload: %v", err)},
		})
		return
	}

	if err := h.jobs.CreateJob(c.Request.Context(), job); err != nil {
		os.Remove(job.FilePath)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "CREATE_FAILED", Message: "failed to create import job"},
		})
		return
	}

	if err := h.coordinator.Start(job); err != nil {
		// The job row exists but no pipeline owns it; fail it so it does
		// not linger as PENDING, and drop the spooled file.
		h.jobs.FailJob(c.Request.Context(), job.ID, err.Error())
		os.Remove(job.FilePath)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "START_FAILED", Message: err.Error()},
		})
		return
	}

	c.JSON(http.StatusAccepted, models.SuccessResponse{Success: true, Data: job})
}

// ListImports returns jobs ordered by upload time, newest first
// GET /api/v1/imports
func (h *ImportHandler) ListImports(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, total, err := h.jobs.ListJobs(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "LIST_FAILED", Message: "failed to list import jobs"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    jobs,
		"total":   total,
	})
}

// GetImport returns live progress for one job. Running jobs are served from
// the in-memory tracker; finished or evicted jobs fall back to the database.
// GET /api/v1/imports/:id
func (h *ImportHandler) GetImport(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if snap, live := h.coordinator.Snapshot(jobID); live {
		c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: snap})
		return
	}

	job, err := h.jobs.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Success: false,
				Error:   models.Error{Code: "NOT_FOUND", Message: "import job not found"},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "GET_FAILED", Message: "failed to load import job"},
		})
		return
	}

	snap := models.ImportSnapshot{
		JobID:            job.ID,
		Status:           job.Status,
		Counters:         job.Counters(),
		RowsConsumed:     job.RowsConsumed,
		TotalRowEstimate: job.TotalRowEstimate,
		PercentComplete:  job.ProgressPercent(),
		ErrorMessage:     job.ErrorMessage,
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Data: snap})
}

// GetImportRejections pages through a job's rejection log
// GET /api/v1/imports/:id/rejections
func (h *ImportHandler) GetImportRejections(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	rejections, total, err := h.jobs.GetRejections(c.Request.Context(), jobID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "LIST_FAILED", Message: "failed to load rejection log"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    rejections,
		"total":   total,
	})
}

// CancelImport stops a running or paused job
// POST /api/v1/imports/:id/cancel
func (h *ImportHandler) CancelImport(c *gin.Context) {
	h.transition(c, h.coordinator.Cancel, "cancel")
}

// PauseImport suspends consumption of the source file
// POST /api/v1/imports/:id/pause
func (h *ImportHandler) PauseImport(c *gin.Context) {
	h.transition(c, h.coordinator.Pause, "pause")
}

// ResumeImport continues a paused job
// POST /api/v1/imports/:id/resume
func (h *ImportHandler) ResumeImport(c *gin.Context) {
	h.transition(c, h.coordinator.Resume, "resume")
}

func (h *ImportHandler) transition(c *gin.Context, fn func(uuid.UUID) error, action string) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := fn(jobID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, importer.ErrJobNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: strings.ToUpper(action) + "_FAILED", Message: err.Error()},
		})
		return
	}

	message := fmt.Sprintf("import %s requested", action)
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: &message})
}

func (h *ImportHandler) jobID(c *gin.Context) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "INVALID_ID", Message: "job id must be a UUID", Field: "id"},
		})
		return uuid.Nil, false
	}
	return jobID, true
}

// GetImportTemplate returns the import template definition or file
// GET /api/v1/imports/template
func (h *ImportHandler) GetImportTemplate(c *gin.Context) {
	format := c.DefaultQuery("format", "json")

	template := models.ProductImportTemplate()

	switch format {
	case "csv":
		h.generateCSVTemplate(c, template)
	case "xlsx":
		h.generateXLSXTemplate(c, template)
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"template": template,
		})
	}
}

// generateCSVTemplate generates and downloads a CSV template (headers only)
func (h *ImportHandler) generateCSVTemplate(c *gin.Context, template models.ImportTemplate) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	headers := make([]string, len(template.Columns))
	for i, col := range template.Columns {
		headers[i] = col.Name
	}
	writer.Write(headers)
}

// generateXLSXTemplate generates and downloads an Excel template
func (h *ImportHandler) generateXLSXTemplate(c *gin.Context, template models.ImportTemplate) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Products"
	f.SetSheetName("Sheet1", sheetName)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	requiredStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"C65911"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})

	for i, col := range template.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		headerText := col.Name
		if col.Required {
			headerText = col.Name + " *"
		}
		f.SetCellValue(sheetName, cell, headerText)

		if col.Required {
			f.SetCellStyle(sheetName, cell, cell, requiredStyle)
		} else {
			f.SetCellStyle(sheetName, cell, cell, headerStyle)
		}

		colName, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheetName, colName, colName, 20)
	}

	f.NewSheet("Instructions")
	f.SetCellValue("Instructions", "A1", "Product Import Instructions")
	f.SetCellValue("Instructions", "A3", "Columns marked with * are required.")
	f.SetCellValue("Instructions", "A4", "SKUs are case-insensitive; a row with an existing SKU updates that product.")
	f.SetCellValue("Instructions", "A5", "When the same SKU appears on several rows, the last row wins.")
	f.SetCellValue("Instructions", "A6", "Extra columns are stored as product attributes.")
	f.SetCellValue("Instructions", "A7", "Price must be a non-negative number, quantity a non-negative integer.")

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.xlsx")
	if err := f.Write(c.Writer); err != nil {
		c.Status(http.StatusInternalServerError)
	}
}

func formatFromFilename(filename string) (models.ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return models.ImportFormatCSV, nil
	case ".xlsx":
		return models.ImportFormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported file type %q, expected .csv or .xlsx", filepath.Ext(filename))
	}
}
