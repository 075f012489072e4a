package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"
)

// MockCoordinator is a mock implementation of ImportCoordinator
type MockCoordinator struct {
	mock.Mock
}

var _ ImportCoordinator = (*MockCoordinator)(nil)

func (m *MockCoordinator) Start(job *models.ImportJob) error {
	args := m.Called(job)
	return args.Error(0)
}

func (m *MockCoordinator) Cancel(jobID uuid.UUID) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func (m *MockCoordinator) Pause(jobID uuid.UUID) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func (m *MockCoordinator) Resume(jobID uuid.UUID) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func (m *MockCoordinator) Snapshot(jobID uuid.UUID) (models.ImportSnapshot, bool) {
	args := m.Called(jobID)
	return args.Get(0).(models.ImportSnapshot), args.Bool(1)
}

// MockJobStore is a mock implementation of ImportJobStore
type MockJobStore struct {
	mock.Mock
}

var _ ImportJobStore = (*MockJobStore)(nil)

func (m *MockJobStore) CreateJob(ctx context.Context, job *models.ImportJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockJobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ImportJob, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ImportJob), args.Error(1)
}

func (m *MockJobStore) ListJobs(ctx context.Context, limit, offset int) ([]models.ImportJob, int64, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).([]models.ImportJob), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobStore) GetRejections(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]models.ImportRejection, int64, error) {
	args := m.Called(ctx, jobID, limit, offset)
	return args.Get(0).([]models.ImportRejection), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobStore) FailJob(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	args := m.Called(ctx, jobID, errorMessage)
	return args.Error(0)
}

func setupTestRouter() (*gin.Engine, *MockCoordinator, *MockJobStore) {
	gin.SetMode(gin.TestMode)
	coordinator := new(MockCoordinator)
	jobs := new(MockJobStore)
	handler := NewImportHandler(coordinator, jobs, "", 0)

	r := gin.New()
	imports := r.Group("/api/v1/imports")
	{
		imports.POST("", handler.CreateImport)
		imports.GET("", handler.ListImports)
		imports.GET("/template", handler.GetImportTemplate)
		imports.GET("/:id", handler.GetImport)
		imports.GET("/:id/rejections", handler.GetImportRejections)
		imports.POST("/:id/cancel", handler.CancelImport)
		imports.POST("/:id/pause", handler.PauseImport)
		imports.POST("/:id/resume", handler.ResumeImport)
	}
	return r, coordinator, jobs
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &buf, writer.FormDataContentType()
}

func TestCreateImportAcceptsCSVUpload(t *testing.T) {
	router, coordinator, jobs := setupTestRouter()
	uploadDir := t.TempDir()
	handler := NewImportHandler(coordinator, jobs, uploadDir, 0)
	router = gin.New()
	router.POST("/api/v1/imports", handler.CreateImport)

	jobs.On("CreateJob", mock.Anything, mock.AnythingOfType("*models.ImportJob")).Return(nil)
	coordinator.On("Start", mock.AnythingOfType("*models.ImportJob")).Return(nil)

	body, contentType := multipartUpload(t, "products.csv", "sku,name,price\na1,Widget,1.00\n")
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)

	var resp models.SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "products.csv", data["originalFilename"])
	assert.Equal(t, "csv", data["format"])
	assert.Equal(t, string(models.ImportStatusPending), data["status"])

	jobs.AssertExpectations(t)
	coordinator.AssertExpectations(t)
}

func TestCreateImportFailsJobWhenPipelineRejectsIt(t *testing.T) {
	_, coordinator, jobs := setupTestRouter()
	uploadDir := t.TempDir()
	handler := NewImportHandler(coordinator, jobs, uploadDir, 0)
	router := gin.New()
	router.POST("/api/v1/imports", handler.CreateImport)

	jobs.On("CreateJob", mock.Anything, mock.AnythingOfType("*models.ImportJob")).Return(nil)
	coordinator.On("Start", mock.AnythingOfType("*models.ImportJob")).Return(errors.New("pipeline saturated"))
	jobs.On("FailJob", mock.Anything, mock.AnythingOfType("uuid.UUID"), "pipeline saturated").Return(nil)

	body, contentType := multipartUpload(t, "products.csv", "sku,name,price\na1,Widget,1.00\n")
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// The spooled upload is removed along with the orphaned PENDING job.
	entries, err := os.ReadDir(uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	jobs.AssertExpectations(t)
}

func TestCreateImportRejectsUnsupportedExtension(t *testing.T) {
	router, _, _ := setupTestRouter()

	body, contentType := multipartUpload(t, "products.pdf", "not a spreadsheet")
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/imports", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "UNSUPPORTED_FORMAT", resp.Error.Code)
}

func TestCreateImportRequiresFile(t *testing.T) {
	router, _, _ := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/v1/imports", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "MISSING_FILE", resp.Error.Code)
}

func TestGetImportServesLiveSnapshot(t *testing.T) {
	router, coordinator, _ := setupTestRouter()

	jobID := uuid.New()
	snap := models.ImportSnapshot{
		JobID:        jobID,
		Status:       models.ImportStatusRunning,
		Counters:     models.ImportCounters{Accepted: 40, Duplicate: 2},
		RowsConsumed: 42,
	}
	coordinator.On("Snapshot", jobID).Return(snap, true)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports/"+jobID.String(), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, string(models.ImportStatusRunning), data["status"])
	assert.Equal(t, float64(42), data["rowsConsumed"])
}

func TestGetImportFallsBackToDatabase(t *testing.T) {
	router, coordinator, jobs := setupTestRouter()

	jobID := uuid.New()
	coordinator.On("Snapshot", jobID).Return(models.ImportSnapshot{}, false)
	jobs.On("GetJob", mock.Anything, jobID).Return(&models.ImportJob{
		ID:           jobID,
		Status:       models.ImportStatusCompleted,
		RowsConsumed: 100,
		Accepted:     98,
		Rejected:     2,
	}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports/"+jobID.String(), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp models.SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, string(models.ImportStatusCompleted), data["status"])
	assert.Equal(t, float64(100), data["rowsConsumed"])
}

func TestGetImportNotFound(t *testing.T) {
	router, coordinator, jobs := setupTestRouter()

	jobID := uuid.New()
	coordinator.On("Snapshot", jobID).Return(models.ImportSnapshot{}, false)
	jobs.On("GetJob", mock.Anything, jobID).Return(nil, repository.ErrJobNotFound)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports/"+jobID.String(), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetImportInvalidID(t *testing.T) {
	router, _, _ := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports/not-a-uuid", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListImports(t *testing.T) {
	router, _, jobs := setupTestRouter()

	jobs.On("ListJobs", mock.Anything, 50, 0).Return([]models.ImportJob{
		{ID: uuid.New(), Status: models.ImportStatusCompleted},
		{ID: uuid.New(), Status: models.ImportStatusRunning},
	}, int64(2), nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(2), resp["total"])
	assert.Len(t, resp["data"], 2)
}

func TestGetImportRejections(t *testing.T) {
	router, _, jobs := setupTestRouter()

	jobID := uuid.New()
	jobs.On("GetRejections", mock.Anything, jobID, 100, 0).Return([]models.ImportRejection{
		{JobID: jobID, LineNumber: 7, Reason: models.RejectReasonValidation, Field: "price"},
	}, int64(1), nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", fmt.Sprintf("/api/v1/imports/%s/rejections", jobID), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["total"])
}

func TestCancelImport(t *testing.T) {
	router, coordinator, _ := setupTestRouter()

	jobID := uuid.New()
	coordinator.On("Cancel", jobID).Return(nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/api/v1/imports/%s/cancel", jobID), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	coordinator.AssertExpectations(t)
}

func TestCancelImportNotFound(t *testing.T) {
	router, coordinator, _ := setupTestRouter()

	jobID := uuid.New()
	coordinator.On("Cancel", jobID).Return(importer.ErrJobNotFound)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/api/v1/imports/%s/cancel", jobID), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPauseImportConflict(t *testing.T) {
	router, coordinator, _ := setupTestRouter()

	jobID := uuid.New()
	coordinator.On("Pause", jobID).Return(importer.ErrJobNotRunning)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/api/v1/imports/%s/pause", jobID), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResumeImportConflict(t *testing.T) {
	router, coordinator, _ := setupTestRouter()

	jobID := uuid.New()
	coordinator.On("Resume", jobID).Return(importer.ErrJobNotPaused)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", fmt.Sprintf("/api/v1/imports/%s/resume", jobID), nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetImportTemplateJSON(t *testing.T) {
	router, _, _ := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports/template", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	template := resp["template"].(map[string]interface{})
	assert.Equal(t, "products", template["entity"])
}

func TestGetImportTemplateCSV(t *testing.T) {
	router, _, _ := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports/template?format=csv", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "products_import_template.csv")

	header := strings.TrimSpace(w.Body.String())
	assert.Equal(t, "sku,name,price,quantity,description", header)
}

func TestGetImportTemplateXLSX(t *testing.T) {
	router, _, _ := setupTestRouter()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/imports/template?format=xlsx", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "spreadsheetml")
	assert.NotZero(t, w.Body.Len())
}
