package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"
)

// WebhookTester sends a synthetic delivery to an endpoint.
type WebhookTester interface {
	SendTest(ctx context.Context, endpoint *models.WebhookEndpoint) (statusCode, responseTimeMs int, err error)
}

// EndpointStore loads registered endpoints. Endpoint CRUD lives elsewhere;
// this service only reads them.
type EndpointStore interface {
	GetEndpoint(ctx context.Context, endpointID uuid.UUID) (*models.WebhookEndpoint, error)
}

type WebhookHandler struct {
	endpoints EndpointStore
	tester    WebhookTester
}

func NewWebhookHandler(endpoints EndpointStore, tester WebhookTester) *WebhookHandler {
	return &WebhookHandler{endpoints: endpoints, tester: tester}
}

// TestWebhookEndpoint fires a one-off test payload at an endpoint so
// operators can verify connectivity before relying on real deliveries
// POST /api/v1/webhook-endpoints/:id/test
func (h *WebhookHandler) TestWebhookEndpoint(c *gin.Context) {
	endpointID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "INVALID_ID", Message: "endpoint id must be a UUID", Field: "id"},
		})
		return
	}

	endpoint, err := h.endpoints.GetEndpoint(c.Request.Context(), endpointID)
	if err != nil {
		if errors.Is(err, repository.ErrEndpointNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Success: false,
				Error:   models.Error{Code: "NOT_FOUND", Message: "webhook endpoint not found"},
			})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "GET_FAILED", Message: "failed to load webhook endpoint"},
		})
		return
	}

	statusCode, responseTimeMs, sendErr := h.tester.SendTest(c.Request.Context(), endpoint)
	result := gin.H{
		"success":        sendErr == nil && statusCode >= 200 && statusCode < 300,
		"statusCode":     statusCode,
		"responseTimeMs": responseTimeMs,
	}
	if sendErr != nil {
		result["error"] = sendErr.Error()
	}
	c.JSON(http.StatusOK, result)
}
