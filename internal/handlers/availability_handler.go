package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/internal/availability"
	"github.com/wer-inc/reservation-core/internal/middleware"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// AvailabilityHandler serves GET /v1/availability.
type AvailabilityHandler struct {
	query  *availability.Query
	logger *logger.Logger
}

// NewAvailabilityHandler creates an AvailabilityHandler.
func NewAvailabilityHandler(query *availability.Query, log *logger.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{query: query, logger: log}
}

// List handles GET /v1/availability?tenant&service&from&to.
func (h *AvailabilityHandler) List(c *gin.Context) {
	tenantID := c.Query("tenant")
	serviceID := c.Query("service")
	fromStr := c.Query("from")
	toStr := c.Query("to")

	if tenantID == "" || serviceID == "" || fromStr == "" || toStr == "" {
		middleware.ProblemJSON(c, h.logger, apperr.ValidationFailed(
			"tenant, service, from, and to query parameters are all required",
		))
		return
	}

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.ValidationFailed(
			"from must be an RFC3339 timestamp",
			apperr.FieldError{Field: "from", Reason: "format"},
		))
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.ValidationFailed(
			"to must be an RFC3339 timestamp",
			apperr.FieldError{Field: "to", Reason: "format"},
		))
		return
	}
	if !to.After(from) {
		middleware.ProblemJSON(c, h.logger, apperr.ValidationFailed(
			"to must be after from",
			apperr.FieldError{Field: "to", Reason: "must_be_after_from"},
		))
		return
	}

	windows, err := h.query.List(c.Request.Context(), tenantID, serviceID, from, to)
	if err != nil {
		middleware.ProblemJSON(c, h.logger, err)
		return
	}
	if windows == nil {
		windows = []availability.Window{}
	}

	c.JSON(http.StatusOK, windows)
}
