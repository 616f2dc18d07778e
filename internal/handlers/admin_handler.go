package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/internal/middleware"
	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
)

const defaultAdminListLimit = 100

// AdminHandler serves the operator-facing admin/ops endpoints SPEC_FULL.md
// §6 adds on top of the public surface: dead-lettered outbox events and
// open schedule conflicts, both of which otherwise sit invisible in the
// database until someone queries them by hand.
type AdminHandler struct {
	db     *gorm.DB
	logger *logger.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(db *gorm.DB, log *logger.Logger) *AdminHandler {
	return &AdminHandler{db: db, logger: log}
}

// DeadLetters handles GET /v1/admin/outbox/dead-letters: every OutboxEvent
// the Dispatcher gave up on, most recent first. The spec's dead-letter
// design note requires operator action here; this is the list operators
// triage against.
func (h *AdminHandler) DeadLetters(c *gin.Context) {
	var events []models.OutboxEvent
	query := h.db.WithContext(c.Request.Context()).
		Where("status = ?", models.OutboxStatusDeadLetter).
		Order("updated_at DESC").
		Limit(adminLimit(c))
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Find(&events).Error; err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.Internal(err))
		return
	}
	if events == nil {
		events = []models.OutboxEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": events})
}

// ScheduleConflicts handles GET /v1/admin/schedule/conflicts: every
// unresolved ScheduleConflict the Compiler recorded because a slot it
// could no longer justify still carried live bookings (spec.md §4.1).
// Resolved conflicts are excluded; nothing here deletes the underlying
// slot automatically, that remains an explicit operator decision.
func (h *AdminHandler) ScheduleConflicts(c *gin.Context) {
	var conflicts []models.ScheduleConflict
	query := h.db.WithContext(c.Request.Context()).
		Where("resolved_at IS NULL").
		Order("detected_at DESC").
		Limit(adminLimit(c))
	if tenantID := c.Query("tenant_id"); tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Find(&conflicts).Error; err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.Internal(err))
		return
	}
	if conflicts == nil {
		conflicts = []models.ScheduleConflict{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

// adminLimit parses an optional ?limit= query param, falling back to
// defaultAdminListLimit for anything missing or non-positive.
func adminLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultAdminListLimit
	}
	return limit
}
