// Package handlers is the Gin HTTP surface for spec.md §6: public booking
// create, cancel, read, availability listing, and the liveness probe.
//
// Grounded on the teacher's internal/handlers/booking_handler.go (DTO bind +
// error mapping shape) and internal/handlers/handlers.go (availability/health
// handler shape), generalized from scheduling-service's ad-hoc string-match
// error classification to typed apperr.Error dispatch through
// middleware.ProblemJSON.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/internal/booking"
	"github.com/wer-inc/reservation-core/internal/middleware"
	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
)

const (
	minIdempotencyKeyLen = 8
	maxIdempotencyKeyLen = 128
)

// BookingHandler serves /v1/public/bookings, /v1/bookings/{id}:cancel, and
// GET /v1/bookings/{id}.
type BookingHandler struct {
	coordinator *booking.Coordinator
	db          *gorm.DB
	logger      *logger.Logger
}

// NewBookingHandler creates a BookingHandler.
func NewBookingHandler(coordinator *booking.Coordinator, db *gorm.DB, log *logger.Logger) *BookingHandler {
	return &BookingHandler{coordinator: coordinator, db: db, logger: log}
}

// createBookingCustomerDTO mirrors booking.CustomerFields for JSON binding.
type createBookingCustomerDTO struct {
	Name       string  `json:"name" binding:"required"`
	Phone      *string `json:"phone,omitempty"`
	Email      *string `json:"email,omitempty"`
	ChatUserID *string `json:"chat_user_id,omitempty"`
}

// createBookingRequestDTO is the spec.md §6 request body for
// POST /v1/public/bookings.
type createBookingRequestDTO struct {
	TenantID       string                   `json:"tenant_id" binding:"required"`
	ServiceID      string                   `json:"service_id" binding:"required"`
	TimeslotIDs    []string                 `json:"timeslot_ids,omitempty"`
	StartAt        *time.Time               `json:"start_at,omitempty"`
	ResourceHint   *string                  `json:"resource_hint,omitempty"`
	Customer       createBookingCustomerDTO `json:"customer" binding:"required"`
	Notes          string                   `json:"notes,omitempty"`
	ConsentVersion string                   `json:"consent_version,omitempty"`
}

// CreateBooking handles POST /v1/public/bookings.
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	idempotencyKey := c.GetHeader("Idempotency-Key")
	if len(idempotencyKey) < minIdempotencyKeyLen || len(idempotencyKey) > maxIdempotencyKeyLen {
		middleware.ProblemJSON(c, h.logger, apperr.ValidationFailed(
			"Idempotency-Key header must be 8-128 characters",
			apperr.FieldError{Field: "Idempotency-Key", Reason: "length"},
		))
		return
	}

	rawBody, err := c.GetRawData()
	if err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeInvalidRequest, "failed to read request body"))
		return
	}

	var req createBookingRequestDTO
	if err := json.Unmarshal(rawBody, &req); err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeInvalidRequest, "malformed JSON body"))
		return
	}
	if (len(req.TimeslotIDs) == 0) == (req.StartAt == nil) {
		middleware.ProblemJSON(c, h.logger, apperr.ValidationFailed(
			"exactly one of timeslot_ids or start_at must be present",
		))
		return
	}

	var rawMap map[string]interface{}
	if err := json.Unmarshal(rawBody, &rawMap); err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeInvalidRequest, "malformed JSON body"))
		return
	}

	c.Set("tenant_id", req.TenantID)

	coordReq := booking.CreateBookingRequest{
		TenantID:     req.TenantID,
		ServiceID:    req.ServiceID,
		ResourceHint: req.ResourceHint,
		StartAt:      req.StartAt,
		TimeslotIDs:  req.TimeslotIDs,
		Customer: booking.CustomerFields{
			Name:       req.Customer.Name,
			Phone:      req.Customer.Phone,
			Email:      req.Customer.Email,
			ChatUserID: req.Customer.ChatUserID,
		},
		Notes:          req.Notes,
		IdempotencyKey: idempotencyKey,
		RawBody:        rawMap,
	}

	resp, status, err := h.coordinator.CreateBooking(c.Request.Context(), coordReq)
	if err != nil {
		middleware.ProblemJSON(c, h.logger, err)
		return
	}

	c.JSON(status, resp)
}

// cancelBookingRequestDTO is the optional body of the cancel endpoint.
type cancelBookingRequestDTO struct {
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// CancelBooking handles POST /v1/bookings/{id}:cancel. Gin captures the
// whole "{id}:cancel" path segment as a single param, so the literal
// ":cancel" suffix spec.md §6 requires is stripped here.
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	const cancelSuffix = ":cancel"
	raw := c.Param("id")
	if len(raw) <= len(cancelSuffix) || raw[len(raw)-len(cancelSuffix):] != cancelSuffix {
		middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeInvalidRequest, "path must end with :cancel"))
		return
	}
	bookingID := raw[:len(raw)-len(cancelSuffix)]

	rawBody, err := c.GetRawData()
	if err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeInvalidRequest, "failed to read request body"))
		return
	}

	var req cancelBookingRequestDTO
	var rawMap map[string]interface{}
	if len(rawBody) > 0 {
		if err := json.Unmarshal(rawBody, &req); err != nil {
			middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeInvalidRequest, "malformed JSON body"))
			return
		}
		if err := json.Unmarshal(rawBody, &rawMap); err != nil {
			middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeInvalidRequest, "malformed JSON body"))
			return
		}
	}

	tenantID, err := h.authorizedTenantForBooking(c, bookingID)
	if err != nil {
		middleware.ProblemJSON(c, h.logger, err)
		return
	}

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = c.GetHeader("Idempotency-Key")
	}
	if idempotencyKey == "" {
		idempotencyKey = "cancel:" + bookingID
	}

	resp, status, err := h.coordinator.CancelBooking(c.Request.Context(), booking.CancelBookingRequest{
		TenantID:       tenantID,
		BookingID:      bookingID,
		Reason:         req.Reason,
		IdempotencyKey: idempotencyKey,
		RawBody:        rawMap,
	})
	if err != nil {
		middleware.ProblemJSON(c, h.logger, err)
		return
	}

	c.JSON(status, resp)
}

// bookingDTO is the read-path projection of a Booking, including its items.
type bookingDTO struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	ServiceID        string    `json:"service_id"`
	ResourceID       string    `json:"resource_id"`
	CustomerID       string    `json:"customer_id"`
	StartAt          time.Time `json:"start_at"`
	EndAt            time.Time `json:"end_at"`
	Status           string    `json:"status"`
	ConfirmationCode string    `json:"confirmation_code"`
	Notes            string    `json:"notes,omitempty"`
	SlotIDs          []string  `json:"slot_ids"`
}

// GetBooking handles GET /v1/bookings/{id}. It is a plain read outside the
// Coordinator's transactional protocol: no slot lock, no idempotency
// involvement, just the persisted aggregate.
func (h *BookingHandler) GetBooking(c *gin.Context) {
	bookingID := c.Param("id")

	var bk models.Booking
	if err := h.db.WithContext(c.Request.Context()).First(&bk, "id = ?", bookingID).Error; err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeNotFound, "booking not found"))
		return
	}

	if callerTenantID, exists := c.Get("caller_tenant_id"); exists {
		if callerTenantID != "" && callerTenantID != bk.TenantID {
			middleware.ProblemJSON(c, h.logger, apperr.New(apperr.CodeNotFound, "booking not found"))
			return
		}
	}

	var items []models.BookingItem
	if err := h.db.WithContext(c.Request.Context()).Where("booking_id = ?", bk.ID).Find(&items).Error; err != nil {
		middleware.ProblemJSON(c, h.logger, apperr.Internal(err))
		return
	}

	slotIDs := make([]string, len(items))
	for i, item := range items {
		slotIDs[i] = item.SlotID
	}

	c.JSON(http.StatusOK, bookingDTO{
		ID:               bk.ID,
		TenantID:         bk.TenantID,
		ServiceID:        bk.ServiceID,
		ResourceID:       bk.ResourceID,
		CustomerID:       bk.CustomerID,
		StartAt:          bk.StartAt,
		EndAt:            bk.EndAt,
		Status:           string(bk.Status),
		ConfirmationCode: bk.ConfirmationCode,
		Notes:            bk.Notes,
		SlotIDs:          slotIDs,
	})
}

// authorizedTenantForBooking loads the booking's tenant_id and, when the
// request carries a validated Auth token, checks it matches the caller's
// tenant before the Coordinator ever sees the request.
func (h *BookingHandler) authorizedTenantForBooking(c *gin.Context, bookingID string) (string, error) {
	var bk models.Booking
	if err := h.db.WithContext(c.Request.Context()).Select("tenant_id").First(&bk, "id = ?", bookingID).Error; err != nil {
		return "", apperr.New(apperr.CodeNotFound, "booking not found")
	}
	if callerTenantID, exists := c.Get("caller_tenant_id"); exists {
		if callerTenantID != "" && callerTenantID != bk.TenantID {
			return "", apperr.New(apperr.CodeNotFound, "booking not found")
		}
	}
	return bk.TenantID, nil
}
