package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/pkg/events"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
)

// NotificationClient sends booking-lifecycle messages to the external
// notification sink. Grounded on scheduling-service's
// internal/client.NotificationServiceClient, trimmed to a single send
// endpoint that carries both immediate and scheduled sends, generalized to
// carry a context and return a plain error the dispatcher can use to decide
// retry/dead-letter.
type NotificationClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewNotificationClient creates a NotificationClient. An empty baseURL makes
// every call a no-op: local/dev environments run the outbox without a
// notification sink configured.
func NewNotificationClient(baseURL string) *NotificationClient {
	return &NotificationClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

type sendNotificationRequest struct {
	Type           string                 `json:"type"`
	RecipientEmail string                 `json:"recipientEmail,omitempty"`
	RecipientPhone string                 `json:"recipientPhone,omitempty"`
	TemplateData   map[string]interface{} `json:"templateData"`
	ScheduledFor   *time.Time             `json:"scheduledFor,omitempty"`
	BookingID      string                 `json:"bookingId,omitempty"`
}

// Send posts one notification to the sink. Scheduled (ScheduledFor != nil)
// vs. immediate dispatch is the sink's concern; this client always hits the
// same endpoint and lets it decide.
func (c *NotificationClient) Send(ctx context.Context, req sendNotificationRequest) error {
	if c.baseURL == "" {
		return nil
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error marshaling notification request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/notifications/send", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("error building notification request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("notification sink request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification sink returned status %d", resp.StatusCode)
	}
	return nil
}

// Handlers holds the collaborators the registered outbox handlers need and
// exposes RegisterAll to bind them onto a Dispatcher.
type Handlers struct {
	db           *gorm.DB
	publisher    *events.Publisher
	notification *NotificationClient
	logger       *logger.Logger
}

// NewHandlers creates a Handlers bundle.
func NewHandlers(db *gorm.DB, publisher *events.Publisher, notification *NotificationClient, log *logger.Logger) *Handlers {
	return &Handlers{db: db, publisher: publisher, notification: notification, logger: log}
}

// RegisterAll binds every handler this package implements onto d. Call once
// at startup before the dispatcher's poll loop begins.
func (h *Handlers) RegisterAll(d *Dispatcher) {
	d.Register(models.EventBookingCreated, h.handleBookingCreated)
	d.Register(models.EventBookingCancelled, h.handleBookingCancelled)
	d.Register(models.EventPaymentCompleted, h.handlePaymentCompleted)
	d.Register(models.EventNotificationRequested, h.handleNotificationRequested)
}

type bookingCreatedPayload struct {
	BookingID        string      `json:"booking_id"`
	TenantID         string      `json:"tenant_id"`
	CustomerID       string      `json:"customer_id"`
	ConfirmationCode string      `json:"confirmation_code"`
	StartAt          time.Time   `json:"start_at"`
	EndAt            time.Time   `json:"end_at"`
	Reminders        []time.Time `json:"reminders"`
}

// handleBookingCreated publishes booking.created for any live subscriber
// and schedules a reminder notification per offset the booking carried at
// creation time. Reminder scheduling failures are per-offset: one bad
// offset does not fail the whole event.
func (h *Handlers) handleBookingCreated(ctx context.Context, event models.OutboxEvent) error {
	var payload bookingCreatedPayload
	if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
		return fmt.Errorf("error decoding booking created payload: %w", err)
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(events.BookingCreatedSubject, payload); err != nil {
			return fmt.Errorf("error publishing booking created event: %w", err)
		}
	}

	var customer models.Customer
	if err := h.db.WithContext(ctx).First(&customer, "id = ?", payload.CustomerID).Error; err != nil {
		return fmt.Errorf("error loading customer for booking confirmation: %w", err)
	}

	confirmErr := h.notification.Send(ctx, sendNotificationRequest{
		Type:           "booking_confirmation",
		RecipientEmail: stringOrEmpty(customer.Email),
		RecipientPhone: stringOrEmpty(customer.Phone),
		BookingID:      payload.BookingID,
		TemplateData: map[string]interface{}{
			"confirmation_code": payload.ConfirmationCode,
			"start_at":          payload.StartAt,
		},
	})
	if confirmErr != nil {
		return fmt.Errorf("error sending booking confirmation: %w", confirmErr)
	}

	for _, at := range payload.Reminders {
		reminderAt := at
		err := h.notification.Send(ctx, sendNotificationRequest{
			Type:           "booking_reminder",
			RecipientEmail: stringOrEmpty(customer.Email),
			RecipientPhone: stringOrEmpty(customer.Phone),
			BookingID:      payload.BookingID,
			ScheduledFor:   &reminderAt,
			TemplateData: map[string]interface{}{
				"confirmation_code": payload.ConfirmationCode,
				"start_at":          payload.StartAt,
			},
		})
		if err != nil {
			h.logger.Error("error scheduling booking reminder", "booking_id", payload.BookingID, "reminder_at", reminderAt, "error", err)
		}
	}

	return nil
}

type bookingCancelledPayload struct {
	BookingID string `json:"booking_id"`
	TenantID  string `json:"tenant_id"`
	Reason    string `json:"reason"`
}

// handleBookingCancelled publishes booking.cancelled and sends the
// cancellation notice. Previously scheduled reminders are the sink's
// responsibility to revoke by booking id; this handler sends no revocation
// and does not track reminder ids itself.
func (h *Handlers) handleBookingCancelled(ctx context.Context, event models.OutboxEvent) error {
	var payload bookingCancelledPayload
	if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
		return fmt.Errorf("error decoding booking cancelled payload: %w", err)
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(events.BookingCancelledSubject, payload); err != nil {
			return fmt.Errorf("error publishing booking cancelled event: %w", err)
		}
	}

	var bk models.Booking
	if err := h.db.WithContext(ctx).First(&bk, "id = ?", payload.BookingID).Error; err != nil {
		return fmt.Errorf("error loading booking for cancellation notice: %w", err)
	}
	var customer models.Customer
	if err := h.db.WithContext(ctx).First(&customer, "id = ?", bk.CustomerID).Error; err != nil {
		return fmt.Errorf("error loading customer for cancellation notice: %w", err)
	}

	if err := h.notification.Send(ctx, sendNotificationRequest{
		Type:           "booking_cancellation",
		RecipientEmail: stringOrEmpty(customer.Email),
		RecipientPhone: stringOrEmpty(customer.Phone),
		BookingID:      payload.BookingID,
		TemplateData:   map[string]interface{}{"reason": payload.Reason},
	}); err != nil {
		return fmt.Errorf("error sending booking cancellation notice: %w", err)
	}

	return nil
}

type paymentCompletedPayload struct {
	BookingID string `json:"booking_id"`
	TenantID  string `json:"tenant_id"`
	Reference string `json:"reference"`
}

// handlePaymentCompleted marks the booking confirmed and publishes
// payment.completed. Invoked when an external payment provider's webhook
// writes a PAYMENT_COMPLETED event onto the outbox for a held booking.
func (h *Handlers) handlePaymentCompleted(ctx context.Context, event models.OutboxEvent) error {
	var payload paymentCompletedPayload
	if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
		return fmt.Errorf("error decoding payment completed payload: %w", err)
	}

	if err := h.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND status = ?", payload.BookingID, models.BookingStatusTentative).
		Update("status", models.BookingStatusConfirmed).Error; err != nil {
		return fmt.Errorf("error confirming booking after payment: %w", err)
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(events.PaymentCompletedSubject, payload); err != nil {
			return fmt.Errorf("error publishing payment completed event: %w", err)
		}
	}

	var bk models.Booking
	if err := h.db.WithContext(ctx).First(&bk, "id = ?", payload.BookingID).Error; err != nil {
		return fmt.Errorf("error loading booking for receipt: %w", err)
	}
	var customer models.Customer
	if err := h.db.WithContext(ctx).First(&customer, "id = ?", bk.CustomerID).Error; err != nil {
		return fmt.Errorf("error loading customer for receipt: %w", err)
	}

	if err := h.notification.Send(ctx, sendNotificationRequest{
		Type:           "payment_receipt",
		RecipientEmail: stringOrEmpty(customer.Email),
		RecipientPhone: stringOrEmpty(customer.Phone),
		BookingID:      payload.BookingID,
		TemplateData:   map[string]interface{}{"reference": payload.Reference},
	}); err != nil {
		return fmt.Errorf("error sending payment receipt: %w", err)
	}

	return nil
}

type notificationRequestedPayload struct {
	Type           string                 `json:"type"`
	RecipientEmail string                 `json:"recipient_email"`
	RecipientPhone string                 `json:"recipient_phone"`
	BookingID      string                 `json:"booking_id"`
	TemplateData   map[string]interface{} `json:"template_data"`
}

// handleNotificationRequested is the generic sink for any caller that wants
// to emit a one-off notification through the outbox's retry/backoff
// machinery rather than calling the notification sink directly.
func (h *Handlers) handleNotificationRequested(ctx context.Context, event models.OutboxEvent) error {
	var payload notificationRequestedPayload
	if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
		return fmt.Errorf("error decoding notification requested payload: %w", err)
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(events.NotificationRequestedSubject, payload); err != nil {
			return fmt.Errorf("error publishing notification requested event: %w", err)
		}
	}

	if err := h.notification.Send(ctx, sendNotificationRequest{
		Type:           payload.Type,
		RecipientEmail: payload.RecipientEmail,
		RecipientPhone: payload.RecipientPhone,
		BookingID:      payload.BookingID,
		TemplateData:   payload.TemplateData,
	}); err != nil {
		return fmt.Errorf("error sending requested notification: %w", err)
	}

	return nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
