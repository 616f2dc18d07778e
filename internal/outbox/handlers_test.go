package outbox_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/internal/outbox"
	"github.com/wer-inc/reservation-core/pkg/events"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// capturingSink is a stand-in for the external notification service: it
// records every request it receives instead of actually sending anything.
type capturingSink struct {
	mu       sync.Mutex
	requests []map[string]interface{}
}

func newCapturingSink() (*httptest.Server, *capturingSink) {
	sink := &capturingSink{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		sink.mu.Lock()
		sink.requests = append(sink.requests, body)
		sink.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	return server, sink
}

func (s *capturingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *capturingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	for i, r := range s.requests {
		out[i], _ = r["type"].(string)
	}
	return out
}

type HandlersTestSuite struct {
	suite.Suite
	DB         *gorm.DB
	sinkServer *httptest.Server
	sink       *capturingSink
	dispatcher *outbox.Dispatcher
}

func (s *HandlersTestSuite) SetupSuite() {
	dsn := "host=localhost user=postgres password=postgres dbname=reservation_core_test port=5432 sslmode=disable"
	if envURL := os.Getenv("TEST_DATABASE_URL"); envURL != "" {
		dsn = envURL
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		s.T().Fatalf("failed to connect to postgres: %v", err)
	}
	s.DB = db
	s.Require().NoError(s.DB.AutoMigrate(
		&models.Tenant{}, &models.Customer{}, &models.Booking{}, &models.OutboxEvent{},
	))
}

func (s *HandlersTestSuite) TearDownSuite() {
	sqlDB, _ := s.DB.DB()
	sqlDB.Close()
}

func (s *HandlersTestSuite) SetupTest() {
	for _, table := range []string{"outbox_events", "bookings", "customers", "tenants"} {
		s.DB.Exec("DELETE FROM " + table)
	}
	s.sinkServer, s.sink = newCapturingSink()

	log := logger.New("error")
	notificationClient := outbox.NewNotificationClient(s.sinkServer.URL)
	handlers := outbox.NewHandlers(s.DB, events.NewNullPublisher(log), notificationClient, log)
	s.dispatcher = outbox.New(s.DB, log, 10, 3, time.Minute, 5*time.Second)
	handlers.RegisterAll(s.dispatcher)
}

func (s *HandlersTestSuite) TearDownTest() {
	s.sinkServer.Close()
}

func (s *HandlersTestSuite) seedCustomer(tenantID string) models.Customer {
	email := "guest@example.com"
	customer := models.Customer{TenantID: tenantID, Name: "Guest", Email: &email}
	s.Require().NoError(s.DB.Create(&customer).Error)
	return customer
}

func (s *HandlersTestSuite) seedTenant() models.Tenant {
	tenant := models.Tenant{Name: "Acme", TimeZone: "UTC", SlotGranularityMin: 15}
	s.Require().NoError(s.DB.Create(&tenant).Error)
	return tenant
}

func (s *HandlersTestSuite) enqueue(eventType models.OutboxEventType, aggregateID, tenantID string, payload interface{}) models.OutboxEvent {
	raw, err := json.Marshal(payload)
	s.Require().NoError(err)
	event := models.OutboxEvent{
		TenantID:    tenantID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Payload:     string(raw),
	}
	s.Require().NoError(s.DB.Create(&event).Error)
	return event
}

func (s *HandlersTestSuite) TestBookingCreated_SendsConfirmationAndEachReminder() {
	tenant := s.seedTenant()
	customer := s.seedCustomer(tenant.ID)
	booking := models.Booking{
		TenantID: tenant.ID, CustomerID: customer.ID, ServiceID: uuid.NewString(), ResourceID: uuid.NewString(),
		StartAt: time.Now().Add(24 * time.Hour), EndAt: time.Now().Add(25 * time.Hour),
		Status: models.BookingStatusTentative,
	}
	s.Require().NoError(s.DB.Create(&booking).Error)

	s.enqueue(models.EventBookingCreated, booking.ID, tenant.ID, map[string]interface{}{
		"booking_id":        booking.ID,
		"tenant_id":         tenant.ID,
		"customer_id":       customer.ID,
		"confirmation_code": "ABC123",
		"start_at":          booking.StartAt,
		"end_at":            booking.EndAt,
		"reminders":         []time.Time{booking.StartAt.Add(-time.Hour)},
	})

	n, err := s.dispatcher.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Eventually(func() bool { return s.sink.count() == 2 }, 2*time.Second, 50*time.Millisecond,
		"expected a confirmation and one reminder to reach the sink")
	s.ElementsMatch([]string{"booking_confirmation", "booking_reminder"}, s.sink.types())

	var event models.OutboxEvent
	s.Require().NoError(s.DB.First(&event, "aggregate_id = ?", booking.ID).Error)
	s.Equal(models.OutboxStatusCompleted, event.Status)
}

func (s *HandlersTestSuite) TestBookingCancelled_SendsCancellationNotice() {
	tenant := s.seedTenant()
	customer := s.seedCustomer(tenant.ID)
	booking := models.Booking{
		TenantID: tenant.ID, CustomerID: customer.ID, ServiceID: uuid.NewString(), ResourceID: uuid.NewString(),
		StartAt: time.Now().Add(time.Hour), EndAt: time.Now().Add(2 * time.Hour),
		Status: models.BookingStatusCancelled,
	}
	s.Require().NoError(s.DB.Create(&booking).Error)

	s.enqueue(models.EventBookingCancelled, booking.ID, tenant.ID, map[string]interface{}{
		"booking_id": booking.ID,
		"tenant_id":  tenant.ID,
		"reason":     "customer request",
	})

	n, err := s.dispatcher.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Eventually(func() bool { return s.sink.count() == 1 }, 2*time.Second, 50*time.Millisecond)
	s.Equal([]string{"booking_cancellation"}, s.sink.types())
}

func (s *HandlersTestSuite) TestPaymentCompleted_ConfirmsBookingAndSendsReceipt() {
	tenant := s.seedTenant()
	customer := s.seedCustomer(tenant.ID)
	booking := models.Booking{
		TenantID: tenant.ID, CustomerID: customer.ID, ServiceID: uuid.NewString(), ResourceID: uuid.NewString(),
		StartAt: time.Now().Add(time.Hour), EndAt: time.Now().Add(2 * time.Hour),
		Status: models.BookingStatusTentative,
	}
	s.Require().NoError(s.DB.Create(&booking).Error)

	s.enqueue(models.EventPaymentCompleted, booking.ID, tenant.ID, map[string]interface{}{
		"booking_id": booking.ID,
		"tenant_id":  tenant.ID,
		"reference":  "pay_123",
	})

	n, err := s.dispatcher.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)

	var reloaded models.Booking
	s.Require().NoError(s.DB.First(&reloaded, "id = ?", booking.ID).Error)
	s.Equal(models.BookingStatusConfirmed, reloaded.Status)

	s.Eventually(func() bool { return s.sink.count() == 1 }, 2*time.Second, 50*time.Millisecond)
	s.Equal([]string{"payment_receipt"}, s.sink.types())
}

func (s *HandlersTestSuite) TestPaymentCompleted_NeverConfirmsAnAlreadyCancelledBooking() {
	tenant := s.seedTenant()
	customer := s.seedCustomer(tenant.ID)
	booking := models.Booking{
		TenantID: tenant.ID, CustomerID: customer.ID, ServiceID: uuid.NewString(), ResourceID: uuid.NewString(),
		StartAt: time.Now().Add(time.Hour), EndAt: time.Now().Add(2 * time.Hour),
		Status: models.BookingStatusCancelled,
	}
	s.Require().NoError(s.DB.Create(&booking).Error)

	s.enqueue(models.EventPaymentCompleted, booking.ID, tenant.ID, map[string]interface{}{
		"booking_id": booking.ID,
		"tenant_id":  tenant.ID,
		"reference":  "pay_456",
	})

	_, err := s.dispatcher.RunOnce(context.Background())
	s.Require().NoError(err)

	var reloaded models.Booking
	s.Require().NoError(s.DB.First(&reloaded, "id = ?", booking.ID).Error)
	s.Equal(models.BookingStatusCancelled, reloaded.Status, "a cancelled booking must never flip to confirmed on late payment completion")
}

func (s *HandlersTestSuite) TestNotificationRequested_ForwardsDirectlyToSink() {
	tenant := s.seedTenant()
	s.enqueue(models.EventNotificationRequested, "adhoc-1", tenant.ID, map[string]interface{}{
		"type":            "custom_alert",
		"recipient_email": "ops@example.com",
		"booking_id":      "",
		"template_data":   map[string]interface{}{"message": "hello"},
	})

	n, err := s.dispatcher.RunOnce(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Eventually(func() bool { return s.sink.count() == 1 }, 2*time.Second, 50*time.Millisecond)
	s.Equal([]string{"custom_alert"}, s.sink.types())
}

func (s *HandlersTestSuite) TestUnregisteredEventType_DeadLettersWithNoHandler() {
	tenant := s.seedTenant()
	event := s.enqueue(models.EventBookingConfirmed, "agg-1", tenant.ID, map[string]interface{}{})

	_, err := s.dispatcher.RunOnce(context.Background())
	s.Require().NoError(err)

	var reloaded models.OutboxEvent
	s.Require().NoError(s.DB.First(&reloaded, "id = ?", event.ID).Error)
	s.Equal(models.OutboxStatusDeadLetter, reloaded.Status)
	s.Equal(outbox.ErrNoHandler.Error(), reloaded.LastError)
}

func TestHandlersTestSuite(t *testing.T) {
	suite.Run(t, new(HandlersTestSuite))
}
