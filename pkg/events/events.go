// Package events wraps NATS connect/publish/subscribe for the Outbox
// Dispatcher's notification sink. NATS is one registered handler's delivery
// transport, never the system of record: the outbox table is the sole
// durability mechanism (see internal/outbox).
package events

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/wer-inc/reservation-core/internal/config"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// Publisher handles event publishing. A nil conn makes it a no-op publisher,
// used in development when NATS is not available.
type Publisher struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// Subscriber handles event subscriptions.
type Subscriber struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// Connect connects to NATS.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NewPublisher creates a new event publisher.
func NewPublisher(conn *nats.Conn, logger *logger.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// NewNullPublisher creates a publisher with no live connection, for
// development or for handler unit tests that should never touch the network.
func NewNullPublisher(logger *logger.Logger) *Publisher {
	return &Publisher{conn: nil, logger: logger}
}

// Publish publishes an event payload as JSON to subject.
func (p *Publisher) Publish(subject string, data interface{}) error {
	if p.conn == nil {
		p.logger.Debug("event publishing skipped (no NATS connection)", "subject", subject)
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published event", "subject", subject)
	return nil
}

// NewSubscriber creates a new event subscriber.
func NewSubscriber(conn *nats.Conn, logger *logger.Logger) *Subscriber {
	return &Subscriber{conn: conn, logger: logger}
}

// Subscribe subscribes to events on a subject.
func (s *Subscriber) Subscribe(subject string, handler func([]byte) error) error {
	_, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(msg.Data); err != nil {
			s.logger.Error("failed to handle event", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	s.logger.Debug("subscribed to subject", "subject", subject)
	return nil
}

// Subject names published by the outbox dispatcher's NATS sink. These map
// 1:1 onto models.OutboxEventType, renamed from the teacher's narrower
// booking.* subjects to the Reservation Core's event taxonomy.
const (
	BookingCreatedSubject        = "booking.created"
	BookingConfirmedSubject      = "booking.confirmed"
	BookingCancelledSubject      = "booking.cancelled"
	PaymentCompletedSubject      = "payment.completed"
	NotificationRequestedSubject = "notification.requested"
)
