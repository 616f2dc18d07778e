// Package outbox is the Outbox Dispatcher (spec.md §4.4): it polls pending
// OutboxEvent rows, claims a batch with SELECT ... FOR UPDATE SKIP LOCKED,
// hands each to the handler registered for its event_type, and drives the
// event through pending -> processing -> completed | dead_letter.
//
// No pack file implements a durable transactional outbox; this package is
// built from the teacher's general idioms instead: pkg/scheduler's
// robfig/cron-driven periodic tick for the claim loop, and
// internal/subscribers's explicit handler-map style (itself the grounding
// for routing on models.OutboxEventType's closed set of variants rather
// than reflection or duck typing).
package outbox

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxAttempts, DefaultLeaseMs and DefaultHandlerTimeout mirror
// spec.md §4.4's defaults.
const (
	DefaultMaxAttempts   = 5
	DefaultBatch         = 50
	DefaultLeaseMs       = 30 * time.Second
	DefaultHandlerTimeout = 10 * time.Second
	DefaultPollInterval  = time.Second
)

// ErrNoHandler is the LastError recorded when an event's type has no
// registered handler; the event is dead-lettered, never silently dropped.
var ErrNoHandler = errors.New("NO_HANDLER")

// Handler processes one claimed event's payload and returns an error to
// trigger the retry/backoff/dead-letter state machine. Handlers must be
// idempotent: delivery is at-least-once.
type Handler func(ctx context.Context, event models.OutboxEvent) error

// TransitionNotifier receives every outbox state transition the Dispatcher
// makes, for the admin live-feed (internal/realtime). Optional: a Dispatcher
// with none registered just skips the call.
type TransitionNotifier interface {
	Notify(eventID, tenantID, eventType, status string, attempts int, handlerErr error)
}

// Dispatcher is the Outbox Dispatcher.
type Dispatcher struct {
	db             *gorm.DB
	logger         *logger.Logger
	handlers       map[models.OutboxEventType]Handler
	batch          int
	maxAttempts    int
	leaseDuration  time.Duration
	handlerTimeout time.Duration
	notifier       TransitionNotifier
}

// SetTransitionNotifier registers the admin live-feed hook.
func (d *Dispatcher) SetTransitionNotifier(n TransitionNotifier) {
	d.notifier = n
}

func (d *Dispatcher) notify(event models.OutboxEvent, status string, handlerErr error) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(event.ID, event.TenantID, string(event.EventType), status, event.Attempts, handlerErr)
}

// New creates a Dispatcher. Zero-value tunables fall back to spec.md §6's
// defaults.
func New(db *gorm.DB, log *logger.Logger, batch, maxAttempts int, leaseDuration, handlerTimeout time.Duration) *Dispatcher {
	if batch <= 0 {
		batch = DefaultBatch
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseMs
	}
	if handlerTimeout <= 0 {
		handlerTimeout = DefaultHandlerTimeout
	}
	return &Dispatcher{
		db:             db,
		logger:         log,
		handlers:       make(map[models.OutboxEventType]Handler),
		batch:          batch,
		maxAttempts:    maxAttempts,
		leaseDuration:  leaseDuration,
		handlerTimeout: handlerTimeout,
	}
}

// Register binds a handler to an event type. Registering the same type
// twice overwrites the previous handler; intended to be called once per
// type at startup, not a hot-path operation.
func (d *Dispatcher) Register(eventType models.OutboxEventType, handler Handler) {
	d.handlers[eventType] = handler
}

// RunOnce claims one batch of due events and dispatches each, returning the
// number processed (completed, failed-requeued, or dead-lettered). The
// caller (pkg/scheduler, or a dedicated poll loop) decides the tick cadence.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	events, err := d.claimBatch(ctx)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		d.dispatch(ctx, event)
	}
	return len(events), nil
}

// claimBatch implements spec.md §4.4's claim query: select due pending
// events, at most one in flight per (tenant, aggregate_id), row-locked with
// FOR UPDATE SKIP LOCKED so concurrent dispatcher instances never contend,
// then flip them to processing in the same transaction.
//
// The NOT EXISTS predicate alone only excludes an aggregate that already has
// a row committed to processing; it does nothing to stop two still-pending
// rows for the same aggregate (e.g. a create immediately followed by a
// cancel on the same booking) from both landing in one batch, which would
// let both dispatch concurrently and violate the at-most-one-in-flight
// guarantee. ranked filters the candidate set down to one row per
// (tenant_id, aggregate_id) — the earliest-due one — before the lock is
// even requested, so only that row competes for FOR UPDATE SKIP LOCKED.
func (d *Dispatcher) claimBatch(ctx context.Context) ([]models.OutboxEvent, error) {
	var claimed []models.OutboxEvent
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.OutboxEvent
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Table("(?) AS ranked", tx.Model(&models.OutboxEvent{}).
				Select("outbox_events.*, row_number() OVER (PARTITION BY tenant_id, aggregate_id ORDER BY next_attempt_at ASC) AS rn").
				Where("status = ? AND next_attempt_at <= ?", models.OutboxStatusPending, time.Now()).
				Where(`NOT EXISTS (
					SELECT 1 FROM outbox_events inflight
					WHERE inflight.tenant_id = outbox_events.tenant_id
					  AND inflight.aggregate_id = outbox_events.aggregate_id
					  AND inflight.status = ?
				)`, models.OutboxStatusProcessing)).
			Where("rn = 1").
			Order("next_attempt_at ASC").
			Limit(d.batch).
			Find(&candidates).Error
		if err != nil {
			return fmt.Errorf("error claiming outbox batch: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, len(candidates))
		now := time.Now()
		for i := range candidates {
			ids[i] = candidates[i].ID
			candidates[i].Status = models.OutboxStatusProcessing
			candidates[i].ClaimedAt = &now
		}
		if err := tx.Model(&models.OutboxEvent{}).Where("id IN ?", ids).
			Updates(map[string]interface{}{"status": models.OutboxStatusProcessing, "claimed_at": now}).Error; err != nil {
			return fmt.Errorf("error marking outbox batch processing: %w", err)
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, event := range claimed {
		d.notify(event, string(models.OutboxStatusProcessing), nil)
	}
	return claimed, nil
}

// dispatch routes one claimed event to its handler and applies the
// resulting state transition. Errors updating the event's own row are
// logged, not returned: one event's bookkeeping failure must not abort the
// batch.
func (d *Dispatcher) dispatch(ctx context.Context, event models.OutboxEvent) {
	handler, ok := d.handlers[event.EventType]
	if !ok {
		d.deadLetter(ctx, event, ErrNoHandler)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()

	err := handler(hctx, event)
	if err == nil {
		d.complete(ctx, event)
		return
	}

	event.Attempts++
	if event.Attempts >= d.maxAttempts {
		d.deadLetter(ctx, event, err)
		return
	}
	d.requeue(ctx, event, err)
}

func (d *Dispatcher) complete(ctx context.Context, event models.OutboxEvent) {
	now := time.Now()
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", event.ID).
		Updates(map[string]interface{}{"status": models.OutboxStatusCompleted, "processed_at": now}).Error; err != nil {
		d.logger.Error("failed to mark outbox event completed", "event_id", event.ID, "error", err)
		return
	}
	d.notify(event, string(models.OutboxStatusCompleted), nil)
}

// requeue applies spec.md §4.4's backoff: min(30s, base * 2^(attempts-1)) +
// jitter, base 100ms, then returns the event to pending.
func (d *Dispatcher) requeue(ctx context.Context, event models.OutboxEvent, handlerErr error) {
	delay := backoff(event.Attempts)
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":          models.OutboxStatusPending,
			"attempts":        event.Attempts,
			"next_attempt_at": time.Now().Add(delay),
			"last_error":      handlerErr.Error(),
		}).Error; err != nil {
		d.logger.Error("failed to requeue outbox event", "event_id", event.ID, "error", err)
		return
	}
	d.logger.Error("outbox handler failed, requeued", "event_id", event.ID, "event_type", event.EventType, "attempts", event.Attempts, "error", handlerErr)
	d.notify(event, string(models.OutboxStatusPending), handlerErr)
}

func (d *Dispatcher) deadLetter(ctx context.Context, event models.OutboxEvent, handlerErr error) {
	if err := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("id = ?", event.ID).
		Updates(map[string]interface{}{
			"status":     models.OutboxStatusDeadLetter,
			"attempts":   event.Attempts,
			"last_error": handlerErr.Error(),
		}).Error; err != nil {
		d.logger.Error("failed to dead-letter outbox event", "event_id", event.ID, "error", err)
		return
	}
	d.logger.Error("outbox event dead-lettered", "event_id", event.ID, "event_type", event.EventType, "reason", handlerErr)
	d.notify(event, string(models.OutboxStatusDeadLetter), handlerErr)
}

// SweepExpiredLeases reclaims events stuck in processing past their lease
// (crash recovery): anything claimed more than leaseDuration ago goes back
// to pending without incrementing attempts, since the handler never
// actually returned a result. Satisfies pkg/scheduler.LeaseSweeper.
func (d *Dispatcher) SweepExpiredLeases(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-d.leaseDuration)
	result := d.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ? AND claimed_at < ?", models.OutboxStatusProcessing, cutoff).
		Updates(map[string]interface{}{"status": models.OutboxStatusPending, "next_attempt_at": time.Now()})
	if result.Error != nil {
		return 0, fmt.Errorf("error sweeping expired outbox leases: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// backoff computes spec.md §4.4's retry delay: min(30s, 100ms*2^(attempts-1))
// plus up to 25% jitter.
func backoff(attempts int) time.Duration {
	base := 100 * time.Millisecond
	delay := base << uint(attempts-1)
	if delay > 30*time.Second || delay <= 0 {
		delay = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}
