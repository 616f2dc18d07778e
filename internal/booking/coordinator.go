// Package booking is the Booking Coordinator (spec.md §4.3): the
// transactional heart of the Reservation Core. It validates inputs, aligns
// to slot boundaries, locks the affected slots in a deterministic order,
// decrements capacity, persists the booking + items, writes outbox events,
// and records the idempotency result — all in one database transaction.
//
// Grounded on the teacher's internal/subscribers/event_handlers.go for the
// db.Transaction(func(tx *gorm.DB) error {...}) wrapper idiom, and on
// other_examples' room-booking-api concurrent_scenarios.go for the ordered
// FOR UPDATE + conflict-then-create shape; the teacher's own
// internal/service/service.go CreateBooking contributes the
// fetch-validate-then-persist skeleton, generalized here from a
// non-locking conflict check to the spec's locked decrement.
package booking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/internal/idempotency"
	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/internal/slotstore"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	minIdempotencyKeyLen = 8
	maxIdempotencyKeyLen = 128
	maxCoordinatorRetries = 3
)

// CustomerFields is the inline customer payload accepted on create.
type CustomerFields struct {
	Name       string  `json:"name"`
	Phone      *string `json:"phone,omitempty"`
	Email      *string `json:"email,omitempty"`
	ChatUserID *string `json:"chat_user_id,omitempty"`
}

// CreateBookingRequest is the Coordinator's public contract input
// (spec.md §4.3): CreateBooking(tenant, service, resource_hint?, start,
// customer_fields, idempotency_key, request_body) -> Booking | Error.
type CreateBookingRequest struct {
	TenantID       string
	ServiceID      string
	ResourceHint   *string
	StartAt        *time.Time
	TimeslotIDs    []string
	Customer       CustomerFields
	Notes          string
	IdempotencyKey string
	// RawBody is the canonicalized request used for the idempotency
	// fingerprint; callers pass the exact decoded JSON body.
	RawBody map[string]interface{}
}

// failureEnvelope is the shape persisted to an idempotency record's
// response_json when an attempt terminates in a non-retryable failure, so a
// replay can reconstruct the identical apperr.Error (spec.md §7: "replays
// see identical outcomes").
type failureEnvelope struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// Response is the serialized shape stored in the idempotency record and
// returned to the caller, so that replays are byte-identical.
type Response struct {
	BookingID        string    `json:"booking_id"`
	Status           string    `json:"status"`
	ConfirmationCode string    `json:"confirmation_code"`
	StartAt          time.Time `json:"start_at"`
	EndAt            time.Time `json:"end_at"`
	ResourceID       string    `json:"resource_id"`
}

// CancelBookingRequest is the Coordinator's cancellation contract input.
type CancelBookingRequest struct {
	TenantID       string
	BookingID      string
	Reason         string
	IdempotencyKey string
	RawBody        map[string]interface{}
}

// Coordinator implements spec.md §4.3 and its symmetric cancellation.
type Coordinator struct {
	db         *gorm.DB
	slots      *slotstore.Store
	idem       *idempotency.Store
	logger     *logger.Logger
	invalidate AvailabilityInvalidator
}

// AvailabilityInvalidator evicts cached Availability Query results for a
// tenant after a commit changes slot capacity, so reads reflect the change
// immediately instead of waiting out the cache TTL (spec.md §4.5).
type AvailabilityInvalidator interface {
	Invalidate(ctx context.Context, tenantID string)
}

// New constructs a Coordinator.
func New(db *gorm.DB, slots *slotstore.Store, idem *idempotency.Store, logger *logger.Logger) *Coordinator {
	return &Coordinator{db: db, slots: slots, idem: idem, logger: logger}
}

// SetAvailabilityInvalidator registers the cache invalidation hook. Optional:
// a Coordinator with none configured simply skips the call.
func (c *Coordinator) SetAvailabilityInvalidator(inv AvailabilityInvalidator) {
	c.invalidate = inv
}

// CreateBooking runs the full spec.md §4.3 protocol, retrying up to
// maxCoordinatorRetries times on serialization failure (40001) or deadlock
// (40P01); every retry re-runs step 1, and the idempotency key guarantees
// no duplicate side effects across attempts.
func (c *Coordinator) CreateBooking(ctx context.Context, req CreateBookingRequest) (*Response, int, error) {
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, 0, err
	}

	fingerprint, err := idempotency.Fingerprint(req.RawBody)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}

	var (
		resp   *Response
		status int
	)

	for attempt := 1; attempt <= maxCoordinatorRetries+1; attempt++ {
		txErr := c.db.Transaction(func(tx *gorm.DB) error {
			r, s, err := c.runCreateProtocol(ctx, tx, req, fingerprint)
			resp, status = r, s
			return err
		})

		if txErr == nil {
			if c.invalidate != nil {
				c.invalidate.Invalidate(ctx, req.TenantID)
			}
			return resp, status, nil
		}
		if isRetryable(txErr) && attempt <= maxCoordinatorRetries {
			backoff(attempt)
			continue
		}
		if isRetryable(txErr) {
			return nil, 0, apperr.New(apperr.CodeConflictRetryExhausted, "booking attempt exhausted retries under contention")
		}
		return nil, 0, c.recordAndReturn(req.TenantID, req.IdempotencyKey, fingerprint, txErr)
	}

	return nil, 0, apperr.New(apperr.CodeConflictRetryExhausted, "booking attempt exhausted retries under contention")
}

// recordAndReturn persists a terminal, non-retryable failure to the
// idempotency store (so a replay with the same key sees the identical
// outcome) and returns the caller-facing error. Errors that originate from
// the idempotency probe itself (another caller owns this key) are not this
// caller's outcome to record.
func (c *Coordinator) recordAndReturn(tenantID, key, fingerprint string, err error) error {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Internal(err)
	}
	if ae.Code == apperr.CodeIdempotencyInProgress || ae.Code == apperr.CodeIdempotencyConflict {
		return ae
	}
	env := failureEnvelope{Code: ae.Code, Message: ae.Message}
	buf, marshalErr := json.Marshal(env)
	if marshalErr == nil {
		if recErr := c.idem.RecordFailure(tenantID, key, fingerprint, string(buf)); recErr != nil && c.logger != nil {
			c.logger.Error("failed to record idempotency failure", "error", recErr)
		}
	}
	return ae
}

// runCreateProtocol executes spec.md §4.3 steps 1-9 inside tx. Any returned
// error aborts tx; apperr.Error values are passed through unwrapped by the
// caller, anything else is a raw driver/db error subject to retry
// classification.
func (c *Coordinator) runCreateProtocol(ctx context.Context, tx *gorm.DB, req CreateBookingRequest, fingerprint string) (*Response, int, error) {
	// Step 1: idempotency probe.
	outcome, existing, err := c.idem.Probe(tx, req.TenantID, req.IdempotencyKey, fingerprint)
	if err != nil {
		return nil, 0, err
	}
	switch outcome {
	case idempotency.OutcomeReplaySucceeded:
		var r Response
		if jsonErr := json.Unmarshal([]byte(existing.ResponseJSON), &r); jsonErr != nil {
			return nil, 0, apperr.Internal(jsonErr)
		}
		return &r, existing.ResponseStatus, nil
	case idempotency.OutcomeReplayFailed:
		var env failureEnvelope
		if jsonErr := json.Unmarshal([]byte(existing.ResponseJSON), &env); jsonErr != nil {
			return nil, 0, apperr.Internal(jsonErr)
		}
		return nil, 0, apperr.New(env.Code, env.Message)
	case idempotency.OutcomeInProgress:
		return nil, 0, apperr.New(apperr.CodeIdempotencyInProgress, "an identical request is already being processed")
	case idempotency.OutcomeConflict:
		return nil, 0, apperr.New(apperr.CodeIdempotencyConflict, "idempotency key reused with a different request body")
	}

	var tenant models.Tenant
	if err := tx.WithContext(ctx).First(&tenant, "id = ?", req.TenantID).Error; err != nil {
		return nil, 0, apperr.New(apperr.CodeInvalidRequest, "unknown tenant")
	}

	var svc models.Service
	if err := tx.WithContext(ctx).First(&svc, "id = ? AND tenant_id = ?", req.ServiceID, req.TenantID).Error; err != nil {
		return nil, 0, apperr.New(apperr.CodeInvalidRequest, "unknown service")
	}
	if !svc.Active {
		return nil, 0, apperr.New(apperr.CodeServiceInactive, "service is not active")
	}

	var (
		resourceID               string
		locked                   []models.Slot
		alignedStart, alignedEnd time.Time
	)
	granularity := time.Duration(tenant.SlotGranularityMin) * time.Minute

	switch {
	case len(req.TimeslotIDs) > 0:
		// Explicit slot selection (spec.md §6): the caller names the exact
		// timeslots, so alignment (step 2) and resource selection (step 3)
		// are skipped entirely — the resource is whatever the named slots
		// belong to, and it must still be linked and active for this
		// service, same as a resolved resource_hint.
		var err error
		locked, err = slotstore.LockForUpdateByIDs(ctx, tx, req.TenantID, req.TimeslotIDs)
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		if len(locked) != len(req.TimeslotIDs) {
			return nil, 0, apperr.New(apperr.CodeSlotNotFound, "one or more requested timeslot_ids do not exist")
		}
		sort.Slice(locked, func(i, j int) bool { return locked[i].StartAt.Before(locked[j].StartAt) })

		resourceID = locked[0].ResourceID
		for i, slot := range locked {
			if slot.ResourceID != resourceID {
				return nil, 0, apperr.New(apperr.CodeSlotDiscontinuous, "timeslot_ids must all belong to the same resource")
			}
			if i > 0 && !slot.StartAt.Equal(locked[i-1].StartAt.Add(granularity)) {
				return nil, 0, apperr.New(apperr.CodeSlotDiscontinuous, "slot sequence has a gap")
			}
		}

		var link models.ServiceResource
		if err := tx.WithContext(ctx).
			Where("tenant_id = ? AND service_id = ? AND resource_id = ?", req.TenantID, svc.ID, resourceID).
			First(&link).Error; err != nil {
			return nil, 0, apperr.New(apperr.CodeValidationFailed, "requested timeslots' resource is not linked to this service")
		}
		var res models.Resource
		if err := tx.WithContext(ctx).First(&res, "id = ? AND tenant_id = ? AND active = ?", resourceID, req.TenantID, true).Error; err != nil {
			return nil, 0, apperr.New(apperr.CodeValidationFailed, "requested timeslots' resource is not active")
		}

		alignedStart = locked[0].StartAt
		alignedEnd = locked[len(locked)-1].StartAt.Add(granularity)
		if alignedEnd.Sub(alignedStart) > time.Duration(tenant.MaxBookingDurationMin)*time.Minute {
			return nil, 0, apperr.ValidationFailed("booking duration exceeds tenant's max_booking_duration policy")
		}

	case req.StartAt != nil:
		// Step 2: align.
		boundary, err := slotstore.Align(*req.StartAt, svc.TotalDurationMin(), tenant.SlotGranularityMin)
		if err != nil {
			return nil, 0, apperr.ValidationFailed(err.Error())
		}
		if boundary.AlignedEnd.Sub(boundary.AlignedStart) > time.Duration(tenant.MaxBookingDurationMin)*time.Minute {
			return nil, 0, apperr.ValidationFailed("booking duration exceeds tenant's max_booking_duration policy")
		}

		// Step 3: resource selection. This is where spec.md §9's explicit
		// directive applies: an unresolved resource_hint is a validation
		// failure, never a default resource id.
		resourceID, err = c.selectResource(ctx, tx, req.TenantID, svc.ID, req.ResourceHint, boundary)
		if err != nil {
			return nil, 0, err
		}

		// Step 4: slot lock, ordered by start_at ascending.
		starts := boundary.SlotStarts(tenant.SlotGranularityMin)
		locked, err = slotstore.LockForUpdate(ctx, tx, req.TenantID, resourceID, starts)
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		if len(locked) != len(starts) {
			return nil, 0, apperr.New(apperr.CodeSlotNotFound, "one or more required slots do not exist")
		}
		sort.Slice(locked, func(i, j int) bool { return locked[i].StartAt.Before(locked[j].StartAt) })
		for i := 1; i < len(locked); i++ {
			if !locked[i].StartAt.Equal(locked[i-1].StartAt.Add(granularity)) {
				return nil, 0, apperr.New(apperr.CodeSlotDiscontinuous, "slot sequence has a gap")
			}
		}
		alignedStart, alignedEnd = boundary.AlignedStart, boundary.AlignedEnd

	default:
		return nil, 0, apperr.ValidationFailed("start_at or timeslot_ids is required")
	}

	// Step 5: capacity check & decrement, with the one permitted in-tx retry
	// to disambiguate a stale read from a genuinely sold-out slot.
	for _, slot := range locked {
		if slot.AvailableCapacity < 1 {
			return nil, 0, apperr.New(apperr.CodeTimeslotSoldOut, fmt.Sprintf("slot starting at %s is sold out", slot.StartAt.Format(time.RFC3339)))
		}
	}
	ids := make([]string, len(locked))
	for i, slot := range locked {
		ids[i] = slot.ID
	}
	rows, err := c.slots.Decrement(ctx, tx, ids)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	if int(rows) != len(ids) {
		// Step 9: single retry inside the transaction.
		relocked, err := slotstore.LockForUpdateByIDs(ctx, tx, req.TenantID, ids)
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		for _, slot := range relocked {
			if slot.AvailableCapacity < 1 {
				return nil, 0, apperr.New(apperr.CodeTimeslotSoldOut, fmt.Sprintf("slot starting at %s is sold out", slot.StartAt.Format(time.RFC3339)))
			}
		}
		rows, err = c.slots.Decrement(ctx, tx, ids)
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		if int(rows) != len(ids) {
			return nil, 0, apperr.New(apperr.CodeTimeslotSoldOut, "slot sold out under contention")
		}
	}

	// Step 6: persist booking & items.
	customer, err := c.resolveCustomer(ctx, tx, req.TenantID, req.Customer)
	if err != nil {
		return nil, 0, err
	}

	bk := &models.Booking{
		TenantID:        req.TenantID,
		CustomerID:      customer.ID,
		ServiceID:       svc.ID,
		ResourceID:      resourceID,
		StartAt:         alignedStart,
		EndAt:           alignedEnd,
		Status:          models.BookingStatusConfirmed,
		TotalPriceCents: svc.PriceCents,
		Currency:        svc.Currency,
		IdempotencyKey:  req.IdempotencyKey,
		Notes:           req.Notes,
	}
	if err := tx.WithContext(ctx).Create(bk).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}
	bk.ConfirmationCode = confirmationCode(bk.ID, bk.CreatedAt)
	if err := tx.WithContext(ctx).Model(bk).Update("confirmation_code", bk.ConfirmationCode).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}

	items := make([]models.BookingItem, len(locked))
	for i, slot := range locked {
		items[i] = models.BookingItem{BookingID: bk.ID, SlotID: slot.ID, ResourceID: resourceID}
	}
	if err := tx.WithContext(ctx).Create(&items).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}

	// Step 7: emit outbox events.
	if err := c.emitBookingCreated(ctx, tx, tenant, bk); err != nil {
		return nil, 0, apperr.Internal(err)
	}

	resp := &Response{
		BookingID:        bk.ID,
		Status:           string(bk.Status),
		ConfirmationCode: bk.ConfirmationCode,
		StartAt:          bk.StartAt,
		EndAt:            bk.EndAt,
		ResourceID:       bk.ResourceID,
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}

	// Step 8: finalize idempotency.
	if err := c.idem.Finalize(tx, req.TenantID, req.IdempotencyKey, models.IdempotencyStatusSucceeded, 201, string(respJSON)); err != nil {
		return nil, 0, apperr.Internal(err)
	}

	return resp, 201, nil
}

// selectResource implements spec.md §4.3 step 3 and the §9 directive: if
// resource_hint is provided, it must resolve to an active resource linked
// to the service, or this returns validation_failed — never a default
// resource id. If resource_hint is omitted, pick deterministically (lowest
// resource id) among linked active resources whose non-locking candidate
// read shows remaining capacity; that read is advisory only, the locked
// read in step 4 is authoritative.
func (c *Coordinator) selectResource(ctx context.Context, tx *gorm.DB, tenantID, serviceID string, hint *string, boundary slotstore.Boundary) (string, error) {
	if hint != nil {
		if *hint == "" {
			return "", apperr.New(apperr.CodeValidationFailed, "resource_hint must not be empty when provided")
		}
		var link models.ServiceResource
		err := tx.WithContext(ctx).
			Where("tenant_id = ? AND service_id = ? AND resource_id = ?", tenantID, serviceID, *hint).
			First(&link).Error
		if err != nil {
			return "", apperr.New(apperr.CodeValidationFailed, "resource_hint does not reference a resource linked to this service")
		}
		var res models.Resource
		if err := tx.WithContext(ctx).First(&res, "id = ? AND tenant_id = ? AND active = ?", *hint, tenantID, true).Error; err != nil {
			return "", apperr.New(apperr.CodeValidationFailed, "resource_hint does not reference an active resource")
		}
		return res.ID, nil
	}

	var candidates []models.Resource
	err := tx.WithContext(ctx).
		Joins("JOIN service_resources sr ON sr.resource_id = resources.id").
		Where("sr.tenant_id = ? AND sr.service_id = ? AND resources.active = ?", tenantID, serviceID, true).
		Order("resources.id ASC").
		Find(&candidates).Error
	if err != nil {
		return "", apperr.Internal(err)
	}
	if len(candidates) == 0 {
		return "", apperr.New(apperr.CodeSlotNotFound, "no active resource is linked to this service")
	}

	for _, res := range candidates {
		var count int64
		err := tx.WithContext(ctx).
			Model(&models.Slot{}).
			Where("tenant_id = ? AND resource_id = ? AND start_at >= ? AND start_at < ? AND available_capacity >= 1", tenantID, res.ID, boundary.AlignedStart, boundary.AlignedEnd).
			Count(&count).Error
		if err != nil {
			return "", apperr.Internal(err)
		}
		if int(count) == boundary.RequiredSlots {
			return res.ID, nil
		}
	}
	return "", apperr.New(apperr.CodeTimeslotSoldOut, "no eligible resource has capacity for the requested window")
}

func (c *Coordinator) resolveCustomer(ctx context.Context, tx *gorm.DB, tenantID string, fields CustomerFields) (*models.Customer, error) {
	if fields.ChatUserID != nil && *fields.ChatUserID != "" {
		var existing models.Customer
		err := tx.WithContext(ctx).Where("tenant_id = ? AND chat_user_id = ?", tenantID, *fields.ChatUserID).First(&existing).Error
		if err == nil {
			return &existing, nil
		}
	}
	cust := &models.Customer{
		TenantID:   tenantID,
		Name:       fields.Name,
		Phone:      fields.Phone,
		Email:      fields.Email,
		ChatUserID: fields.ChatUserID,
	}
	if err := tx.WithContext(ctx).Create(cust).Error; err != nil {
		return nil, apperr.Internal(err)
	}
	return cust, nil
}

// emitBookingCreated appends BOOKING_CREATED to the outbox in the same
// transaction as the booking (spec.md §4.3 step 7): payload carries the
// booking id, customer contacts, confirmation code, and a reminder
// schedule derived from the tenant's configured offsets, clamped to >= now.
func (c *Coordinator) emitBookingCreated(ctx context.Context, tx *gorm.DB, tenant models.Tenant, bk *models.Booking) error {
	var offsets []int
	if err := json.Unmarshal([]byte(tenant.ReminderOffsetsMin), &offsets); err != nil {
		offsets = []int{1440, 120}
	}

	now := time.Now()
	reminders := make([]time.Time, 0, len(offsets))
	for _, off := range offsets {
		at := bk.StartAt.Add(-time.Duration(off) * time.Minute)
		if at.Before(now) {
			at = now
		}
		reminders = append(reminders, at)
	}

	payload := map[string]interface{}{
		"booking_id":        bk.ID,
		"tenant_id":         bk.TenantID,
		"customer_id":       bk.CustomerID,
		"confirmation_code": bk.ConfirmationCode,
		"start_at":          bk.StartAt,
		"end_at":            bk.EndAt,
		"reminders":         reminders,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := &models.OutboxEvent{
		TenantID:    bk.TenantID,
		AggregateID: bk.ID,
		EventType:   models.EventBookingCreated,
		Payload:     string(payloadJSON),
		TraceID:     bk.ID,
	}
	return tx.WithContext(ctx).Create(event).Error
}

// confirmationCode is derived deterministically from the booking id and
// its creation instant, per spec.md §4.3 step 7.
func confirmationCode(bookingID string, createdAt time.Time) string {
	h := sha256.Sum256([]byte(bookingID + createdAt.UTC().Format(time.RFC3339Nano)))
	return "CNF-" + hex.EncodeToString(h[:])[:10]
}

// CancelBooking runs the symmetric cancellation protocol: it locks the
// booking's own slots in the same start_at-ascending order CreateBooking
// uses, restores their capacity, marks the booking cancelled, and emits
// BOOKING_CANCELLED — wrapped in the same idempotency and retry machinery.
func (c *Coordinator) CancelBooking(ctx context.Context, req CancelBookingRequest) (*Response, int, error) {
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return nil, 0, err
	}

	fingerprint, err := idempotency.Fingerprint(req.RawBody)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}

	var (
		resp   *Response
		status int
	)

	for attempt := 1; attempt <= maxCoordinatorRetries+1; attempt++ {
		txErr := c.db.Transaction(func(tx *gorm.DB) error {
			r, s, err := c.runCancelProtocol(ctx, tx, req, fingerprint)
			resp, status = r, s
			return err
		})

		if txErr == nil {
			if c.invalidate != nil {
				c.invalidate.Invalidate(ctx, req.TenantID)
			}
			return resp, status, nil
		}
		if isRetryable(txErr) && attempt <= maxCoordinatorRetries {
			backoff(attempt)
			continue
		}
		if isRetryable(txErr) {
			return nil, 0, apperr.New(apperr.CodeConflictRetryExhausted, "cancellation attempt exhausted retries under contention")
		}
		return nil, 0, c.recordAndReturn(req.TenantID, req.IdempotencyKey, fingerprint, txErr)
	}

	return nil, 0, apperr.New(apperr.CodeConflictRetryExhausted, "cancellation attempt exhausted retries under contention")
}

func (c *Coordinator) runCancelProtocol(ctx context.Context, tx *gorm.DB, req CancelBookingRequest, fingerprint string) (*Response, int, error) {
	outcome, existing, err := c.idem.Probe(tx, req.TenantID, req.IdempotencyKey, fingerprint)
	if err != nil {
		return nil, 0, err
	}
	switch outcome {
	case idempotency.OutcomeReplaySucceeded:
		var r Response
		if jsonErr := json.Unmarshal([]byte(existing.ResponseJSON), &r); jsonErr != nil {
			return nil, 0, apperr.Internal(jsonErr)
		}
		return &r, existing.ResponseStatus, nil
	case idempotency.OutcomeReplayFailed:
		var env failureEnvelope
		if jsonErr := json.Unmarshal([]byte(existing.ResponseJSON), &env); jsonErr != nil {
			return nil, 0, apperr.Internal(jsonErr)
		}
		return nil, 0, apperr.New(env.Code, env.Message)
	case idempotency.OutcomeInProgress:
		return nil, 0, apperr.New(apperr.CodeIdempotencyInProgress, "an identical request is already being processed")
	case idempotency.OutcomeConflict:
		return nil, 0, apperr.New(apperr.CodeIdempotencyConflict, "idempotency key reused with a different request body")
	}

	var tenant models.Tenant
	if err := tx.WithContext(ctx).First(&tenant, "id = ?", req.TenantID).Error; err != nil {
		return nil, 0, apperr.New(apperr.CodeInvalidRequest, "unknown tenant")
	}

	var bk models.Booking
	if err := tx.WithContext(ctx).First(&bk, "id = ? AND tenant_id = ?", req.BookingID, req.TenantID).Error; err != nil {
		return nil, 0, apperr.New(apperr.CodeNotFound, "booking not found")
	}
	if bk.Status == models.BookingStatusCancelled {
		return nil, 0, apperr.New(apperr.CodeNotFound, "booking already cancelled")
	}
	if bk.Status != models.BookingStatusConfirmed && bk.Status != models.BookingStatusTentative {
		return nil, 0, apperr.New(apperr.CodeDoubleBooking, "booking is no longer cancellable from its current status")
	}

	cutoff := time.Duration(tenant.CancellationCutoffMin) * time.Minute
	if time.Until(bk.StartAt) < cutoff {
		return nil, 0, apperr.New(apperr.CodeCancelCutoffElapsed, "cancellation window has elapsed")
	}

	var items []models.BookingItem
	if err := tx.WithContext(ctx).Where("booking_id = ?", bk.ID).Find(&items).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}

	var slots []models.Slot
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", idsOf(items)).
		Order("start_at ASC").
		Find(&slots).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}

	if _, err := c.slots.Increment(ctx, tx, idsFromSlots(slots)); err != nil {
		return nil, 0, apperr.Internal(err)
	}

	bk.Status = models.BookingStatusCancelled
	if err := tx.WithContext(ctx).Model(&bk).Update("status", models.BookingStatusCancelled).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}

	cancellation := &models.BookingCancellation{
		BookingID:   bk.ID,
		Reason:      req.Reason,
		CancelledAt: time.Now(),
	}
	if err := tx.WithContext(ctx).Create(cancellation).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}

	payload := map[string]interface{}{
		"booking_id": bk.ID,
		"tenant_id":  bk.TenantID,
		"reason":     req.Reason,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	event := &models.OutboxEvent{
		TenantID:    bk.TenantID,
		AggregateID: bk.ID,
		EventType:   models.EventBookingCancelled,
		Payload:     string(payloadJSON),
		TraceID:     bk.ID,
	}
	if err := tx.WithContext(ctx).Create(event).Error; err != nil {
		return nil, 0, apperr.Internal(err)
	}

	resp := &Response{
		BookingID:        bk.ID,
		Status:           string(bk.Status),
		ConfirmationCode: bk.ConfirmationCode,
		StartAt:          bk.StartAt,
		EndAt:            bk.EndAt,
		ResourceID:       bk.ResourceID,
	}
	respJSON, err := json.Marshal(resp)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	if err := c.idem.Finalize(tx, req.TenantID, req.IdempotencyKey, models.IdempotencyStatusSucceeded, 200, string(respJSON)); err != nil {
		return nil, 0, apperr.Internal(err)
	}

	return resp, 200, nil
}

func idsOf(items []models.BookingItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.SlotID
	}
	return ids
}

func idsFromSlots(slots []models.Slot) []string {
	ids := make([]string, len(slots))
	for i, s := range slots {
		ids[i] = s.ID
	}
	return ids
}

func validateIdempotencyKey(key string) error {
	if len(key) < minIdempotencyKeyLen || len(key) > maxIdempotencyKeyLen {
		return apperr.ValidationFailed(fmt.Sprintf("idempotency key must be between %d and %d characters", minIdempotencyKeyLen, maxIdempotencyKeyLen))
	}
	return nil
}

// backoff implements spec.md §4.3 step 10's 100ms * 2^n exponential
// backoff with jitter between coordinator-level retries.
func backoff(attempt int) {
	base := 100 * time.Millisecond * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(base / 4)))
	time.Sleep(base + jitter)
}
