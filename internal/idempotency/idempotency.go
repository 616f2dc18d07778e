// Package idempotency is the Idempotency Store (spec.md §2.3, §3): maps
// (tenant, key) to {request fingerprint, response, status, expiry}. The
// (tenant_id, key) unique constraint IS the serialization mechanism — the
// first INSERT wins, every other caller is an observer of its outcome
// (spec.md §9).
//
// Grounded on other_examples' booking-rush-10k-rps booking_service.go's
// idempotency pre-check pattern.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/wer-inc/reservation-core/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome is what the probe tells the caller to do next.
type Outcome int

const (
	// OutcomeProceed means no prior record existed (or this call created
	// the in_progress row); the caller should run its protocol.
	OutcomeProceed Outcome = iota
	// OutcomeReplaySucceeded means an identical request already succeeded;
	// return the stored response verbatim.
	OutcomeReplaySucceeded
	// OutcomeInProgress means an identical request is still being processed
	// by another caller; the client must retry with backoff.
	OutcomeInProgress
	// OutcomeConflict means the same key was used with a different request
	// body.
	OutcomeConflict
	// OutcomeReplayFailed means an identical request already failed; return
	// the stored error verbatim.
	OutcomeReplayFailed
)

// Store is the Idempotency Store repository.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
}

// New creates a new Store with the given record TTL (spec.md §6's
// IDEMPOTENCY_TTL_SECONDS, default 24h).
func New(db *gorm.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{db: db, ttl: ttl}
}

// Fingerprint computes the SHA-256 hex digest of the canonicalized
// (sorted-keys) JSON request body, per spec.md §4.3 step 1.
func Fingerprint(body map[string]interface{}) (string, error) {
	canonical, err := canonicalize(body)
	if err != nil {
		return "", fmt.Errorf("error canonicalizing request body: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize marshals a map with its keys sorted, recursively, so that
// two semantically identical bodies produce byte-identical fingerprints
// regardless of field order.
func canonicalize(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// Probe performs spec.md §4.3 step 1 inside the caller's transaction: it
// attempts to INSERT a new in_progress record with ON CONFLICT DO NOTHING,
// then inspects what's actually there to decide the Outcome.
func (s *Store) Probe(tx *gorm.DB, tenantID, key, fingerprint string) (Outcome, *models.IdempotencyRecord, error) {
	rec := &models.IdempotencyRecord{
		TenantID:      tenantID,
		Key:           key,
		RequestSHA256: fingerprint,
		Status:        models.IdempotencyStatusInProgress,
		ExpiresAt:     time.Now().Add(s.ttl),
	}

	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return OutcomeProceed, nil, fmt.Errorf("error inserting idempotency record: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return OutcomeProceed, rec, nil
	}

	// A row already existed; read it to decide the outcome.
	var existing models.IdempotencyRecord
	if err := tx.Where("tenant_id = ? AND key = ?", tenantID, key).First(&existing).Error; err != nil {
		return OutcomeProceed, nil, fmt.Errorf("error reading existing idempotency record: %w", err)
	}

	if existing.RequestSHA256 != fingerprint {
		return OutcomeConflict, &existing, nil
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return OutcomeReplaySucceeded, &existing, nil
	case models.IdempotencyStatusFailed:
		return OutcomeReplayFailed, &existing, nil
	default:
		return OutcomeInProgress, &existing, nil
	}
}

// Finalize updates the record to its terminal status with the serialized
// response, per spec.md §4.3 step 8 / §7's "replays see identical outcomes"
// policy.
func (s *Store) Finalize(tx *gorm.DB, tenantID, key string, status models.IdempotencyStatus, responseStatus int, responseJSON string) error {
	result := tx.Model(&models.IdempotencyRecord{}).
		Where("tenant_id = ? AND key = ?", tenantID, key).
		Updates(map[string]interface{}{
			"status":          status,
			"response_status": responseStatus,
			"response_json":   responseJSON,
			"expires_at":      time.Now().Add(s.ttl),
		})
	if result.Error != nil {
		return fmt.Errorf("error finalizing idempotency record: %w", result.Error)
	}
	return nil
}

// RecordFailure persists a terminal failure outcome for (tenant, key)
// outside the caller's now-rolled-back business transaction: the original
// in_progress row from Probe was undone by that rollback, so this upserts a
// fresh failed record rather than updating one that no longer exists. The
// Coordinator also reaches this when it replays a stored failure (Outcome
// ReplayFailed), which rewrites the same failed record and refreshes its
// expiry. A fresh request with the same key can race the window between
// the rollback and this upsert.
func (s *Store) RecordFailure(tenantID, key, fingerprint, responseJSON string) error {
	rec := &models.IdempotencyRecord{
		TenantID:       tenantID,
		Key:            key,
		RequestSHA256:  fingerprint,
		Status:         models.IdempotencyStatusFailed,
		ResponseJSON:   responseJSON,
		ResponseStatus: 0,
		ExpiresAt:      time.Now().Add(s.ttl),
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "response_json", "response_status", "expires_at"}),
	}).Create(rec)
	if result.Error != nil {
		return fmt.Errorf("error recording idempotency failure: %w", result.Error)
	}
	return nil
}

// Purge deletes expired records; intended to run on a periodic sweep,
// separate from the request path.
func (s *Store) Purge(cutoff time.Time) (int64, error) {
	result := s.db.Where("expires_at < ?", cutoff).Delete(&models.IdempotencyRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("error purging idempotency records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
