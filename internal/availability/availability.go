// Package availability is the Availability Query (spec.md §4.5): a
// read-only view over the Slot Store. Given (tenant, service, window), it
// returns the aligned start times for which a contiguous required-slots
// window has available_capacity >= 1 on at least one eligible resource.
// Results may be cached with a TTL <= 30s; the Coordinator's locked read
// remains the sole authoritative source.
//
// Grounded on the teacher's internal/service/service.go AvailabilityService
// (windowed-scan-per-resource shape) and internal/repository/repository.go's
// CacheRepository stub, made concrete against Redis.
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/internal/slotstore"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
)

// MaxCacheTTL is the upper bound spec.md §4.5 places on cached results.
const MaxCacheTTL = 30 * time.Second

// Query implements the Availability Query.
type Query struct {
	db     *gorm.DB
	redis  *redis.Client
	logger *logger.Logger
	ttl    time.Duration
}

// New creates a Query. A nil redis client disables caching entirely (every
// call hits the database), which is safe for development and for tests.
func New(db *gorm.DB, redisClient *redis.Client, log *logger.Logger, ttl time.Duration) *Query {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	return &Query{db: db, redis: redisClient, logger: log, ttl: ttl}
}

// Window is one candidate start time and the resource on whose slots it was
// observed to have capacity.
type Window struct {
	StartAt    time.Time `json:"start_at"`
	EndAt      time.Time `json:"end_at"`
	ResourceID string    `json:"resource_id"`
}

// List returns every aligned start time in [from, to) for which some
// resource linked to serviceID has a contiguous run of required-slots with
// remaining capacity. Results are deduplicated by start time (the earliest
// eligible resource wins) and returned in ascending order.
func (q *Query) List(ctx context.Context, tenantID, serviceID string, from, to time.Time) ([]Window, error) {
	cacheKey := q.cacheKey(tenantID, serviceID, from, to)
	if cached, ok := q.readCache(ctx, cacheKey); ok {
		return cached, nil
	}

	var tenant models.Tenant
	if err := q.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		return nil, fmt.Errorf("error loading tenant %s: %w", tenantID, err)
	}
	var svc models.Service
	if err := q.db.WithContext(ctx).First(&svc, "id = ? AND tenant_id = ?", serviceID, tenantID).Error; err != nil {
		return nil, fmt.Errorf("error loading service %s: %w", serviceID, err)
	}
	if !svc.Active {
		return nil, nil
	}

	var resourceIDs []string
	if err := q.db.WithContext(ctx).
		Model(&models.ServiceResource{}).
		Where("tenant_id = ? AND service_id = ?", tenantID, serviceID).
		Pluck("resource_id", &resourceIDs).Error; err != nil {
		return nil, fmt.Errorf("error loading eligible resources for service %s: %w", serviceID, err)
	}

	requiredSlots := (svc.TotalDurationMin() + tenant.SlotGranularityMin - 1) / tenant.SlotGranularityMin
	granularity := time.Duration(tenant.SlotGranularityMin) * time.Minute

	byStart := make(map[int64]Window)
	store := slotstore.New(q.db)
	for _, resourceID := range resourceIDs {
		slots, err := store.CandidateSlots(ctx, tenantID, resourceID, from, to)
		if err != nil {
			return nil, err
		}
		starts := windowedStarts(slots, granularity, requiredSlots)
		for _, start := range starts {
			key := start.Unix()
			if _, exists := byStart[key]; exists {
				continue
			}
			byStart[key] = Window{StartAt: start, EndAt: start.Add(time.Duration(requiredSlots) * granularity), ResourceID: resourceID}
		}
	}

	out := make([]Window, 0, len(byStart))
	for _, w := range byStart {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })

	q.writeCache(ctx, cacheKey, out)
	return out, nil
}

// windowedStarts scans slots (already filtered to available_capacity >= 1,
// ordered by start_at ascending) for every position where requiredSlots
// consecutive entries, each exactly granularity apart, all have capacity.
func windowedStarts(slots []models.Slot, granularity time.Duration, requiredSlots int) []time.Time {
	if requiredSlots <= 0 || len(slots) < requiredSlots {
		return nil
	}
	var starts []time.Time
	for i := 0; i+requiredSlots <= len(slots); i++ {
		contiguous := true
		for j := 1; j < requiredSlots; j++ {
			if !slots[i+j].StartAt.Equal(slots[i+j-1].StartAt.Add(granularity)) {
				contiguous = false
				break
			}
		}
		if contiguous {
			starts = append(starts, slots[i].StartAt)
		}
	}
	return starts
}

func (q *Query) cacheKey(tenantID, serviceID string, from, to time.Time) string {
	return fmt.Sprintf("availability:%s:%s:%d:%d", tenantID, serviceID, from.UTC().Unix(), to.UTC().Unix())
}

func (q *Query) readCache(ctx context.Context, key string) ([]Window, bool) {
	if q.redis == nil {
		return nil, false
	}
	raw, err := q.redis.Get(ctx, key).Result()
	if err != nil {
		return nil, false
	}
	var out []Window
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, false
	}
	return out, true
}

func (q *Query) writeCache(ctx context.Context, key string, windows []Window) {
	if q.redis == nil {
		return
	}
	payload, err := json.Marshal(windows)
	if err != nil {
		return
	}
	if err := q.redis.Set(ctx, key, payload, q.ttl).Err(); err != nil && q.logger != nil {
		q.logger.Warn("failed to write availability cache entry", "key", key, "error", err)
	}
}

// Invalidate evicts every cached availability entry for the tenant (all of
// its resources and services) so a just-committed booking or cancellation is reflected on the next
// read, rather than waiting out the TTL. Uses SCAN rather than KEYS so it
// never blocks a production Redis instance.
func (q *Query) Invalidate(ctx context.Context, tenantID string) {
	if q.redis == nil {
		return
	}
	pattern := fmt.Sprintf("availability:%s:*", tenantID)
	iter := q.redis.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		if q.logger != nil {
			q.logger.Warn("failed to scan availability cache keys for invalidation", "tenant_id", tenantID, "error", err)
		}
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := q.redis.Del(ctx, keys...).Err(); err != nil && q.logger != nil {
		q.logger.Warn("failed to invalidate availability cache entries", "tenant_id", tenantID, "error", err)
	}
}
