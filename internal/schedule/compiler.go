// Package schedule is the Schedule Compiler (spec.md §4.1): it projects
// business hours, holidays, and resource time-offs into Slot rows for a
// rolling horizon, and reconciles the Slot Store to that projection without
// churning rows that are already correct.
//
// Grounded on the teacher's internal/subscribers/event_handlers.go
// HandleBusinessAvailabilityUpdated, whose delete-then-recreate-inside-a-
// transaction idiom this package keeps, generalized from a blind replace
// into a real per-day diff that never destroys booked inventory.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultHorizonDays is spec.md §6's HORIZON_DAYS default.
const DefaultHorizonDays = 30

// Conflict is an admin-visible warning that a slot which should no longer
// exist under the current rules could not be deleted because it still
// carries live bookings (spec.md §4.1's edge policy: "fails loudly rather
// than silently preserving capacity").
type Conflict struct {
	TenantID   string
	ResourceID string
	StartAt    time.Time
	Reason     string
}

// Compiler is the Schedule Compiler.
type Compiler struct {
	db          *gorm.DB
	logger      *logger.Logger
	horizonDays int
}

// New creates a Compiler with the given rolling horizon in days (0 uses
// DefaultHorizonDays).
func New(db *gorm.DB, log *logger.Logger, horizonDays int) *Compiler {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &Compiler{db: db, logger: log, horizonDays: horizonDays}
}

// RecompileAllTenants runs CompileResource for every active resource of
// every tenant across the rolling horizon [now, now+horizonDays), driven by
// pkg/scheduler's daily cron job. Conflicts are logged per resource and
// never abort the run for other resources.
func (c *Compiler) RecompileAllTenants(ctx context.Context) error {
	var tenants []models.Tenant
	if err := c.db.WithContext(ctx).Find(&tenants).Error; err != nil {
		return fmt.Errorf("error loading tenants for recompilation: %w", err)
	}

	from := time.Now()
	to := from.AddDate(0, 0, c.horizonDays)

	for _, tenant := range tenants {
		var resources []models.Resource
		if err := c.db.WithContext(ctx).Where("tenant_id = ? AND active = ?", tenant.ID, true).Find(&resources).Error; err != nil {
			if c.logger != nil {
				c.logger.Error("error loading resources for recompilation", "tenant_id", tenant.ID, "error", err)
			}
			continue
		}
		for _, resource := range resources {
			conflicts, err := c.CompileResource(ctx, tenant.ID, resource.ID, from, to)
			if err != nil {
				if c.logger != nil {
					c.logger.Error("schedule recompilation failed", "tenant_id", tenant.ID, "resource_id", resource.ID, "error", err)
				}
				continue
			}
			if len(conflicts) > 0 && c.logger != nil {
				c.logger.Error("schedule recompilation produced conflicts", "tenant_id", tenant.ID, "resource_id", resource.ID, "count", len(conflicts))
			}
		}
	}
	return nil
}

// CompileResource reconciles Slot rows for (tenant, resource) across
// [from, to), batching the transaction per day so each commit stays short.
// It returns every Conflict encountered; conflicts do not abort the run —
// the day's other slots still reconcile, and the offending row is left as
// is pending admin attention.
func (c *Compiler) CompileResource(ctx context.Context, tenantID, resourceID string, from, to time.Time) ([]Conflict, error) {
	var tenant models.Tenant
	if err := c.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		return nil, fmt.Errorf("error loading tenant %s: %w", tenantID, err)
	}
	var resource models.Resource
	if err := c.db.WithContext(ctx).First(&resource, "id = ? AND tenant_id = ?", resourceID, tenantID).Error; err != nil {
		return nil, fmt.Errorf("error loading resource %s: %w", resourceID, err)
	}

	loc, err := time.LoadLocation(tenant.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("error loading time zone %q for tenant %s: %w", tenant.TimeZone, tenantID, err)
	}
	granularity := time.Duration(tenant.SlotGranularityMin) * time.Minute

	var conflicts []Conflict
	for day := from.In(loc); day.Before(to); day = day.AddDate(0, 0, 1) {
		dayConflicts, err := c.compileDay(ctx, tenant, resource, day, loc, granularity)
		if err != nil {
			return conflicts, fmt.Errorf("error reconciling %s on %s: %w", resourceID, day.Format("2006-01-02"), err)
		}
		conflicts = append(conflicts, dayConflicts...)
	}
	return conflicts, nil
}

// compileDay reconciles a single (resource, local calendar day) in one
// transaction: computes the desired slot sequence, diffs it against what
// exists, and applies create/delete.
func (c *Compiler) compileDay(ctx context.Context, tenant models.Tenant, resource models.Resource, localDay time.Time, loc *time.Location, granularity time.Duration) ([]Conflict, error) {
	dayStart := time.Date(localDay.Year(), localDay.Month(), localDay.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	open, err := c.openIntervals(ctx, tenant, resource, dayStart, dayEnd, loc)
	if err != nil {
		return nil, err
	}

	var desired []time.Time
	for _, iv := range open {
		desired = append(desired, splitIntoSlots(iv, granularity)...)
	}

	var conflicts []Conflict
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Slot
		if err := tx.Where("tenant_id = ? AND resource_id = ? AND start_at >= ? AND start_at < ?",
			tenant.ID, resource.ID, dayStart.UTC(), dayEnd.UTC()).Find(&existing).Error; err != nil {
			return fmt.Errorf("error loading existing slots: %w", err)
		}

		existingByStart := make(map[int64]models.Slot, len(existing))
		for _, slot := range existing {
			existingByStart[slot.StartAt.UTC().Unix()] = slot
		}
		desiredSet := make(map[int64]bool, len(desired))
		for _, start := range desired {
			desiredSet[start.UTC().Unix()] = true
		}

		var toCreate []models.Slot
		for _, start := range desired {
			key := start.UTC().Unix()
			if _, ok := existingByStart[key]; ok {
				continue
			}
			toCreate = append(toCreate, models.Slot{
				TenantID:          tenant.ID,
				ResourceID:        resource.ID,
				StartAt:           start.UTC(),
				EndAt:             start.Add(granularity).UTC(),
				AvailableCapacity: resource.Capacity,
			})
		}
		if len(toCreate) > 0 {
			if err := tx.Create(&toCreate).Error; err != nil {
				return fmt.Errorf("error creating slots: %w", err)
			}
		}

		for key, slot := range existingByStart {
			if desiredSet[key] {
				continue
			}
			if slot.AvailableCapacity != resource.Capacity {
				reason := "slot no longer in schedule but carries live bookings; not deleted"
				conflicts = append(conflicts, Conflict{
					TenantID:   tenant.ID,
					ResourceID: resource.ID,
					StartAt:    slot.StartAt,
					Reason:     reason,
				})
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "resource_id"}, {Name: "start_at"}},
					DoUpdates: clause.AssignmentColumns([]string{"reason", "detected_at", "resolved_at"}),
				}).Create(&models.ScheduleConflict{
					TenantID:   tenant.ID,
					ResourceID: resource.ID,
					StartAt:    slot.StartAt,
					Reason:     reason,
					DetectedAt: time.Now(),
					ResolvedAt: nil,
				}).Error; err != nil {
					return fmt.Errorf("error recording schedule conflict for slot %s: %w", slot.ID, err)
				}
				continue
			}
			if err := tx.Delete(&models.Slot{}, "id = ?", slot.ID).Error; err != nil {
				return fmt.Errorf("error deleting stale slot %s: %w", slot.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return conflicts, err
	}
	if len(conflicts) > 0 && c.logger != nil {
		c.logger.Error("schedule compiler found slots it could not delete", "resource_id", resource.ID, "count", len(conflicts))
	}
	return conflicts, nil
}

// openIntervals computes the UTC intervals during which resource is
// bookable on the given local calendar day: the union of covering business
// hours, minus holidays (whole day), minus resource time-offs.
func (c *Compiler) openIntervals(ctx context.Context, tenant models.Tenant, resource models.Resource, dayStart, dayEnd time.Time, loc *time.Location) ([]interval, error) {
	var holidays []models.Holiday
	if err := c.db.WithContext(ctx).Where(
		"tenant_id = ? AND date = ? AND (resource_id IS NULL OR resource_id = ?)",
		tenant.ID, dayStart.Format("2006-01-02"), resource.ID,
	).Find(&holidays).Error; err != nil {
		return nil, fmt.Errorf("error loading holidays: %w", err)
	}
	if len(holidays) > 0 {
		return nil, nil
	}

	dow := models.DayOfWeek(dayStart.Weekday())
	var hours []models.BusinessHour
	if err := c.db.WithContext(ctx).Where(
		"tenant_id = ? AND day_of_week = ? AND (resource_id IS NULL OR resource_id = ?) AND (effective_from IS NULL OR effective_from <= ?) AND (effective_to IS NULL OR effective_to >= ?)",
		tenant.ID, dow, resource.ID, dayStart, dayStart,
	).Find(&hours).Error; err != nil {
		return nil, fmt.Errorf("error loading business hours: %w", err)
	}

	var open []interval
	for _, h := range hours {
		start, err := parseClockTime(h.OpenTime, dayStart, loc)
		if err != nil {
			return nil, fmt.Errorf("error parsing open_time %q: %w", h.OpenTime, err)
		}
		end, err := parseClockTime(h.CloseTime, dayStart, loc)
		if err != nil {
			return nil, fmt.Errorf("error parsing close_time %q: %w", h.CloseTime, err)
		}
		if !end.After(start) {
			continue
		}
		open = append(open, interval{Start: start.UTC(), End: end.UTC()})
	}
	if len(open) == 0 {
		return nil, nil
	}

	var timeOffs []models.ResourceTimeOff
	if err := c.db.WithContext(ctx).Where(
		"tenant_id = ? AND resource_id = ? AND start_at < ? AND end_at > ?",
		tenant.ID, resource.ID, dayEnd.UTC(), dayStart.UTC(),
	).Find(&timeOffs).Error; err != nil {
		return nil, fmt.Errorf("error loading time-offs: %w", err)
	}
	if len(timeOffs) == 0 {
		return open, nil
	}

	cuts := make([]interval, len(timeOffs))
	for i, to := range timeOffs {
		cuts[i] = interval{Start: to.StartAt.UTC(), End: to.EndAt.UTC()}
	}

	var surviving []interval
	for _, iv := range open {
		surviving = append(surviving, iv.subtract(cuts)...)
	}
	return surviving, nil
}

// parseClockTime interprets an "HH:MM" string as a time on localDay in loc.
func parseClockTime(hhmm string, localDay time.Time, loc *time.Location) (time.Time, error) {
	clock, err := time.ParseInLocation("15:04", hhmm, loc)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(localDay.Year(), localDay.Month(), localDay.Day(), clock.Hour(), clock.Minute(), 0, 0, loc), nil
}
