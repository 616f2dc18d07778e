package schedule_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"github.com/wer-inc/reservation-core/internal/models"
	"github.com/wer-inc/reservation-core/internal/schedule"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type CompilerTestSuite struct {
	suite.Suite
	DB       *gorm.DB
	Compiler *schedule.Compiler
}

func (s *CompilerTestSuite) SetupSuite() {
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
		&models.Tenant{}, &models.Resource{}, &models.BusinessHour{}, &models.Holiday{},
		&models.ResourceTimeOff{}, &models.Slot{}, &models.ScheduleConflict{},
	))
	s.Compiler = schedule.New(s.DB, logger.New("error"), 30)
}

func (s *CompilerTestSuite) TearDownSuite() {
	sqlDB, _ := s.DB.DB()
	sqlDB.Close()
}

func (s *CompilerTestSuite) SetupTest() {
	for _, table := range []string{"timeslots", "resource_time_offs", "holidays", "business_hours", "resources", "tenants"} {
		s.DB.Exec("DELETE FROM " + table)
	}
}

func (s *CompilerTestSuite) seedTenantAndResource(capacity int) (models.Tenant, models.Resource) {
	tenant := models.Tenant{Name: "Acme", TimeZone: "UTC", SlotGranularityMin: 15}
	s.Require().NoError(s.DB.Create(&tenant).Error)
	resource := models.Resource{TenantID: tenant.ID, Name: "Chair 1", Kind: models.ResourceKindSeat, Capacity: capacity, Active: true}
	s.Require().NoError(s.DB.Create(&resource).Error)
	return tenant, resource
}

func (s *CompilerTestSuite) TestCompileResource_CreatesSlotsForBusinessHours() {
	tenant, resource := s.seedTenantAndResource(2)
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC) // a Monday
	s.Require().NoError(s.DB.Create(&models.BusinessHour{
		TenantID:  tenant.ID,
		DayOfWeek: models.Monday,
		OpenTime:  "09:00",
		CloseTime: "10:00",
	}).Error)

	conflicts, err := s.Compiler.CompileResource(context.Background(), tenant.ID, resource.ID, monday, monday.AddDate(0, 0, 1))
	s.Require().NoError(err)
	s.Empty(conflicts)

	var slots []models.Slot
	s.Require().NoError(s.DB.Where("tenant_id = ? AND resource_id = ?", tenant.ID, resource.ID).Order("start_at ASC").Find(&slots).Error)
	s.Require().Len(slots, 4) // 09:00-10:00 at 15-min granularity
	s.Equal(time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC), slots[0].StartAt.UTC())
	s.Equal(time.Date(2026, 8, 3, 9, 45, 0, 0, time.UTC), slots[3].StartAt.UTC())
	for _, slot := range slots {
		s.Equal(2, slot.AvailableCapacity)
	}
}

func (s *CompilerTestSuite) TestCompileResource_HolidayBlocksWholeDay() {
	tenant, resource := s.seedTenantAndResource(1)
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.DB.Create(&models.BusinessHour{
		TenantID: tenant.ID, DayOfWeek: models.Monday, OpenTime: "09:00", CloseTime: "17:00",
	}).Error)
	s.Require().NoError(s.DB.Create(&models.Holiday{
		TenantID: tenant.ID, Date: monday, Reason: "founders day",
	}).Error)

	_, err := s.Compiler.CompileResource(context.Background(), tenant.ID, resource.ID, monday, monday.AddDate(0, 0, 1))
	s.Require().NoError(err)

	var count int64
	s.DB.Model(&models.Slot{}).Where("tenant_id = ? AND resource_id = ?", tenant.ID, resource.ID).Count(&count)
	s.Equal(int64(0), count)
}

func (s *CompilerTestSuite) TestCompileResource_TimeOffCarvesOutInterval() {
	tenant, resource := s.seedTenantAndResource(1)
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.DB.Create(&models.BusinessHour{
		TenantID: tenant.ID, DayOfWeek: models.Monday, OpenTime: "09:00", CloseTime: "10:00",
	}).Error)
	s.Require().NoError(s.DB.Create(&models.ResourceTimeOff{
		TenantID: tenant.ID, ResourceID: resource.ID,
		StartAt: time.Date(2026, 8, 3, 9, 15, 0, 0, time.UTC),
		EndAt:   time.Date(2026, 8, 3, 9, 30, 0, 0, time.UTC),
		Reason:  "break",
	}).Error)

	_, err := s.Compiler.CompileResource(context.Background(), tenant.ID, resource.ID, monday, monday.AddDate(0, 0, 1))
	s.Require().NoError(err)

	var slots []models.Slot
	s.Require().NoError(s.DB.Where("tenant_id = ? AND resource_id = ?", tenant.ID, resource.ID).Order("start_at ASC").Find(&slots).Error)
	s.Require().Len(slots, 3) // 09:00, 09:30, 09:45 — 09:15 carved out
	for _, slot := range slots {
		s.NotEqual(time.Date(2026, 8, 3, 9, 15, 0, 0, time.UTC), slot.StartAt.UTC())
	}
}

func (s *CompilerTestSuite) TestCompileResource_NeverDeletesBookedSlot() {
	tenant, resource := s.seedTenantAndResource(1)
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.DB.Create(&models.BusinessHour{
		TenantID: tenant.ID, DayOfWeek: models.Monday, OpenTime: "09:00", CloseTime: "09:15",
	}).Error)
	_, err := s.Compiler.CompileResource(context.Background(), tenant.ID, resource.ID, monday, monday.AddDate(0, 0, 1))
	s.Require().NoError(err)

	// Book the only slot, then remove the business hour rule entirely.
	s.Require().NoError(s.DB.Model(&models.Slot{}).
		Where("tenant_id = ? AND resource_id = ?", tenant.ID, resource.ID).
		Update("available_capacity", 0).Error)
	s.Require().NoError(s.DB.Where("tenant_id = ?", tenant.ID).Delete(&models.BusinessHour{}).Error)

	conflicts, err := s.Compiler.CompileResource(context.Background(), tenant.ID, resource.ID, monday, monday.AddDate(0, 0, 1))
	s.Require().NoError(err)
	s.Require().Len(conflicts, 1)

	var count int64
	s.DB.Model(&models.Slot{}).Where("tenant_id = ? AND resource_id = ?", tenant.ID, resource.ID).Count(&count)
	s.Equal(int64(1), count, "booked slot must survive reconciliation despite no longer being in the schedule")
}

func (s *CompilerTestSuite) TestCompileResource_IdempotentRerun() {
	tenant, resource := s.seedTenantAndResource(1)
	monday := time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.DB.Create(&models.BusinessHour{
		TenantID: tenant.ID, DayOfWeek: models.Monday, OpenTime: "09:00", CloseTime: "10:00",
	}).Error)

	_, err := s.Compiler.CompileResource(context.Background(), tenant.ID, resource.ID, monday, monday.AddDate(0, 0, 1))
	s.Require().NoError(err)
	var firstRunIDs []string
	s.DB.Model(&models.Slot{}).Where("tenant_id = ? AND resource_id = ?", tenant.ID, resource.ID).Pluck("id", &firstRunIDs)

	_, err = s.Compiler.CompileResource(context.Background(), tenant.ID, resource.ID, monday, monday.AddDate(0, 0, 1))
	s.Require().NoError(err)
	var secondRunIDs []string
	s.DB.Model(&models.Slot{}).Where("tenant_id = ? AND resource_id = ?", tenant.ID, resource.ID).Pluck("id", &secondRunIDs)

	assert.ElementsMatch(s.T(), firstRunIDs, secondRunIDs, "a rerun with unchanged rules must not churn existing slot rows")
}

func (s *CompilerTestSuite) TestRecompileAllTenants_CoversEveryActiveResourceAcrossTenants() {
	tenantA, resourceA := s.seedTenantAndResource(2)
	tenantB, resourceB := s.seedTenantAndResource(3)

	// Business hours for every day of week so the rolling horizon from
	// "now" always lands on an open day regardless of which weekday the
	// test runs on.
	for _, tenantID := range []string{tenantA.ID, tenantB.ID} {
		for day := models.Sunday; day <= models.Saturday; day++ {
			s.Require().NoError(s.DB.Create(&models.BusinessHour{
				TenantID: tenantID, DayOfWeek: day, OpenTime: "09:00", CloseTime: "10:00",
			}).Error)
		}
	}

	err := s.Compiler.RecompileAllTenants(context.Background())
	s.Require().NoError(err)

	var countA, countB int64
	s.DB.Model(&models.Slot{}).Where("tenant_id = ? AND resource_id = ?", tenantA.ID, resourceA.ID).Count(&countA)
	s.DB.Model(&models.Slot{}).Where("tenant_id = ? AND resource_id = ?", tenantB.ID, resourceB.ID).Count(&countB)
	s.Greater(countA, int64(0), "tenant A's resource must have been compiled")
	s.Greater(countB, int64(0), "tenant B's resource must have been compiled")
}

func (s *CompilerTestSuite) TestRecompileAllTenants_SkipsInactiveResources() {
	tenant, _ := s.seedTenantAndResource(1)
	inactive := models.Resource{TenantID: tenant.ID, Name: "Retired chair", Kind: models.ResourceKindSeat, Capacity: 1, Active: false}
	s.Require().NoError(s.DB.Create(&inactive).Error)
	s.Require().NoError(s.DB.Create(&models.BusinessHour{
		TenantID: tenant.ID, DayOfWeek: models.Monday, OpenTime: "09:00", CloseTime: "10:00",
	}).Error)

	err := s.Compiler.RecompileAllTenants(context.Background())
	s.Require().NoError(err)

	var count int64
	s.DB.Model(&models.Slot{}).Where("tenant_id = ? AND resource_id = ?", tenant.ID, inactive.ID).Count(&count)
	s.Equal(int64(0), count, "an inactive resource must never be compiled")
}

func TestCompilerTestSuite(t *testing.T) {
	suite.Run(t, new(CompilerTestSuite))
}
