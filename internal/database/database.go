// Package database wires up the PostgreSQL (via GORM) and Redis connections
// and owns the AutoMigrate + index creation for the Reservation Core's
// tables, per spec.md §6's persisted state layout.
package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/wer-inc/reservation-core/internal/config"
	"github.com/wer-inc/reservation-core/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Connect connects to the PostgreSQL database.
func Connect(cfg config.Database) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying sql.DB: %w", err)
	}
	if cfg.PoolMax > 0 {
		sqlDB.SetMaxOpenConns(cfg.PoolMax)
	}
	if cfg.PoolMin > 0 {
		sqlDB.SetMaxIdleConns(cfg.PoolMin)
	}

	return db, nil
}

// Migrate runs database migrations: extension setup, AutoMigrate in
// dependency order (tenants before the rows that reference them), and the
// indexes the design calls out as required.
func Migrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		return fmt.Errorf("failed to create uuid extension: %w", err)
	}

	err := db.AutoMigrate(
		&models.Tenant{},
		&models.Resource{},
		&models.Service{},
		&models.ServiceResource{},
		&models.BusinessHour{},
		&models.Holiday{},
		&models.ResourceTimeOff{},
		&models.Slot{},
		&models.Customer{},
		&models.Booking{},
		&models.BookingItem{},
		&models.BookingCancellation{},
		&models.IdempotencyRecord{},
		&models.OutboxEvent{},
		&models.ScheduleConflict{},
	)
	if err != nil {
		return fmt.Errorf("failed to run auto-migrations: %w", err)
	}

	if err := createIndexes(db); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	return nil
}

// createIndexes creates the indexes spec.md §6 names explicitly, beyond
// what AutoMigrate derives from struct tags.
func createIndexes(db *gorm.DB) error {
	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_timeslots_tenant_resource_start ON timeslots(tenant_id, resource_id, start_at)",
		"CREATE INDEX IF NOT EXISTS idx_timeslots_tenant_start_capacity ON timeslots(tenant_id, start_at, available_capacity)",
		"CREATE INDEX IF NOT EXISTS idx_outbox_events_status_next_attempt ON outbox_events(status, next_attempt_at)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_idempotency_keys_tenant_key ON idempotency_keys(tenant_id, key)",
		"CREATE INDEX IF NOT EXISTS idx_bookings_tenant_status ON bookings(tenant_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_bookings_resource_start ON bookings(resource_id, start_at)",
	}

	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// ConnectRedis connects to Redis.
func ConnectRedis(cfg config.Redis) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	return redis.NewClient(opt), nil
}

// HealthCheck pings whichever of db/redis is non-nil. It backs GET
// /health/database (spec.md §6): the exit-code-2 "database unreachable at
// startup" check and the handler's liveness probe share this one function.
func HealthCheck(db *gorm.DB, redisClient *redis.Client) error {
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to access underlying sql.DB: %w", err)
		}
		if err := sqlDB.Ping(); err != nil {
			return fmt.Errorf("postgresql ping failed: %w", err)
		}
	}

	if redisClient != nil {
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}

	return nil
}

// Close releases the underlying PostgreSQL and Redis connections.
func Close(db *gorm.DB, redisClient *redis.Client) error {
	if db != nil {
		sqlDB, err := db.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				return fmt.Errorf("failed to close database: %w", err)
			}
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			return fmt.Errorf("failed to close redis: %w", err)
		}
	}
	return nil
}
