// Package config loads the Reservation Core's configuration via viper,
// binding the environment variables spec.md §6 recognizes plus the ambient
// variables every component of this service needs (logging, HTTP, auth,
// CORS). Generalized from auth-service's viper+mapstructure layer rather
// than scheduling-service's flat os.Getenv reads, because this spec's env
// surface is considerably larger.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Environment string      `mapstructure:"environment"`
	Port        int         `mapstructure:"port"`
	LogLevel    string      `mapstructure:"log_level"`
	GinMode     string      `mapstructure:"gin_mode"`
	Database    Database    `mapstructure:"database"`
	Redis       Redis       `mapstructure:"redis"`
	NATS        NATSConfig  `mapstructure:"nats"`
	JWT         JWT         `mapstructure:"jwt"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	Outbox      Outbox      `mapstructure:"outbox"`
	Idempotency Idempotency `mapstructure:"idempotency"`
	Schedule    Schedule    `mapstructure:"schedule"`
	CORS        CORS        `mapstructure:"cors"`
	Notification Notification `mapstructure:"notification"`
}

// Database holds the single DATABASE_URL DSN plus pool tuning, per spec.md §6.
type Database struct {
	URL              string        `mapstructure:"url"`
	PoolMin          int           `mapstructure:"pool_min"`
	PoolMax          int           `mapstructure:"pool_max"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// RedisConfig-equivalent, named Redis to match the teacher's naming.
type Redis struct {
	URL string `mapstructure:"url"`
}

// NATSConfig holds NATS configuration. Named NATSConfig (not NATS) so the
// events package's Connect(cfg config.NATSConfig) signature, carried over
// from the teacher unchanged, still type-checks.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// JWT backs the Auth header requirement on cancel/read endpoints. Tokens
// are minted outside this service (the operator's identity/chat platform —
// see spec.md §1's Non-goals); the core only validates them and, via
// CredentialHash, the service credential embedded in their "cred" claim.
type JWT struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
	CredentialHash string        `mapstructure:"credential_hash"`
}

// RateLimit backs RATE_LIMIT_PUBLIC_PER_MIN on the public booking endpoint.
type RateLimit struct {
	PublicPerMinute int `mapstructure:"public_per_minute"`
}

// Outbox holds the Outbox Dispatcher's tunables (spec.md §4.4, §6).
type Outbox struct {
	PollInterval time.Duration `mapstructure:"poll_interval_ms"`
	Batch        int           `mapstructure:"batch"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	LeaseMs      time.Duration `mapstructure:"lease_ms"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
}

// Idempotency holds the Idempotency Store's TTL.
type Idempotency struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
}

// Schedule holds the Schedule Compiler's rolling horizon.
type Schedule struct {
	HorizonDays int `mapstructure:"horizon_days"`
}

// CORS holds the allowed-origins list for internal/middleware/cors.go.
type CORS struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Notification holds the base URL of the external notification sink the
// NOTIFICATION_REQUESTED outbox handler calls. Empty disables the sink: the
// client sends nothing and the handler completes rather than erroring the
// event into retry.
type Notification struct {
	ServiceURL string `mapstructure:"service_url"`
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, in that increasing order of precedence.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvPrefix("")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.pool_min", "DB_POOL_MIN")
	viper.BindEnv("database.pool_max", "DB_POOL_MAX")
	viper.BindEnv("database.statement_timeout", "DB_STATEMENT_TIMEOUT")
	viper.BindEnv("schedule.horizon_days", "HORIZON_DAYS")
	viper.BindEnv("outbox.poll_interval_ms", "OUTBOX_POLL_MS")
	viper.BindEnv("outbox.batch", "OUTBOX_BATCH")
	viper.BindEnv("outbox.max_attempts", "OUTBOX_MAX_ATTEMPTS")
	viper.BindEnv("idempotency.ttl_seconds", "IDEMPOTENCY_TTL_SECONDS")
	viper.BindEnv("rate_limit.public_per_minute", "RATE_LIMIT_PUBLIC_PER_MIN")
	viper.BindEnv("environment", "ENVIRONMENT")
	viper.BindEnv("log_level", "LOG_LEVEL")
	viper.BindEnv("gin_mode", "GIN_MODE")
	viper.BindEnv("port", "SERVER_PORT")
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("nats.url", "NATS_URL")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("jwt.access_token_ttl", "JWT_ACCESS_TOKEN_TTL")
	viper.BindEnv("jwt.issuer", "JWT_ISSUER")
	viper.BindEnv("jwt.credential_hash", "JWT_SERVICE_CREDENTIAL_HASH")
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
	viper.BindEnv("notification.service_url", "NOTIFICATION_SERVICE_URL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if raw := viper.GetString("cors.allowed_origins"); raw != "" {
		cfg.CORS.AllowedOrigins = strings.Split(raw, ",")
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("port", 8080)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("gin_mode", "debug")

	viper.SetDefault("database.url", "postgres://localhost:5432/reservation_core?sslmode=disable")
	viper.SetDefault("database.pool_min", 2)
	viper.SetDefault("database.pool_max", 20)
	viper.SetDefault("database.statement_timeout", "5s")

	viper.SetDefault("redis.url", "redis://localhost:6379")
	viper.SetDefault("nats.url", "nats://localhost:4222")

	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.access_token_ttl", "15m")
	viper.SetDefault("jwt.issuer", "reservation-core")

	viper.SetDefault("rate_limit.public_per_minute", 600)

	viper.SetDefault("outbox.poll_interval_ms", "1s")
	viper.SetDefault("outbox.batch", 50)
	viper.SetDefault("outbox.max_attempts", 5)
	viper.SetDefault("outbox.lease_ms", "30s")
	viper.SetDefault("outbox.handler_timeout", "10s")

	viper.SetDefault("idempotency.ttl_seconds", 86400)

	viper.SetDefault("schedule.horizon_days", 30)

	viper.SetDefault("cors.allowed_origins", "")
}
