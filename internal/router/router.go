// Package router centralizes the Reservation Core's Gin route table,
// generalized from auth-service/internal/router/router.go's SetupRouter
// pattern over scheduling-service's inline main.go routing.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/internal/availability"
	"github.com/wer-inc/reservation-core/internal/booking"
	"github.com/wer-inc/reservation-core/internal/config"
	"github.com/wer-inc/reservation-core/internal/handlers"
	"github.com/wer-inc/reservation-core/internal/middleware"
	"github.com/wer-inc/reservation-core/internal/realtime"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
)

// Config holds every dependency SetupRouter needs to build handlers and
// middleware.
type Config struct {
	DB           *gorm.DB
	Redis        *redis.Client
	NATS         *nats.Conn
	Coordinator  *booking.Coordinator
	Availability *availability.Query
	Live         *realtime.Hub
	Config       *config.Config
	Logger       *logger.Logger
}

// SetupRouter builds the full Gin engine: ambient middleware, the spec.md
// §6 public HTTP surface, and SPEC_FULL.md §6's supplementary admin/ops
// surface (dead-letter and schedule-conflict listings, health probes, and
// the admin events WebSocket).
func SetupRouter(cfg Config) *gin.Engine {
	gin.SetMode(cfg.Config.GinMode)

	r := gin.New()
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestLogging(cfg.Logger))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Config.CORS.AllowedOrigins)))

	bookingHandler := handlers.NewBookingHandler(cfg.Coordinator, cfg.DB, cfg.Logger)
	availabilityHandler := handlers.NewAvailabilityHandler(cfg.Availability, cfg.Logger)
	healthHandler := handlers.NewHealthHandler(cfg.DB, cfg.Redis, cfg.NATS, cfg.Logger)
	adminHandler := handlers.NewAdminHandler(cfg.DB, cfg.Logger)

	r.GET("/health/database", healthHandler.Database)
	r.GET("/health/ready", healthHandler.Ready)
	r.GET("/health/live", healthHandler.Live)

	v1 := r.Group("/v1")
	{
		public := v1.Group("/public")
		public.Use(middleware.PublicBookingRateLimit(cfg.Redis, cfg.Config.RateLimit.PublicPerMinute, cfg.Logger))
		public.POST("/bookings", bookingHandler.CreateBooking)

		v1.GET("/availability", availabilityHandler.List)

		authed := v1.Group("")
		authed.Use(middleware.Auth(cfg.Config.JWT, cfg.Logger))
		// The path segment after "/bookings/" carries a literal ":cancel"
		// suffix per spec.md §6 ("/v1/bookings/{id}:cancel"); gin matches it
		// as one path param and CancelBooking strips the suffix itself.
		authed.POST("/bookings/:id", bookingHandler.CancelBooking)
		authed.GET("/bookings/:id", bookingHandler.GetBooking)

		admin := v1.Group("/admin")
		admin.Use(middleware.Auth(cfg.Config.JWT, cfg.Logger))
		admin.GET("/outbox/dead-letters", adminHandler.DeadLetters)
		admin.GET("/schedule/conflicts", adminHandler.ScheduleConflicts)
		if cfg.Live != nil {
			wsHandler := handlers.NewWebSocketHandler(cfg.Live, cfg.Logger)
			admin.GET("/events/stream", wsHandler.ServeWS)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		middleware.ProblemJSON(c, cfg.Logger, apperr.New(apperr.CodeNotFound, "endpoint not found"))
	})
	r.NoMethod(func(c *gin.Context) {
		middleware.ProblemJSON(c, cfg.Logger, apperr.New(apperr.CodeInvalidRequest, "method not allowed"))
	})

	return r
}
