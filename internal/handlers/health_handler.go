package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/wer-inc/reservation-core/internal/database"
	"github.com/wer-inc/reservation-core/pkg/logger"
	"gorm.io/gorm"
)

// HealthHandler serves GET /health/database, /health/ready and /health/live
// (spec.md §6's liveness/readiness checks).
type HealthHandler struct {
	db     *gorm.DB
	redis  *redis.Client
	nats   *nats.Conn
	logger *logger.Logger
}

// NewHealthHandler creates a HealthHandler. nats may be nil; the server
// boots without NATS per main.go's mustConnectNATS fallback, and readiness
// degrades gracefully rather than reporting unready forever.
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client, natsConn *nats.Conn, log *logger.Logger) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, nats: natsConn, logger: log}
}

// Database handles GET /health/database: 200 if the database (and, if
// configured, Redis) answer a ping, 503 otherwise.
func (h *HealthHandler) Database(c *gin.Context) {
	if err := database.HealthCheck(h.db, h.redis); err != nil {
		h.logger.Warn("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready handles GET /health/ready: 200 only once every dependency the
// process needs to serve traffic correctly answers — DB, Redis, and (when
// configured) NATS. A load balancer uses this to decide whether to route
// new requests here.
func (h *HealthHandler) Ready(c *gin.Context) {
	if err := database.HealthCheck(h.db, h.redis); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}
	if h.nats != nil && !h.nats.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": "nats connection not established"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Live handles GET /health/live: 200 as long as the process is running and
// able to answer HTTP at all. It never checks dependencies — that is what
// distinguishes liveness (restart the pod?) from readiness (route traffic
// here?).
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
