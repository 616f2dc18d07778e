package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// skipLoggingPaths are excluded from per-request logging so liveness probes
// don't flood the log.
var skipLoggingPaths = map[string]bool{
	"/health/database": true,
}

// RequestLogging stamps every request with a request ID (exposed on
// X-Request-ID and carried in apperr/ProblemJSON's error logs) and emits a
// structured start/completion pair.
func RequestLogging(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if skipLoggingPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		requestID := uuid.New().String()
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		requestLogger := log.With(
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"client_ip", c.ClientIP(),
		)
		requestLogger.Debug("request started")

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()
		completionLogger := requestLogger.With(
			"status_code", statusCode,
			"duration_ms", duration.Milliseconds(),
		)

		switch {
		case statusCode >= 500:
			completionLogger.Error("request completed with server error")
		case statusCode >= 400:
			completionLogger.Warn("request completed with client error")
		default:
			completionLogger.Info("request completed")
		}
	}
}
