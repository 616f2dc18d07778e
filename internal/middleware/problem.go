// Package middleware holds the Reservation Core's Gin middleware stack:
// request logging, CORS, rate limiting, the Auth header check, and the
// RFC 7807 Problem Details translation every handler error funnels through.
//
// Grounded on auth-service/internal/middleware/*.go, generalized from its
// {success,error:{code,message},timestamp} envelope into the spec-mandated
// application/problem+json shape.
package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// problemDetails is the RFC 7807 envelope, extended with the stable `code`
// and optional `details` fields spec.md §6 requires.
type problemDetails struct {
	Type    string             `json:"type"`
	Title   string             `json:"title"`
	Status  int                `json:"status"`
	Code    apperr.Code        `json:"code"`
	Detail  string             `json:"detail,omitempty"`
	Details []apperr.FieldError `json:"details,omitempty"`
}

// safeInfraCodes are the only infrastructure-kind codes spec.md §7 allows to
// be surfaced verbatim; every other non-business code collapses to
// CodeInternal at the boundary.
var safeInfraCodes = map[apperr.Code]bool{
	apperr.CodeRateLimited:         true,
	apperr.CodeDatabaseUnavailable: true,
}

var businessCodes = map[apperr.Code]bool{
	apperr.CodeInvalidRequest:        true,
	apperr.CodeValidationFailed:      true,
	apperr.CodeIdempotencyConflict:   true,
	apperr.CodeIdempotencyInProgress: true,
	apperr.CodeTimeslotSoldOut:       true,
	apperr.CodeSlotNotFound:          true,
	apperr.CodeSlotDiscontinuous:     true,
	apperr.CodeDoubleBooking:         true,
	apperr.CodeCancelCutoffElapsed:   true,
	apperr.CodeServiceInactive:       true,
	apperr.CodeConflictRetryExhausted: true,
	apperr.CodeNotFound:              true,
	apperr.CodeUnauthorized:          true,
}

// ProblemJSON writes err as an application/problem+json response, applying
// spec.md §7's surfacing policy: business errors and the two safe
// infrastructure codes pass through verbatim; everything else (including
// plain Go errors the handler didn't wrap) collapses to CodeInternal, with
// the real cause logged but never serialized.
func ProblemJSON(c *gin.Context, log *logger.Logger, err error) {
	ae, ok := apperr.As(err)
	if !ok {
		ae = apperr.Internal(err)
	}

	surfaced := ae
	if !businessCodes[ae.Code] && !safeInfraCodes[ae.Code] {
		surfaced = apperr.Internal(ae)
	}

	if surfaced.Code == apperr.CodeInternal {
		requestID, _ := c.Get("request_id")
		log.Error("internal error",
			"request_id", requestID,
			"path", c.Request.URL.Path,
			"error", ae.Error(),
		)
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(surfaced.HTTPStatus(), problemDetails{
		Type:    "about:blank",
		Title:   http.StatusText(surfaced.HTTPStatus()),
		Status:  surfaced.HTTPStatus(),
		Code:    surfaced.Code,
		Detail:  surfaced.Message,
		Details: surfaced.Details,
	})
}

// Recovery turns a panic into a CodeInternal problem+json response instead
// of letting Gin's default recovery write a bare 500.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = errors.New("panic in handler")
				}
				ProblemJSON(c, log, apperr.Internal(err))
			}
		}()
		c.Next()
	}
}
