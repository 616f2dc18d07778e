package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wer-inc/reservation-core/internal/apperr"
	"github.com/wer-inc/reservation-core/internal/auth"
	"github.com/wer-inc/reservation-core/internal/config"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// serviceClaims is the shape of the JWT the cancel/read endpoints require in
// the Auth header (spec.md §6). Tokens are minted by the operator's
// identity/chat platform (out of scope — spec.md §1); the core only
// validates the signature, issuer, and the embedded service credential.
type serviceClaims struct {
	jwt.RegisteredClaims
	Credential string `json:"cred"`
}

// Auth requires a valid "Authorization: Bearer <jwt>" header, validates it
// against cfg.JWT, and sets "caller_tenant_id" in the Gin context from the
// token's subject for handlers that scope reads/cancellations to the
// caller's own tenant.
func Auth(cfg config.JWT, log *logger.Logger) gin.HandlerFunc {
	credentialManager := auth.NewManager(auth.DefaultParams())

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			ProblemJSON(c, log, apperr.New(apperr.CodeUnauthorized, "Authorization header required"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			ProblemJSON(c, log, apperr.New(apperr.CodeUnauthorized, "Authorization header must be a Bearer token"))
			return
		}

		claims := &serviceClaims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return []byte(cfg.Secret), nil
		}, jwt.WithIssuer(cfg.Issuer))
		if err != nil || !token.Valid {
			ProblemJSON(c, log, apperr.New(apperr.CodeUnauthorized, "invalid or expired token"))
			return
		}

		if cfg.CredentialHash != "" {
			ok, err := credentialManager.Verify(claims.Credential, cfg.CredentialHash)
			if err != nil || !ok {
				ProblemJSON(c, log, apperr.New(apperr.CodeUnauthorized, "invalid service credential"))
				return
			}
		}

		c.Set("caller_tenant_id", claims.Subject)
		c.Next()
	}
}
