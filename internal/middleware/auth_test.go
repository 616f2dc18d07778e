package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wer-inc/reservation-core/internal/auth"
	"github.com/wer-inc/reservation-core/internal/config"
	"github.com/wer-inc/reservation-core/internal/middleware"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

const testJWTSecret = "test-signing-secret"
const testJWTIssuer = "reservation-core-test"

func signTestToken(t *testing.T, subject, credential string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"iss":  testJWTIssuer,
		"exp":  expiresAt.Unix(),
		"cred": credential,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func newAuthRouter(cfg config.JWT) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/secure", middleware.Auth(cfg, logger.New("error")), func(c *gin.Context) {
		tenantID, _ := c.Get("caller_tenant_id")
		c.JSON(http.StatusOK, gin.H{"caller_tenant_id": tenantID})
	})
	return r
}

func TestAuth_ValidTokenSetsCallerTenantID(t *testing.T) {
	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer}
	r := newAuthRouter(cfg)

	token := signTestToken(t, "tenant-42", "svc-cred", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tenant-42")
}

func TestAuth_MissingHeaderIsUnauthorized(t *testing.T) {
	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer}
	r := newAuthRouter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_NonBearerSchemeIsUnauthorized(t *testing.T) {
	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer}
	r := newAuthRouter(cfg)

	token := signTestToken(t, "tenant-42", "svc-cred", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Basic "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongSigningSecretIsUnauthorized(t *testing.T) {
	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer}
	r := newAuthRouter(cfg)

	claims := jwt.MapClaims{
		"sub": "tenant-42", "iss": testJWTIssuer, "exp": time.Now().Add(time.Hour).Unix(), "cred": "svc-cred",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ExpiredTokenIsUnauthorized(t *testing.T) {
	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer}
	r := newAuthRouter(cfg)

	token := signTestToken(t, "tenant-42", "svc-cred", time.Now().Add(-time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongIssuerIsUnauthorized(t *testing.T) {
	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer}
	r := newAuthRouter(cfg)

	claims := jwt.MapClaims{
		"sub": "tenant-42", "iss": "someone-else", "exp": time.Now().Add(time.Hour).Unix(), "cred": "svc-cred",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_CredentialHashMismatchIsUnauthorized(t *testing.T) {
	manager := auth.NewManager(auth.DefaultParams())
	hash, err := manager.Hash("the-real-credential")
	require.NoError(t, err)

	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer, CredentialHash: hash}
	r := newAuthRouter(cfg)

	token := signTestToken(t, "tenant-42", "an-imposter-credential", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_MatchingCredentialHashSucceeds(t *testing.T) {
	manager := auth.NewManager(auth.DefaultParams())
	hash, err := manager.Hash("the-real-credential")
	require.NoError(t, err)

	cfg := config.JWT{Secret: testJWTSecret, Issuer: testJWTIssuer, CredentialHash: hash}
	r := newAuthRouter(cfg)

	token := signTestToken(t, "tenant-42", "the-real-credential", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
