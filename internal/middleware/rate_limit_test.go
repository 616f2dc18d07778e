package middleware_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/wer-inc/reservation-core/internal/middleware"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	url := "redis://localhost:6379/1"
	if envURL := os.Getenv("TEST_REDIS_URL"); envURL != "" {
		url = envURL
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s, skipping: %v", url, err)
	}
	return client
}

func newRateLimitRouter(t *testing.T, limit int) (*gin.Engine, *redis.Client) {
	gin.SetMode(gin.TestMode)
	client := newTestRedisClient(t)
	r := gin.New()
	r.Use(middleware.PublicBookingRateLimit(client, limit, logger.New("error")))
	r.POST("/v1/bookings", func(c *gin.Context) {
		var body map[string]interface{}
		_ = c.ShouldBindJSON(&body)
		c.JSON(http.StatusCreated, gin.H{"tenant_id": body["tenant_id"]})
	})
	return r, client
}

func flushKey(t *testing.T, client *redis.Client, key string) {
	t.Helper()
	require.NoError(t, client.Del(context.Background(), key).Err())
}

func TestPublicBookingRateLimit_AllowsUpToLimit(t *testing.T) {
	r, client := newRateLimitRouter(t, 3)
	defer flushKey(t, client, "rate_limit:tenant:rl-allow")

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{"tenant_id":"rl-allow"}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusCreated, w.Code, "request %d should be within the limit", i+1)
	}
}

func TestPublicBookingRateLimit_BlocksOnceOverLimit(t *testing.T) {
	r, client := newRateLimitRouter(t, 2)
	defer flushKey(t, client, "rate_limit:tenant:rl-block")

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{"tenant_id":"rl-block"}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{"tenant_id":"rl-block"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestPublicBookingRateLimit_KeysPerTenantNotGlobally(t *testing.T) {
	r, client := newRateLimitRouter(t, 1)
	defer flushKey(t, client, "rate_limit:tenant:rl-tenant-a")
	defer flushKey(t, client, "rate_limit:tenant:rl-tenant-b")

	reqA := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{"tenant_id":"rl-tenant-a"}`))
	wA := httptest.NewRecorder()
	r.ServeHTTP(wA, reqA)
	require.Equal(t, http.StatusCreated, wA.Code)

	// A second tenant's first request must not be throttled by tenant A's
	// budget: this is the entire point of keying on tenant_id instead of IP.
	reqB := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{"tenant_id":"rl-tenant-b"}`))
	wB := httptest.NewRecorder()
	r.ServeHTTP(wB, reqB)
	require.Equal(t, http.StatusCreated, wB.Code, "a different tenant must get its own budget")
}

func TestPublicBookingRateLimit_HandlerStillReadsBodyAfterPeek(t *testing.T) {
	r, client := newRateLimitRouter(t, 5)
	defer flushKey(t, client, "rate_limit:tenant:rl-body-intact")

	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{"tenant_id":"rl-body-intact"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), "rl-body-intact", "the handler must still be able to read tenant_id from the body after the limiter peeked it")
}

func TestPublicBookingRateLimit_MissingTenantIDFallsBackToIPKeying(t *testing.T) {
	r, client := newRateLimitRouter(t, 5)
	req := httptest.NewRequest(http.MethodPost, "/v1/bookings", bytes.NewBufferString(`{}`))
	req.RemoteAddr = "203.0.113.7:54321"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	defer flushKey(t, client, fmt.Sprintf("rate_limit:ip:%s", "203.0.113.7"))
	require.Equal(t, int64(1), client.Exists(context.Background(), "rate_limit:ip:203.0.113.7").Val(), "a request without tenant_id must be counted under the client IP key")
}
