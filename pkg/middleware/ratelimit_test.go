package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

func newTestLogger() *observability.Logger {
	return observability.NewLogger(observability.DebugLevel, io.Discard)
}

func TestLocalRateLimiter_ExhaustsBudget(t *testing.T) {
	rl := NewLocalRateLimiter(&RateLimitPolicy{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
		BurstSize:         1,
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		allowed, _, err := rl.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d should pass", i)
	}

	allowed, retryAfter, err := rl.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)

	// A different key has its own budget.
	allowed, _, err = rl.Allow(ctx, "ip:10.0.0.2")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLocalRateLimiter_Cleanup(t *testing.T) {
	rl := NewLocalRateLimiter(&RateLimitPolicy{
		RequestsPerWindow: 1,
		WindowDuration:    time.Millisecond,
		BurstSize:         0,
	})

	_, _, err := rl.Allow(context.Background(), "ip:10.0.0.1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	rl.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.buckets)
}

func TestRedisRateLimiter_SharedBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := &RateLimitPolicy{RequestsPerWindow: 2, WindowDuration: time.Minute, BurstSize: 0}

	// Two limiter instances stand in for two service replicas sharing one
	// Redis.
	a := NewRedisRateLimiter(client, policy, "t:rl")
	b := NewRedisRateLimiter(client, policy, "t:rl")
	ctx := context.Background()

	allowed, _, err := a.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = b.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, retryAfter, err := a.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, allowed, "the budget is shared, not per instance")
	assert.Positive(t, retryAfter)
}

func TestRedisRateLimiter_WindowReset(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := &RateLimitPolicy{RequestsPerWindow: 1, WindowDuration: time.Minute, BurstSize: 0}
	rl := NewRedisRateLimiter(client, policy, "t:rl")
	ctx := context.Background()

	allowed, _, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, allowed)

	mr.FastForward(2 * time.Minute)

	allowed, _, err = rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisRateLimiter_Remaining(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := &RateLimitPolicy{RequestsPerWindow: 5, WindowDuration: time.Minute, BurstSize: 0}
	rl := NewRedisRateLimiter(client, policy, "t:rl")
	ctx := context.Background()

	remaining, err := rl.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 5, remaining)

	_, _, err = rl.Allow(ctx, "k")
	require.NoError(t, err)

	remaining, err = rl.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)
}

func TestAuthRateLimit_LimitsMatchedRoutes(t *testing.T) {
	routes := map[string]Limiter{
		"/api/auth/sso/discover": NewLocalRateLimiter(&RateLimitPolicy{
			RequestsPerWindow: 1, WindowDuration: time.Minute, BurstSize: 0,
		}),
	}
	m := NewAuthRateLimit(routes, observability.NewAuthMetrics(), newTestLogger())

	var hits int
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/api/auth/sso/discover", nil)
		r.RemoteAddr = "10.0.0.1:4444"
		return r
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req())
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RateLimited")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 1, hits, "the limited request must never reach the handler")
}

func TestAuthRateLimit_IgnoresUnmatchedRoutes(t *testing.T) {
	routes := map[string]Limiter{
		"/api/auth/sso/discover": NewLocalRateLimiter(&RateLimitPolicy{
			RequestsPerWindow: 0, WindowDuration: time.Minute, BurstSize: 0,
		}),
	}
	m := NewAuthRateLimit(routes, observability.NewAuthMetrics(), newTestLogger())

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/auth/session", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRateLimit_FailsOpenOnBackendError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	routes := map[string]Limiter{
		"/api/auth/sso/start": NewRedisRateLimiter(client, LoginRateLimit(), "t:rl"),
	}
	m := NewAuthRateLimit(routes, observability.NewAuthMetrics(), newTestLogger())

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	mr.Close()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/auth/sso/start", nil))
	assert.Equal(t, http.StatusOK, w.Code, "a dead limiter backend must not block logins")
}

func TestDefaultAuthRoutes(t *testing.T) {
	routes := DefaultAuthRoutes(func(policy *RateLimitPolicy, _ string) Limiter {
		return NewLocalRateLimiter(policy)
	})
	assert.Contains(t, routes, "/api/auth/sso/discover")
	assert.Contains(t, routes, "/api/auth/sso/start")
	assert.Contains(t, routes, "/api/auth/sso/verify")
}

func TestRequestIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", requestIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", requestIP(r))
}
