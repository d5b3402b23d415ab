package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skyhookhq/skyhook/pkg/observability"
)

// RateLimitPolicy bounds request volume for one class of endpoint.
type RateLimitPolicy struct {
	// RequestsPerWindow is the max requests allowed in the time window.
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting.
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate.
	BurstSize int
}

// DiscoverRateLimit bounds the unauthenticated domain-discovery probe.
// Tight enough to make bulk enumeration attempts expensive.
func DiscoverRateLimit() *RateLimitPolicy {
	return &RateLimitPolicy{
		RequestsPerWindow: 30,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// LoginRateLimit bounds login starts and callback submissions.
func LoginRateLimit() *RateLimitPolicy {
	return &RateLimitPolicy{
		RequestsPerWindow: 10,
		WindowDuration:    time.Minute,
		BurstSize:         5,
	}
}

// VerifyRateLimit bounds second-factor code submissions; a six digit
// code cannot survive an uncapped guesser.
func VerifyRateLimit() *RateLimitPolicy {
	return &RateLimitPolicy{
		RequestsPerWindow: 5,
		WindowDuration:    time.Minute,
		BurstSize:         2,
	}
}

// Limiter is the admission decision shared by the local and the
// Redis-backed implementations.
type Limiter interface {
	// Allow reports whether a request under key is admitted, and the
	// suggested retry delay when it is not.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
}

// LocalRateLimiter implements Limiter with in-process token buckets.
// It is the single-instance and test implementation; deployments with
// more than one replica use the Redis-backed limiter so an attacker
// cannot multiply their budget by spraying instances.
type LocalRateLimiter struct {
	policy  *RateLimitPolicy
	buckets map[string]*bucket
	mu      sync.Mutex
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewLocalRateLimiter creates an in-process limiter.
func NewLocalRateLimiter(policy *RateLimitPolicy) *LocalRateLimiter {
	return &LocalRateLimiter{
		policy:  policy,
		buckets: make(map[string]*bucket),
	}
}

// Allow implements Limiter.
func (rl *LocalRateLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	maxTokens := float64(rl.policy.RequestsPerWindow + rl.policy.BurstSize)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: maxTokens, lastUpdate: now}
		rl.buckets[key] = b
	}

	refill := now.Sub(b.lastUpdate).Seconds() * float64(rl.policy.RequestsPerWindow) / rl.policy.WindowDuration.Seconds()
	b.tokens += refill
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}

	wait := time.Duration((1 - b.tokens) / float64(rl.policy.RequestsPerWindow) * float64(rl.policy.WindowDuration))
	return false, wait, nil
}

// Cleanup drops buckets idle for two full windows.
func (rl *LocalRateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > rl.policy.WindowDuration*2 {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup periodically until the context ends.
func (rl *LocalRateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.policy.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// AuthRateLimit guards the authentication surface. It sits in front of
// the body parsers: a limited request is rejected before any of its
// content is examined.
type AuthRateLimit struct {
	routes  map[string]Limiter
	metrics *observability.AuthMetrics
	logger  *observability.Logger
}

// NewAuthRateLimit creates the middleware with per-route limiters. The
// routes map keys are path prefixes.
func NewAuthRateLimit(routes map[string]Limiter, metrics *observability.AuthMetrics, logger *observability.Logger) *AuthRateLimit {
	return &AuthRateLimit{
		routes:  routes,
		metrics: metrics,
		logger:  logger.WithComponent("ratelimit"),
	}
}

// DefaultAuthRoutes builds the standard route map over a limiter
// constructor, so local and distributed deployments share one policy
// table.
func DefaultAuthRoutes(build func(*RateLimitPolicy, string) Limiter) map[string]Limiter {
	return map[string]Limiter{
		"/api/auth/sso/discover": build(DiscoverRateLimit(), "discover"),
		"/api/auth/sso/start":    build(LoginRateLimit(), "start"),
		"/api/auth/sso/verify":   build(VerifyRateLimit(), "verify"),
		"/api/auth/sso/saml/":    build(LoginRateLimit(), "saml"),
		"/api/auth/sso/oidc/":    build(LoginRateLimit(), "oidc"),
	}
}

// Handler wraps next with rate limiting.
func (m *AuthRateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, route := m.match(r.URL.Path)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := route + ":ip:" + requestIP(r)
		allowed, retryAfter, err := limiter.Allow(r.Context(), key)
		if err != nil {
			// Fail open: losing the limiter backend must not take logins
			// down with it.
			m.logger.WithError(err).Warn("rate limiter unavailable, admitting request")
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			m.metrics.RateLimited.WithLabelValues(route).Inc()
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"RateLimited"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (m *AuthRateLimit) match(path string) (Limiter, string) {
	var bestPrefix string
	var best Limiter
	for prefix, limiter := range m.routes {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(bestPrefix) {
			bestPrefix = prefix
			best = limiter
		}
	}
	return best, strings.Trim(bestPrefix, "/")
}

// requestIP extracts the client address for limiter keying, trusting
// only the first X-Forwarded-For hop.
func requestIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			first = fwd[:i]
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
