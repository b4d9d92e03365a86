package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig bounds request volume. GlobalRPS applies to every route;
// ConnectLimit caps viewer connection attempts and admin calls per client
// IP within ConnectWindow, shared across replicas when RedisAddr is set.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ConnectLimit  int
	ConnectWindow time.Duration
	// TrustForwardedHeaders takes the client IP from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustForwardedHeaders bool
	RedisAddr             string
	RedisPassword         string
	RedisTimeout          time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	connectLimit  int
	connectWindow time.Duration
	trustForward  bool
	mu            sync.Mutex
	buckets       map[string]*ipLimiter
	store         tokenStore
}

type ipLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:  cfg.ConnectLimit,
		connectWindow: cfg.ConnectWindow,
		trustForward:  cfg.TrustForwardedHeaders,
		buckets:       make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.connectLimit < 0 {
		rl.connectLimit = 0
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.connectLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() (bool, time.Duration) {
	if r == nil || r.global == nil {
		return true, 0
	}
	return r.global.Allow()
}

// AllowConnect reports whether key may open another viewer connection or
// issue another admin call.
func (r *rateLimiter) AllowConnect(key string) (bool, time.Duration, error) {
	if r == nil || r.connectLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(fmt.Sprintf("streamrelay:connect:%s", key), r.connectLimit, r.connectWindow)
	}
	r.mu.Lock()
	limiter, exists := r.buckets[key]
	if !exists {
		rate := float64(r.connectLimit) / r.connectWindow.Seconds()
		limiter = &ipLimiter{bucket: newTokenBucket(rate, r.connectLimit)}
		r.buckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	allowed, wait := limiter.bucket.Allow()
	return allowed, wait, nil
}

func (r *rateLimiter) Close() {
	if r == nil || r.store == nil {
		return
	}
	_ = r.store.Close()
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.connectWindow)
	for key, limiter := range r.buckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

// limitedPath reports routes subject to the per-IP connect limit.
func limitedPath(path string) bool {
	switch {
	case path == "/ws/video", path == "/v1/webrtc/offer":
		return true
	case strings.HasPrefix(path, "/v1/relay/"):
		return true
	default:
		return false
	}
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed, wait := rl.AllowRequest(); !allowed {
			setRetryAfter(w, wait)
			writeError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method != http.MethodOptions && limitedPath(r.URL.Path) {
			allowed, retryAfter, err := rl.AllowConnect(clientIP(r, rl.trustForward))
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				writeError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				setRetryAfter(w, retryAfter)
				writeError(w, http.StatusTooManyRequests, "too many connection attempts")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// setRetryAfter writes whole seconds, rounding up so clients never retry
// early.
func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	if wait <= 0 {
		return
	}
	secs := int64((wait + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

// Allow takes a token if one is available. Otherwise it reports how long
// until the next token accrues.
func (tb *tokenBucket) Allow() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.lastCheck).Seconds()*tb.rate)
	tb.lastCheck = now
	if tb.tokens < 1 {
		deficit := 1 - tb.tokens
		return false, time.Duration(deficit / tb.rate * float64(time.Second))
	}
	tb.tokens--
	return true, 0
}
