// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	headerRateLimitLimit = "X-RateLimit-Limit"
	headerRetryAfter     = "Retry-After"
)

type rateLimitDecision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newClientLimiter(perMinute int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		buckets: make(map[string]*rate.Limiter, 32),
	}
}

func (l *clientLimiter) Allow(client string, now time.Time) rateLimitDecision {
	l.mu.Lock()
	bucket, ok := l.buckets[client]
	if !ok {
		bucket = rate.NewLimiter(l.limit, l.burst)
		l.buckets[client] = bucket
	}
	l.mu.Unlock()

	if bucket.AllowN(now, 1) {
		return rateLimitDecision{Allowed: true}
	}

	res := bucket.ReserveN(now, 1)
	wait := res.DelayFrom(now)
	res.CancelAt(now)

	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return rateLimitDecision{RetryAfterSeconds: seconds}
}

// StartRateLimit throttles generation starts per client address, since every
// start costs a provider call. perMinute <= 0 disables it.
func StartRateLimit(perMinute int, logger *slog.Logger) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return startRateLimitWith(newClientLimiter(perMinute), perMinute, time.Now, logger)
}

func startRateLimitWith(limiter *clientLimiter, perMinute int, now func() time.Time, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)
			decision := limiter.Allow(client, now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(perMinute))
			if !decision.Allowed {
				logger.Warn("start rate limited", "client", client, "path", r.URL.Path)
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
