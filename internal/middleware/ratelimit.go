package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is a fixed-window per-client limiter backed by Redis, so the
// window is shared across replicas.
type RateLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int64
	window time.Duration
	log    *zap.SugaredLogger
}

func NewRateLimiter(rdb *redis.Client, prefix string, limit int64, window time.Duration, log *zap.SugaredLogger) *RateLimiter {
	return &RateLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, log: log}
}

// Middleware counts requests per remote host with INCR and expires the
// counter after the window. Redis trouble fails open: throttling is never
// worth an outage.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		key := fmt.Sprintf("%s:%s", rl.prefix, host)

		count, err := rl.rdb.Incr(r.Context(), key).Result()
		if err != nil {
			rl.log.Warnw("rate limiter unavailable, allowing request", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.rdb.Expire(r.Context(), key, rl.window)
		}
		if count > rl.limit {
			rl.log.Infow("rate limit exceeded", "client", host, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
