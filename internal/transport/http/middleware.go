package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agritrace-io/ledger-service/internal/config"
)

// LoggingMiddleware emits one structured line per request.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infow("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"duration", time.Since(start),
		)
	}
}

// Buckets idle longer than this are dropped on the next sweep, so the
// per-client map does not grow without bound.
const clientBucketTTL = 3 * time.Minute

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware enforces a per-client token bucket. Clients are keyed
// by gin's ClientIP, which honors trusted proxy headers; stale buckets are
// evicted inline once per TTL window.
func RateLimitMiddleware(cfg config.RateLimitConfig) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*clientBucket)
	lastSweep := time.Now()
	return func(c *gin.Context) {
		now := time.Now()
		ip := c.ClientIP()

		mu.Lock()
		if now.Sub(lastSweep) > clientBucketTTL {
			for key, b := range buckets {
				if now.Sub(b.lastSeen) > clientBucketTTL {
					delete(buckets, key)
				}
			}
			lastSweep = now
		}
		b, ok := buckets[ip]
		if !ok {
			b = &clientBucket{lim: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)}
			buckets[ip] = b
		}
		b.lastSeen = now
		lim := b.lim
		mu.Unlock()

		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
