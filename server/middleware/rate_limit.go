package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RateLimiter is a per-client-IP token bucket.
type RateLimiter struct {
	clients    map[string]*ClientBucket
	mutex      sync.Mutex
	logger     *zap.Logger
	defaultRPS float64
	burst      int
	idleTTL    time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type ClientBucket struct {
	tokens     float64
	lastUpdate time.Time
	rejected   int64
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := newRateLimiter(float64(defaultRPS), burst, logger, time.Now)
	go rl.cleanupExpiredClients(5 * time.Minute)
	return rl
}

func newRateLimiter(rps float64, burst int, logger *zap.Logger, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		clients:    make(map[string]*ClientBucket),
		defaultRPS: rps,
		burst:      burst,
		idleTTL:    10 * time.Minute,
		logger:     logger,
		now:        now,
		stop:       make(chan struct{}),
	}
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig limits with its own rate. Buckets are keyed by path
// group so a tighter limit does not drain the default bucket.
func (rl *RateLimiter) RateLimitWithConfig(rps float64, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if rps != rl.defaultRPS || burst != rl.burst {
			key += "|" + c.FullPath()
		}

		ok, wait := rl.allow(key, rps, burst)
		if !ok {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
				zap.Float64("rps", rps))

			retryAfter := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// allow takes one token from key's bucket. When empty it reports how long
// until the next token.
func (rl *RateLimiter) allow(key string, rps float64, burst int) (bool, time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	bucket, exists := rl.clients[key]
	if !exists {
		bucket = &ClientBucket{tokens: float64(burst), lastUpdate: now}
		rl.clients[key] = bucket
	}

	elapsed := now.Sub(bucket.lastUpdate).Seconds()
	bucket.tokens = math.Min(float64(burst), bucket.tokens+elapsed*rps)
	bucket.lastUpdate = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true, 0
	}

	bucket.rejected++
	if rps <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - bucket.tokens) / rps * float64(time.Second))
}

func (rl *RateLimiter) cleanupExpiredClients(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	evicted := 0
	for key, bucket := range rl.clients {
		if now.Sub(bucket.lastUpdate) > rl.idleTTL {
			delete(rl.clients, key)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimiter) GetGlobalStats() map[string]interface{} {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	var rejected int64
	for _, bucket := range rl.clients {
		rejected += bucket.rejected
	}

	return map[string]interface{}{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
		"rejected":       rejected,
	}
}

func (rl *RateLimiter) Shutdown() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
