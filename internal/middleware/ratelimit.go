package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"payment-core/internal/models"
)

// RateLimiter hands out one token bucket per client key
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per key with the given burst
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &RateLimiter{
		limiters: make(map[string]*visitor),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		idle:     5 * time.Minute,
	}
}

// Allow checks if a request from key should be allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := time.Now()
	v, ok := rl.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = v
	}
	v.lastSeen = now

	// Sweep idle visitors while we hold the lock anyway
	if len(rl.limiters) > 1024 {
		for k, other := range rl.limiters {
			if now.Sub(other.lastSeen) > rl.idle {
				delete(rl.limiters, k)
			}
		}
	}
	rl.mu.Unlock()

	return v.limiter.Allow()
}

// RateLimitMiddleware limits by the verified user when the rbac middleware ran before it,
// otherwise by client IP. Identity headers are caller-supplied and never used as the key.
func RateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString("user_id")
		if key == "" {
			key = "ip:" + c.ClientIP()
		}

		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Error:   "Rate limit exceeded",
				Message: "Too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}

// PaymentRateLimits groups the limiters used by the router
type PaymentRateLimits struct {
	APIGeneral *RateLimiter
	Refunds    *RateLimiter
	Webhooks   *RateLimiter
}

// NewPaymentRateLimits derives the limiters from the general per-minute budget.
// Gateways deliver webhooks in bursts, so they get a much larger bucket.
func NewPaymentRateLimits(perMinute int) *PaymentRateLimits {
	return &PaymentRateLimits{
		APIGeneral: NewRateLimiter(perMinute, perMinute),
		Refunds:    NewRateLimiter(perMinute/4+1, 10),
		Webhooks:   NewRateLimiter(perMinute*10, perMinute*10),
	}
}
