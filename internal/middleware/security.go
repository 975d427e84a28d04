package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"payment-core/internal/models"
)

// SecurityHeaders adds security headers to responses
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Payment data must never sit in shared caches
		c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
		c.Header("Pragma", "no-cache")

		c.Next()
	}
}

// CORS builds the cors middleware. An empty origin list allows any origin without credentials.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			"Authorization",
			"Content-Type",
			"Idempotency-Key",
			"X-Request-ID",
			"X-User-ID",
		},
		ExposeHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
		config.AllowWildcard = true
	}
	return cors.New(config)
}

// IdempotencyStore reserves idempotency keys across replicas
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisIdempotencyStore keeps keys in Redis with SETNX
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdempotencyStore creates a Redis backed idempotency store
func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: "payment-core:idempotency:"}
}

// Reserve claims key for ttl. It reports false when the key is already taken.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release frees key so the request can be retried
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// IdempotencyMiddleware rejects a POST whose Idempotency-Key was already used successfully.
// Keys of failed requests are released. Without a store every request passes through.
func IdempotencyMiddleware(store IdempotencyStore, ttl time.Duration, logger *logrus.Logger) gin.HandlerFunc {
	log := logger.WithField("component", "idempotency")
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if store == nil || c.Request.Method != http.MethodPost || idempotencyKey == "" {
			c.Next()
			return
		}

		key := GetActor(c) + ":" + c.FullPath() + ":" + idempotencyKey
		reserved, err := store.Reserve(c.Request.Context(), key, ttl)
		if err != nil {
			// Redis trouble must not block payments
			log.WithError(err).Warn("Idempotency store unavailable, passing request through")
			c.Next()
			return
		}
		if !reserved {
			c.AbortWithStatusJSON(http.StatusConflict, models.ErrorResponse{
				Error:   "Duplicate request",
				Message: "Request with this idempotency key has already been processed",
				Code:    "duplicate_request",
			})
			return
		}

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			if err := store.Release(context.WithoutCancel(c.Request.Context()), key); err != nil {
				log.WithError(err).WithField("key", key).Warn("Failed to release idempotency key")
			}
		}
	}
}
