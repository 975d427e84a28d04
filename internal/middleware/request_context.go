package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type contextKey string

const (
	ActorKey     contextKey = "actor"
	RequestIDKey contextKey = "requestID"
)

// RequestContext resolves who is calling and tags the request with an id.
// The actor comes from the rbac middleware when it ran, then from upstream headers.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString("user_id")
		if actor == "" {
			actor = c.GetHeader("X-User-ID")
		}
		if actor == "" && c.GetHeader("X-Internal-Service") != "" {
			actor = "service:" + c.GetHeader("X-Internal-Service")
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		ctx := context.WithValue(c.Request.Context(), ActorKey, actor)
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Set("actor", actor)
		c.Set("requestID", requestID)
		c.Next()
	}
}

// GetActor returns the caller recorded on refunds and payments, "system" when anonymous.
// The user verified by the rbac middleware wins over anything taken from headers.
func GetActor(c *gin.Context) string {
	if actor := c.GetString("user_id"); actor != "" {
		return actor
	}
	if actor := c.GetString("actor"); actor != "" {
		return actor
	}
	return "system"
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(RequestIDKey).(string); ok {
		return v
	}
	return ""
}
