package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxAuditBody = 16 << 10

// AuditMiddleware writes one structured entry per request. Bodies of mutating requests are
// included with sensitive fields masked.
func AuditMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	log := logger.WithField("component", "audit")
	return func(c *gin.Context) {
		start := time.Now()

		var requestBody []byte
		if c.Request.Method == "POST" && c.Request.Body != nil {
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxAuditBody+1))
			rest := c.Request.Body
			c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(requestBody), rest))
		}

		c.Next()

		status := c.Writer.Status()
		fields := logrus.Fields{
			"request_id":  c.GetString("requestID"),
			"actor":       c.GetString("actor"),
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"route":       c.FullPath(),
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
			"action":      auditAction(c),
		}
		if body := auditBody(c, requestBody); body != nil {
			fields["body"] = body
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		entry := log.WithFields(fields)
		switch {
		case status >= 500:
			entry.Error("request failed")
		case status >= 400:
			entry.Warn("request rejected")
		default:
			entry.Info("request completed")
		}
	}
}

// auditAction names the payment operation behind the matched route
func auditAction(c *gin.Context) string {
	route := c.FullPath()
	switch {
	case route == "/api/v1/payments" && c.Request.Method == "POST":
		return "create_payment"
	case route == "/api/v1/payments/initiate":
		return "initiate_payment"
	case strings.HasPrefix(route, "/api/v1/payments/callback/"):
		return "gateway_callback"
	case strings.HasPrefix(route, "/api/v1/payments/webhook/"):
		return "gateway_webhook"
	case route == "/api/v1/payments/:payment/refunds" && c.Request.Method == "POST":
		return "create_refund"
	case route == "/api/v1/refunds/:refund/process":
		return "process_refund"
	case route == "/api/v1/refunds/:refund/cancel":
		return "cancel_refund"
	case route == "/api/v1/refunds/export":
		return "export_refunds"
	default:
		return c.Request.Method + " " + route
	}
}

// auditBody decodes a JSON body for logging. Webhook bodies are skipped because gateways put
// customer data in them.
func auditBody(c *gin.Context, body []byte) map[string]interface{} {
	if len(body) == 0 || len(body) > maxAuditBody || strings.HasPrefix(c.FullPath(), "/api/v1/payments/webhook/") {
		return nil
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil
	}
	return MaskSensitiveData(data)
}

// SensitiveFields are fields that should be masked in logs
var SensitiveFields = []string{
	"api_key",
	"secret",
	"password",
	"private_key",
	"token",
	"card_number",
	"cvv",
	"cvc",
	"customer_phone",
}

// MaskSensitiveData masks sensitive fields in a map, recursing into nested objects
func MaskSensitiveData(data map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{}, len(data))
	for k, v := range data {
		if isSensitive(k) {
			masked[k] = "***MASKED***"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			masked[k] = MaskSensitiveData(nested)
			continue
		}
		masked[k] = v
	}
	return masked
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, sf := range SensitiveFields {
		if strings.Contains(key, sf) {
			return true
		}
	}
	return false
}
