package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"payment-core/internal/models"
	"payment-core/internal/services"
)

const maxNotificationBody = 1 << 20

// WebhookHandler receives gateway callbacks and webhooks
type WebhookHandler struct {
	payments *services.PaymentService
	verifier *services.WebhookVerifier
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(payments *services.PaymentService, verifier *services.WebhookVerifier) *WebhookHandler {
	return &WebhookHandler{
		payments: payments,
		verifier: verifier,
	}
}

// HandleCallback handles GET|POST /api/v1/payments/callback/:gateway
// Gateways redirect the customer back with query parameters, a form post or JSON.
// @Summary Gateway callback
// @Tags gateways
// @Produce json
// @Param gateway path string true "Gateway code"
// @Success 200 {object} map[string]interface{}
// @Router /payments/callback/{gateway} [get]
// @Router /payments/callback/{gateway} [post]
func (h *WebhookHandler) HandleCallback(c *gin.Context) {
	payload, err := callbackPayload(c)
	if err != nil {
		badRequest(c, "Failed to read callback", err)
		return
	}

	payment, err := h.payments.ProcessCallback(c.Request.Context(), strings.ToLower(c.Param("gateway")), payload)
	if err != nil {
		respondError(c, "Failed to process callback", err)
		return
	}
	c.JSON(http.StatusOK, notificationResult(payment))
}

// HandleWebhook handles POST /api/v1/payments/webhook/:gateway
// Anything but 200 makes the gateway redeliver, so 200 is only sent once the notification
// has been verified and applied.
// @Summary Gateway webhook
// @Tags gateways
// @Accept json
// @Produce json
// @Param gateway path string true "Gateway code"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} models.ErrorResponse
// @Router /payments/webhook/{gateway} [post]
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	code := strings.ToLower(c.Param("gateway"))

	header, err := h.verifier.SignatureHeader(ctx, code)
	if err != nil {
		respondError(c, "Failed to process webhook", err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	if err != nil {
		badRequest(c, "Failed to read request body", err)
		return
	}

	payment, err := h.payments.ProcessWebhook(ctx, code, body, c.GetHeader(header))
	if err != nil {
		respondError(c, "Failed to process webhook", err)
		return
	}
	c.JSON(http.StatusOK, notificationResult(payment))
}

// callbackPayload turns whatever the gateway sent into JSON for the adapter
func callbackPayload(c *gin.Context) ([]byte, error) {
	if c.Request.Method == http.MethodPost && strings.Contains(c.ContentType(), "json") {
		return io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBody))
	}

	fields := map[string]string{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	if c.Request.Method == http.MethodPost {
		if err := c.Request.ParseForm(); err != nil {
			return nil, err
		}
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				fields[k] = v[0]
			}
		}
	}
	return json.Marshal(fields)
}

func notificationResult(payment *models.Payment) gin.H {
	result := gin.H{"received": true}
	if payment != nil {
		result["payment_id"] = payment.ID
		result["status"] = payment.Status
		result["refund_status"] = payment.RefundStatus
	}
	return result
}
