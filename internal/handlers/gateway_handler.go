package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"payment-core/internal/models"
	"payment-core/internal/services"
)

// GatewayHandler serves the gateway catalogue shown at checkout
type GatewayHandler struct {
	payments *services.PaymentService
}

// NewGatewayHandler creates a new gateway handler
func NewGatewayHandler(payments *services.PaymentService) *GatewayHandler {
	return &GatewayHandler{payments: payments}
}

// ListGateways handles GET /api/v1/payments/gateways
// @Summary List active payment gateways
// @Tags payments
// @Produce json
// @Success 200 {array} models.GatewayResponse
// @Router /payments/gateways [get]
func (h *GatewayHandler) ListGateways(c *gin.Context) {
	configs, err := h.payments.ListGateways(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to list gateways", err)
		return
	}

	gateways := make([]models.GatewayResponse, 0, len(configs))
	for _, cfg := range configs {
		gateways = append(gateways, models.GatewayResponse{
			Code:        cfg.Code,
			DisplayName: cfg.DisplayName,
			IsSandbox:   cfg.IsSandbox,
			Priority:    cfg.Priority,
			LogoURL:     cfg.LogoURL,
		})
	}
	c.JSON(http.StatusOK, gin.H{"gateways": gateways})
}
