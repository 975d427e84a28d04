package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"payment-core/internal/middleware"
	"payment-core/internal/models"
	"payment-core/internal/services"
)

// PaymentHandler handles payment-related HTTP requests
type PaymentHandler struct {
	payments *services.PaymentService
	refunds  *services.RefundService
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(payments *services.PaymentService, refunds *services.RefundService) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		refunds:  refunds,
	}
}

// CreatePayment handles POST /api/v1/payments
// @Summary Create a pending payment
// @Tags payments
// @Accept json
// @Produce json
// @Param request body models.CreatePaymentRequest true "Payment"
// @Success 201 {object} models.Payment
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /payments [post]
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}

	payment, err := h.payments.CreatePayment(c.Request.Context(), &req, middleware.GetActor(c))
	if err != nil {
		respondError(c, "Failed to create payment", err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

// InitiatePayment handles POST /api/v1/payments/initiate
// @Summary Start a payment at its gateway
// @Tags payments
// @Accept json
// @Produce json
// @Param request body models.InitiatePaymentRequest true "Payment reference and gateway"
// @Success 200 {object} models.InitiatePaymentResponse
// @Failure 422 {object} models.InitiatePaymentResponse
// @Router /payments/initiate [post]
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}

	ctx := c.Request.Context()
	payment, err := h.payments.ResolvePayment(ctx, req.PaymentRef)
	if err != nil {
		respondError(c, "Failed to initiate payment", err)
		return
	}

	result, err := h.payments.InitializePayment(ctx, payment, req.GatewayCode)
	if err != nil {
		respondError(c, "Failed to initiate payment", err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetPaymentStatus handles GET /api/v1/payments/status/:payment
// With verify=true the gateway is polled first; a failed poll is reported in
// verification_error next to the stored status.
// @Summary Payment status
// @Tags payments
// @Produce json
// @Param payment path string true "Payment id or invoice number"
// @Param verify query bool false "Poll the gateway"
// @Success 200 {object} models.PaymentStatusResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /payments/status/{payment} [get]
func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	payment, err := h.payments.ResolvePayment(ctx, c.Param("payment"))
	if err != nil {
		respondError(c, "Failed to get payment", err)
		return
	}

	var verificationError string
	if c.Query("verify") == "true" {
		verified, err := h.payments.VerifyPayment(ctx, payment)
		if err != nil {
			verificationError = err.Error()
		}
		if verified != nil {
			payment = verified
		}
	}

	c.JSON(http.StatusOK, models.PaymentStatusResponse{
		PaymentID:         payment.ID.String(),
		InvoiceNumber:     payment.InvoiceNumber,
		Status:            payment.Status,
		RefundStatus:      payment.RefundStatus,
		Amount:            payment.Amount,
		RefundableAmount:  h.refunds.GetRefundableAmount(payment),
		Currency:          payment.Currency,
		GatewayCode:       payment.GatewayCode,
		TransactionID:     payment.TransactionRef(),
		CompletedAt:       payment.CompletedAt,
		UpdatedAt:         payment.UpdatedAt,
		VerificationError: verificationError,
	})
}

// ListPaymentRefunds handles GET /api/v1/payments/:payment/refunds
// @Summary Refunds of a payment
// @Tags refunds
// @Produce json
// @Param payment path string true "Payment id or invoice number"
// @Success 200 {object} models.ListResponse
// @Router /payments/{payment}/refunds [get]
func (h *PaymentHandler) ListPaymentRefunds(c *gin.Context) {
	ctx := c.Request.Context()
	payment, err := h.payments.ResolvePayment(ctx, c.Param("payment"))
	if err != nil {
		respondError(c, "Failed to list refunds", err)
		return
	}

	refunds, err := h.refunds.ListPaymentRefunds(ctx, payment.ID)
	if err != nil {
		respondError(c, "Failed to list refunds", err)
		return
	}
	c.JSON(http.StatusOK, models.ListResponse{
		Data:     refunds,
		Total:    int64(len(refunds)),
		Page:     1,
		PageSize: len(refunds),
	})
}

// CreateRefund handles POST /api/v1/payments/:payment/refunds
// Rejected refunds answer 422 with the reason in message.
// @Summary Refund a payment
// @Tags refunds
// @Accept json
// @Produce json
// @Param payment path string true "Payment id or invoice number"
// @Param request body models.CreateRefundRequest true "Refund"
// @Success 201 {object} models.RefundActionResponse
// @Failure 422 {object} models.RefundActionResponse
// @Router /payments/{payment}/refunds [post]
func (h *PaymentHandler) CreateRefund(c *gin.Context) {
	var req models.CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request", err)
		return
	}

	ctx := c.Request.Context()
	payment, err := h.payments.ResolvePayment(ctx, c.Param("payment"))
	if err != nil {
		respondError(c, "Failed to create refund", err)
		return
	}

	result, err := h.refunds.InitiateRefund(ctx, payment, services.RefundInput{
		Amount:   req.Amount,
		Reason:   req.Reason,
		Actor:    middleware.GetActor(c),
		Metadata: req.Metadata,
		Deferred: req.Deferred,
	})
	if err != nil {
		respondError(c, "Failed to create refund", err)
		return
	}

	response := models.RefundActionResponse{
		Success: result.Success,
		Message: result.Message,
		Refund:  result.Refund,
	}
	if !result.Success {
		c.JSON(http.StatusUnprocessableEntity, response)
		return
	}
	c.JSON(http.StatusCreated, response)
}
