package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
	"payment-core/internal/services"
)

// respondError maps service and gateway errors onto HTTP responses
func respondError(c *gin.Context, fallback string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, services.ErrPaymentNotFound):
		status, code = http.StatusNotFound, "payment_not_found"
	case errors.Is(err, services.ErrRefundNotFound):
		status, code = http.StatusNotFound, "refund_not_found"
	case errors.Is(err, services.ErrInvalidSignature):
		status, code = http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, gateway.ErrUnknownGateway):
		status, code = http.StatusNotFound, "unknown_gateway"
	case errors.Is(err, gateway.ErrGatewayInactive):
		status, code = http.StatusBadRequest, "gateway_inactive"
	case errors.Is(err, services.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, services.ErrDuplicateInvoice):
		status, code = http.StatusConflict, "duplicate_invoice"
	case errors.Is(err, services.ErrInvalidPayload):
		status, code = http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, services.ErrMissingTransaction):
		status, code = http.StatusBadRequest, "missing_transaction"
	case errors.Is(err, services.ErrRefundNotPending):
		status, code = http.StatusBadRequest, "refund_not_pending"
	}

	_ = c.Error(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Persistence details stay in the logs
		message = fallback
	}
	c.JSON(status, models.ErrorResponse{
		Error:   fallback,
		Message: message,
		Code:    code,
	})
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   message,
		Message: err.Error(),
		Code:    "validation_error",
	})
}
