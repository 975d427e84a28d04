package services

import (
	"strings"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
)

// MapPaymentStatus maps a gateway status onto the canonical payment status.
// ok is false for vocabulary we do not recognise.
func MapPaymentStatus(raw string) (models.PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case gateway.StatusSuccess, "completed":
		return models.PaymentCompleted, true
	case gateway.StatusFailed, "error":
		return models.PaymentFailed, true
	case gateway.StatusCancelled, "canceled":
		return models.PaymentCancelled, true
	case gateway.StatusExpired:
		return models.PaymentExpired, true
	}
	return "", false
}

// MapRefundStatus maps a gateway refund status onto the refund lifecycle
func MapRefundStatus(raw string) (models.RefundStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case gateway.StatusSuccess, "completed":
		return models.RefundCompleted, true
	case gateway.StatusFailed, "error", gateway.StatusCancelled, "canceled":
		return models.RefundFailed, true
	}
	return "", false
}

func isPending(raw string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), gateway.StatusPending)
}
