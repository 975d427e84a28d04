package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
)

// GatewayResolver returns the adapter registered for a gateway code
type GatewayResolver interface {
	Get(ctx context.Context, code string) (gateway.Adapter, error)
}

// SettlementPublisher emits events for payments and refunds that reached a final state
type SettlementPublisher interface {
	PaymentSucceeded(ctx context.Context, payment *models.Payment) error
	PaymentFailed(ctx context.Context, payment *models.Payment, code, message string) error
	PaymentRefunded(ctx context.Context, payment *models.Payment, refund *models.Refund) error
}

// CustomerNotifier tells the customer about the outcome of a payment or refund
type CustomerNotifier interface {
	PaymentConfirmed(ctx context.Context, payment *models.Payment) error
	PaymentFailed(ctx context.Context, payment *models.Payment, reason string) error
	RefundProcessed(ctx context.Context, payment *models.Payment, refund *models.Refund) error
}

// settlement runs the side effects of a committed transition. Both collaborators are optional
// and failures are only logged: the database row is the source of truth.
type settlement struct {
	publisher SettlementPublisher
	notifier  CustomerNotifier
	logger    *logrus.Entry
}

func (s settlement) paymentSettled(ctx context.Context, payment *models.Payment) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"status":     payment.Status,
	})

	switch payment.Status {
	case models.PaymentCompleted:
		if s.publisher != nil {
			if err := s.publisher.PaymentSucceeded(ctx, payment); err != nil {
				log.WithError(err).Warn("Failed to publish payment succeeded event")
			}
		}
		if s.notifier != nil {
			if err := s.notifier.PaymentConfirmed(ctx, payment); err != nil {
				log.WithError(err).Warn("Failed to send payment confirmation")
			}
		}
	case models.PaymentFailed, models.PaymentCancelled, models.PaymentExpired:
		code, message := failureDetails(payment)
		if s.publisher != nil {
			if err := s.publisher.PaymentFailed(ctx, payment, code, message); err != nil {
				log.WithError(err).Warn("Failed to publish payment failed event")
			}
		}
		if s.notifier != nil {
			if err := s.notifier.PaymentFailed(ctx, payment, message); err != nil {
				log.WithError(err).Warn("Failed to send payment failure notice")
			}
		}
	}
}

func (s settlement) refundCompleted(ctx context.Context, payment *models.Payment, refund *models.Refund) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"refund_id":  refund.ID,
	})

	if s.publisher != nil {
		if err := s.publisher.PaymentRefunded(ctx, payment, refund); err != nil {
			log.WithError(err).Warn("Failed to publish payment refunded event")
		}
	}
	if s.notifier != nil {
		if err := s.notifier.RefundProcessed(ctx, payment, refund); err != nil {
			log.WithError(err).Warn("Failed to send refund notice")
		}
	}
}

// failureDetails reads the recorded failure of a payment, falling back to its status
func failureDetails(payment *models.Payment) (string, string) {
	code := string(payment.Status)
	message := fmt.Sprintf("Payment %s", payment.Status)
	if details, ok := payment.Metadata["error"].(map[string]interface{}); ok {
		if c, ok := details["code"].(string); ok && c != "" {
			code = c
		}
		if m, ok := details["message"].(string); ok && m != "" {
			message = m
		}
	}
	return code, message
}

// gatewayErrorDetails is the metadata.error entry for a failed gateway call
func gatewayErrorDetails(raw *gateway.RawResponse, err error) map[string]interface{} {
	details := map[string]interface{}{}
	switch {
	case err != nil:
		details["code"] = gateway.ErrorCode(err)
		details["message"] = err.Error()
		var gwErr *gateway.GatewayError
		if errors.As(err, &gwErr) && gwErr.HTTPStatus != 0 {
			details["http_status"] = gwErr.HTTPStatus
		}
	case raw != nil:
		details["code"] = "gateway_rejected"
		details["message"] = raw.ErrorMessage
		if raw.ErrorMessage == "" {
			details["message"] = "gateway rejected the request"
		}
		details["http_status"] = raw.HTTPStatus
	default:
		details["code"] = "gateway_error"
		details["message"] = "empty gateway response"
	}
	return details
}
