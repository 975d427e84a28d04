package events

import (
	"context"

	"github.com/Tesseract-Nexus/go-shared/events"
	"github.com/sirupsen/logrus"

	"payment-core/internal/models"
)

// Publisher wraps the shared events publisher for settlement events
type Publisher struct {
	publisher *events.Publisher
	tenantID  string
	logger    *logrus.Entry
}

// NewPublisher connects to NATS and makes sure the payment stream exists
func NewPublisher(natsURL, tenantID string, logger *logrus.Logger) (*Publisher, error) {
	if natsURL == "" {
		natsURL = "nats://nats.nats.svc.cluster.local:4222"
	}

	config := events.DefaultPublisherConfig(natsURL)
	config.Name = "payment-core"

	publisher, err := events.NewPublisher(config, logger)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := publisher.EnsureStream(ctx, events.StreamPayments, []string{"payment.>"}); err != nil {
		logger.WithError(err).Warn("Failed to ensure PAYMENT_EVENTS stream")
	}

	return &Publisher{
		publisher: publisher,
		tenantID:  tenantID,
		logger:    logger.WithField("component", "events.publisher"),
	}, nil
}

// PaymentSucceeded publishes payment.succeeded
func (p *Publisher) PaymentSucceeded(ctx context.Context, payment *models.Payment) error {
	event := events.NewPaymentEvent(events.PaymentSucceeded, p.tenantID)
	event.PaymentID = payment.ID.String()
	event.OrderNumber = payment.InvoiceNumber
	event.CustomerEmail = payment.CustomerEmail
	event.CustomerName = payment.CustomerName
	event.Amount = payment.Amount.InexactFloat64()
	event.Currency = payment.Currency
	event.Provider = payment.GatewayCode
	event.Status = "succeeded"

	return p.publisher.PublishPayment(ctx, event)
}

// PaymentFailed publishes payment.failed for failed, cancelled and expired payments
func (p *Publisher) PaymentFailed(ctx context.Context, payment *models.Payment, code, message string) error {
	event := events.NewPaymentEvent(events.PaymentFailed, p.tenantID)
	event.PaymentID = payment.ID.String()
	event.OrderNumber = payment.InvoiceNumber
	event.CustomerEmail = payment.CustomerEmail
	event.Amount = payment.Amount.InexactFloat64()
	event.Currency = payment.Currency
	event.Provider = payment.GatewayCode
	event.ErrorCode = code
	event.ErrorMessage = message
	event.Status = string(payment.Status)

	return p.publisher.PublishPayment(ctx, event)
}

// PaymentRefunded publishes payment.refunded once a refund is confirmed
func (p *Publisher) PaymentRefunded(ctx context.Context, payment *models.Payment, refund *models.Refund) error {
	event := events.NewPaymentEvent(events.PaymentRefunded, p.tenantID)
	event.PaymentID = payment.ID.String()
	event.RefundID = refund.ID.String()
	event.OrderNumber = payment.InvoiceNumber
	event.CustomerEmail = payment.CustomerEmail
	event.RefundAmount = refund.Amount.InexactFloat64()
	event.Currency = refund.Currency
	event.Provider = payment.GatewayCode
	event.RefundReason = refund.Reason
	event.Status = string(payment.RefundStatus)

	p.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"refund_id":  refund.ID,
	}).Debug("Publishing refund event")
	return p.publisher.PublishPayment(ctx, event)
}

// IsConnected reports the NATS connection state; a nil publisher is never connected
func (p *Publisher) IsConnected() bool {
	if p == nil || p.publisher == nil {
		return false
	}
	return p.publisher.IsConnected()
}

// Close closes the publisher connection
func (p *Publisher) Close() {
	p.publisher.Close()
}
