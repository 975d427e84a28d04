package services

import (
	"context"

	"github.com/sirupsen/logrus"
)

// WebhookVerifier authenticates gateway notifications before anything touches the database
type WebhookVerifier struct {
	gateways GatewayResolver
	logger   *logrus.Entry
}

// NewWebhookVerifier creates a new webhook verifier
func NewWebhookVerifier(gateways GatewayResolver, logger *logrus.Logger) *WebhookVerifier {
	return &WebhookVerifier{
		gateways: gateways,
		logger:   logger.WithField("component", "webhook_verifier"),
	}
}

// SignatureHeader returns the header a gateway puts its signature in
func (v *WebhookVerifier) SignatureHeader(ctx context.Context, gatewayCode string) (string, error) {
	adapter, err := v.gateways.Get(ctx, gatewayCode)
	if err != nil {
		return "", err
	}
	return adapter.SignatureHeader(), nil
}

// Verify checks a notification signature. Unknown or inactive gateways are errors;
// a missing or wrong signature is a plain false.
func (v *WebhookVerifier) Verify(ctx context.Context, gatewayCode string, payload []byte, signature string) (bool, error) {
	adapter, err := v.gateways.Get(ctx, gatewayCode)
	if err != nil {
		return false, err
	}
	if signature == "" {
		v.logger.WithField("gateway", gatewayCode).Warn("Webhook delivered without signature")
		return false, nil
	}
	if !adapter.VerifySignature(payload, signature) {
		v.logger.WithFields(logrus.Fields{
			"gateway":      gatewayCode,
			"payload_size": len(payload),
		}).Warn("Webhook signature mismatch")
		return false, nil
	}
	return true, nil
}
