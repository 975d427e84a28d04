package subscribers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	gosharedevents "github.com/Tesseract-Nexus/go-shared/events"
	"github.com/sirupsen/logrus"
)

// AdapterCache is the part of the gateway registry the subscriber needs
type AdapterCache interface {
	Invalidate(code string)
	Clear()
}

// PaymentConfigSubscriber listens for gateway configuration changes made on the admin side and
// drops the affected cached adapters so the next request rebuilds them from the database
type PaymentConfigSubscriber struct {
	subscriber *gosharedevents.Subscriber
	adapters   AdapterCache
	logger     *logrus.Entry
	cancel     context.CancelFunc
}

// NewPaymentConfigSubscriber creates a new payment config event subscriber
func NewPaymentConfigSubscriber(natsURL string, adapters AdapterCache, logger *logrus.Logger) (*PaymentConfigSubscriber, error) {
	if natsURL == "" {
		natsURL = "nats://nats.nats.svc.cluster.local:4222"
	}

	config := gosharedevents.DefaultSubscriberConfig(natsURL, "payment-core-config-sync")
	config.Name = "payment-core-config-subscriber"
	config.DeliverPolicy = "new"
	config.MaxDeliver = 5
	config.AckWait = 30 * time.Second

	subscriber, err := gosharedevents.NewSubscriber(config, logger)
	if err != nil {
		return nil, err
	}

	return &PaymentConfigSubscriber{
		subscriber: subscriber,
		adapters:   adapters,
		logger:     logger.WithField("component", "payment-config-subscriber"),
	}, nil
}

// Start starts listening for payment config events
func (s *PaymentConfigSubscriber) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	subjects := []string{
		gosharedevents.PaymentConfigUpdated,
		gosharedevents.PaymentConfigEnabled,
		gosharedevents.PaymentConfigDisabled,
		gosharedevents.PaymentConfigTested,
	}

	// The stream is owned by the admin side publisher
	err := s.subscriber.Subscribe(ctx, gosharedevents.StreamPaymentConfigs, subjects, s.handlePaymentConfigMessage)
	if err != nil {
		return err
	}

	s.logger.WithField("subjects", subjects).Info("Payment config subscriber started")
	return nil
}

func (s *PaymentConfigSubscriber) handlePaymentConfigMessage(ctx context.Context, msg *gosharedevents.Message) error {
	return s.handle(msg.Data)
}

// handle applies one event. Invalid payloads are dropped rather than redelivered.
func (s *PaymentConfigSubscriber) handle(data []byte) error {
	var event gosharedevents.PaymentConfigEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.WithError(err).Error("Failed to unmarshal payment config event")
		return nil
	}

	log := s.logger.WithFields(logrus.Fields{
		"event_type":   event.EventType,
		"gateway_type": event.GatewayType,
		"is_enabled":   event.IsEnabled,
	})

	switch event.EventType {
	case gosharedevents.PaymentConfigUpdated, gosharedevents.PaymentConfigEnabled, gosharedevents.PaymentConfigDisabled:
		code := strings.ToLower(strings.TrimSpace(event.GatewayType))
		if code == "" {
			log.Info("Gateway config changed without a gateway code, clearing adapter cache")
			s.adapters.Clear()
			return nil
		}
		log.Info("Gateway config changed")
		s.adapters.Invalidate(code)
	case gosharedevents.PaymentConfigTested:
		log.WithFields(logrus.Fields{
			"success": event.TestSuccess,
			"message": event.TestMessage,
		}).Info("Gateway config test result received")
	default:
		log.Warn("Unknown payment config event type")
	}
	return nil
}

// Stop stops the payment config subscriber
func (s *PaymentConfigSubscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.subscriber != nil {
		s.subscriber.Close()
	}
	s.logger.Info("Payment config subscriber stopped")
}
