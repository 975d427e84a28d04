package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"payment-core/internal/gateway"
	"payment-core/internal/models"
	"payment-core/internal/repository"
)

// PaymentService handles payment business logic
type PaymentService struct {
	store           repository.Store
	gateways        GatewayResolver
	verifier        *WebhookVerifier
	refunds         *RefundService
	settlement      settlement
	callbackBaseURL string
	logger          *logrus.Entry
	now             func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(
	store repository.Store,
	gateways GatewayResolver,
	verifier *WebhookVerifier,
	refunds *RefundService,
	publisher SettlementPublisher,
	notifier CustomerNotifier,
	callbackBaseURL string,
	logger *logrus.Logger,
) *PaymentService {
	entry := logger.WithField("component", "payment_service")
	return &PaymentService{
		store:           store,
		gateways:        gateways,
		verifier:        verifier,
		refunds:         refunds,
		settlement:      settlement{publisher: publisher, notifier: notifier, logger: entry},
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		logger:          entry,
		now:             time.Now,
	}
}

// CreatePayment records a new pending payment
func (s *PaymentService) CreatePayment(ctx context.Context, req *models.CreatePaymentRequest, actor string) (*models.Payment, error) {
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	code := strings.ToLower(strings.TrimSpace(req.GatewayCode))
	if _, err := s.gateways.Get(ctx, code); err != nil {
		return nil, err
	}

	if req.InvoiceNumber != "" {
		_, err := s.store.GetPaymentByInvoice(ctx, req.InvoiceNumber)
		if err == nil {
			return nil, ErrDuplicateInvoice
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to check invoice number: %w", err)
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "BDT"
	}

	payment := &models.Payment{
		InvoiceNumber: req.InvoiceNumber,
		Amount:        amount,
		Currency:      currency,
		GatewayCode:   code,
		Status:        models.PaymentPending,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		Description:   req.Description,
		CreatedBy:     actor,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"invoice":    payment.InvoiceNumber,
		"gateway":    code,
		"amount":     payment.Amount.StringFixed(2),
	}).Info("Payment created")
	return payment, nil
}

// ResolvePayment finds a payment by id or invoice number
func (s *PaymentService) ResolvePayment(ctx context.Context, ref string) (*models.Payment, error) {
	ref = strings.TrimSpace(ref)
	var (
		payment *models.Payment
		err     error
	)
	if id, parseErr := uuid.Parse(ref); parseErr == nil {
		payment, err = s.store.GetPayment(ctx, id)
	} else {
		payment, err = s.store.GetPaymentByInvoice(ctx, ref)
	}
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// GetPayment gets a payment with its refunds
func (s *PaymentService) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	payment, err := s.store.GetPayment(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// ListGateways lists the gateways customers can pay with
func (s *PaymentService) ListGateways(ctx context.Context) ([]models.GatewayConfig, error) {
	return s.store.ListActiveGateways(ctx)
}

// InitializePayment starts a pending payment at the gateway. Gateway failures are reported in
// the response and mark the payment failed; only config and persistence problems are errors.
func (s *PaymentService) InitializePayment(ctx context.Context, payment *models.Payment, gatewayCode string) (*models.InitiatePaymentResponse, error) {
	gatewayCode = strings.ToLower(strings.TrimSpace(gatewayCode))
	if gatewayCode == "" {
		gatewayCode = payment.GatewayCode
	}
	adapter, err := s.gateways.Get(ctx, gatewayCode)
	if err != nil {
		return nil, err
	}

	callbackURL, err := s.callbackURL(ctx, gatewayCode, payment)
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"gateway":    gatewayCode,
	})

	var (
		result  *models.InitiatePaymentResponse
		settled *models.Payment
	)
	err = s.store.WithPaymentLock(ctx, payment.ID, func(tx repository.Store, locked *models.Payment) error {
		if locked.Status != models.PaymentPending {
			result = &models.InitiatePaymentResponse{
				Success:   false,
				PaymentID: locked.ID.String(),
				ErrorCode: "invalid_state",
				Message:   fmt.Sprintf("Payment is %s and cannot be initialized", locked.Status),
			}
			return nil
		}

		locked.GatewayCode = gatewayCode
		raw, callErr := adapter.Initiate(ctx, &gateway.InitiateRequest{
			PaymentID:     locked.ID,
			InvoiceNumber: locked.InvoiceNumber,
			Amount:        locked.Amount,
			Currency:      locked.Currency,
			CustomerName:  locked.CustomerName,
			CustomerEmail: locked.CustomerEmail,
			CustomerPhone: locked.CustomerPhone,
			Description:   locked.Description,
			CallbackURL:   callbackURL,
		})
		if raw != nil {
			locked.SetMetadata("init_response", toMetadata(raw))
		}

		if callErr != nil || raw == nil || !raw.Success {
			details := gatewayErrorDetails(raw, callErr)
			message, _ := details["message"].(string)
			locked.SetMetadata("error", details)
			locked.Status = models.PaymentFailed
			now := s.now()
			locked.CompletedAt = &now

			log.WithFields(logrus.Fields{
				"code":    details["code"],
				"message": message,
			}).Warn("Payment initiation failed")

			result = &models.InitiatePaymentResponse{
				Success:   false,
				PaymentID: locked.ID.String(),
				ErrorCode: "payment_failed",
				Message:   message,
			}
			settled = locked
		} else {
			if raw.TransactionID != "" {
				txn := raw.TransactionID
				locked.TransactionID = &txn
			}
			locked.Status = models.PaymentProcessing
			result = &models.InitiatePaymentResponse{
				Success:     true,
				PaymentID:   locked.ID.String(),
				RedirectURL: raw.RedirectURL,
			}
		}
		return tx.SavePayment(ctx, locked)
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to initialize payment: %w", err)
	}

	if settled != nil {
		s.settlement.paymentSettled(ctx, settled)
	} else if result.Success {
		log.Info("Payment initiated")
	}
	return result, nil
}

// ProcessCallback reconciles the browser redirect a gateway sends back after checkout.
// Callbacks are unauthenticated: a status they claim is confirmed with the gateway unless the
// payload is signed, and refund notifications are only accepted as webhooks.
func (s *PaymentService) ProcessCallback(ctx context.Context, gatewayCode string, payload []byte) (*models.Payment, error) {
	adapter, err := s.gateways.Get(ctx, gatewayCode)
	if err != nil {
		return nil, err
	}

	n, err := adapter.ParseNotification(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if n.Kind != gateway.KindPayment {
		return nil, fmt.Errorf("%w: %s notifications must arrive as signed webhooks", ErrInvalidPayload, n.Kind)
	}

	event, _, err := s.logNotification(ctx, gatewayCode, models.SourceCallback, n, payload)
	if err != nil {
		return nil, err
	}

	payment, err := s.handleNotification(ctx, adapter, n, "callback_data", payload, n.Signed)
	s.markProcessed(ctx, event, err)
	return payment, err
}

// ProcessWebhook authenticates and reconciles an asynchronous gateway notification.
// Nothing is written when the signature does not verify.
func (s *PaymentService) ProcessWebhook(ctx context.Context, gatewayCode string, payload []byte, signature string) (*models.Payment, error) {
	ok, err := s.verifier.Verify(ctx, gatewayCode, payload, signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidSignature
	}

	adapter, err := s.gateways.Get(ctx, gatewayCode)
	if err != nil {
		return nil, err
	}

	n, err := adapter.ParseNotification(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	event, duplicate, err := s.logNotification(ctx, gatewayCode, models.SourceWebhook, n, payload)
	if err != nil {
		return nil, err
	}
	if n.Kind == gateway.KindIgnored {
		s.logger.WithFields(logrus.Fields{
			"gateway":   gatewayCode,
			"event_key": event.EventKey,
		}).Debug("Webhook event type not handled, acknowledged")
		s.markProcessed(ctx, event, nil)
		return nil, nil
	}
	if duplicate && event.Processed {
		s.logger.WithFields(logrus.Fields{
			"gateway":        gatewayCode,
			"event_key":      event.EventKey,
			"delivery_count": event.DeliveryCount,
		}).Info("Duplicate webhook delivery ignored")
		return s.notificationPayment(ctx, gatewayCode, n)
	}

	payment, err := s.handleNotification(ctx, adapter, n, "webhook_data", payload, true)
	s.markProcessed(ctx, event, err)
	return payment, err
}

// VerifyPayment polls the gateway and applies the reported status
func (s *PaymentService) VerifyPayment(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	adapter, err := s.gateways.Get(ctx, payment.GatewayCode)
	if err != nil {
		return payment, err
	}
	ref := payment.TransactionRef()
	if ref == "" {
		return payment, ErrMissingTransaction
	}

	raw, err := adapter.VerifyStatus(ctx, ref)
	if err != nil {
		return payment, fmt.Errorf("failed to verify payment: %w", err)
	}

	status := raw.Status
	if !raw.Success {
		status = ""
	}
	updated, err := s.reconcile(ctx, payment.ID, map[string]interface{}{
		"verification_response": toMetadata(raw),
	}, status)
	if err != nil {
		return payment, err
	}
	if !raw.Success {
		return updated, fmt.Errorf("failed to verify payment: %s", raw.ErrorMessage)
	}
	return updated, nil
}

func (s *PaymentService) handleNotification(ctx context.Context, adapter gateway.Adapter, n *gateway.Notification, key string, payload []byte, authenticated bool) (*models.Payment, error) {
	if n.Kind == gateway.KindRefund {
		refund, err := s.refunds.ApplyRefundNotification(ctx, adapter.Code(), n)
		if err != nil {
			return nil, err
		}
		return s.GetPayment(ctx, refund.PaymentID)
	}

	payment, err := s.findPayment(ctx, adapter.Code(), n)
	if err != nil {
		return nil, err
	}

	record := map[string]interface{}{key: payloadMetadata(payload)}
	status := n.Status
	if status == "" || (!authenticated && !isPending(status)) {
		// Unauthenticated or missing statuses are confirmed with the gateway
		status = ""
		ref := payment.TransactionRef()
		if ref == "" {
			ref = n.TransactionRef
		}
		if ref == "" {
			return payment, ErrMissingTransaction
		}
		raw, err := adapter.VerifyStatus(ctx, ref)
		if err != nil {
			return payment, fmt.Errorf("failed to verify payment: %w", err)
		}
		record["verification_response"] = toMetadata(raw)
		if raw.Success {
			status = raw.Status
		}
	}

	return s.reconcile(ctx, payment.ID, record, status)
}

// reconcile applies a gateway status under the payment lock. Settlement side effects run after
// commit and only for an actual transition.
func (s *PaymentService) reconcile(ctx context.Context, paymentID uuid.UUID, record map[string]interface{}, rawStatus string) (*models.Payment, error) {
	var (
		result       *models.Payment
		transitioned bool
	)
	err := s.store.WithPaymentLock(ctx, paymentID, func(tx repository.Store, p *models.Payment) error {
		for k, v := range record {
			p.SetMetadata(k, v)
		}
		transitioned = s.applyStatus(p, rawStatus)
		if err := tx.SavePayment(ctx, p); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if transitioned {
		s.settlement.paymentSettled(ctx, result)
	}
	return result, nil
}

func (s *PaymentService) applyStatus(p *models.Payment, raw string) bool {
	if raw == "" || isPending(raw) {
		return false
	}

	log := s.logger.WithFields(logrus.Fields{
		"payment_id":     p.ID,
		"current_status": p.Status,
		"gateway_status": raw,
	})

	target, ok := MapPaymentStatus(raw)
	if !ok {
		log.Warn("Unmapped gateway status, payment flagged for review")
		p.SetMetadata("needs_review", true)
		p.SetMetadata("unmapped_status", raw)
		return false
	}
	if p.Status == target {
		return false
	}
	if p.Status.IsTerminal() {
		log.Warn("Ignoring status change for settled payment")
		return false
	}

	p.Status = target
	now := s.now()
	p.CompletedAt = &now
	log.WithField("new_status", target).Info("Payment status updated")
	return true
}

func (s *PaymentService) findPayment(ctx context.Context, gatewayCode string, n *gateway.Notification) (*models.Payment, error) {
	if n.TransactionRef == "" && n.InvoiceRef == "" {
		return nil, ErrMissingTransaction
	}
	if n.TransactionRef != "" {
		payment, err := s.store.GetPaymentByTransactionID(ctx, gatewayCode, n.TransactionRef)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	if n.InvoiceRef != "" {
		payment, err := s.store.GetPaymentByInvoice(ctx, n.InvoiceRef)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrPaymentNotFound
}

// notificationPayment resolves the payment a notification is about without changing anything
func (s *PaymentService) notificationPayment(ctx context.Context, gatewayCode string, n *gateway.Notification) (*models.Payment, error) {
	if n.Kind == gateway.KindRefund {
		refund, err := s.refunds.findRefund(ctx, n)
		if err != nil {
			return nil, err
		}
		return s.GetPayment(ctx, refund.PaymentID)
	}
	return s.findPayment(ctx, gatewayCode, n)
}

func (s *PaymentService) callbackURL(ctx context.Context, gatewayCode string, payment *models.Payment) (string, error) {
	cfg, err := s.store.GetGatewayConfig(ctx, gatewayCode)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("failed to load gateway config: %w", err)
	}
	if cfg != nil && cfg.CallbackURLTemplate != "" {
		return cfg.CallbackURL(payment.ID, payment.InvoiceNumber), nil
	}
	return fmt.Sprintf("%s/api/v1/payments/callback/%s?payment=%s", s.callbackBaseURL, gatewayCode, payment.ID), nil
}

// logNotification stores the notification in the delivery log
func (s *PaymentService) logNotification(ctx context.Context, gatewayCode string, source models.NotificationSource, n *gateway.Notification, payload []byte) (*models.WebhookEvent, bool, error) {
	key := n.EventID
	if key == "" {
		sum := sha256.Sum256(payload)
		key = "sha256:" + hex.EncodeToString(sum[:])
	}

	body := payload
	if !json.Valid(body) {
		body, _ = json.Marshal(map[string]string{"raw": string(payload)})
	}

	event := &models.WebhookEvent{
		GatewayCode:    gatewayCode,
		EventKey:       key,
		Source:         source,
		TransactionRef: firstNonEmpty(n.TransactionRef, n.RefundRef),
		Payload:        datatypes.JSON(body),
	}
	duplicate, err := s.store.RecordWebhookEvent(ctx, event)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record notification: %w", err)
	}
	return event, duplicate, nil
}

func (s *PaymentService) markProcessed(ctx context.Context, event *models.WebhookEvent, processingErr error) {
	if err := s.store.MarkWebhookEventProcessed(ctx, event.ID, processingErr); err != nil {
		s.logger.WithError(err).WithField("event_id", event.ID).Warn("Failed to update notification log")
	}
}

// toMetadata converts a gateway response into plain JSON values so it reads back the same
// way it was written
func toMetadata(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// payloadMetadata keeps a notification payload verbatim, decoded when it is JSON
func payloadMetadata(payload []byte) interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(payload, &out); err == nil {
		return out
	}
	return string(payload)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
