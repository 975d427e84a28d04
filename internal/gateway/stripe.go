package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"payment-core/internal/models"
)

// StripeGateway implements the Adapter interface with Stripe Checkout Sessions
type StripeGateway struct {
	secretKey     string
	webhookSecret string
	backends      *stripe.Backends
}

// NewStripeGateway creates a new Stripe gateway instance
func NewStripeGateway(cfg *models.GatewayConfig, deps Deps) (*StripeGateway, error) {
	secretKey := credential(cfg, "secret_key", "STRIPE_SECRET_KEY")
	if secretKey == "" {
		return nil, missingCredential(CodeStripe, "secret_key")
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        deps.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendConfig.URL = stripe.String(cfg.BaseURL)
	}
	api := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)

	return &StripeGateway{
		secretKey:     secretKey,
		webhookSecret: credential(cfg, "webhook_secret", "STRIPE_WEBHOOK_SECRET"),
		backends: &stripe.Backends{
			API:     api,
			Connect: stripe.GetBackend(stripe.ConnectBackend),
			Uploads: stripe.GetBackend(stripe.UploadsBackend),
		},
	}, nil
}

func (g *StripeGateway) Code() string            { return CodeStripe }
func (g *StripeGateway) SignatureHeader() string { return "Stripe-Signature" }

// client returns a per-call API client so concurrent adapters never share the global key
func (g *StripeGateway) client() *client.API {
	return client.New(g.secretKey, g.backends)
}

// Initiate creates a hosted Checkout Session
func (g *StripeGateway) Initiate(ctx context.Context, req *InitiateRequest) (*RawResponse, error) {
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Invoice %s", req.InvoiceNumber)
	}
	metadata := map[string]string{
		"payment_id":     req.PaymentID.String(),
		"invoice_number": req.InvoiceNumber,
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(minorUnits(req.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(withSessionPlaceholder(req.CallbackURL)),
		CancelURL:         stripe.String(withSessionPlaceholder(req.CallbackURL)),
		ClientReferenceID: stripe.String(req.InvoiceNumber),
		Metadata:          metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("init-" + req.PaymentID.String())

	sess, err := g.client().CheckoutSessions.New(params)
	if err != nil {
		return nil, g.handleStripeError(err)
	}

	return &RawResponse{
		HTTPStatus:    http.StatusOK,
		Success:       sess.URL != "",
		Status:        checkoutStatus(sess),
		TransactionID: sess.ID,
		RedirectURL:   sess.URL,
		ErrorMessage:  errorIf(sess.URL == "", "stripe did not return a checkout URL"),
		Body: map[string]interface{}{
			"id":             sess.ID,
			"status":         string(sess.Status),
			"payment_status": string(sess.PaymentStatus),
			"url":            sess.URL,
		},
	}, nil
}

// VerifyStatus retrieves the Checkout Session
func (g *StripeGateway) VerifyStatus(ctx context.Context, transactionRef string) (*RawResponse, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := g.client().CheckoutSessions.Get(transactionRef, params)
	if err != nil {
		return nil, g.handleStripeError(err)
	}

	body := map[string]interface{}{
		"id":             sess.ID,
		"status":         string(sess.Status),
		"payment_status": string(sess.PaymentStatus),
	}
	if sess.PaymentIntent != nil {
		body["payment_intent"] = sess.PaymentIntent.ID
	}
	return &RawResponse{
		HTTPStatus:    http.StatusOK,
		Success:       true,
		Status:        checkoutStatus(sess),
		TransactionID: sess.ID,
		Body:          body,
	}, nil
}

// Refund refunds the PaymentIntent behind a Checkout Session
func (g *StripeGateway) Refund(ctx context.Context, req *RefundRequest) (*RawResponse, error) {
	sc := g.client()

	sessionParams := &stripe.CheckoutSessionParams{}
	sessionParams.Context = ctx
	sess, err := sc.CheckoutSessions.Get(req.TransactionRef, sessionParams)
	if err != nil {
		return nil, g.handleStripeError(err)
	}
	if sess.PaymentIntent == nil || sess.PaymentIntent.ID == "" {
		return &RawResponse{
			HTTPStatus:   http.StatusOK,
			ErrorMessage: "checkout session has no payment to refund",
			Body:         map[string]interface{}{"id": sess.ID, "status": string(sess.Status)},
		}, nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(sess.PaymentIntent.ID),
		Amount:        stripe.Int64(minorUnits(req.Amount)),
		Reason:        stripe.String(g.mapRefundReason(req.Reason)),
		Metadata: map[string]string{
			"refund_id": req.RefundID.String(),
			"reason":    req.Reason,
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("refund-" + req.RefundID.String())

	r, err := sc.Refunds.New(params)
	if err != nil {
		return nil, g.handleStripeError(err)
	}

	status := g.mapRefundStatus(r.Status)
	raw := &RawResponse{
		HTTPStatus: http.StatusOK,
		Success:    status == StatusSuccess || status == StatusPending,
		Status:     status,
		RefundID:   r.ID,
		Body: map[string]interface{}{
			"id":             r.ID,
			"status":         string(r.Status),
			"amount":         r.Amount,
			"payment_intent": sess.PaymentIntent.ID,
		},
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(string(r.FailureReason), "refund "+string(r.Status))
	}
	return raw, nil
}

// VerifySignature validates the Stripe-Signature header with the default tolerance
func (g *StripeGateway) VerifySignature(payload []byte, signature string) bool {
	if g.webhookSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayload(payload, signature, g.webhookSecret) == nil
}

// ParseNotification reads webhook events and the success/cancel redirect
func (g *StripeGateway) ParseNotification(payload []byte) (*Notification, error) {
	var envelope map[string]interface{}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("invalid notification payload: %w", err)
	}
	// Redirect back from Checkout carries only the session id; the status has to be polled
	if _, isEvent := envelope["type"]; !isEvent {
		return &Notification{Kind: KindPayment, TransactionRef: str(envelope, "session_id")}, nil
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	n := &Notification{Kind: KindPayment, EventID: event.ID}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("failed to parse checkout session: %w", err)
		}
		n.TransactionRef = sess.ID
		n.InvoiceRef = sess.ClientReferenceID
		switch event.Type {
		case "checkout.session.async_payment_failed":
			n.Status = StatusFailed
		default:
			n.Status = checkoutStatus(&sess)
		}

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("failed to parse payment intent: %w", err)
		}
		n.InvoiceRef = pi.Metadata["invoice_number"]
		n.Status = StatusFailed
		if pi.Status == stripe.PaymentIntentStatusCanceled {
			n.Status = StatusCancelled
		}

	case "charge.refund.updated", "refund.created", "refund.updated", "refund.failed":
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("failed to parse refund: %w", err)
		}
		n.Kind = KindRefund
		n.RefundRef = r.ID
		n.RefundID = r.Metadata["refund_id"]
		n.Status = g.mapRefundStatus(r.Status)

	default:
		// Other subscribed events are acknowledged without touching any payment
		n.Kind = KindIgnored
	}
	return n, nil
}

func checkoutStatus(sess *stripe.CheckoutSession) string {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return StatusSuccess
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return StatusExpired
	default:
		return StatusPending
	}
}

func (g *StripeGateway) mapRefundStatus(status stripe.RefundStatus) string {
	switch status {
	case stripe.RefundStatusSucceeded:
		return StatusSuccess
	case stripe.RefundStatusFailed:
		return StatusFailed
	case stripe.RefundStatusCanceled:
		return StatusCancelled
	default:
		return StatusPending
	}
}

func (g *StripeGateway) mapRefundReason(reason string) string {
	switch strings.ToLower(reason) {
	case "duplicate":
		return string(stripe.RefundReasonDuplicate)
	case "fraudulent":
		return string(stripe.RefundReasonFraudulent)
	default:
		return string(stripe.RefundReasonRequestedByCustomer)
	}
}

func (g *StripeGateway) handleStripeError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: stripe did not respond in time", ErrGatewayTimeout)
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, stripeErr.Msg)
		}
		return &GatewayError{
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
			HTTPStatus: stripeErr.HTTPStatusCode,
			Retryable:  g.isRetryable(stripeErr),
		}
	}
	return NewGatewayError("unknown_error", err.Error(), false)
}

func (g *StripeGateway) isRetryable(err *stripe.Error) bool {
	// Rate limit errors are retryable
	if err.HTTPStatusCode == http.StatusTooManyRequests {
		return true
	}

	retryableCodes := map[stripe.ErrorCode]bool{
		stripe.ErrorCodeRateLimit:           true,
		stripe.ErrorCodeLockTimeout:         true,
		stripe.ErrorCodeIdempotencyKeyInUse: true,
	}
	return retryableCodes[err.Code]
}

// withSessionPlaceholder asks Checkout to append the session id to the redirect
func withSessionPlaceholder(callbackURL string) string {
	sep := "?"
	if strings.Contains(callbackURL, "?") {
		sep = "&"
	}
	return callbackURL + sep + "session_id={CHECKOUT_SESSION_ID}"
}

func errorIf(cond bool, msg string) string {
	if cond {
		return msg
	}
	return ""
}
