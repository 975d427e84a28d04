package gateway

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	razorpayLib "github.com/razorpay/razorpay-go"

	"payment-core/internal/models"
)

// RazorpayGateway implements the Adapter interface with Razorpay Orders
type RazorpayGateway struct {
	client        *razorpayLib.Client
	keyID         string
	keySecret     string
	webhookSecret string
	checkoutURL   string
}

// NewRazorpayGateway creates a new Razorpay gateway instance
func NewRazorpayGateway(cfg *models.GatewayConfig, deps Deps) (*RazorpayGateway, error) {
	keyID := credential(cfg, "key_id", "RAZORPAY_KEY_ID")
	keySecret := credential(cfg, "key_secret", "RAZORPAY_KEY_SECRET")
	if keyID == "" || keySecret == "" {
		return nil, missingCredential(CodeRazorpay, "key_id/key_secret")
	}

	return &RazorpayGateway{
		client:        razorpayLib.NewClient(keyID, keySecret),
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: credential(cfg, "webhook_secret", "RAZORPAY_WEBHOOK_SECRET"),
		checkoutURL:   credential(cfg, "checkout_page_url", "RAZORPAY_CHECKOUT_PAGE_URL"),
	}, nil
}

func (g *RazorpayGateway) Code() string            { return CodeRazorpay }
func (g *RazorpayGateway) SignatureHeader() string { return "X-Razorpay-Signature" }

// Initiate creates an order. Razorpay has no hosted page for orders, so the redirect
// target is the merchant checkout page that opens Checkout.js for the order.
func (g *RazorpayGateway) Initiate(ctx context.Context, req *InitiateRequest) (*RawResponse, error) {
	order, err := g.client.Order.Create(map[string]interface{}{
		"amount":   minorUnits(req.Amount),
		"currency": strings.ToUpper(req.Currency),
		"receipt":  req.InvoiceNumber,
		"notes": map[string]string{
			"payment_id":     req.PaymentID.String(),
			"invoice_number": req.InvoiceNumber,
		},
	}, nil)
	if err != nil {
		return nil, g.handleRazorpayError(err)
	}

	orderID := str(order, "id")
	raw := &RawResponse{
		HTTPStatus:    http.StatusOK,
		Body:          order,
		TransactionID: orderID,
		Status:        g.mapOrderStatus(str(order, "status")),
		Success:       orderID != "",
	}
	if raw.Success {
		raw.RedirectURL = g.checkoutPage(orderID, req.CallbackURL)
	} else {
		raw.ErrorMessage = "razorpay did not return an order id"
	}
	return raw, nil
}

// VerifyStatus fetches the order
func (g *RazorpayGateway) VerifyStatus(ctx context.Context, transactionRef string) (*RawResponse, error) {
	order, err := g.client.Order.Fetch(transactionRef, nil, nil)
	if err != nil {
		return nil, g.handleRazorpayError(err)
	}
	return &RawResponse{
		HTTPStatus:    http.StatusOK,
		Body:          order,
		Success:       true,
		TransactionID: str(order, "id"),
		Status:        g.mapOrderStatus(str(order, "status")),
	}, nil
}

// Refund refunds the captured payment of an order
func (g *RazorpayGateway) Refund(ctx context.Context, req *RefundRequest) (*RawResponse, error) {
	payments, err := g.client.Order.Payments(req.TransactionRef, nil, nil)
	if err != nil {
		return nil, g.handleRazorpayError(err)
	}
	paymentID := capturedPayment(payments)
	if paymentID == "" {
		return &RawResponse{
			HTTPStatus:   http.StatusOK,
			Body:         payments,
			ErrorMessage: "order has no captured payment",
		}, nil
	}

	refundResp, err := g.client.Payment.Refund(paymentID, int(minorUnits(req.Amount)), map[string]interface{}{
		"receipt": req.RefundID.String(),
		"notes": map[string]string{
			"refund_id": req.RefundID.String(),
			"reason":    req.Reason,
		},
	}, nil)
	if err != nil {
		return nil, g.handleRazorpayError(err)
	}

	status := g.mapRefundStatus(str(refundResp, "status"))
	raw := &RawResponse{
		HTTPStatus: http.StatusOK,
		Body:       refundResp,
		RefundID:   str(refundResp, "id"),
		Status:     status,
		Success:    status == StatusSuccess || status == StatusPending,
	}
	if !raw.Success {
		raw.ErrorMessage = "refund " + str(refundResp, "status")
	}
	return raw, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the webhook body
func (g *RazorpayGateway) VerifySignature(payload []byte, signature string) bool {
	return verifyHexHMAC(g.webhookSecret, payload, signature)
}

// ParseNotification reads webhook events and the Checkout.js handler callback
func (g *RazorpayGateway) ParseNotification(payload []byte) (*Notification, error) {
	body, err := decodeNotification(payload)
	if err != nil {
		return nil, err
	}

	// Checkout handler posts razorpay_order_id, razorpay_payment_id and razorpay_signature
	if orderID := str(body, "razorpay_order_id"); orderID != "" {
		paymentID := str(body, "razorpay_payment_id")
		if !hmac.Equal([]byte(str(body, "razorpay_signature")), []byte(g.CheckoutSignature(orderID, paymentID))) {
			return nil, fmt.Errorf("razorpay checkout signature mismatch")
		}
		return &Notification{
			Kind:           KindPayment,
			EventID:        paymentID,
			TransactionRef: orderID,
			Status:         StatusSuccess,
			Signed:         true,
		}, nil
	}

	eventType := str(body, "event")
	eventPayload := nested(body, "payload")
	n := &Notification{Kind: KindPayment, EventID: str(body, "id")}

	switch {
	case strings.HasPrefix(eventType, "refund."):
		entity := nested(nested(eventPayload, "refund"), "entity")
		n.Kind = KindRefund
		n.RefundRef = str(entity, "id")
		n.RefundID = firstNonEmpty(str(nested(entity, "notes"), "refund_id"), str(entity, "receipt"))
		n.Status = g.mapRefundStatus(str(entity, "status"))
		if eventType == "refund.failed" {
			n.Status = StatusFailed
		}
	case eventType == "order.paid":
		order := nested(nested(eventPayload, "order"), "entity")
		n.TransactionRef = str(order, "id")
		n.InvoiceRef = str(order, "receipt")
		n.Status = StatusSuccess
	default:
		entity := nested(nested(eventPayload, "payment"), "entity")
		n.TransactionRef = str(entity, "order_id")
		n.Status = g.mapPaymentStatus(str(entity, "status"))
	}
	if n.EventID == "" {
		n.EventID = eventType + ":" + firstNonEmpty(n.RefundRef, n.TransactionRef)
	}
	return n, nil
}

// CheckoutSignature signs order|payment as Checkout.js does
func (g *RazorpayGateway) CheckoutSignature(orderID, paymentID string) string {
	return SignHex(g.keySecret, []byte(orderID+"|"+paymentID))
}

func (g *RazorpayGateway) checkoutPage(orderID, callbackURL string) string {
	if g.checkoutURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("order_id", orderID)
	q.Set("key_id", g.keyID)
	q.Set("callback_url", callbackURL)
	sep := "?"
	if strings.Contains(g.checkoutURL, "?") {
		sep = "&"
	}
	return g.checkoutURL + sep + q.Encode()
}

func capturedPayment(collection map[string]interface{}) string {
	items, _ := collection["items"].([]interface{})
	for _, item := range items {
		p, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if str(p, "status") == "captured" {
			return str(p, "id")
		}
	}
	return ""
}

func (g *RazorpayGateway) mapOrderStatus(status string) string {
	switch status {
	case "paid":
		return StatusSuccess
	case "created", "attempted":
		return StatusPending
	}
	return status
}

func (g *RazorpayGateway) mapPaymentStatus(status string) string {
	switch status {
	case "captured":
		return StatusSuccess
	case "failed":
		return StatusFailed
	case "created", "authorized":
		return StatusPending
	}
	return status
}

func (g *RazorpayGateway) mapRefundStatus(status string) string {
	switch status {
	case "processed":
		return StatusSuccess
	case "failed":
		return StatusFailed
	case "pending", "created":
		return StatusPending
	}
	return status
}

func (g *RazorpayGateway) handleRazorpayError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: razorpay did not respond in time", ErrGatewayTimeout)
	}
	if strings.Contains(strings.ToLower(err.Error()), "authentication failed") {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return NewGatewayError("razorpay_error", err.Error(), false)
}
