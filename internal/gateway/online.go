package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"payment-core/internal/models"
)

// OnlineGateway is a generic hosted-checkout gateway authenticated with a static API key
type OnlineGateway struct {
	merchantID    string
	webhookSecret string
	transport     *httpTransport
}

// NewOnlineGateway creates the hosted-checkout adapter
func NewOnlineGateway(cfg *models.GatewayConfig, deps Deps) (*OnlineGateway, error) {
	apiKey := credential(cfg, "api_key", "ONLINE_API_KEY")
	if apiKey == "" {
		return nil, missingCredential(CodeOnline, "api_key")
	}
	if cfg.BaseURL == "" {
		return nil, missingCredential(CodeOnline, "base_url")
	}

	t := newHTTPTransport(CodeOnline, cfg.BaseURL, deps.HTTPClient, deps.Logger)
	t.headers["X-Api-Key"] = apiKey

	return &OnlineGateway{
		merchantID:    credential(cfg, "merchant_id", "ONLINE_MERCHANT_ID"),
		webhookSecret: credential(cfg, "webhook_secret", "ONLINE_WEBHOOK_SECRET"),
		transport:     t,
	}, nil
}

func (g *OnlineGateway) Code() string            { return CodeOnline }
func (g *OnlineGateway) SignatureHeader() string { return "X-Webhook-Signature" }

// Initiate opens a checkout session
func (g *OnlineGateway) Initiate(ctx context.Context, req *InitiateRequest) (*RawResponse, error) {
	payload := map[string]interface{}{
		"merchant_id": g.merchantID,
		"order_ref":   req.InvoiceNumber,
		"amount":      formatAmount(req.Amount),
		"currency":    req.Currency,
		"description": req.Description,
		"customer": map[string]string{
			"name":  req.CustomerName,
			"email": req.CustomerEmail,
			"phone": req.CustomerPhone,
		},
		"success_url": req.CallbackURL,
		"fail_url":    req.CallbackURL,
		"cancel_url":  req.CallbackURL,
		"metadata": map[string]string{
			"payment_id": req.PaymentID.String(),
		},
	}

	resp, err := g.transport.postJSON(ctx, "/api/v1/checkout/sessions", payload)
	if err != nil {
		return nil, err
	}

	raw := &RawResponse{
		HTTPStatus:    resp.status,
		Body:          resp.body,
		TransactionID: str(resp.body, "transaction_id", "session_id"),
		RedirectURL:   str(resp.body, "checkout_url"),
		Status:        onlineStatus(str(resp.body, "status")),
	}
	status := strings.ToLower(str(resp.body, "status"))
	raw.Success = resp.ok() && (status == "success" || status == "created") && raw.RedirectURL != ""
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message", "error"), fmt.Sprintf("checkout session rejected (HTTP %d)", resp.status))
	}
	return raw, nil
}

// VerifyStatus fetches the transaction
func (g *OnlineGateway) VerifyStatus(ctx context.Context, transactionRef string) (*RawResponse, error) {
	resp, err := g.transport.get(ctx, "/api/v1/transactions/"+url.PathEscape(transactionRef))
	if err != nil {
		return nil, err
	}
	raw := &RawResponse{
		HTTPStatus:    resp.status,
		Body:          resp.body,
		Success:       resp.ok(),
		TransactionID: str(resp.body, "transaction_id"),
		Status:        onlineStatus(str(resp.body, "status")),
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message", "error"), fmt.Sprintf("status query failed (HTTP %d)", resp.status))
	}
	return raw, nil
}

// Refund refunds all or part of a transaction
func (g *OnlineGateway) Refund(ctx context.Context, req *RefundRequest) (*RawResponse, error) {
	payload := map[string]interface{}{
		"amount":    formatAmount(req.Amount),
		"currency":  req.Currency,
		"reason":    req.Reason,
		"reference": req.RefundID.String(),
	}
	resp, err := g.transport.postJSON(ctx, "/api/v1/transactions/"+url.PathEscape(req.TransactionRef)+"/refunds", payload)
	if err != nil {
		return nil, err
	}

	status := onlineStatus(str(resp.body, "status"))
	raw := &RawResponse{
		HTTPStatus: resp.status,
		Body:       resp.body,
		RefundID:   str(resp.body, "refund_id"),
		Status:     status,
		Success:    resp.ok() && (status == StatusSuccess || status == StatusPending),
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message", "error"), fmt.Sprintf("refund rejected (HTTP %d)", resp.status))
	}
	return raw, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body
func (g *OnlineGateway) VerifySignature(payload []byte, signature string) bool {
	return verifyHexHMAC(g.webhookSecret, payload, signature)
}

// ParseNotification reads webhook events and redirect callbacks
func (g *OnlineGateway) ParseNotification(payload []byte) (*Notification, error) {
	body, err := decodeNotification(payload)
	if err != nil {
		return nil, err
	}
	n := &Notification{
		Kind:           KindPayment,
		EventID:        str(body, "event_id"),
		TransactionRef: str(body, "transaction_id"),
		InvoiceRef:     str(body, "order_ref"),
		Status:         onlineStatus(str(body, "status")),
	}
	if strings.HasPrefix(str(body, "event_type"), "refund.") || str(body, "refund_id") != "" {
		n.Kind = KindRefund
		n.RefundRef = str(body, "refund_id")
		n.RefundID = str(body, "reference")
	}
	return n, nil
}

func onlineStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "completed", "success", "succeeded", "paid":
		return StatusSuccess
	case "failed", "declined", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	case "expired":
		return StatusExpired
	case "pending", "processing", "created":
		return StatusPending
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
