package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"payment-core/internal/models"
)

// UpayGateway authenticates by exchanging a merchant-signed RS256 assertion for a bearer token
type UpayGateway struct {
	merchantID    string
	webhookSecret string
	transport     *httpTransport
	tokens        *TokenProvider
}

// NewUpayGateway creates the Upay adapter
func NewUpayGateway(cfg *models.GatewayConfig, deps Deps) (*UpayGateway, error) {
	merchantID := credential(cfg, "merchant_id", "UPAY_MERCHANT_ID")
	if merchantID == "" {
		return nil, missingCredential(CodeUpay, "merchant_id")
	}
	clientID := credential(cfg, "client_id", "UPAY_CLIENT_ID")
	if clientID == "" {
		return nil, missingCredential(CodeUpay, "client_id")
	}
	keyPEM := credential(cfg, "private_key", "UPAY_PRIVATE_KEY")
	if keyPEM == "" {
		return nil, missingCredential(CodeUpay, "private_key")
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("upay signing key: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, missingCredential(CodeUpay, "base_url")
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	t := newHTTPTransport(CodeUpay, cfg.BaseURL, deps.HTTPClient, deps.Logger)
	assertion := &SignedAssertion{
		Issuer:   clientID,
		Subject:  merchantID,
		Audience: strings.TrimRight(cfg.BaseURL, "/") + "/oauth/token",
		Scope:    credential(cfg, "scope", "UPAY_SCOPE"),
		KeyID:    credential(cfg, "key_id", "UPAY_KEY_ID"),
		Key:      key,
		Lifetime: 5 * time.Minute,
	}
	g := &UpayGateway{
		merchantID:    merchantID,
		webhookSecret: credential(cfg, "webhook_secret", "UPAY_WEBHOOK_SECRET"),
		transport:     t,
	}
	g.tokens = NewTokenProvider("upay:"+clientID, assertionFetcher(t, "/oauth/token", assertion, now), nil, deps.Tokens, deps.Logger)
	t.auth = g.tokens

	return g, nil
}

func (g *UpayGateway) Code() string            { return CodeUpay }
func (g *UpayGateway) SignatureHeader() string { return "X-Upay-Signature" }

// Initiate registers the payment and returns the Upay payment page
func (g *UpayGateway) Initiate(ctx context.Context, req *InitiateRequest) (*RawResponse, error) {
	resp, err := g.transport.postJSON(ctx, "/api/v1/payment/init", map[string]string{
		"merchant_id":     g.merchantID,
		"txn_id":          req.InvoiceNumber,
		"amount":          formatAmount(req.Amount),
		"currency":        req.Currency,
		"callback_url":    req.CallbackURL,
		"customer_mobile": req.CustomerPhone,
		"description":     req.Description,
	})
	if err != nil {
		return nil, err
	}
	data := nested(resp.body, "data")
	raw := &RawResponse{
		HTTPStatus:    resp.status,
		Body:          resp.body,
		TransactionID: str(data, "trx_id"),
		RedirectURL:   str(data, "gateway_url"),
		Status:        StatusPending,
	}
	raw.Success = resp.ok() && raw.RedirectURL != ""
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message"), fmt.Sprintf("upay init rejected (HTTP %d)", resp.status))
	}
	return raw, nil
}

// VerifyStatus queries the transaction
func (g *UpayGateway) VerifyStatus(ctx context.Context, transactionRef string) (*RawResponse, error) {
	resp, err := g.transport.get(ctx, "/api/v1/payment/status/"+url.PathEscape(transactionRef))
	if err != nil {
		return nil, err
	}
	data := nested(resp.body, "data")
	raw := &RawResponse{
		HTTPStatus:    resp.status,
		Body:          resp.body,
		Success:       resp.ok(),
		TransactionID: firstNonEmpty(str(data, "trx_id"), transactionRef),
		Status:        upayStatus(str(data, "status")),
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message"), fmt.Sprintf("upay status query failed (HTTP %d)", resp.status))
	}
	return raw, nil
}

// Refund refunds all or part of a transaction
func (g *UpayGateway) Refund(ctx context.Context, req *RefundRequest) (*RawResponse, error) {
	resp, err := g.transport.postJSON(ctx, "/api/v1/payment/refund", map[string]string{
		"trx_id":     req.TransactionRef,
		"amount":     formatAmount(req.Amount),
		"reason":     req.Reason,
		"refund_ref": req.RefundID.String(),
	})
	if err != nil {
		return nil, err
	}
	data := nested(resp.body, "data")
	status := upayStatus(str(data, "status"))
	raw := &RawResponse{
		HTTPStatus: resp.status,
		Body:       resp.body,
		RefundID:   str(data, "refund_id"),
		Status:     status,
		Success:    resp.ok() && (status == StatusSuccess || status == StatusPending),
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message"), fmt.Sprintf("upay refund rejected (HTTP %d)", resp.status))
	}
	return raw, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body
func (g *UpayGateway) VerifySignature(payload []byte, signature string) bool {
	return verifyHexHMAC(g.webhookSecret, payload, signature)
}

// ParseNotification reads callbacks and webhook events
func (g *UpayGateway) ParseNotification(payload []byte) (*Notification, error) {
	body, err := decodeNotification(payload)
	if err != nil {
		return nil, err
	}
	n := &Notification{
		Kind:           KindPayment,
		EventID:        str(body, "event_id"),
		TransactionRef: str(body, "trx_id"),
		InvoiceRef:     str(body, "txn_id"),
		Status:         upayStatus(str(body, "status")),
	}
	if strings.EqualFold(str(body, "type"), "refund") || str(body, "refund_id") != "" {
		n.Kind = KindRefund
		n.RefundRef = str(body, "refund_id")
		n.RefundID = str(body, "refund_ref")
	}
	return n, nil
}

func upayStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "success", "successful", "completed":
		return StatusSuccess
	case "failed", "failure", "error":
		return StatusFailed
	case "cancelled", "canceled":
		return StatusCancelled
	case "expired":
		return StatusExpired
	case "pending", "processing", "initiated":
		return StatusPending
	}
	return raw
}
