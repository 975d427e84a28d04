package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"payment-core/internal/models"
)

const bkashSuccessCode = "0000"

// BkashGateway implements the tokenized checkout of bKash. Calls carry an id_token
// obtained from the grant endpoint and cached by TokenProvider.
type BkashGateway struct {
	appKey        string
	webhookSecret string
	transport     *httpTransport
	tokens        *TokenProvider
}

// NewBkashGateway creates the bKash adapter
func NewBkashGateway(cfg *models.GatewayConfig, deps Deps) (*BkashGateway, error) {
	appKey := credential(cfg, "app_key", "BKASH_APP_KEY")
	appSecret := credential(cfg, "app_secret", "BKASH_APP_SECRET")
	username := credential(cfg, "username", "BKASH_USERNAME")
	password := credential(cfg, "password", "BKASH_PASSWORD")
	for key, v := range map[string]string{"app_key": appKey, "app_secret": appSecret, "username": username, "password": password} {
		if v == "" {
			return nil, missingCredential(CodeBkash, key)
		}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://tokenized.sandbox.bka.sh/v1.2.0-beta"
	}

	webhookSecret := credential(cfg, "webhook_secret", "BKASH_WEBHOOK_SECRET")
	if webhookSecret == "" {
		webhookSecret = appSecret
	}

	t := newHTTPTransport(CodeBkash, baseURL, deps.HTTPClient, deps.Logger)
	g := &BkashGateway{
		appKey:        appKey,
		webhookSecret: webhookSecret,
		transport:     t,
	}

	grant := func(ctx context.Context) (string, time.Duration, error) {
		body, _ := json.Marshal(map[string]string{"app_key": appKey, "app_secret": appSecret})
		resp, err := t.postUnauthenticated(ctx, "/tokenized/checkout/token/grant", body, "application/json",
			map[string]string{"username": username, "password": password})
		if err != nil {
			return "", 0, err
		}
		if resp.status != http.StatusOK || str(resp.body, "statusCode") != bkashSuccessCode {
			return "", 0, fmt.Errorf("%w: bkash grant returned %d %s", ErrAuthenticationFailed, resp.status,
				str(resp.body, "statusMessage", "message"))
		}
		return str(resp.body, "id_token"), seconds(resp.body, "expires_in", time.Hour), nil
	}
	g.tokens = NewTokenProvider("bkash:"+appKey, grant, func(req *http.Request, token string) {
		req.Header.Set("Authorization", token)
		req.Header.Set("X-APP-Key", appKey)
	}, deps.Tokens, deps.Logger)
	t.auth = g.tokens

	return g, nil
}

func (g *BkashGateway) Code() string            { return CodeBkash }
func (g *BkashGateway) SignatureHeader() string { return "X-Bkash-Signature" }

// Initiate creates a checkout payment and returns the bKash hosted URL
func (g *BkashGateway) Initiate(ctx context.Context, req *InitiateRequest) (*RawResponse, error) {
	payerRef := req.CustomerPhone
	if payerRef == "" {
		payerRef = req.InvoiceNumber
	}
	resp, err := g.transport.postJSON(ctx, "/tokenized/checkout/create", map[string]string{
		"mode":                  "0011",
		"payerReference":        payerRef,
		"callbackURL":           req.CallbackURL,
		"amount":                formatAmount(req.Amount),
		"currency":              req.Currency,
		"intent":                "sale",
		"merchantInvoiceNumber": req.InvoiceNumber,
	})
	if err != nil {
		return nil, err
	}
	raw := g.response(resp)
	raw.TransactionID = str(resp.body, "paymentID")
	raw.RedirectURL = str(resp.body, "bkashURL")
	if raw.Success && raw.RedirectURL == "" {
		raw.Success = false
		raw.ErrorMessage = "bkash did not return a checkout URL"
	}
	return raw, nil
}

// VerifyStatus queries the payment by bKash paymentID
func (g *BkashGateway) VerifyStatus(ctx context.Context, transactionRef string) (*RawResponse, error) {
	resp, err := g.transport.postJSON(ctx, "/tokenized/checkout/payment/status", map[string]string{
		"paymentID": transactionRef,
	})
	if err != nil {
		return nil, err
	}
	raw := g.response(resp)
	raw.TransactionID = str(resp.body, "paymentID")
	return raw, nil
}

// Refund refunds a completed bKash payment
func (g *BkashGateway) Refund(ctx context.Context, req *RefundRequest) (*RawResponse, error) {
	resp, err := g.transport.postJSON(ctx, "/tokenized/checkout/payment/refund", map[string]string{
		"paymentID": req.TransactionRef,
		"amount":    formatAmount(req.Amount),
		"reason":    req.Reason,
		"sku":       req.RefundID.String(),
	})
	if err != nil {
		return nil, err
	}
	raw := g.response(resp)
	raw.RefundID = str(resp.body, "refundTrxID")
	return raw, nil
}

// response applies the bKash envelope convention: HTTP 200 with statusCode 0000
func (g *BkashGateway) response(resp *apiResponse) *RawResponse {
	raw := &RawResponse{
		HTTPStatus: resp.status,
		Body:       resp.body,
		Status:     bkashStatus(str(resp.body, "transactionStatus")),
		Success:    resp.ok() && str(resp.body, "statusCode") == bkashSuccessCode,
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "statusMessage", "errorMessage", "message"),
			fmt.Sprintf("bkash request failed (HTTP %d)", resp.status))
	}
	return raw
}

// VerifySignature checks the base64 HMAC-SHA256 of the raw body
func (g *BkashGateway) VerifySignature(payload []byte, signature string) bool {
	return verifyBase64HMAC(g.webhookSecret, payload, signature)
}

// ParseNotification reads the checkout callback (paymentID, status) and webhook events
func (g *BkashGateway) ParseNotification(payload []byte) (*Notification, error) {
	body, err := decodeNotification(payload)
	if err != nil {
		return nil, err
	}
	n := &Notification{
		Kind:           KindPayment,
		EventID:        str(body, "eventId", "trxID"),
		TransactionRef: str(body, "paymentID"),
		InvoiceRef:     str(body, "merchantInvoiceNumber"),
		Status:         bkashStatus(str(body, "transactionStatus", "status")),
	}
	if strings.EqualFold(str(body, "type"), "refund") || str(body, "refundTrxID") != "" {
		n.Kind = KindRefund
		n.RefundRef = str(body, "refundTrxID")
		n.RefundID = str(body, "sku")
	}
	return n, nil
}

func bkashStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "completed", "success":
		return StatusSuccess
	case "failed", "failure":
		return StatusFailed
	case "cancelled", "cancel":
		return StatusCancelled
	case "expired":
		return StatusExpired
	case "initiated", "pending", "authorized":
		return StatusPending
	}
	return raw
}
