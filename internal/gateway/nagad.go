package gateway

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"payment-core/internal/models"
)

// nagadTimeLayout is the dateTime format Nagad signs
const nagadTimeLayout = "20060102150405"

// NagadGateway implements Nagad's certificate based checkout. Sensitive data is encrypted
// with the gateway public key and signed with the merchant private key; responses and
// webhooks are verified against the gateway public key.
type NagadGateway struct {
	merchantID  string
	merchantKey *rsa.PrivateKey
	gatewayKey  *rsa.PublicKey
	transport   *httpTransport
	now         func() time.Time
}

// NewNagadGateway creates the Nagad adapter
func NewNagadGateway(cfg *models.GatewayConfig, deps Deps) (*NagadGateway, error) {
	merchantID := credential(cfg, "merchant_id", "NAGAD_MERCHANT_ID")
	if merchantID == "" {
		return nil, missingCredential(CodeNagad, "merchant_id")
	}
	privatePEM := credential(cfg, "merchant_private_key", "NAGAD_MERCHANT_PRIVATE_KEY")
	if privatePEM == "" {
		return nil, missingCredential(CodeNagad, "merchant_private_key")
	}
	publicPEM := credential(cfg, "gateway_public_key", "NAGAD_GATEWAY_PUBLIC_KEY")
	if publicPEM == "" {
		return nil, missingCredential(CodeNagad, "gateway_public_key")
	}
	merchantKey, err := parsePrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("nagad merchant key: %w", err)
	}
	gatewayKey, err := parsePublicKey(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("nagad gateway key: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://sandbox.mynagad.com:10080/remote-payment-gateway-1.0"
	}
	t := newHTTPTransport(CodeNagad, baseURL, deps.HTTPClient, deps.Logger)
	t.headers["X-KM-Api-Version"] = "v-0.2.0"
	t.headers["X-KM-Client-Type"] = "PC_WEB"

	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &NagadGateway{
		merchantID:  merchantID,
		merchantKey: merchantKey,
		gatewayKey:  gatewayKey,
		transport:   t,
		now:         now,
	}, nil
}

func (g *NagadGateway) Code() string            { return CodeNagad }
func (g *NagadGateway) SignatureHeader() string { return "X-Nagad-Signature" }

// Initiate runs the two-step initialize/complete handshake
func (g *NagadGateway) Initiate(ctx context.Context, req *InitiateRequest) (*RawResponse, error) {
	dateTime := g.now().Format(nagadTimeLayout)
	challenge := strings.ReplaceAll(req.PaymentID.String(), "-", "")

	initBody, err := g.sealed(map[string]string{
		"merchantId": g.merchantID,
		"datetime":   dateTime,
		"orderId":    req.InvoiceNumber,
		"challenge":  challenge,
	})
	if err != nil {
		return nil, err
	}
	initBody["dateTime"] = dateTime

	path := fmt.Sprintf("/api/dfs/check-out/initialize/%s/%s", url.PathEscape(g.merchantID), url.PathEscape(req.InvoiceNumber))
	resp, err := g.transport.postJSON(ctx, path, initBody)
	if err != nil {
		return nil, err
	}
	if !resp.ok() {
		return g.failure(resp, "initialize rejected"), nil
	}

	session, err := g.open(resp.body)
	if err != nil {
		return g.failure(resp, err.Error()), nil
	}
	paymentRef := str(session, "paymentReferenceId")
	gatewayChallenge := str(session, "challenge")

	completeBody, err := g.sealed(map[string]string{
		"merchantId":   g.merchantID,
		"orderId":      req.InvoiceNumber,
		"currencyCode": "050",
		"amount":       formatAmount(req.Amount),
		"challenge":    gatewayChallenge,
	})
	if err != nil {
		return nil, err
	}
	completeBody["merchantCallbackURL"] = req.CallbackURL

	resp, err = g.transport.postJSON(ctx, "/api/dfs/check-out/complete/"+url.PathEscape(paymentRef), completeBody)
	if err != nil {
		return nil, err
	}

	raw := &RawResponse{
		HTTPStatus:    resp.status,
		Body:          resp.body,
		TransactionID: paymentRef,
		RedirectURL:   str(resp.body, "callBackUrl"),
		Status:        nagadStatus(str(resp.body, "status")),
	}
	raw.Success = resp.ok() && strings.EqualFold(str(resp.body, "status"), "Success") && raw.RedirectURL != ""
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message", "reason"), fmt.Sprintf("nagad complete rejected (HTTP %d)", resp.status))
	}
	return raw, nil
}

// VerifyStatus queries a payment by its payment reference id
func (g *NagadGateway) VerifyStatus(ctx context.Context, transactionRef string) (*RawResponse, error) {
	resp, err := g.transport.get(ctx, "/api/dfs/verify/payment/"+url.PathEscape(transactionRef))
	if err != nil {
		return nil, err
	}
	raw := &RawResponse{
		HTTPStatus:    resp.status,
		Body:          resp.body,
		Success:       resp.ok(),
		TransactionID: firstNonEmpty(str(resp.body, "paymentRefId"), transactionRef),
		Status:        nagadStatus(str(resp.body, "status")),
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message", "reason"), fmt.Sprintf("nagad verify failed (HTTP %d)", resp.status))
	}
	return raw, nil
}

// Refund cancels all or part of a purchase
func (g *NagadGateway) Refund(ctx context.Context, req *RefundRequest) (*RawResponse, error) {
	body, err := g.sealed(map[string]string{
		"merchantId":          g.merchantID,
		"originalRequestDate": g.now().Format("20060102"),
		"cancelAmount":        formatAmount(req.Amount),
		"referenceNo":         req.RefundID.String(),
		"referenceMessage":    req.Reason,
	})
	if err != nil {
		return nil, err
	}

	resp, err := g.transport.postJSON(ctx, "/api/dfs/purchase/cancel?paymentRefId="+url.QueryEscape(req.TransactionRef), body)
	if err != nil {
		return nil, err
	}
	status := nagadStatus(str(resp.body, "status"))
	raw := &RawResponse{
		HTTPStatus: resp.status,
		Body:       resp.body,
		RefundID:   str(resp.body, "cancelTrxId"),
		Status:     status,
		Success:    resp.ok() && (status == StatusSuccess || status == StatusPending),
	}
	if !raw.Success {
		raw.ErrorMessage = firstNonEmpty(str(resp.body, "message", "reason"), fmt.Sprintf("nagad refund rejected (HTTP %d)", resp.status))
	}
	return raw, nil
}

// VerifySignature checks a base64 RSA-SHA256 signature made with the gateway key
func (g *NagadGateway) VerifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(g.gatewayKey, crypto.SHA256, digest[:], sig) == nil
}

// ParseNotification reads the redirect callback (payment_ref_id, status) and webhooks
func (g *NagadGateway) ParseNotification(payload []byte) (*Notification, error) {
	body, err := decodeNotification(payload)
	if err != nil {
		return nil, err
	}
	n := &Notification{
		Kind:           KindPayment,
		EventID:        str(body, "eventId", "issuer_payment_ref", "issuerPaymentRefNo"),
		TransactionRef: str(body, "payment_ref_id", "paymentRefId"),
		InvoiceRef:     str(body, "order_id", "orderId"),
		Status:         nagadStatus(str(body, "status")),
	}
	if strings.EqualFold(str(body, "type"), "refund") || str(body, "cancelTrxId") != "" {
		n.Kind = KindRefund
		n.RefundRef = str(body, "cancelTrxId")
		n.RefundID = str(body, "referenceNo")
	}
	return n, nil
}

// sealed encrypts and signs sensitive data as Nagad expects
func (g *NagadGateway) sealed(sensitive map[string]string) (map[string]interface{}, error) {
	plain, err := json.Marshal(sensitive)
	if err != nil {
		return nil, err
	}
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, g.gatewayKey, plain)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt nagad payload: %w", err)
	}
	signature, err := g.sign(plain)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"sensitiveData": base64.StdEncoding.EncodeToString(encrypted),
		"signature":     signature,
	}, nil
}

// open decrypts a response's sensitive data and verifies the gateway signature over it
func (g *NagadGateway) open(body map[string]interface{}) (map[string]interface{}, error) {
	encrypted, err := base64.StdEncoding.DecodeString(str(body, "sensitiveData"))
	if err != nil || len(encrypted) == 0 {
		return nil, fmt.Errorf("nagad response has no sensitive data")
	}
	plain, err := rsa.DecryptPKCS1v15(rand.Reader, g.merchantKey, encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt nagad response: %w", err)
	}
	if !g.VerifySignature(plain, str(body, "signature")) {
		return nil, fmt.Errorf("nagad response signature mismatch")
	}
	return decodeNotification(plain)
}

func (g *NagadGateway) sign(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, g.merchantKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign nagad payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (g *NagadGateway) failure(resp *apiResponse, fallback string) *RawResponse {
	return &RawResponse{
		HTTPStatus:   resp.status,
		Body:         resp.body,
		ErrorMessage: firstNonEmpty(str(resp.body, "message", "reason"), fallback),
	}
}

func nagadStatus(raw string) string {
	switch strings.ToLower(raw) {
	case "success":
		return StatusSuccess
	case "failed", "fraud":
		return StatusFailed
	case "aborted", "cancelled":
		return StatusCancelled
	case "expired":
		return StatusExpired
	case "ready", "initiated", "pending":
		return StatusPending
	}
	return raw
}
