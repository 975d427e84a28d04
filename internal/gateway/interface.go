package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-core/internal/models"
)

// Gateway codes
const (
	CodeOnline   = "online"
	CodeBkash    = "bkash"
	CodeNagad    = "nagad"
	CodeUpay     = "upay"
	CodeStripe   = "stripe"
	CodeRazorpay = "razorpay"
)

// Adapter translates the canonical payment/refund model into one provider's wire protocol.
// Provider field names and status vocabulary never leave the implementation.
type Adapter interface {
	// Code returns the gateway code the adapter is registered under
	Code() string

	// SignatureHeader is the HTTP header carrying the webhook signature
	SignatureHeader() string

	// Initiate starts a payment and returns the redirect target
	Initiate(ctx context.Context, req *InitiateRequest) (*RawResponse, error)

	// VerifyStatus polls the gateway for the current transaction status
	VerifyStatus(ctx context.Context, transactionRef string) (*RawResponse, error)

	// Refund asks the gateway to return money for a transaction
	Refund(ctx context.Context, req *RefundRequest) (*RawResponse, error)

	// VerifySignature checks the authenticity of a notification payload
	VerifySignature(payload []byte, signature string) bool

	// ParseNotification extracts the canonical fields of a callback or webhook payload
	ParseNotification(payload []byte) (*Notification, error)
}

// InitiateRequest is the canonical payment initiation request
type InitiateRequest struct {
	PaymentID     uuid.UUID
	InvoiceNumber string
	Amount        decimal.Decimal
	Currency      string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Description   string
	CallbackURL   string
}

// RefundRequest is the canonical refund request
type RefundRequest struct {
	RefundID       uuid.UUID
	TransactionRef string
	Amount         decimal.Decimal
	Currency       string
	Reason         string
}

// Normalized status strings reported by adapters. The services map them onto the
// canonical payment and refund enums.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusPending   = "pending"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// RawResponse is what a gateway answered, with the provider body kept verbatim
type RawResponse struct {
	HTTPStatus    int                    `json:"http_status"`
	Success       bool                   `json:"success"`
	Status        string                 `json:"status,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	RefundID      string                 `json:"refund_id,omitempty"`
	RedirectURL   string                 `json:"redirect_url,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	Body          map[string]interface{} `json:"body,omitempty"`
}

// NotificationKind says what a notification is about
type NotificationKind string

const (
	KindPayment NotificationKind = "payment"
	KindRefund  NotificationKind = "refund"
	KindIgnored NotificationKind = "ignored"
)

// Notification is the canonical content of a callback or webhook
type Notification struct {
	Kind           NotificationKind
	EventID        string
	TransactionRef string
	InvoiceRef     string
	RefundRef      string
	RefundID       string // our refund id when the gateway echoes it back
	Status         string
	// Signed is set when the payload carried its own provider signature and it checked out
	Signed         bool
}

// Gateway errors
var (
	ErrUnknownGateway       = errors.New("unknown payment gateway")
	ErrGatewayInactive      = errors.New("payment gateway is not active")
	ErrMissingCredentials   = errors.New("gateway credentials are not configured")
	ErrAuthenticationFailed = errors.New("gateway authentication failed")
	ErrGatewayTimeout       = errors.New("GatewayTimeout")
)

// GatewayError represents an error from a payment gateway
type GatewayError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Retryable  bool   `json:"retryable"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// NewGatewayError creates a new gateway error
func NewGatewayError(code, message string, retryable bool) *GatewayError {
	return &GatewayError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}

// ErrorCode classifies an adapter error for metadata and logs
func ErrorCode(err error) string {
	var gwErr *GatewayError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGatewayTimeout):
		return "GatewayTimeout"
	case errors.Is(err, ErrAuthenticationFailed):
		return "AuthenticationFailed"
	case errors.As(err, &gwErr):
		return gwErr.Code
	default:
		return "gateway_error"
	}
}

// credential reads a credential from the gateway config, falling back to the environment
func credential(cfg *models.GatewayConfig, key, envKey string) string {
	if v := cfg.Credential(key); v != "" {
		return v
	}
	if envKey == "" {
		return ""
	}
	return os.Getenv(envKey)
}

// missingCredential builds the config error for an absent credential key
func missingCredential(code, key string) error {
	return fmt.Errorf("%s: %w: %s", code, ErrMissingCredentials, key)
}
