package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreatePaymentRequest represents a request to create a payment
type CreatePaymentRequest struct {
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	Currency      string          `json:"currency"`
	GatewayCode   string          `json:"gateway_code" binding:"required"`
	InvoiceNumber string          `json:"invoice_number"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email"`
	CustomerPhone string          `json:"customer_phone"`
	Description   string          `json:"description"`
}

// InitiatePaymentRequest represents a request to start a payment at a gateway
type InitiatePaymentRequest struct {
	PaymentRef  string `json:"payment_ref" binding:"required"`
	GatewayCode string `json:"gateway_code" binding:"required"`
}

// InitiatePaymentResponse is returned by POST /payments/initiate
type InitiatePaymentResponse struct {
	Success     bool   `json:"success"`
	PaymentID   string `json:"payment_id,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PaymentStatusResponse is returned by GET /payments/status/:payment
type PaymentStatusResponse struct {
	PaymentID         string              `json:"payment_id"`
	InvoiceNumber     string              `json:"invoice_number"`
	Status            PaymentStatus       `json:"status"`
	RefundStatus      PaymentRefundStatus `json:"refund_status"`
	Amount            decimal.Decimal     `json:"amount"`
	RefundableAmount  decimal.Decimal     `json:"refundable_amount"`
	Currency          string              `json:"currency"`
	GatewayCode       string              `json:"gateway_code"`
	TransactionID     string              `json:"transaction_id,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
	VerificationError string              `json:"verification_error,omitempty"`
}

// CreateRefundRequest represents a request to refund a payment
type CreateRefundRequest struct {
	Amount   decimal.Decimal        `json:"amount" binding:"required"`
	Reason   string                 `json:"reason" binding:"required"`
	Deferred bool                   `json:"deferred"`
	Metadata map[string]interface{} `json:"metadata"`
}

// CancelRefundRequest represents a request to cancel a pending refund
type CancelRefundRequest struct {
	Reason string `json:"reason"`
}

// RefundActionResponse is returned by refund mutations
type RefundActionResponse struct {
	Success bool    `json:"success"`
	Message string  `json:"message,omitempty"`
	Refund  *Refund `json:"refund,omitempty"`
}

// RefundFilter narrows refund listings and statistics
type RefundFilter struct {
	Status    RefundStatus
	PaymentID *uuid.UUID
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// Offset returns the row offset for the current page
func (f RefundFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.PageSize
}

// RefundAggregate is a count and a sum
type RefundAggregate struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// MonthlyRefundAggregate is a RefundAggregate for one calendar month
type MonthlyRefundAggregate struct {
	Month string `json:"month"`
	RefundAggregate
}

// RefundStatistics aggregates refunds for reporting
type RefundStatistics struct {
	Total           RefundAggregate            `json:"total"`
	ByStatus        map[string]RefundAggregate `json:"by_status"`
	ByMonth         []MonthlyRefundAggregate   `json:"by_month"`
	ByPaymentMethod map[string]RefundAggregate `json:"by_payment_method"`
}

// GatewayResponse is the public view of an active gateway
type GatewayResponse struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
	IsSandbox   bool   `json:"is_sandbox"`
	Priority    int    `json:"priority"`
	LogoURL     string `json:"logo_url,omitempty"`
}

// ListResponse wraps paginated results
type ListResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
