package services

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Service errors
var (
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrRefundNotFound     = errors.New("refund not found")
	ErrRefundNotPending   = errors.New("Only pending refunds can be processed")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrInvalidPayload     = errors.New("invalid notification payload")
	ErrMissingTransaction = errors.New("notification does not identify a payment")
	ErrDuplicateInvoice   = errors.New("invoice number already exists")
)

// Refund rejection messages returned to API callers
const (
	MsgRefundAmountInvalid    = "Refund amount must be greater than zero"
	MsgRefundNotEligible      = "This payment is not eligible for a refund"
	MsgRefundInFlight         = "A refund is already being processed for this payment"
	MsgRefundCancelNotPending = "Only pending refunds can be cancelled"
)

func maxRefundableMessage(refundable decimal.Decimal) string {
	return fmt.Sprintf("Maximum refundable amount is %s", refundable.StringFixed(2))
}

func refundFailedMessage(reason string) string {
	return fmt.Sprintf("Failed to process refund: %s", reason)
}
