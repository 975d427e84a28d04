package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"payment-core/internal/models"
)

// NotificationClient sends customer emails through the notification service API
type NotificationClient struct {
	baseURL    string
	tenantID   string
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewNotificationClient creates a new notification client
func NewNotificationClient(baseURL, tenantID string, logger *logrus.Logger) *NotificationClient {
	if baseURL == "" {
		baseURL = "http://notification-service.devtest.svc.cluster.local:8090"
	}

	return &NotificationClient{
		baseURL:  baseURL,
		tenantID: tenantID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.WithField("component", "notification_client"),
	}
}

// SendNotificationRequest represents the API request to notification-service
type SendNotificationRequest struct {
	Channel        string                 `json:"channel"`
	RecipientEmail string                 `json:"recipientEmail"`
	Subject        string                 `json:"subject"`
	TemplateName   string                 `json:"templateName,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
}

func paymentVariables(payment *models.Payment, status string) map[string]interface{} {
	return map[string]interface{}{
		"paymentStatus": status,
		"paymentId":     payment.ID.String(),
		"transactionId": payment.TransactionRef(),
		"invoiceNumber": payment.InvoiceNumber,
		"customerEmail": payment.CustomerEmail,
		"customerName":  payment.CustomerName,
		"amount":        payment.Amount.StringFixed(2),
		"currency":      payment.Currency,
		"paymentMethod": payment.GatewayCode,
		"paymentDate":   payment.UpdatedAt.Format("January 2, 2006 at 3:04 PM"),
	}
}

// PaymentConfirmed emails the customer when a payment completes
func (c *NotificationClient) PaymentConfirmed(ctx context.Context, payment *models.Payment) error {
	return c.sendPaymentEmail(ctx, payment,
		fmt.Sprintf("Payment Confirmed - %s %s", payment.Currency, payment.Amount.StringFixed(2)),
		paymentVariables(payment, "CAPTURED"))
}

// PaymentFailed emails the customer when a payment fails, is cancelled or expires
func (c *NotificationClient) PaymentFailed(ctx context.Context, payment *models.Payment, reason string) error {
	vars := paymentVariables(payment, "FAILED")
	vars["failureReason"] = reason
	return c.sendPaymentEmail(ctx, payment, "Payment Failed - Action Required", vars)
}

// RefundProcessed emails the customer when a refund is confirmed
func (c *NotificationClient) RefundProcessed(ctx context.Context, payment *models.Payment, refund *models.Refund) error {
	vars := paymentVariables(payment, "REFUNDED")
	vars["refundAmount"] = refund.Amount.StringFixed(2)
	vars["refundReason"] = refund.Reason
	vars["refundStatus"] = string(payment.RefundStatus)
	return c.sendPaymentEmail(ctx, payment,
		fmt.Sprintf("Refund Processed - %s %s", refund.Currency, refund.Amount.StringFixed(2)), vars)
}

func (c *NotificationClient) sendPaymentEmail(ctx context.Context, payment *models.Payment, subject string, vars map[string]interface{}) error {
	log := c.logger.WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"status":     vars["paymentStatus"],
	})
	if payment.CustomerEmail == "" {
		log.Debug("No customer email, skipping notification")
		return nil
	}

	req := SendNotificationRequest{
		Channel:        "EMAIL",
		RecipientEmail: payment.CustomerEmail,
		Subject:        subject,
		TemplateName:   "payment-customer",
		Variables:      vars,
	}
	if err := c.send(ctx, req); err != nil {
		return err
	}

	log.Info("Payment notification sent")
	return nil
}

func (c *NotificationClient) send(ctx context.Context, req SendNotificationRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/notifications/send", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.tenantID != "" {
		httpReq.Header.Set("X-Tenant-ID", c.tenantID)
	}
	httpReq.Header.Set("X-Internal-Service", "payment-core")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification-service returned status %d", resp.StatusCode)
	}

	return nil
}
