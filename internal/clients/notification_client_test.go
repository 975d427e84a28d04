package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-core/internal/models"
)

func TestNotificationClient_RefundProcessed(t *testing.T) {
	var received SendNotificationRequest
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/notifications/send", r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewNotificationClient(server.URL, "tenant-1", logrus.New())
	payment := &models.Payment{
		Amount:        decimal.NewFromInt(1000),
		Currency:      "BDT",
		CustomerEmail: "buyer@example.com",
		GatewayCode:   "bkash",
		RefundStatus:  models.RefundSummaryPartial,
	}
	refund := &models.Refund{Amount: decimal.RequireFromString("250.5"), Currency: "BDT", Reason: "damaged"}

	require.NoError(t, client.RefundProcessed(context.Background(), payment, refund))
	assert.Equal(t, "buyer@example.com", received.RecipientEmail)
	assert.Equal(t, "Refund Processed - BDT 250.50", received.Subject)
	assert.Equal(t, "250.50", received.Variables["refundAmount"])
	assert.Equal(t, "partially_refunded", received.Variables["refundStatus"])
	assert.Equal(t, "tenant-1", headers.Get("X-Tenant-ID"))
}

func TestNotificationClient_SkipsWithoutEmail(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer server.Close()

	client := NewNotificationClient(server.URL, "", logrus.New())
	require.NoError(t, client.PaymentConfirmed(context.Background(), &models.Payment{Amount: decimal.NewFromInt(1)}))
	assert.Equal(t, 0, calls)
}

func TestNotificationClient_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewNotificationClient(server.URL, "", logrus.New())
	err := client.PaymentFailed(context.Background(), &models.Payment{Amount: decimal.NewFromInt(1), CustomerEmail: "a@b.c"}, "declined")
	assert.EqualError(t, err, "notification-service returned status 502")
}
