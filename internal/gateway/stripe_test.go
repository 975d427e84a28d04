package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"payment-core/internal/models"
)

func newStripeForTest(t *testing.T) *StripeGateway {
	gw, err := NewStripeGateway(&models.GatewayConfig{
		Code:     CodeStripe,
		IsActive: true,
		Credentials: models.JSONB{
			"secret_key":     "sk_test_123",
			"webhook_secret": "whsec_test",
		},
	}, Deps{})
	require.NoError(t, err)
	return gw
}

func TestStripe_VerifySignature(t *testing.T) {
	gw := newStripeForTest(t)
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_test_1"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	assert.True(t, gw.VerifySignature(payload, signed.Header))

	wrongSecret := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_other",
		Timestamp: time.Now(),
	})
	assert.False(t, gw.VerifySignature(payload, wrongSecret.Header))

	stale := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now().Add(-time.Hour),
	})
	assert.False(t, gw.VerifySignature(payload, stale.Header))
	assert.False(t, gw.VerifySignature(payload, ""))
}

func TestStripe_ParseNotification(t *testing.T) {
	gw := newStripeForTest(t)

	n, err := gw.ParseNotification([]byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_test_1","object":"checkout.session","client_reference_id":"INV-1","status":"complete","payment_status":"paid"}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindPayment, n.Kind)
	assert.Equal(t, "evt_1", n.EventID)
	assert.Equal(t, "cs_test_1", n.TransactionRef)
	assert.Equal(t, "INV-1", n.InvoiceRef)
	assert.Equal(t, StatusSuccess, n.Status)

	n, err = gw.ParseNotification([]byte(`{"id":"evt_2","object":"event","type":"checkout.session.expired",
		"data":{"object":{"id":"cs_test_2","object":"checkout.session","status":"expired","payment_status":"unpaid"}}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, n.Status)

	n, err = gw.ParseNotification([]byte(`{"id":"evt_3","object":"event","type":"charge.refund.updated",
		"data":{"object":{"id":"re_1","object":"refund","status":"failed","metadata":{"refund_id":"abc"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindRefund, n.Kind)
	assert.Equal(t, "re_1", n.RefundRef)
	assert.Equal(t, "abc", n.RefundID)
	assert.Equal(t, StatusFailed, n.Status)

	n, err = gw.ParseNotification([]byte(`{"id":"evt_4","object":"event","type":"charge.succeeded",
		"data":{"object":{"id":"ch_1","object":"charge"}}}`))
	require.NoError(t, err)
	assert.Equal(t, KindIgnored, n.Kind)
	assert.Equal(t, "evt_4", n.EventID)

	// Redirect back from Checkout
	n, err = gw.ParseNotification([]byte(`{"session_id":"cs_test_1"}`))
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", n.TransactionRef)
	assert.Empty(t, n.Status)
}

func TestWithSessionPlaceholder(t *testing.T) {
	assert.Equal(t, "https://x/cb?session_id={CHECKOUT_SESSION_ID}", withSessionPlaceholder("https://x/cb"))
	assert.Equal(t, "https://x/cb?a=1&session_id={CHECKOUT_SESSION_ID}", withSessionPlaceholder("https://x/cb?a=1"))
}
