package gateway

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-core/internal/models"
)

func TestSignedAssertion_Sign(t *testing.T) {
	key := generateKey(t)
	now := time.Now()
	a := &SignedAssertion{
		Issuer:   "client-1",
		Subject:  "merchant-1",
		Audience: "https://upay.example.com/oauth/token",
		KeyID:    "kid-1",
		Key:      key,
		Lifetime: 5 * time.Minute,
	}

	signed, err := a.Sign(now)
	require.NoError(t, err)

	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		assert.Equal(t, "kid-1", token.Header["kid"])
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "client-1", claims["iss"])
	assert.Equal(t, "merchant-1", claims["sub"])
	assert.Equal(t, "https://upay.example.com/oauth/token", claims["aud"])
	assert.NotEmpty(t, claims["jti"])
}

func TestSignedAssertion_RequiresKey(t *testing.T) {
	_, err := (&SignedAssertion{Issuer: "x"}).Sign(time.Now())
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func newUpayForTest(t *testing.T, key *rsa.PrivateKey, handler http.Handler) *UpayGateway {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &models.GatewayConfig{
		Code:     CodeUpay,
		IsActive: true,
		BaseURL:  srv.URL,
		Credentials: models.JSONB{
			"merchant_id":    "UPAY-M1",
			"client_id":      "client-1",
			"private_key":    privatePEM(key),
			"webhook_secret": "upay-secret",
		},
	}
	gw, err := NewUpayGateway(cfg, Deps{HTTPClient: srv.Client()})
	require.NoError(t, err)
	return gw
}

func TestUpay_ExchangesAssertionAndCachesToken(t *testing.T) {
	key := generateKey(t)
	var exchanges int32

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, JWTBearerGrant, r.PostForm.Get("grant_type"))

		_, err := jwt.Parse(r.PostForm.Get("assertion"), func(token *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		})
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "upay-token", "expires_in": 3600, "token_type": "Bearer"})
	})
	mux.HandleFunc("/api/v1/payment/init", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upay-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "ok",
			"data":    map[string]string{"trx_id": "UP-77", "gateway_url": "https://upay.example.com/pay/UP-77"},
		})
	})
	gw := newUpayForTest(t, key, mux)

	for i := 0; i < 2; i++ {
		resp, err := gw.Initiate(context.Background(), testInitiateRequest())
		require.NoError(t, err)
		assert.True(t, resp.Success)
		assert.Equal(t, "UP-77", resp.TransactionID)
		assert.Equal(t, "https://upay.example.com/pay/UP-77", resp.RedirectURL)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchanges))
}

func TestUpay_RejectedAssertionIsAuthenticationFailed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "unknown key"})
	})
	gw := newUpayForTest(t, generateKey(t), mux)

	_, err := gw.VerifyStatus(context.Background(), "UP-77")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.True(t, strings.Contains(err.Error(), "unknown key"))
}

func TestUpay_SignatureAndNotification(t *testing.T) {
	gw := newUpayForTest(t, generateKey(t), http.NewServeMux())
	payload := []byte(`{"event_id":"e-1","trx_id":"UP-77","txn_id":"INV-1","status":"SUCCESS"}`)

	assert.True(t, gw.VerifySignature(payload, SignHex("upay-secret", payload)))
	assert.False(t, gw.VerifySignature(payload, SignHex("wrong", payload)))

	n, err := gw.ParseNotification(payload)
	require.NoError(t, err)
	assert.Equal(t, "UP-77", n.TransactionRef)
	assert.Equal(t, "INV-1", n.InvoiceRef)
	assert.Equal(t, StatusSuccess, n.Status)
}
