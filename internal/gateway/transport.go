package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxResponseBody = 1 << 20

// Authenticator injects credentials into an outbound request
type Authenticator interface {
	Apply(ctx context.Context, req *http.Request) error
	Invalidate(ctx context.Context)
}

// httpTransport is the JSON-over-HTTP plumbing shared by the REST adapters
type httpTransport struct {
	code    string
	baseURL string
	client  *http.Client
	auth    Authenticator
	headers map[string]string
	logger  *logrus.Entry
}

type apiResponse struct {
	status int
	body   map[string]interface{}
}

func (r *apiResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

func newHTTPTransport(code, baseURL string, client *http.Client, logger *logrus.Entry) *httpTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &httpTransport{
		code:    code,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		headers: make(map[string]string),
		logger:  logger.WithField("gateway", code),
	}
}

// postJSON sends an authenticated JSON request
func (t *httpTransport) postJSON(ctx context.Context, path string, payload interface{}) (*apiResponse, error) {
	return t.doJSON(ctx, http.MethodPost, path, payload)
}

func (t *httpTransport) get(ctx context.Context, path string) (*apiResponse, error) {
	return t.send(ctx, http.MethodGet, path, nil, "", nil, true)
}

func (t *httpTransport) doJSON(ctx context.Context, method, path string, payload interface{}) (*apiResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", t.code, err)
		}
	}
	return t.send(ctx, method, path, body, "application/json", nil, true)
}

// postUnauthenticated is used by token endpoints, which must not recurse into the authenticator
func (t *httpTransport) postUnauthenticated(ctx context.Context, path string, body []byte, contentType string, headers map[string]string) (*apiResponse, error) {
	return t.send(ctx, http.MethodPost, path, body, contentType, headers, false)
}

func (t *httpTransport) postForm(ctx context.Context, path string, form url.Values) (*apiResponse, error) {
	return t.postUnauthenticated(ctx, path, []byte(form.Encode()), "application/x-www-form-urlencoded", nil)
}

func (t *httpTransport) send(ctx context.Context, method, path string, body []byte, contentType string, headers map[string]string, authenticate bool) (*apiResponse, error) {
	useAuth := authenticate && t.auth != nil

	for attempt := 0; ; attempt++ {
		var reader io.Reader = http.NoBody
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s request: %w", t.code, err)
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if useAuth {
			if err := t.auth.Apply(ctx, req); err != nil {
				return nil, err
			}
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, t.classify(err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		resp.Body.Close()
		if err != nil {
			return nil, t.classify(err)
		}

		if resp.StatusCode == http.StatusUnauthorized && useAuth {
			t.auth.Invalidate(ctx)
			if attempt == 0 {
				t.logger.WithField("path", path).Info("Gateway rejected access token, refreshing")
				continue
			}
			return nil, fmt.Errorf("%w: %s rejected a freshly issued token", ErrAuthenticationFailed, t.code)
		}

		return &apiResponse{status: resp.StatusCode, body: decodeBody(data)}, nil
	}
}

// classify turns transport failures into ErrGatewayTimeout or a retryable GatewayError
func (t *httpTransport) classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s did not respond in time", ErrGatewayTimeout, t.code)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &GatewayError{
		Code:      "transport_error",
		Message:   fmt.Sprintf("%s request failed: %v", t.code, err),
		Retryable: true,
	}
}

func decodeBody(data []byte) map[string]interface{} {
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]interface{}{}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return map[string]interface{}{"raw": string(data)}
	}
	return body
}

// decodeNotification parses a notification payload into a flat map
func decodeNotification(payload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("invalid notification payload: %w", err)
	}
	return body, nil
}

// str returns the first non-empty field among keys as a string
func str(body map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		switch v := body[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case float64:
			return fmt.Sprintf("%v", v)
		case bool:
			return fmt.Sprintf("%t", v)
		}
	}
	return ""
}

// nested returns a child object or an empty map
func nested(body map[string]interface{}, key string) map[string]interface{} {
	if child, ok := body[key].(map[string]interface{}); ok {
		return child
	}
	return map[string]interface{}{}
}

// seconds reads a lifetime in seconds, falling back to def
func seconds(body map[string]interface{}, key string, def time.Duration) time.Duration {
	switch v := body[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	case float64:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return def
}

func hmacSHA256(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// verifyHexHMAC compares a hex encoded HMAC-SHA256 in constant time
func verifyHexHMAC(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(given, hmacSHA256(secret, payload))
}

// verifyBase64HMAC compares a base64 encoded HMAC-SHA256 in constant time
func verifyBase64HMAC(secret string, payload []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	given, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(given, hmacSHA256(secret, payload))
}

// SignHex returns the hex HMAC-SHA256 of payload
func SignHex(secret string, payload []byte) string {
	return hex.EncodeToString(hmacSHA256(secret, payload))
}

// SignBase64 returns the base64 HMAC-SHA256 of payload
func SignBase64(secret string, payload []byte) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256(secret, payload))
}

// formatAmount renders a decimal with two fraction digits as gateways expect
func formatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// minorUnits converts an amount to the smallest currency unit
func minorUnits(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
