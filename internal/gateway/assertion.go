package gateway

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTBearerGrant is the OAuth grant type for signed-assertion exchange
const JWTBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// SignedAssertion describes the short-lived RS256 token a merchant signs to prove
// its identity to a gateway's token endpoint
type SignedAssertion struct {
	Issuer   string
	Subject  string
	Audience string
	Scope    string
	KeyID    string
	Key      *rsa.PrivateKey
	Lifetime time.Duration
}

// Sign produces the compact JWT for the given instant
func (a *SignedAssertion) Sign(now time.Time) (string, error) {
	if a.Key == nil {
		return "", fmt.Errorf("%w: assertion signing key", ErrMissingCredentials)
	}
	lifetime := a.Lifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}

	claims := jwt.MapClaims{
		"iss": a.Issuer,
		"sub": a.Subject,
		"aud": a.Audience,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
		"jti": uuid.NewString(),
	}
	if a.Scope != "" {
		claims["scope"] = a.Scope
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if a.KeyID != "" {
		token.Header["kid"] = a.KeyID
	}
	return token.SignedString(a.Key)
}

// assertionFetcher exchanges a freshly signed assertion for an access token at path
func assertionFetcher(t *httpTransport, path string, a *SignedAssertion, now func() time.Time) TokenFetcher {
	return func(ctx context.Context) (string, time.Duration, error) {
		assertion, err := a.Sign(now())
		if err != nil {
			return "", 0, err
		}

		form := url.Values{}
		form.Set("grant_type", JWTBearerGrant)
		form.Set("assertion", assertion)
		if a.Scope != "" {
			form.Set("scope", a.Scope)
		}

		resp, err := t.postForm(ctx, path, form)
		if err != nil {
			return "", 0, err
		}
		if !resp.ok() {
			return "", 0, fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuthenticationFailed, resp.status,
				str(resp.body, "error_description", "error", "message"))
		}
		return str(resp.body, "access_token"), seconds(resp.body, "expires_in", time.Hour), nil
	}
}

// parsePrivateKey reads a PEM encoded RSA private key (PKCS#1 or PKCS#8)
func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("invalid RSA private key: %w", err)
	}
	return key, nil
}

// parsePublicKey reads a PEM encoded RSA public key or certificate
func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
	if err != nil {
		return nil, fmt.Errorf("invalid RSA public key: %w", err)
	}
	return key, nil
}
