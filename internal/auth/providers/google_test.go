package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// fakeGoogleIssuer serves an OIDC discovery document and a JWKS for a
// throwaway RSA key so ID tokens can be verified offline.
type fakeGoogleIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey
}

func newFakeGoogleIssuer(t *testing.T) *fakeGoogleIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	issuer := &fakeGoogleIssuer{key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer.server.URL,
			"authorization_endpoint":                issuer.server.URL + "/auth",
			"token_endpoint":                        issuer.server.URL + "/token",
			"jwks_uri":                              issuer.server.URL + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		pub := &issuer.key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"kid": "test-key",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})

	issuer.server = httptest.NewServer(mux)
	t.Cleanup(issuer.server.Close)
	return issuer
}

func (f *fakeGoogleIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func (f *fakeGoogleIssuer) provider(t *testing.T, clientID string) *GoogleProvider {
	t.Helper()

	provider, err := NewGoogleProvider(GoogleConfig{
		ClientID:   clientID,
		Issuer:     f.server.URL,
		HTTPClient: f.server.Client(),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return provider
}

func TestNewGoogleProviderRequiresClientID(t *testing.T) {
	_, err := NewGoogleProvider(GoogleConfig{})
	require.Error(t, err)
}

func TestGoogleExchangeReturnsIdentity(t *testing.T) {
	issuer := newFakeGoogleIssuer(t)
	provider := issuer.provider(t, "client-123")

	now := time.Now()
	raw := issuer.sign(t, jwt.MapClaims{
		"iss":            issuer.server.URL,
		"aud":            "client-123",
		"sub":            "google-sub-42",
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          "Jane@Example.com",
		"email_verified": true,
		"given_name":     "Jane",
		"family_name":    "Doe",
	})

	identity, err := provider.Exchange(context.Background(), raw)
	require.NoError(t, err)

	require.Equal(t, "google", identity.Provider)
	require.Equal(t, "google-sub-42", identity.Subject)
	require.Equal(t, "jane@example.com", identity.Email)
	require.True(t, identity.EmailVerified)
	require.Equal(t, "Jane", identity.FirstName)
	require.Equal(t, "Doe", identity.LastName)
}

func TestGoogleExchangeRejectsWrongAudience(t *testing.T) {
	issuer := newFakeGoogleIssuer(t)
	provider := issuer.provider(t, "client-123")

	now := time.Now()
	raw := issuer.sign(t, jwt.MapClaims{
		"iss": issuer.server.URL,
		"aud": "someone-else",
		"sub": "google-sub-42",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	_, err := provider.Exchange(context.Background(), raw)
	require.ErrorIs(t, err, ErrInvalidExternalToken)
}

func TestGoogleExchangeRejectsExpiredToken(t *testing.T) {
	issuer := newFakeGoogleIssuer(t)
	provider := issuer.provider(t, "client-123")

	now := time.Now()
	raw := issuer.sign(t, jwt.MapClaims{
		"iss": issuer.server.URL,
		"aud": "client-123",
		"sub": "google-sub-42",
		"iat": now.Add(-2 * time.Hour).Unix(),
		"exp": now.Add(-time.Hour).Unix(),
	})

	_, err := provider.Exchange(context.Background(), raw)
	require.ErrorIs(t, err, ErrInvalidExternalToken)
}

func TestGoogleExchangeRequiresToken(t *testing.T) {
	issuer := newFakeGoogleIssuer(t)
	provider := issuer.provider(t, "client-123")

	_, err := provider.Exchange(context.Background(), "   ")
	require.ErrorIs(t, err, ErrInvalidExternalToken)
}
