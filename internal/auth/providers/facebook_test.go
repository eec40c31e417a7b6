package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFakeGraphServer(t *testing.T, wantToken string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+wantToken {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "Invalid OAuth access token."},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "fb-1001",
			"email":      "Mark@Example.com",
			"first_name": "Mark",
			"last_name":  "Example",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestFacebookExchangeReturnsIdentity(t *testing.T) {
	server := newFakeGraphServer(t, "valid-token")

	provider := NewFacebookProvider(FacebookConfig{
		GraphURL:   server.URL,
		HTTPClient: server.Client(),
		Timeout:    5 * time.Second,
	})

	identity, err := provider.Exchange(context.Background(), "valid-token")
	require.NoError(t, err)

	require.Equal(t, "facebook", identity.Provider)
	require.Equal(t, "fb-1001", identity.Subject)
	require.Equal(t, "mark@example.com", identity.Email)
	require.True(t, identity.EmailVerified)
	require.Equal(t, "Mark", identity.FirstName)
	require.Equal(t, "Example", identity.LastName)
}

func TestFacebookExchangeRejectsBadToken(t *testing.T) {
	server := newFakeGraphServer(t, "valid-token")

	provider := NewFacebookProvider(FacebookConfig{
		GraphURL:   server.URL,
		HTTPClient: server.Client(),
	})

	_, err := provider.Exchange(context.Background(), "stolen-token")
	require.ErrorIs(t, err, ErrInvalidExternalToken)
}

func TestFacebookExchangeRequiresToken(t *testing.T) {
	provider := NewFacebookProvider(FacebookConfig{})

	_, err := provider.Exchange(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidExternalToken)
}
