package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateAccessToken(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewJWTService(JWTConfig{
		Secret: "test-secret",
		Issuer: "credkit",
		Clock:  func() time.Time { return current },
	})
	require.NoError(t, err)

	token, err := svc.GenerateAccessToken(AccessTokenInput{
		UserID:    "user-1",
		SessionID: "session-1",
		Email:     "user@example.com",
	})
	require.NoError(t, err)

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "session-1", claims.SessionID)
	require.Equal(t, "user@example.com", claims.Email)
	require.Equal(t, "credkit", claims.Issuer)
}

func TestValidateAccessTokenExpired(t *testing.T) {
	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	svc, err := NewJWTService(JWTConfig{
		Secret:         "test-secret",
		AccessTokenTTL: 5 * time.Minute,
		Clock:          func() time.Time { return current },
	})
	require.NoError(t, err)

	token, err := svc.GenerateAccessToken(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	current = current.Add(10 * time.Minute)

	_, err = svc.ValidateAccessToken(token)
	require.Error(t, err)
}

func TestValidateAccessTokenWrongSecret(t *testing.T) {
	issuer, err := NewJWTService(JWTConfig{Secret: "secret-a"})
	require.NoError(t, err)
	verifier, err := NewJWTService(JWTConfig{Secret: "secret-b"})
	require.NoError(t, err)

	token, err := issuer.GenerateAccessToken(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	_, err = verifier.ValidateAccessToken(token)
	require.Error(t, err)
}

func TestJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.Error(t, err)
}
