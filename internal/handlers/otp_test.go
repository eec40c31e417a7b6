package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/credkit/credkit/internal/cache"
	"github.com/credkit/credkit/internal/handlers"
	"github.com/credkit/credkit/internal/handlers/testutil"
	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/internal/otp"
	"github.com/credkit/credkit/pkg/mail"
)

func latestPasscode(t *testing.T, env *testutil.Env, identity, purpose string) models.OneTimePasscode {
	t.Helper()
	var passcode models.OneTimePasscode
	require.NoError(t, env.DB.
		Where("identity = ? AND purpose = ?", identity, purpose).
		Order("created_at DESC").
		Take(&passcode).Error)
	return passcode
}

func TestRequestAndVerifyOTP(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser("correct-password-1")

	w := env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
		"email":   user.Email,
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	passcode := latestPasscode(t, env, user.Email, "password_reset")
	require.Len(t, passcode.Code, 6)
	require.False(t, passcode.IsUsed)

	w = env.Request(http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"email":   user.Email,
		"code":    passcode.Code,
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A consumed code cannot be replayed.
	w = env.Request(http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"email":   user.Email,
		"code":    passcode.Code,
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	resp := testutil.DecodeResponse(t, w)
	require.Equal(t, "INVALID_OR_EXPIRED", resp.Error.Code)
}

type failingMailer struct{}

func (failingMailer) Send(context.Context, mail.Message) error {
	return errors.New("smtp: dial tcp: connection refused")
}

func TestRequestOTPSucceedsWhenMailDeliveryFails(t *testing.T) {
	env := testutil.NewEnv(t)

	passcodes, err := otp.NewService(env.DB, cache.NewDatabaseStore(env.DB))
	require.NoError(t, err)

	handler, err := handlers.NewOTPHandler(env.DB, passcodes, failingMailer{}, nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/auth/request-otp", handler.Request)

	body := strings.NewReader(`{"email":"undeliverable@example.com","purpose":"password_reset"}`)
	req, err := http.NewRequest(http.MethodPost, "/api/auth/request-otp", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Delivery is best effort: the passcode exists, so the request succeeded.
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), "OTP sent successfully")

	passcode := latestPasscode(t, env, "undeliverable@example.com", "password_reset")
	require.NotEmpty(t, passcode.Code)
	require.False(t, passcode.IsUsed)
}

func TestRequestOTPDefaultsPurpose(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
		"email": "anyone@example.com",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	passcode := latestPasscode(t, env, "anyone@example.com", "password_reset")
	require.NotEmpty(t, passcode.Code)
}

func TestVerifyOTPWrongCodeBurnsAttempts(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
		"email":   "attempts@example.com",
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	issued := latestPasscode(t, env, "attempts@example.com", "password_reset")

	for i := 0; i < 3; i++ {
		w = env.Request(http.MethodPost, "/api/auth/verify-otp", map[string]string{
			"email":   "attempts@example.com",
			"code":    "000000",
			"purpose": "password_reset",
		}, "")
		require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}

	// The correct code no longer works once attempts are exhausted.
	w = env.Request(http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"email":   "attempts@example.com",
		"code":    issued.Code,
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestRequestOTPRateLimited(t *testing.T) {
	env := testutil.NewEnv(t)

	for i := 0; i < 5; i++ {
		w := env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
			"email":   "throttle@example.com",
			"purpose": "password_reset",
		}, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w := env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
		"email":   "throttle@example.com",
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusTooManyRequests, w.Code, w.Body.String())

	resp := testutil.DecodeResponse(t, w)
	require.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Error.Code)
}

func TestVerifyOTPEmailVerificationMarksUser(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser("correct-password-1")
	require.NoError(t, env.DB.Model(user).Update("is_email_verified", false).Error)

	w := env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
		"email":   user.Email,
		"purpose": "email_verification",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	passcode := latestPasscode(t, env, user.Email, "email_verification")

	w = env.Request(http.MethodPost, "/api/auth/verify-otp", map[string]string{
		"email":   user.Email,
		"code":    passcode.Code,
		"purpose": "email_verification",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var fresh models.User
	require.NoError(t, env.DB.Take(&fresh, "id = ?", user.ID).Error)
	require.True(t, fresh.IsEmailVerified)
}

func TestOTPStatus(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser("correct-password-1")
	login := env.Login(user.Email, "correct-password-1")

	w := env.Request(http.MethodGet, "/api/otp/status?email="+user.Email+"&purpose=password_reset", nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := testutil.DecodeResponse(t, w)
	var status struct {
		Exists            bool `json:"exists"`
		IsUsed            bool `json:"is_used"`
		AttemptsRemaining int  `json:"attempts_remaining"`
	}
	testutil.DecodeInto(t, resp.Data, &status)
	require.False(t, status.Exists)

	w = env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
		"email":   user.Email,
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.Request(http.MethodGet, "/api/otp/status?email="+user.Email+"&purpose=password_reset", nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp = testutil.DecodeResponse(t, w)
	testutil.DecodeInto(t, resp.Data, &status)
	require.True(t, status.Exists)
	require.False(t, status.IsUsed)
	require.Equal(t, 3, status.AttemptsRemaining)

	// Missing query parameters are rejected.
	w = env.Request(http.MethodGet, "/api/otp/status", nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestOTPCleanup(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser("correct-password-1")
	login := env.Login(user.Email, "correct-password-1")

	w := env.Request(http.MethodPost, "/api/auth/request-otp", map[string]string{
		"email":   "stale@example.com",
		"purpose": "password_reset",
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	stale := latestPasscode(t, env, "stale@example.com", "password_reset")
	require.NoError(t, env.DB.Model(&stale).Update("expires_at", time.Now().Add(-time.Hour)).Error)

	w = env.Request(http.MethodPost, "/api/otp/cleanup", nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := testutil.DecodeResponse(t, w)
	var result struct {
		ExpiredRemoved int64 `json:"expired_removed"`
		UsedRemoved    int64 `json:"used_removed"`
	}
	testutil.DecodeInto(t, resp.Data, &result)
	require.GreaterOrEqual(t, result.ExpiredRemoved, int64(1))

	var count int64
	require.NoError(t, env.DB.Model(&models.OneTimePasscode{}).
		Where("identity = ?", "stale@example.com").Count(&count).Error)
	require.Zero(t, count)
}
