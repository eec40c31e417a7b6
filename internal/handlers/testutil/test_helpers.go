package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/api"
	"github.com/credkit/credkit/internal/app"
	iauth "github.com/credkit/credkit/internal/auth"
	"github.com/credkit/credkit/internal/cache"
	sharedtestutil "github.com/credkit/credkit/internal/database/testutil"
	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/pkg/crypto"
	"github.com/credkit/credkit/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	JWT    *iauth.JWTService
}

// NewEnv provisions a fresh handler test environment with migrations applied.
// Social providers stay disabled; their routes answer 404.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	jwtSecret := "test-suite-super-secret-key-32-bytes!!"
	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         jwtSecret,
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	cfg := &app.Config{
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: jwtSecret,
				Issuer: "test-suite",
				TTL:    time.Hour,
			},
			Session: app.SessionSettings{
				RefreshTTL:    24 * time.Hour,
				RefreshLength: 48,
			},
		},
		Monitoring: app.MonitoringConfig{
			Health:     app.HealthConfig{Enabled: true},
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
		},
	}

	sessionSvc, err := iauth.NewSessionService(db, jwtSvc, cfg.Auth.SessionServiceConfig())
	require.NoError(t, err)

	router, err := api.NewRouter(db, jwtSvc, cfg, sessionSvc, cache.NewDatabaseStore(db))
	require.NoError(t, err)

	return &Env{
		T:      t,
		DB:     db,
		Router: router,
		JWT:    jwtSvc,
	}
}

// CreateUser inserts a new active user with the given password and returns the record.
// The email is randomised to keep tests independent on the shared database.
func (e *Env) CreateUser(password string) *models.User {
	e.T.Helper()

	hashed, err := crypto.HashPassword(password)
	require.NoError(e.T, err)

	user := &models.User{
		Email:           "user-" + uuid.NewString() + "@example.com",
		Password:        hashed,
		FirstName:       "Test",
		LastName:        "User",
		IsActive:        true,
		IsEmailVerified: true,
	}

	require.NoError(e.T, e.DB.Create(user).Error)
	return user
}

// TokenPair mirrors the handler token payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// UserPayload captures the subset of user fields returned from auth endpoints.
type UserPayload struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Phone           string `json:"phone"`
	IsActive        bool   `json:"is_active"`
	IsVerified      bool   `json:"is_verified"`
	IsEmailVerified bool   `json:"is_email_verified"`
}

// LoginResult bundles the JSON response from POST /api/auth/login.
type LoginResult struct {
	Tokens TokenPair   `json:"tokens"`
	User   UserPayload `json:"user"`
}

// Login authenticates using the local provider and returns the issued token pair.
func (e *Env) Login(email, password string) LoginResult {
	e.T.Helper()

	payload := map[string]string{
		"email":    email,
		"password": password,
	}

	w := e.Request(http.MethodPost, "/api/auth/login", payload, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.Tokens.AccessToken)
	require.NotEmpty(e.T, result.Tokens.RefreshToken)
	require.Equal(e.T, "bearer", result.Tokens.TokenType)
	require.Equal(e.T, email, result.User.Email)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
