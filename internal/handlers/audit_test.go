package handlers_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/credkit/credkit/internal/handlers/testutil"
	"github.com/credkit/credkit/internal/models"
)

type auditPayload struct {
	ID       string `json:"id"`
	Identity string `json:"identity"`
	Action   string `json:"action"`
	Result   string `json:"result"`
}

func TestAuditListFiltersAndPaginates(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser("correct-password-1")
	login := env.Login(user.Email, "correct-password-1")

	identity := "audit-target@example.com"
	for i := 0; i < 3; i++ {
		require.NoError(t, env.DB.Create(&models.AuditLog{
			Identity:  identity,
			Action:    "otp.verify",
			Result:    "failure",
			IPAddress: "10.0.0.1",
		}).Error)
	}
	require.NoError(t, env.DB.Create(&models.AuditLog{
		Identity: identity,
		Action:   "otp.verify",
		Result:   "success",
	}).Error)

	w := env.Request(http.MethodGet, "/api/audit?identity="+identity, nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := testutil.DecodeResponse(t, w)
	require.NotNil(t, resp.Meta)
	require.Equal(t, 4, resp.Meta.Total)

	var entries []auditPayload
	testutil.DecodeInto(t, resp.Data, &entries)
	require.Len(t, entries, 4)

	w = env.Request(http.MethodGet, "/api/audit?identity="+identity+"&result=failure", nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp = testutil.DecodeResponse(t, w)
	require.Equal(t, 3, resp.Meta.Total)

	w = env.Request(http.MethodGet, "/api/audit?identity="+identity+"&page=1&per_page=2", nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp = testutil.DecodeResponse(t, w)
	testutil.DecodeInto(t, resp.Data, &entries)
	require.Len(t, entries, 2)
	require.Equal(t, 4, resp.Meta.Total)
	require.Equal(t, 2, resp.Meta.PerPage)
}

func TestAuditListTimeWindow(t *testing.T) {
	env := testutil.NewEnv(t)
	user := env.CreateUser("correct-password-1")
	login := env.Login(user.Email, "correct-password-1")

	identity := "audit-window@example.com"
	old := models.AuditLog{Identity: identity, Action: "account.login", Result: "success"}
	require.NoError(t, env.DB.Create(&old).Error)
	require.NoError(t, env.DB.Model(&old).Update("created_at", time.Now().Add(-48*time.Hour)).Error)

	recent := models.AuditLog{Identity: identity, Action: "account.login", Result: "success"}
	require.NoError(t, env.DB.Create(&recent).Error)

	since := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	w := env.Request(http.MethodGet, "/api/audit?identity="+identity+"&since="+since, nil, login.Tokens.AccessToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := testutil.DecodeResponse(t, w)
	require.Equal(t, 1, resp.Meta.Total)

	var entries []auditPayload
	testutil.DecodeInto(t, resp.Data, &entries)
	require.Len(t, entries, 1)
	require.Equal(t, recent.ID, entries[0].ID)
}

func TestAuditRecordsSignup(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodPost, "/api/auth/signup", map[string]string{
		"email":    "audited-signup@example.com",
		"password": "longenoughpassword",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var entry models.AuditLog
	require.NoError(t, env.DB.
		Where("identity = ? AND action = ?", "audited-signup@example.com", "account.register").
		Take(&entry).Error)
	require.Equal(t, "success", entry.Result)
}

func TestAuditRequiresAuth(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/audit", nil, "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
}
