package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/credkit/credkit/internal/auth"
	"github.com/credkit/credkit/internal/auth/providers"
	"github.com/credkit/credkit/internal/middleware"
	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/internal/services"
	apperrors "github.com/credkit/credkit/pkg/errors"
	"github.com/credkit/credkit/pkg/metrics"
	"github.com/credkit/credkit/pkg/response"
)

var errAccountLocked = apperrors.New("ACCOUNT_LOCKED", "Account temporarily locked, try again later", http.StatusLocked)

// AuthHandlerDeps bundles the collaborators for the auth surface.
type AuthHandlerDeps struct {
	Accounts  *services.AccountService
	Users     *services.UserService
	Sessions  *iauth.SessionService
	Local     *providers.LocalProvider
	Google    providers.Provider
	Facebook  providers.Provider
	Microsoft *providers.MicrosoftProvider
}

// AuthHandler manages signup, login, token refresh, social login, and the
// email verification / password recovery flows.
type AuthHandler struct {
	deps AuthHandlerDeps
}

// NewAuthHandler validates the dependency set and builds the handler. The
// social providers are optional; their routes report not-found when a
// provider is not configured.
func NewAuthHandler(deps AuthHandlerDeps) (*AuthHandler, error) {
	if deps.Accounts == nil {
		return nil, errors.New("auth handler: account service is required")
	}
	if deps.Users == nil {
		return nil, errors.New("auth handler: user service is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("auth handler: session service is required")
	}
	if deps.Local == nil {
		return nil, errors.New("auth handler: local provider is required")
	}
	return &AuthHandler{deps: deps}, nil
}

type signupRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=8,max=128"`
	FirstName string `json:"first_name" validate:"max=50"`
	LastName  string `json:"last_name" validate:"max=50"`
	Phone     string `json:"phone" validate:"max=20"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

func newTokenResponse(pair iauth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
	}
}

func userPayload(user *models.User) gin.H {
	return gin.H{
		"id":                user.ID,
		"email":             user.Email,
		"first_name":        user.FirstName,
		"last_name":         user.LastName,
		"phone":             user.Phone,
		"is_active":         user.IsActive,
		"is_verified":       user.IsVerified,
		"is_email_verified": user.IsEmailVerified,
		"created_at":        user.CreatedAt,
	}
}

// POST /api/auth/signup
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.deps.Accounts.Register(requestContext(c), services.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		IPAddress: c.ClientIP(),
	})
	if err != nil {
		if errors.Is(err, services.ErrEmailTaken) {
			response.Error(c, apperrors.ErrConflict)
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusCreated, userPayload(user))
}

// POST /api/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.deps.Local.Authenticate(providers.AuthenticateInput{
		Email:     req.Email,
		Password:  req.Password,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("local", "failure").Inc()
		if errors.Is(err, providers.ErrAccountLocked) {
			response.Error(c, errAccountLocked)
			return
		}
		// Disabled accounts and bad credentials are indistinguishable on
		// purpose.
		response.Error(c, apperrors.ErrInvalidCredentials)
		return
	}

	h.issueSession(c, user, "local")
}

// POST /api/auth/refresh
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, _, err := h.deps.Sessions.RefreshSession(req.RefreshToken)
	if err != nil {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	response.Success(c, http.StatusOK, newTokenResponse(pair))
}

// POST /api/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	sid := c.GetString(middleware.CtxSessionIDKey)
	if sid == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	if err := h.deps.Sessions.RevokeSession(sid); err != nil {
		if errors.Is(err, iauth.ErrSessionNotFound) {
			response.Error(c, apperrors.ErrUnauthorized)
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"revoked": true})
}

// GET /api/auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	user, err := h.deps.Users.GetByID(requestContext(c), userID)
	if err != nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, userPayload(user))
}

type updateMeRequest struct {
	FirstName *string `json:"first_name" validate:"omitempty,max=50"`
	LastName  *string `json:"last_name" validate:"omitempty,max=50"`
	Phone     *string `json:"phone" validate:"omitempty,max=20"`
}

// PATCH /api/auth/me
func (h *AuthHandler) UpdateMe(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var req updateMeRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.deps.Users.UpdateProfile(requestContext(c), userID, services.UpdateProfileInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, userPayload(user))
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=128"`
}

// POST /api/auth/change-password
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.deps.Local.ChangePassword(userID, req.CurrentPassword, req.NewPassword); err != nil {
		if errors.Is(err, providers.ErrInvalidCredentials) {
			response.Error(c, apperrors.ErrInvalidCredentials)
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": true})
}

// DELETE /api/auth/me
func (h *AuthHandler) DeactivateMe(c *gin.Context) {
	userID := c.GetString(middleware.CtxUserIDKey)
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	if err := h.deps.Users.Deactivate(requestContext(c), userID); err != nil {
		if errors.Is(err, services.ErrUserNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	// A deactivated account keeps no live sessions.
	if err := h.deps.Sessions.RevokeUserSessions(userID); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"deactivated": true})
}

type verifyEmailRequest struct {
	Token string `json:"token" validate:"required"`
}

// POST /api/auth/verify-email
func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.deps.Accounts.VerifyEmail(requestContext(c), req.Token)
	if err != nil {
		if errors.Is(err, iauth.ErrPurposeTokenInvalid) {
			response.Error(c, apperrors.ErrInvalidToken)
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, userPayload(user))
}

type emailRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// POST /api/auth/resend-verification
func (h *AuthHandler) ResendVerification(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.deps.Accounts.ResendVerification(requestContext(c), req.Email); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "If this email exists, a verification link has been sent"})
}

// POST /api/auth/forgot-password
func (h *AuthHandler) ForgotPassword(c *gin.Context) {
	var req emailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.deps.Accounts.ForgotPassword(requestContext(c), req.Email); err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "If this email exists, a password reset link has been sent"})
}

type resetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=128"`
}

// POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if err := h.deps.Accounts.ResetPassword(requestContext(c), req.Token, req.NewPassword); err != nil {
		if errors.Is(err, iauth.ErrPurposeTokenInvalid) {
			response.Error(c, apperrors.ErrInvalidToken)
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Password updated successfully"})
}

type socialTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// POST /api/auth/google
func (h *AuthHandler) Google(c *gin.Context) {
	h.socialLogin(c, h.deps.Google, "google")
}

// POST /api/auth/facebook
func (h *AuthHandler) Facebook(c *gin.Context) {
	h.socialLogin(c, h.deps.Facebook, "facebook")
}

// GET /api/auth/microsoft/login-url
func (h *AuthHandler) MicrosoftLoginURL(c *gin.Context) {
	if h.deps.Microsoft == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"url": h.deps.Microsoft.AuthorizationURL(c.Query("state"))})
}

type microsoftCallbackRequest struct {
	Code string `json:"code" validate:"required"`
}

// POST /api/auth/microsoft/callback
func (h *AuthHandler) MicrosoftCallback(c *gin.Context) {
	if h.deps.Microsoft == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	var req microsoftCallbackRequest
	if !bindAndValidate(c, &req) {
		return
	}

	h.completeSocialLogin(c, h.deps.Microsoft, "microsoft", req.Code)
}

func (h *AuthHandler) socialLogin(c *gin.Context, provider providers.Provider, name string) {
	if provider == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	var req socialTokenRequest
	if !bindAndValidate(c, &req) {
		return
	}

	h.completeSocialLogin(c, provider, name, req.Token)
}

func (h *AuthHandler) completeSocialLogin(c *gin.Context, provider providers.Provider, name, credential string) {
	identity, err := provider.Exchange(requestContext(c), credential)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(name, "failure").Inc()
		response.Error(c, apperrors.ErrUnauthorized)
		return
	}

	user, err := h.deps.Accounts.ResolveExternalIdentity(requestContext(c), identity)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(name, "failure").Inc()
		if errors.Is(err, services.ErrEmailRequired) {
			response.Error(c, apperrors.NewBadRequest("the provider did not share an email address"))
			return
		}
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues(name, "failure").Inc()
		response.Error(c, apperrors.ErrInvalidCredentials)
		return
	}

	h.issueSession(c, user, name)
}

func (h *AuthHandler) issueSession(c *gin.Context, user *models.User, provider string) {
	pair, _, err := h.deps.Sessions.CreateSession(user, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		metrics.AuthAttempts.WithLabelValues(provider, "failure").Inc()
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	metrics.AuthAttempts.WithLabelValues(provider, "success").Inc()

	response.Success(c, http.StatusOK, gin.H{
		"tokens": newTokenResponse(pair),
		"user":   userPayload(user),
	})
}
