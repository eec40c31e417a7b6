package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/app"
	iauth "github.com/credkit/credkit/internal/auth"
	"github.com/credkit/credkit/internal/auth/providers"
	"github.com/credkit/credkit/internal/cache"
	"github.com/credkit/credkit/internal/handlers"
	"github.com/credkit/credkit/internal/middleware"
	"github.com/credkit/credkit/internal/otp"
	"github.com/credkit/credkit/internal/services"
	"github.com/credkit/credkit/pkg/mail"
)

// NewRouter builds the Gin engine, wires middleware and registers all routes.
// The cache store backs both passcode issuance throttling and the HTTP rate
// limiter; a nil store falls back to process-local counters.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, sessions *iauth.SessionService, store cache.Store) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())

	rates := middleware.NewDatabaseRateStore(store)
	if rates == nil {
		rates = middleware.NewMemoryRateStore()
	}
	r.Use(middleware.RateLimitWithStore(rates, cfg.Server.RateLimit.MaxRequests, cfg.Server.RateLimit.Window))

	// Health endpoint (public)
	if cfg.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health())
	}

	// Core services
	purposeTokens, err := iauth.NewPurposeTokenService(cfg.Auth.PurposeTokenServiceConfig())
	if err != nil {
		return nil, err
	}

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, err
	}

	auditSvc, err := services.NewAuditService(db)
	if err != nil {
		return nil, err
	}

	accountOpts := append(cfg.Auth.AccountServiceOptions(),
		services.WithSessionRevoker(sessions),
		services.WithAccountAudit(auditSvc),
	)
	accounts, err := services.NewAccountService(db, purposeTokens, mailer, accountOpts...)
	if err != nil {
		return nil, err
	}

	users, err := services.NewUserService(db, auditSvc)
	if err != nil {
		return nil, err
	}

	local, err := providers.NewLocalProvider(db, cfg.Auth.LocalProviderConfig())
	if err != nil {
		return nil, err
	}

	deps := handlers.AuthHandlerDeps{
		Accounts: accounts,
		Users:    users,
		Sessions: sessions,
		Local:    local,
	}

	if cfg.Auth.Providers.Google.Enabled {
		google, err := providers.NewGoogleProvider(cfg.Auth.GoogleProviderConfig())
		if err != nil {
			return nil, fmt.Errorf("configure google provider: %w", err)
		}
		deps.Google = google
	}
	if cfg.Auth.Providers.Facebook.Enabled {
		deps.Facebook = providers.NewFacebookProvider(cfg.Auth.FacebookProviderConfig())
	}
	if cfg.Auth.Providers.Microsoft.Enabled {
		microsoft, err := providers.NewMicrosoftProvider(cfg.Auth.MicrosoftProviderConfig())
		if err != nil {
			return nil, fmt.Errorf("configure microsoft provider: %w", err)
		}
		deps.Microsoft = microsoft
	}

	authHandler, err := handlers.NewAuthHandler(deps)
	if err != nil {
		return nil, err
	}

	passcodes, err := otp.NewService(db, store, cfg.OTP.ServiceOptions()...)
	if err != nil {
		return nil, err
	}
	otpHandler, err := handlers.NewOTPHandler(db, passcodes, mailer, auditSvc)
	if err != nil {
		return nil, err
	}

	auditHandler, err := handlers.NewAuditHandler(db)
	if err != nil {
		return nil, err
	}

	sessionHandler := handlers.NewSessionHandler(db, sessions)

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/signup", authHandler.Signup)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/verify-email", authHandler.VerifyEmail)
		auth.POST("/resend-verification", authHandler.ResendVerification)
		auth.POST("/forgot-password", authHandler.ForgotPassword)
		auth.POST("/reset-password", authHandler.ResetPassword)
		auth.POST("/request-otp", otpHandler.Request)
		auth.POST("/verify-otp", otpHandler.Verify)
		auth.POST("/google", authHandler.Google)
		auth.POST("/facebook", authHandler.Facebook)
		auth.GET("/microsoft/login-url", authHandler.MicrosoftLoginURL)
		auth.POST("/microsoft/callback", authHandler.MicrosoftCallback)
	}

	// Protected routes
	requireAuth := middleware.Auth(jwt)

	api := r.Group("/api")
	api.Use(requireAuth)

	api.GET("/auth/me", authHandler.Me)
	api.PATCH("/auth/me", authHandler.UpdateMe)
	api.DELETE("/auth/me", authHandler.DeactivateMe)
	api.POST("/auth/logout", authHandler.Logout)
	api.POST("/auth/change-password", authHandler.ChangePassword)

	api.GET("/sessions/me", sessionHandler.ListMySessions)
	api.POST("/sessions/revoke/:id", sessionHandler.Revoke)
	api.POST("/sessions/revoke_all", sessionHandler.RevokeAll)

	api.GET("/otp/status", otpHandler.Status)
	api.POST("/otp/cleanup", otpHandler.Cleanup)

	api.GET("/audit", auditHandler.List)

	// Metrics endpoint
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
