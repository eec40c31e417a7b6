package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/internal/otp"
	"github.com/credkit/credkit/internal/services"
	apperrors "github.com/credkit/credkit/pkg/errors"
	"github.com/credkit/credkit/pkg/logger"
	"github.com/credkit/credkit/pkg/mail"
	"github.com/credkit/credkit/pkg/metrics"
	"github.com/credkit/credkit/pkg/response"
)

// OTPHandler exposes the one-time passcode lifecycle over HTTP.
type OTPHandler struct {
	db        *gorm.DB
	passcodes *otp.Service
	mailer    mail.Mailer
	audit     *services.AuditService
	log       *zap.Logger
}

// NewOTPHandler wires the passcode engine to the request layer. The mailer
// and audit service are optional.
func NewOTPHandler(db *gorm.DB, passcodes *otp.Service, mailer mail.Mailer, audit *services.AuditService) (*OTPHandler, error) {
	if db == nil {
		return nil, errors.New("otp handler: db is required")
	}
	if passcodes == nil {
		return nil, errors.New("otp handler: passcode service is required")
	}
	return &OTPHandler{
		db:        db,
		passcodes: passcodes,
		mailer:    mailer,
		audit:     audit,
		log:       logger.WithModule("handlers.otp"),
	}, nil
}

type requestOTPRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Purpose string `json:"purpose" validate:"omitempty,max=64"`
}

// POST /api/auth/request-otp
func (h *OTPHandler) Request(c *gin.Context) {
	var req requestOTPRequest
	if !bindAndValidate(c, &req) {
		return
	}
	purpose := req.Purpose
	if purpose == "" {
		purpose = "password_reset"
	}

	passcode, err := h.passcodes.Issue(requestContext(c), req.Email, purpose)
	if err != nil {
		if errors.Is(err, otp.ErrRateLimited) {
			metrics.PasscodesIssued.WithLabelValues(purpose, "rate_limited").Inc()
			h.auditEvent(c, req.Email, "otp.request", "rate_limited", purpose)
			response.Error(c, apperrors.ErrRateLimited)
			return
		}
		metrics.PasscodesIssued.WithLabelValues(purpose, "error").Inc()
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	metrics.PasscodesIssued.WithLabelValues(purpose, "success").Inc()
	h.auditEvent(c, req.Email, "otp.request", "success", purpose)

	if h.mailer != nil {
		msg := mail.Message{
			To:      []string{req.Email},
			Subject: "Your CredKit verification code",
			Body:    fmt.Sprintf("Your verification code is: %s\n\nIt expires in %d minutes.\n", passcode.Code, int(passcode.ExpiresAt.Sub(passcode.CreatedAt).Minutes())),
		}
		// Delivery is best effort: the passcode is already committed, so a
		// mailer failure must not surface as a failed request.
		if err := h.mailer.Send(requestContext(c), msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
			h.log.Warn("passcode mail delivery failed",
				zap.String("purpose", purpose), zap.Error(err))
		}
	}

	response.Success(c, http.StatusOK, gin.H{"message": "OTP sent successfully"})
}

type verifyOTPRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Code    string `json:"code" validate:"required,max=16"`
	Purpose string `json:"purpose" validate:"required,max=64"`
}

// POST /api/auth/verify-otp
func (h *OTPHandler) Verify(c *gin.Context) {
	var req verifyOTPRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ok, err := h.passcodes.Verify(requestContext(c), req.Email, req.Purpose, req.Code)
	if err != nil {
		metrics.PasscodeVerifications.WithLabelValues(req.Purpose, "error").Inc()
		response.Error(c, apperrors.ErrInternalServer)
		return
	}
	if !ok {
		metrics.PasscodeVerifications.WithLabelValues(req.Purpose, "invalid").Inc()
		h.auditEvent(c, req.Email, "otp.verify", "failure", req.Purpose)
		response.Error(c, apperrors.ErrInvalidCode)
		return
	}

	metrics.PasscodeVerifications.WithLabelValues(req.Purpose, "valid").Inc()
	h.auditEvent(c, req.Email, "otp.verify", "success", req.Purpose)

	// A passcode issued for email verification doubles as proof of mailbox
	// ownership.
	if req.Purpose == "email_verification" {
		if err := h.db.WithContext(requestContext(c)).
			Model(&models.User{}).
			Where("email = ?", req.Email).
			Update("is_email_verified", true).Error; err != nil {
			response.Error(c, apperrors.ErrInternalServer)
			return
		}
	}

	response.Success(c, http.StatusOK, gin.H{"message": "OTP verified successfully"})
}

// GET /api/otp/status
func (h *OTPHandler) Status(c *gin.Context) {
	identity := c.Query("email")
	purpose := c.Query("purpose")
	if identity == "" || purpose == "" {
		response.Error(c, apperrors.NewBadRequest("email and purpose are required"))
		return
	}

	status, err := h.passcodes.Status(requestContext(c), identity, purpose)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	payload := gin.H{
		"exists":             status.Exists,
		"is_used":            status.IsUsed,
		"is_expired":         status.IsExpired,
		"attempts_remaining": status.AttemptsRemaining,
	}
	if status.ExpiresAt != nil {
		payload["expires_at"] = status.ExpiresAt
	}

	response.Success(c, http.StatusOK, payload)
}

// POST /api/otp/cleanup
func (h *OTPHandler) Cleanup(c *gin.Context) {
	ctx := requestContext(c)

	expired, err := h.passcodes.SweepExpired(ctx)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	used, err := h.passcodes.SweepUsed(ctx, otp.DefaultUsedRetention)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"expired_removed": expired,
		"used_removed":    used,
	})
}

func (h *OTPHandler) auditEvent(c *gin.Context, identity, action, result, purpose string) {
	if h.audit == nil {
		return
	}
	_ = h.audit.Log(requestContext(c), services.AuditEntry{
		Identity:  identity,
		Action:    action,
		Result:    result,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Metadata:  map[string]any{"purpose": purpose},
	})
}
