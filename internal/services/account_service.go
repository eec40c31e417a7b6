package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/auth"
	"github.com/credkit/credkit/internal/auth/providers"
	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/pkg/crypto"
	"github.com/credkit/credkit/pkg/logger"
	"github.com/credkit/credkit/pkg/mail"
)

var (
	// ErrEmailTaken indicates that a registration clashed with an existing account.
	ErrEmailTaken = errors.New("account: email already registered")
	// ErrEmailRequired signals that a social identity carried no usable email address.
	ErrEmailRequired = errors.New("account: email is required")
)

// sessionRevoker is the slice of the session service the account flows need:
// after a password reset every outstanding session must die.
type sessionRevoker interface {
	RevokeUserSessions(userID string) error
}

// RegisterInput captures the details required to create a local account.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	IPAddress string
}

// AccountOption customises the AccountService.
type AccountOption func(*AccountService)

// WithAccountClock injects a custom time source.
func WithAccountClock(clock func() time.Time) AccountOption {
	return func(s *AccountService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithVerificationURL sets the base URL embedded in verification emails.
func WithVerificationURL(url string) AccountOption {
	return func(s *AccountService) {
		s.verifyURL = strings.TrimRight(url, "/")
	}
}

// WithResetURL sets the base URL embedded in password reset emails.
func WithResetURL(url string) AccountOption {
	return func(s *AccountService) {
		s.resetURL = strings.TrimRight(url, "/")
	}
}

// WithVerificationTTL overrides the email verification token lifetime.
func WithVerificationTTL(d time.Duration) AccountOption {
	return func(s *AccountService) {
		if d > 0 {
			s.verificationTTL = d
		}
	}
}

// WithResetTTL overrides the password reset token lifetime.
func WithResetTTL(d time.Duration) AccountOption {
	return func(s *AccountService) {
		if d > 0 {
			s.resetTTL = d
		}
	}
}

// WithSessionRevoker wires the session service so password resets revoke
// outstanding sessions.
func WithSessionRevoker(revoker sessionRevoker) AccountOption {
	return func(s *AccountService) {
		s.sessions = revoker
	}
}

// WithAccountAudit wires the audit trail into the account flows.
func WithAccountAudit(audit *AuditService) AccountOption {
	return func(s *AccountService) {
		s.audit = audit
	}
}

// AccountService drives signup, email verification, and password recovery.
// Verification and reset tokens are self-contained signed tokens; a copy of
// the most recently issued token is mirrored onto the user row and a token is
// only honoured while its mirror is still present, which makes the otherwise
// stateless tokens single-use.
type AccountService struct {
	db       *gorm.DB
	tokens   *auth.PurposeTokenService
	mailer   mail.Mailer
	sessions sessionRevoker
	audit    *AuditService
	log      *zap.Logger

	verifyURL       string
	resetURL        string
	verificationTTL time.Duration
	resetTTL        time.Duration
	now             func() time.Time
}

// NewAccountService constructs the account lifecycle service.
func NewAccountService(db *gorm.DB, tokens *auth.PurposeTokenService, mailer mail.Mailer, opts ...AccountOption) (*AccountService, error) {
	if db == nil {
		return nil, errors.New("account service: db is required")
	}
	if tokens == nil {
		return nil, errors.New("account service: token service is required")
	}

	service := &AccountService{
		db:              db,
		tokens:          tokens,
		mailer:          mailer,
		log:             logger.WithModule("account"),
		verificationTTL: auth.DefaultEmailVerificationTTL,
		resetTTL:        auth.DefaultPasswordResetTTL,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Register creates a local account and dispatches a verification email.
func (s *AccountService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" || input.Password == "" {
		return nil, errors.New("account service: email and password are required")
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("account service: hash password: %w", err)
	}

	user := &models.User{
		Email:     email,
		Password:  hashed,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Phone:     strings.TrimSpace(input.Phone),
		IsActive:  true,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("account service: create user: %w", err)
	}

	if err := s.issueVerification(ctx, user); err != nil {
		return nil, err
	}

	s.auditEvent(ctx, user.ID, email, "account.register", "success", input.IPAddress, nil)
	return user, nil
}

// VerifyEmail consumes a verification token and marks the account verified.
// Every failure mode collapses into auth.ErrPurposeTokenInvalid.
func (s *AccountService) VerifyEmail(ctx context.Context, token string) (*models.User, error) {
	userID, err := s.tokens.Verify(token, auth.PurposeEmailVerification)
	if err != nil {
		return nil, auth.ErrPurposeTokenInvalid
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, auth.ErrPurposeTokenInvalid
		}
		return nil, fmt.Errorf("account service: find user: %w", err)
	}

	now := s.now()
	if user.VerificationToken == nil || *user.VerificationToken != token {
		return nil, auth.ErrPurposeTokenInvalid
	}
	if user.VerificationTokenExpiresAt == nil || user.VerificationTokenExpiresAt.Before(now) {
		return nil, auth.ErrPurposeTokenInvalid
	}

	if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"is_verified":                   true,
		"is_email_verified":             true,
		"verification_token":            nil,
		"verification_token_expires_at": nil,
	}).Error; err != nil {
		return nil, fmt.Errorf("account service: mark verified: %w", err)
	}

	user.IsVerified = true
	user.IsEmailVerified = true
	user.VerificationToken = nil
	user.VerificationTokenExpiresAt = nil

	s.auditEvent(ctx, user.ID, user.Email, "account.verify_email", "success", "", nil)
	return &user, nil
}

// ResendVerification issues a fresh verification token. It reports success
// even for unknown or already-verified addresses so the endpoint cannot be
// used to enumerate accounts.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.New("account service: email is required")
	}

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("account service: find user: %w", err)
	}
	if user.IsEmailVerified {
		return nil
	}

	return s.issueVerification(ctx, &user)
}

// ForgotPassword issues a password reset token for the account. Unknown
// addresses are silently ignored.
func (s *AccountService) ForgotPassword(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return errors.New("account service: email is required")
	}

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("account service: find user: %w", err)
	}

	token, err := s.tokens.Generate(user.ID, auth.PurposePasswordReset, s.resetTTL)
	if err != nil {
		return fmt.Errorf("account service: generate reset token: %w", err)
	}

	expires := s.now().Add(s.resetTTL)
	if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"reset_password_token":         token,
		"reset_password_token_expires": expires,
	}).Error; err != nil {
		return fmt.Errorf("account service: store reset token: %w", err)
	}

	s.sendMail(ctx, user.Email, "Reset your CredKit password",
		fmt.Sprintf("A password reset was requested for your account.\n\nVisit the link below to choose a new password:\n%s\n\nIf you did not request this, you can ignore this message.\n", s.link(s.resetURL, token)))

	s.auditEvent(ctx, user.ID, user.Email, "account.forgot_password", "success", "", nil)
	return nil
}

// ResetPassword consumes a reset token and installs the new password. The
// token must both verify and match the mirror stored on the user row; the
// mirror is cleared on success so the token cannot be replayed. All sessions
// for the account are revoked.
func (s *AccountService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if newPassword == "" {
		return errors.New("account service: new password is required")
	}

	userID, err := s.tokens.Verify(token, auth.PurposePasswordReset)
	if err != nil {
		return auth.ErrPurposeTokenInvalid
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return auth.ErrPurposeTokenInvalid
		}
		return fmt.Errorf("account service: find user: %w", err)
	}

	now := s.now()
	if user.ResetPasswordToken == nil || *user.ResetPasswordToken != token {
		return auth.ErrPurposeTokenInvalid
	}
	if user.ResetPasswordTokenExpires == nil || user.ResetPasswordTokenExpires.Before(now) {
		return auth.ErrPurposeTokenInvalid
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("account service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
		"password":                     hashed,
		"reset_password_token":         nil,
		"reset_password_token_expires": nil,
		"failed_attempts":              0,
		"locked_until":                 nil,
	}).Error; err != nil {
		return fmt.Errorf("account service: update password: %w", err)
	}

	if s.sessions != nil {
		if err := s.sessions.RevokeUserSessions(user.ID); err != nil {
			s.log.Warn("revoke sessions after password reset failed",
				zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.auditEvent(ctx, user.ID, user.Email, "account.reset_password", "success", "", nil)
	return nil
}

// ResolveExternalIdentity finds or creates the account matching a verified
// social identity. An existing account with the same email is linked to the
// provider; otherwise a new passwordless account is created.
func (s *AccountService) ResolveExternalIdentity(ctx context.Context, identity *providers.Identity) (*models.User, error) {
	if identity == nil || strings.TrimSpace(identity.Subject) == "" {
		return nil, errors.New("account service: identity subject is required")
	}

	column, err := providerColumn(identity.Provider)
	if err != nil {
		return nil, err
	}

	var user models.User
	err = s.db.WithContext(ctx).Take(&user, column+" = ?", identity.Subject).Error
	if err == nil {
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account service: find by %s: %w", column, err)
	}

	if identity.Email == "" {
		return nil, ErrEmailRequired
	}

	err = s.db.WithContext(ctx).Take(&user, "email = ?", identity.Email).Error
	if err == nil {
		if err := s.db.WithContext(ctx).Model(&user).Updates(map[string]any{
			column:              identity.Subject,
			"is_email_verified": true,
		}).Error; err != nil {
			return nil, fmt.Errorf("account service: link %s account: %w", identity.Provider, err)
		}
		s.auditEvent(ctx, user.ID, user.Email, "account.link_"+identity.Provider, "success", "", nil)
		return &user, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("account service: find by email: %w", err)
	}

	subject := identity.Subject
	user = models.User{
		Email:           identity.Email,
		FirstName:       identity.FirstName,
		LastName:        identity.LastName,
		IsActive:        true,
		IsVerified:      true,
		IsEmailVerified: true,
	}
	switch identity.Provider {
	case "google":
		user.GoogleID = &subject
	case "facebook":
		user.FacebookID = &subject
	case "microsoft":
		user.MicrosoftID = &subject
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("account service: create user: %w", err)
	}

	s.auditEvent(ctx, user.ID, user.Email, "account.register_"+identity.Provider, "success", "", nil)
	return &user, nil
}

func (s *AccountService) issueVerification(ctx context.Context, user *models.User) error {
	token, err := s.tokens.Generate(user.ID, auth.PurposeEmailVerification, s.verificationTTL)
	if err != nil {
		return fmt.Errorf("account service: generate verification token: %w", err)
	}

	expires := s.now().Add(s.verificationTTL)
	if err := s.db.WithContext(ctx).Model(user).Updates(map[string]any{
		"verification_token":            token,
		"verification_token_expires_at": expires,
	}).Error; err != nil {
		return fmt.Errorf("account service: store verification token: %w", err)
	}
	user.VerificationToken = &token
	user.VerificationTokenExpiresAt = &expires

	s.sendMail(ctx, user.Email, "Confirm your CredKit account",
		fmt.Sprintf("Welcome to CredKit!\n\nPlease confirm your email address by visiting the link below:\n%s\n\nIf you did not create an account, you can ignore this message.\n", s.link(s.verifyURL, token)))

	return nil
}

// sendMail delivers best-effort: failures are logged, never surfaced, so the
// account flows do not leak or stall on SMTP trouble.
func (s *AccountService) sendMail(ctx context.Context, to, subject, body string) {
	if s.mailer == nil {
		return
	}

	err := s.mailer.Send(ctx, mail.Message{
		To:      []string{to},
		Subject: subject,
		Body:    body,
	})
	if err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
		s.log.Warn("send mail failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (s *AccountService) auditEvent(ctx context.Context, userID, identity, action, result, ip string, metadata map[string]any) {
	if s.audit == nil {
		return
	}

	entry := AuditEntry{
		Identity:  identity,
		Action:    action,
		Result:    result,
		IPAddress: ip,
		Metadata:  metadata,
	}
	if userID != "" {
		entry.UserID = &userID
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("audit event failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *AccountService) link(baseURL, token string) string {
	if baseURL == "" {
		return token
	}
	return fmt.Sprintf("%s?token=%s", baseURL, token)
}

func providerColumn(provider string) (string, error) {
	switch provider {
	case "google":
		return "google_id", nil
	case "facebook":
		return "facebook_id", nil
	case "microsoft":
		return "microsoft_id", nil
	default:
		return "", fmt.Errorf("account service: unknown provider %q", provider)
	}
}
