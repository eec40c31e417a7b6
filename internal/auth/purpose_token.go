package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Purposes recognised by the credential flows. The set is open: purposes are
// compared as plain strings, so new flows can mint their own tags without
// touching this package.
const (
	PurposeEmailVerification = "email_verification"
	PurposePasswordReset     = "password_reset"
)

// Default lifetimes for purpose-scoped tokens.
const (
	DefaultEmailVerificationTTL = 24 * time.Hour
	DefaultPasswordResetTTL     = time.Hour
)

// ErrPurposeTokenInvalid is the single failure surfaced by Verify. Signature
// failures, malformed payloads, purpose mismatches, and expiry all collapse
// into it so callers cannot probe which check rejected the token.
var ErrPurposeTokenInvalid = errors.New("auth: invalid or expired token")

type purposeClaims struct {
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

// PurposeTokenConfig bundles the configuration for a PurposeTokenService.
type PurposeTokenConfig struct {
	Secret string
	Issuer string
	Clock  func() time.Time
}

// PurposeTokenService issues and verifies self-contained signed tokens that
// carry a subject, a purpose tag, and an expiry. No server-side state is
// created at issuance; flows needing one-time-use semantics mirror the token
// onto the subject's record and check that mirror independently.
type PurposeTokenService struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewPurposeTokenService constructs the purpose-token signer/verifier.
func NewPurposeTokenService(cfg PurposeTokenConfig) (*PurposeTokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("purpose token: secret must be provided")
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &PurposeTokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		now:    now,
	}, nil
}

// Generate signs a token binding the subject to the purpose for the given
// lifetime.
func (s *PurposeTokenService) Generate(subject, purpose string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	purpose = strings.TrimSpace(purpose)
	if subject == "" {
		return "", errors.New("purpose token: subject is required")
	}
	if purpose == "" {
		return "", errors.New("purpose token: purpose is required")
	}
	if ttl <= 0 {
		return "", errors.New("purpose token: ttl must be positive")
	}

	now := s.now()
	claims := &purposeClaims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the token's signature and expiry and requires its embedded
// purpose to equal expectedPurpose. On success the embedded subject is
// returned; every failure mode yields ErrPurposeTokenInvalid.
func (s *PurposeTokenService) Verify(tokenString, expectedPurpose string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrPurposeTokenInvalid
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims purposeClaims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return "", ErrPurposeTokenInvalid
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return "", ErrPurposeTokenInvalid
	}

	if claims.Purpose == "" || claims.Purpose != strings.TrimSpace(expectedPurpose) {
		return "", ErrPurposeTokenInvalid
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrPurposeTokenInvalid
	}

	return subject, nil
}
