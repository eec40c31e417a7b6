package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/cache"
	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/pkg/crypto"
	"github.com/credkit/credkit/pkg/logger"
)

const (
	// DefaultCodeLength is the number of digits in generated passcodes.
	DefaultCodeLength = 6
	// DefaultTTL is the passcode lifetime.
	DefaultTTL = 15 * time.Minute
	// DefaultMaxAttempts bounds verification attempts per passcode.
	DefaultMaxAttempts = 3
	// DefaultRateCeiling is the number of passcodes allowed per identity and
	// purpose within the rate window.
	DefaultRateCeiling = 5
	// DefaultRateWindow is the trailing window used for issuance rate limiting.
	DefaultRateWindow = time.Hour
	// DefaultUsedRetention is how long consumed passcodes are kept for audit
	// before SweepUsed removes them.
	DefaultUsedRetention = 7 * 24 * time.Hour
)

// ErrRateLimited signals that passcode issuance was throttled for the key.
var ErrRateLimited = errors.New("otp: rate limited")

// Option customises the Service.
type Option func(*Service)

// WithClock injects a custom time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithCodeLength overrides the number of digits in generated passcodes.
func WithCodeLength(length int) Option {
	return func(s *Service) {
		if length > 0 {
			s.codeLength = length
		}
	}
}

// WithTTL overrides the passcode lifetime.
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithMaxAttempts overrides the verification attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRateCeiling overrides how many passcodes may be issued per key within
// the rate window.
func WithRateCeiling(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.rateCeiling = n
		}
	}
}

// WithRateWindow overrides the trailing issuance window.
func WithRateWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.rateWindow = d
		}
	}
}

// Service owns the one-time passcode lifecycle: issuance with rate limiting,
// attempt-bounded verification, status projection, and cleanup sweeps. The
// database is the single source of truth; no passcode state lives in memory.
type Service struct {
	db          *gorm.DB
	limiter     cache.Store
	now         func() time.Time
	codeLength  int
	ttl         time.Duration
	maxAttempts int
	rateCeiling int
	rateWindow  time.Duration
	log         *zap.Logger
}

// NewService constructs a passcode service backed by the given database.
// The limiter counts issuances per key across the rate window; a nil limiter
// disables the throttle.
func NewService(db *gorm.DB, limiter cache.Store, opts ...Option) (*Service, error) {
	if db == nil {
		return nil, errors.New("otp service: db is required")
	}

	service := &Service{
		db:          db,
		limiter:     limiter,
		now:         time.Now,
		codeLength:  DefaultCodeLength,
		ttl:         DefaultTTL,
		maxAttempts: DefaultMaxAttempts,
		rateCeiling: DefaultRateCeiling,
		rateWindow:  DefaultRateWindow,
		log:         logger.WithModule("otp"),
	}

	for _, opt := range opts {
		opt(service)
	}

	return service, nil
}

// Issue invalidates any active passcode for the (identity, purpose) pair and
// creates a fresh one. The generated code is returned to the caller, which is
// responsible for delivery.
//
// Issuance is throttled per key over the trailing rate window. The throttle
// is advisory: if the counter itself fails the passcode is still issued
// (fail-open), but a successfully evaluated count above the ceiling refuses
// issuance (fail-closed on the decision itself).
func (s *Service) Issue(ctx context.Context, identity, purpose string) (*models.OneTimePasscode, error) {
	identity = normalizeIdentity(identity)
	purpose = strings.TrimSpace(purpose)
	if identity == "" {
		return nil, errors.New("otp service: identity is required")
	}
	if purpose == "" {
		return nil, errors.New("otp service: purpose is required")
	}

	now := s.now()

	// Superseded passcodes are deleted on re-issue, so issuance history is
	// tracked in a windowed counter rather than by counting rows. The
	// throttle fails open when the counter itself cannot be evaluated.
	if s.limiter != nil {
		issued, _, err := s.limiter.IncrementWithTTL(ctx, rateKey(identity, purpose), s.rateWindow)
		if err != nil {
			s.log.Warn("issuance rate check failed, proceeding",
				zap.String("purpose", purpose), zap.Error(err))
		} else if issued > int64(s.rateCeiling) {
			return nil, ErrRateLimited
		}
	}

	code, err := crypto.RandomDigits(s.codeLength)
	if err != nil {
		return nil, fmt.Errorf("otp service: generate code: %w", err)
	}

	passcode := models.OneTimePasscode{
		Identity:    identity,
		Purpose:     purpose,
		Code:        code,
		ExpiresAt:   now.Add(s.ttl),
		MaxAttempts: s.maxAttempts,
	}

	// Delete-then-insert inside one transaction so a reader never observes
	// two active passcodes for the same key.
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("identity = ? AND purpose = ? AND is_used = ?", identity, purpose, false).
			Delete(&models.OneTimePasscode{}).Error; err != nil {
			return fmt.Errorf("invalidate previous: %w", err)
		}
		if err := tx.Create(&passcode).Error; err != nil {
			return fmt.Errorf("create passcode: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("otp service: issue: %w", err)
	}

	return &passcode, nil
}

// Verify checks the submitted code against the active passcode for the key.
// The checks run in a fixed order: missing record, expiry, exhaustion, then
// code comparison. Attempts are incremented before the comparison so a wrong
// guess always counts. Expired and exhausted records are deleted rather than
// mutated further; both outcomes read as a plain false to the caller.
func (s *Service) Verify(ctx context.Context, identity, purpose, code string) (bool, error) {
	identity = normalizeIdentity(identity)
	purpose = strings.TrimSpace(purpose)
	if identity == "" || purpose == "" || code == "" {
		return false, nil
	}

	now := s.now()
	valid := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var passcode models.OneTimePasscode
		err := tx.
			Where("identity = ? AND purpose = ? AND is_used = ?", identity, purpose, false).
			Order("created_at DESC").
			First(&passcode).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find passcode: %w", err)
		}

		if passcode.Expired(now) {
			if err := tx.Delete(&passcode).Error; err != nil {
				return fmt.Errorf("delete expired: %w", err)
			}
			return nil
		}

		if passcode.Attempts >= passcode.MaxAttempts {
			if err := tx.Delete(&passcode).Error; err != nil {
				return fmt.Errorf("delete exhausted: %w", err)
			}
			return nil
		}

		passcode.Attempts++
		if err := tx.Model(&passcode).Update("attempts", passcode.Attempts).Error; err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}

		if subtle.ConstantTimeCompare([]byte(passcode.Code), []byte(code)) != 1 {
			return nil
		}

		if err := tx.Model(&passcode).Updates(map[string]any{
			"is_used": true,
			"used_at": now,
		}).Error; err != nil {
			return fmt.Errorf("mark used: %w", err)
		}

		valid = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("otp service: verify: %w", err)
	}

	return valid, nil
}

// Status is a read-only projection of the most recent passcode for the key.
type Status struct {
	Exists            bool       `json:"exists"`
	IsUsed            bool       `json:"is_used"`
	IsExpired         bool       `json:"is_expired"`
	AttemptsRemaining int        `json:"attempts_remaining"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

// Status reports the state of the most recently created passcode for the key
// without mutating anything. A missing record yields a zero-valued projection
// rather than an error.
func (s *Service) Status(ctx context.Context, identity, purpose string) (Status, error) {
	identity = normalizeIdentity(identity)
	purpose = strings.TrimSpace(purpose)

	var passcode models.OneTimePasscode
	err := s.db.WithContext(ctx).
		Where("identity = ? AND purpose = ?", identity, purpose).
		Order("created_at DESC").
		First(&passcode).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("otp service: status: %w", err)
	}

	expiresAt := passcode.ExpiresAt
	return Status{
		Exists:            true,
		IsUsed:            passcode.IsUsed,
		IsExpired:         passcode.Expired(s.now()),
		AttemptsRemaining: passcode.AttemptsRemaining(),
		ExpiresAt:         &expiresAt,
	}, nil
}

// SweepExpired removes passcodes whose lifetime has elapsed. Safe to run
// concurrently with Issue and Verify.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Delete(&models.OneTimePasscode{})
	if result.Error != nil {
		return 0, fmt.Errorf("otp service: sweep expired: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SweepUsed removes consumed passcodes older than the given retention window.
// A non-positive window falls back to the default audit retention.
func (s *Service) SweepUsed(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultUsedRetention
	}

	result := s.db.WithContext(ctx).
		Where("is_used = ? AND used_at < ?", true, s.now().Add(-olderThan)).
		Delete(&models.OneTimePasscode{})
	if result.Error != nil {
		return 0, fmt.Errorf("otp service: sweep used: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func rateKey(identity, purpose string) string {
	return "otp:issued:" + identity + ":" + purpose
}
