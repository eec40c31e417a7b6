package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/credkit/credkit/internal/auth"
	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/internal/otp"
	"github.com/credkit/credkit/internal/services"
	"github.com/credkit/credkit/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultSweepSpec          = "@hourly"
	defaultRetentionSpec      = "@daily"
)

// Cleaner coordinates background maintenance: sweeping expired passcodes and
// sessions, pruning consumed passcodes and stale audit logs, and clearing
// expired token mirrors from user records.
type Cleaner struct {
	db        *gorm.DB
	sessions  *iauth.SessionService
	audit     *services.AuditService
	passcodes *otp.Service
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool

	auditRetention int
	usedRetention  time.Duration

	sweepSchedule     string
	retentionSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.auditRetention = days
		}
	}
}

// WithUsedRetention adjusts how long consumed passcodes are retained.
func WithUsedRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d > 0 {
			cleaner.usedRetention = d
		}
	}
}

// WithSweepSchedule overrides the cron specification for the expiry sweeps.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

// WithRetentionSchedule overrides the cron specification for retention enforcement.
func WithRetentionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.retentionSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(db *gorm.DB, sessions *iauth.SessionService, audit *services.AuditService, passcodes *otp.Service, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:                db,
		sessions:          sessions,
		audit:             audit,
		passcodes:         passcodes,
		now:               time.Now,
		auditRetention:    defaultAuditRetentionDays,
		usedRetention:     otp.DefaultUsedRetention,
		sweepSchedule:     defaultSweepSpec,
		retentionSchedule: defaultRetentionSpec,
		log:               logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.sessions != nil || cleaner.audit != nil || cleaner.passcodes != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at
// least one cleanup is enabled. The frequent sweep removes records that are
// merely expired; the retention job removes records kept for audit trails.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if _, err := c.cron.AddFunc(c.sweepSchedule, func() {
		ctx := context.Background()
		if c.passcodes != nil {
			if _, err := c.passcodes.SweepExpired(ctx); err != nil {
				c.log.Warn("passcode sweep failed", zap.Error(err))
			}
		}
		if c.sessions != nil {
			if _, err := c.sessions.CleanupExpired(ctx); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}
	}); err != nil {
		return err
	}

	if _, err := c.cron.AddFunc(c.retentionSchedule, func() {
		ctx := context.Background()
		if c.passcodes != nil {
			if _, err := c.passcodes.SweepUsed(ctx, c.usedRetention); err != nil {
				c.log.Warn("used passcode cleanup failed", zap.Error(err))
			}
		}
		if c.audit != nil && c.auditRetention > 0 {
			if _, err := c.audit.CleanupOlderThan(ctx, c.auditRetention); err != nil {
				c.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}
		if c.db != nil {
			if _, err := CleanupTokenMirrors(ctx, c.db, c.now()); err != nil {
				c.log.Warn("token mirror cleanup failed", zap.Error(err))
			}
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.passcodes != nil {
		if _, err := c.passcodes.SweepExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
		if _, err := c.passcodes.SweepUsed(ctx, c.usedRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.auditRetention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.auditRetention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupTokenMirrors(ctx, c.db, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// MirrorCleanupStats captures the number of user records cleared per mirror.
type MirrorCleanupStats struct {
	Verifications  int64
	PasswordResets int64
}

// CleanupTokenMirrors clears expired verification and reset token mirrors
// from user records. The signed tokens themselves carry their own expiry;
// clearing the mirror just keeps stale secrets out of the users table.
func CleanupTokenMirrors(ctx context.Context, db *gorm.DB, now time.Time) (MirrorCleanupStats, error) {
	if db == nil {
		return MirrorCleanupStats{}, errors.New("cleanup mirrors: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stats := MirrorCleanupStats{}

	result := db.WithContext(ctx).
		Model(&models.User{}).
		Where("verification_token IS NOT NULL AND verification_token_expires_at < ?", now).
		Updates(map[string]any{
			"verification_token":            nil,
			"verification_token_expires_at": nil,
		})
	if result.Error != nil {
		return stats, fmt.Errorf("cleanup mirrors: verification tokens: %w", result.Error)
	}
	stats.Verifications = result.RowsAffected

	result = db.WithContext(ctx).
		Model(&models.User{}).
		Where("reset_password_token IS NOT NULL AND reset_password_token_expires < ?", now).
		Updates(map[string]any{
			"reset_password_token":         nil,
			"reset_password_token_expires": nil,
		})
	if result.Error != nil {
		return stats, fmt.Errorf("cleanup mirrors: reset tokens: %w", result.Error)
	}
	stats.PasswordResets = result.RowsAffected

	return stats, nil
}
