package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/credkit/credkit/internal/auth"
	"github.com/credkit/credkit/internal/database"
	"github.com/credkit/credkit/internal/models"
	"github.com/credkit/credkit/internal/otp"
	"github.com/credkit/credkit/internal/services"
	"github.com/credkit/credkit/pkg/crypto"
)

func openMaintenanceTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := database.Open(database.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

func TestCleanupTokenMirrors(t *testing.T) {
	db := openMaintenanceTestDB(t)
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)

	expiredToken := "expired-verification"
	expiredAt := now.Add(-time.Hour)
	staleReset := "expired-reset"

	stale := seedMaintenanceUser(t, db, "stale")
	require.NoError(t, db.Model(stale).Updates(map[string]any{
		"verification_token":            expiredToken,
		"verification_token_expires_at": expiredAt,
		"reset_password_token":          staleReset,
		"reset_password_token_expires":  expiredAt,
	}).Error)

	freshToken := "fresh-verification"
	freshAt := now.Add(time.Hour)

	fresh := seedMaintenanceUser(t, db, "fresh")
	require.NoError(t, db.Model(fresh).Updates(map[string]any{
		"verification_token":            freshToken,
		"verification_token_expires_at": freshAt,
	}).Error)

	stats, err := CleanupTokenMirrors(context.Background(), db, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Verifications)
	require.Equal(t, int64(1), stats.PasswordResets)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, "id = ?", stale.ID).Error)
	require.Nil(t, reloaded.VerificationToken)
	require.Nil(t, reloaded.VerificationTokenExpiresAt)
	require.Nil(t, reloaded.ResetPasswordToken)
	require.Nil(t, reloaded.ResetPasswordTokenExpires)

	var reloadedFresh models.User
	require.NoError(t, db.First(&reloadedFresh, "id = ?", fresh.ID).Error)
	require.NotNil(t, reloadedFresh.VerificationToken)
	require.Equal(t, freshToken, *reloadedFresh.VerificationToken)
}

func TestCleanerRunOnce(t *testing.T) {
	db := openMaintenanceTestDB(t)

	auditSvc, err := services.NewAuditService(db)
	require.NoError(t, err)

	jwtSvc, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:         "cleanup-secret",
		Issuer:         "test-suite",
		AccessTokenTTL: time.Hour,
	})
	require.NoError(t, err)

	clock := fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}

	sessionSvc, err := iauth.NewSessionService(db, jwtSvc, iauth.SessionConfig{
		RefreshTokenTTL: time.Hour,
		RefreshLength:   16,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	passcodeSvc, err := otp.NewService(db, nil, otp.WithClock(clock.Now))
	require.NoError(t, err)

	user := seedMaintenanceUser(t, db, "cleanup-user")

	_, expiredSession, err := sessionSvc.CreateSession(user, iauth.SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Session{}).Where("id = ?", expiredSession.ID).
		Update("expires_at", clock.Now().Add(-2*time.Hour)).Error)

	_, activeSession, err := sessionSvc.CreateSession(user, iauth.SessionMetadata{})
	require.NoError(t, err)

	// Expired passcode plus a consumed one past retention.
	expiredCode, err := passcodeSvc.Issue(context.Background(), user.Email, "password_reset")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.OneTimePasscode{}).Where("id = ?", expiredCode.ID).
		Update("expires_at", clock.Now().Add(-time.Hour)).Error)

	usedCode, err := passcodeSvc.Issue(context.Background(), user.Email, "email_verification")
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.OneTimePasscode{}).Where("id = ?", usedCode.ID).
		Updates(map[string]any{
			"is_used": true,
			"used_at": clock.Now().AddDate(0, 0, -10),
		}).Error)

	// Audit log older than the retention window.
	require.NoError(t, auditSvc.Log(context.Background(), services.AuditEntry{
		Action:   "test.action",
		Result:   "success",
		Identity: "tester@example.com",
	}))
	var auditLog models.AuditLog
	require.NoError(t, db.First(&auditLog).Error)
	oldTimestamp := clock.Now().AddDate(0, 0, -10)
	require.NoError(t, db.Model(&auditLog).Update("created_at", oldTimestamp).Error)

	// Expired token mirror.
	require.NoError(t, db.Model(user).Updates(map[string]any{
		"verification_token":            "stale-mirror",
		"verification_token_expires_at": clock.Now().Add(-time.Hour),
	}).Error)

	c := NewCleaner(db, sessionSvc, auditSvc, passcodeSvc,
		WithNow(clock.Now),
		WithAuditRetentionDays(7),
		WithUsedRetention(7*24*time.Hour),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	require.NoError(t, c.RunOnce(context.Background()))

	var s models.Session
	require.ErrorIs(t, db.First(&s, "id = ?", expiredSession.ID).Error, gorm.ErrRecordNotFound)
	require.NoError(t, db.First(&s, "id = ?", activeSession.ID).Error)

	var passcode models.OneTimePasscode
	require.ErrorIs(t, db.First(&passcode, "id = ?", expiredCode.ID).Error, gorm.ErrRecordNotFound)
	require.ErrorIs(t, db.First(&passcode, "id = ?", usedCode.ID).Error, gorm.ErrRecordNotFound)

	var auditCount int64
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&auditCount).Error)
	require.Equal(t, int64(0), auditCount)

	var reloaded models.User
	require.NoError(t, db.First(&reloaded, "id = ?", user.ID).Error)
	require.Nil(t, reloaded.VerificationToken)
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	db := openMaintenanceTestDB(t)

	c := NewCleaner(db, nil, nil, nil, WithSweepSchedule("not a cron spec"))
	require.Error(t, c.Start())
}

func seedMaintenanceUser(t *testing.T, db *gorm.DB, name string) *models.User {
	t.Helper()

	hash, err := crypto.HashPassword("Password123!")
	require.NoError(t, err)

	user := &models.User{
		Email:    name + "@example.com",
		Password: hash,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}
