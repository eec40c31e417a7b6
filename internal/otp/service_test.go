package otp

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/cache"
	"github.com/credkit/credkit/internal/models"
)

func TestIssueGeneratesNumericCode(t *testing.T) {
	db := openPasscodeTestDB(t)
	current := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	svc, err := NewService(db, nil, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	passcode, err := svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^\d{6}$`), passcode.Code)
	require.Equal(t, 0, passcode.Attempts)
	require.Equal(t, 3, passcode.MaxAttempts)
	require.False(t, passcode.IsUsed)
	require.Equal(t, current.Add(15*time.Minute), passcode.ExpiresAt)
}

func TestIssueReplacesActivePasscode(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	first, err := svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	second, err := svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	var active int64
	require.NoError(t, db.Model(&models.OneTimePasscode{}).
		Where("identity = ? AND purpose = ? AND is_used = ?", "a@x.com", "password_reset", false).
		Count(&active).Error)
	require.EqualValues(t, 1, active)
}

func TestIssueKeepsDistinctPurposesSeparate(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	_, err = svc.Issue(context.Background(), "a@x.com", "phone_verification")
	require.NoError(t, err)

	var total int64
	require.NoError(t, db.Model(&models.OneTimePasscode{}).Count(&total).Error)
	require.EqualValues(t, 2, total)
}

func TestIssueRateLimited(t *testing.T) {
	db := openPasscodeTestDB(t)
	require.NoError(t, db.AutoMigrate(&models.CacheEntry{}))
	current := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }

	limiter := cache.NewDatabaseStore(db).WithClock(clock)
	svc, err := NewService(db, limiter, WithClock(clock))
	require.NoError(t, err)

	for i := 0; i < DefaultRateCeiling; i++ {
		current = current.Add(time.Minute)
		_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
		require.NoError(t, err)
	}

	// The sixth request inside the window is refused and creates nothing.
	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.ErrorIs(t, err, ErrRateLimited)

	var total int64
	require.NoError(t, db.Model(&models.OneTimePasscode{}).Count(&total).Error)
	require.EqualValues(t, 1, total)

	// Issuance recovers once the window has elapsed.
	current = current.Add(2 * time.Hour)
	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
}

type brokenLimiter struct{}

func (brokenLimiter) IncrementWithTTL(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, fmt.Errorf("limiter: backend unavailable")
}

func (brokenLimiter) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("limiter: backend unavailable")
}

func (brokenLimiter) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("limiter: backend unavailable")
}

func (brokenLimiter) Delete(context.Context, ...string) error {
	return fmt.Errorf("limiter: backend unavailable")
}

func TestIssueFailsOpenWhenLimiterErrors(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, brokenLimiter{})
	require.NoError(t, err)

	// A broken counter must not block issuance.
	passcode, err := svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	require.NotEmpty(t, passcode.Code)

	var total int64
	require.NoError(t, db.Model(&models.OneTimePasscode{}).
		Where("identity = ? AND purpose = ?", "a@x.com", "password_reset").
		Count(&total).Error)
	require.EqualValues(t, 1, total)
}

func TestIssueRateLimitScopedPerPurpose(t *testing.T) {
	db := openPasscodeTestDB(t)
	require.NoError(t, db.AutoMigrate(&models.CacheEntry{}))

	limiter := cache.NewDatabaseStore(db)
	svc, err := NewService(db, limiter, WithRateCeiling(1))
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.ErrorIs(t, err, ErrRateLimited)

	// A different purpose for the same identity is a separate budget.
	_, err = svc.Issue(context.Background(), "a@x.com", "email_verification")
	require.NoError(t, err)
}

func TestVerifySucceedsOnce(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	passcode, err := svc.Issue(context.Background(), "a@x.com", "email_verification")
	require.NoError(t, err)

	ok, err := svc.Verify(context.Background(), "a@x.com", "email_verification", passcode.Code)
	require.NoError(t, err)
	require.True(t, ok)

	// One-time use: the same code fails on replay.
	ok, err = svc.Verify(context.Background(), "a@x.com", "email_verification", passcode.Code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyWrongCodeCountsAttempt(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	passcode, err := svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)

	ok, err := svc.Verify(context.Background(), "a@x.com", "password_reset", "000000")
	require.NoError(t, err)
	require.False(t, ok)

	var stored models.OneTimePasscode
	require.NoError(t, db.First(&stored, "id = ?", passcode.ID).Error)
	require.Equal(t, 1, stored.Attempts)
	require.False(t, stored.IsUsed)
}

func TestVerifyExhaustionDeletesRecord(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)

	// Three wrong guesses exhaust the attempt budget; the third call records
	// attempts=3, and the fourth finds the record exhausted and deletes it.
	for i := 0; i < 4; i++ {
		ok, err := svc.Verify(context.Background(), "a@x.com", "password_reset", "000000")
		require.NoError(t, err)
		require.False(t, ok)
	}

	status, err := svc.Status(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	require.False(t, status.Exists)
	require.Zero(t, status.AttemptsRemaining)
}

func TestVerifyExpiredPasscode(t *testing.T) {
	db := openPasscodeTestDB(t)
	current := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	svc, err := NewService(db, nil, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	passcode, err := svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)

	current = current.Add(16 * time.Minute)

	// Even the correct code is rejected once the lifetime has elapsed, and
	// the record is gone afterwards.
	ok, err := svc.Verify(context.Background(), "a@x.com", "password_reset", passcode.Code)
	require.NoError(t, err)
	require.False(t, ok)

	var count int64
	require.NoError(t, db.Model(&models.OneTimePasscode{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestVerifyMissingRecord(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	ok, err := svc.Verify(context.Background(), "nobody@x.com", "password_reset", "123456")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatusMissingRecord(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	status, err := svc.Status(context.Background(), "nobody@x.com", "password_reset")
	require.NoError(t, err)
	require.False(t, status.Exists)
	require.Zero(t, status.AttemptsRemaining)
	require.Nil(t, status.ExpiresAt)
}

func TestStatusReflectsAttempts(t *testing.T) {
	db := openPasscodeTestDB(t)

	svc, err := NewService(db, nil)
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)

	_, err = svc.Verify(context.Background(), "a@x.com", "password_reset", "000000")
	require.NoError(t, err)

	status, err := svc.Status(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	require.True(t, status.Exists)
	require.False(t, status.IsUsed)
	require.False(t, status.IsExpired)
	require.Equal(t, 2, status.AttemptsRemaining)
	require.NotNil(t, status.ExpiresAt)
}

func TestSweepExpired(t *testing.T) {
	db := openPasscodeTestDB(t)
	current := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	svc, err := NewService(db, nil, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	_, err = svc.Issue(context.Background(), "a@x.com", "password_reset")
	require.NoError(t, err)
	_, err = svc.Issue(context.Background(), "b@x.com", "password_reset")
	require.NoError(t, err)

	current = current.Add(time.Hour)

	removed, err := svc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	removed, err = svc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestSweepUsedHonoursRetention(t *testing.T) {
	db := openPasscodeTestDB(t)
	current := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	svc, err := NewService(db, nil, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	passcode, err := svc.Issue(context.Background(), "a@x.com", "email_verification")
	require.NoError(t, err)

	ok, err := svc.Verify(context.Background(), "a@x.com", "email_verification", passcode.Code)
	require.NoError(t, err)
	require.True(t, ok)

	// Within the audit window the consumed record is retained.
	removed, err := svc.SweepUsed(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, removed)

	current = current.Add(8 * 24 * time.Hour)

	removed, err = svc.SweepUsed(context.Background(), 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}

func openPasscodeTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&models.OneTimePasscode{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
