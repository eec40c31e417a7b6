package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/credkit/credkit/internal/models"
)

func openSessionTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Session{}))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}

func newSessionTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	user := &models.User{Email: "user@example.com", IsActive: true}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestCreateAndRefreshSession(t *testing.T) {
	db := openSessionTestDB(t)
	user := newSessionTestUser(t, db)

	jwtSvc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtSvc, SessionConfig{})
	require.NoError(t, err)

	pair, session, err := svc.CreateSession(user, SessionMetadata{IPAddress: "127.0.0.1"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, user.ID, session.UserID)

	rotated, refreshed, err := svc.RefreshSession(pair.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, session.ID, refreshed.ID)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// Old refresh token is dead after rotation.
	_, _, err = svc.RefreshSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshSessionExpired(t *testing.T) {
	db := openSessionTestDB(t)
	user := newSessionTestUser(t, db)

	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	jwtSvc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtSvc, SessionConfig{
		RefreshTokenTTL: time.Hour,
		Clock:           func() time.Time { return current },
	})
	require.NoError(t, err)

	pair, _, err := svc.CreateSession(user, SessionMetadata{})
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	_, _, err = svc.RefreshSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestRefreshSessionRejectsDeactivatedUser(t *testing.T) {
	db := openSessionTestDB(t)
	user := newSessionTestUser(t, db)

	jwtSvc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtSvc, SessionConfig{})
	require.NoError(t, err)

	pair, _, err := svc.CreateSession(user, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, db.Model(user).Update("is_active", false).Error)

	_, _, err = svc.RefreshSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)
}

func TestRevokeSession(t *testing.T) {
	db := openSessionTestDB(t)
	user := newSessionTestUser(t, db)

	jwtSvc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtSvc, SessionConfig{})
	require.NoError(t, err)

	pair, session, err := svc.CreateSession(user, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(session.ID))

	_, _, err = svc.RefreshSession(pair.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)

	require.ErrorIs(t, svc.RevokeSession(session.ID), ErrSessionNotFound)
}

func TestRevokeUserSessions(t *testing.T) {
	db := openSessionTestDB(t)
	user := newSessionTestUser(t, db)

	jwtSvc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtSvc, SessionConfig{})
	require.NoError(t, err)

	first, _, err := svc.CreateSession(user, SessionMetadata{})
	require.NoError(t, err)
	second, _, err := svc.CreateSession(user, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeUserSessions(user.ID))

	_, _, err = svc.RefreshSession(first.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, _, err = svc.RefreshSession(second.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)
}

func TestCleanupExpiredSessions(t *testing.T) {
	db := openSessionTestDB(t)
	user := newSessionTestUser(t, db)

	current := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	jwtSvc, err := NewJWTService(JWTConfig{Secret: "secret"})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtSvc, SessionConfig{
		RefreshTokenTTL: time.Hour,
		Clock:           func() time.Time { return current },
	})
	require.NoError(t, err)

	_, _, err = svc.CreateSession(user, SessionMetadata{})
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Count(&count).Error)
	require.Zero(t, count)
}
