package database

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/credkit/credkit/internal/models"
)

func TestAutoMigrateCreatesCoreTables(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, AutoMigrate(db))

	migrator := db.Migrator()
	tables := []interface{}{
		&models.User{},
		&models.Session{},
		&models.OneTimePasscode{},
		&models.CacheEntry{},
		&models.AuditLog{},
	}

	for _, table := range tables {
		require.True(t, migrator.HasTable(table), "expected table for %T to exist", table)
	}
}

func TestAutoMigrateNilHandle(t *testing.T) {
	require.Error(t, AutoMigrate(nil))
}
