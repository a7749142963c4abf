package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/huddle-chat/core/internal/config"
	"github.com/huddle-chat/core/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens a migrated SQLite database in a temporary directory that is
// removed when t finishes.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := database.Open(config.DriverSQLite, filepath.Join(t.TempDir(), "test.db"), logger.Silent)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}
