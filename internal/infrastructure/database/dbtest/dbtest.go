// Package dbtest opens throwaway feeder stores for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/migrations"
)

// Open creates a migrated SQLite database under t.TempDir and closes it on cleanup.
func Open(t testing.TB) *database.DB {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "feeder.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.Source()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}
	return db
}

// InsertDevice adds a minimal device row so tables referencing devices can be
// exercised without the device package.
func InsertDevice(t testing.TB, db *database.DB, id, ownerID string) {
	t.Helper()

	now := database.FormatTime(time.Now())
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO devices (id, owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, "Test Feeder", now, now)
	if err != nil {
		t.Fatalf("inserting device %s: %v", id, err)
	}
}
