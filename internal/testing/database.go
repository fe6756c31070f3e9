package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/teranos/stagee/db"
)

// CreateTestDB creates a migrated SQLite database in a per-test temp directory.
// A file (not :memory:) is used so concurrent tests get real WAL locking across
// pooled connections. Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	conn, err := db.OpenWithMigrations(filepath.Join(t.TempDir(), "stagee.db"), nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
