package testing

import (
	"database/sql"
	"io/fs"
	"testing"

	"github.com/emfacilities/emfac/db"
)

// CreateTestDB opens a private in-memory SQLite database and applies the
// given schemas (a package's Migrations()). Closed on test cleanup.
func CreateTestDB(t *testing.T, schemas ...fs.FS) *sql.DB {
	t.Helper()

	handle, err := db.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	// each pooled connection to :memory: would be a separate database
	handle.SetMaxOpenConns(1)
	t.Cleanup(func() { handle.Close() })

	for _, schema := range schemas {
		if err := db.Migrate(handle, schema, nil); err != nil {
			t.Fatalf("migrate test database: %v", err)
		}
	}
	return handle
}
