package db

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emfacilities/emfac/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database successfully", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("creates parent directories", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "extra", "ctf_log.sqlite")

		db, err := Open(dbPath, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})
}

func TestOpenReadOnly(t *testing.T) {
	t.Run("missing file is not found", func(t *testing.T) {
		_, err := OpenReadOnly(filepath.Join(t.TempDir(), "absent.sqlite"), nil)
		require.Error(t, err)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("rejects writes", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "ro.sqlite")
		rw, err := Open(dbPath, nil)
		require.NoError(t, err)
		_, err = rw.Exec("CREATE TABLE t (id INTEGER)")
		require.NoError(t, err)
		rw.Close()

		ro, err := OpenReadOnly(dbPath, nil)
		require.NoError(t, err)
		defer ro.Close()

		_, err = ro.Exec("INSERT INTO t VALUES (1)")
		assert.Error(t, err)
	})
}

func TestMigrate(t *testing.T) {
	migrations := fstest.MapFS{
		"001_items.sql": {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
		"002_flags.sql": {Data: []byte("CREATE TABLE flags (name TEXT PRIMARY KEY, value INTEGER);")},
		"README.md":     {Data: []byte("ignored")},
	}

	dbPath := filepath.Join(t.TempDir(), "m.sqlite")
	db, err := OpenWithMigrations(dbPath, migrations, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)

	// Re-running is a no-op
	require.NoError(t, Migrate(db, migrations, nil))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestMigrate_BadSQLRollsBack(t *testing.T) {
	migrations := fstest.MapFS{
		"001_broken.sql": {Data: []byte("CREATE TABLE broken (;")},
	}

	db, err := Open(filepath.Join(t.TempDir(), "bad.sqlite"), nil)
	require.NoError(t, err)
	defer db.Close()

	err = Migrate(db, migrations, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001_broken.sql")

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 0, count)
}

func TestIsDatabaseClosed(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "c.sqlite"), nil)
	require.NoError(t, err)
	db.Close()

	_, err = db.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.False(t, IsDatabaseClosed(nil))
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "append")))
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.True(t, IsBusy(errors.New("database is locked")))
	assert.False(t, IsBusy(errors.New("no such table")))
}
