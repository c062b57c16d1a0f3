package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDB_Memory(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)")
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO t (v) VALUES ('a')")
	require.NoError(t, err)

	var n int
	require.NoError(t, database.Get(&n, "SELECT COUNT(*) FROM t"))
	assert.Equal(t, 1, n)
}

func TestNewSqliteDB_File_WAL(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "index.db")

	database, err := NewSqliteDB(WithPath(dbPath), WithMaxOpenConns(4))
	require.NoError(t, err)
	defer database.Close()

	assert.FileExists(t, dbPath)

	var mode string
	require.NoError(t, database.Get(&mode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", mode)
}

func TestMigrate(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	migrations := []Migration{
		{Version: 1, Name: "base", SQL: "CREATE TABLE a (id INTEGER PRIMARY KEY)"},
		{Version: 2, Name: "column", SQL: "ALTER TABLE a ADD COLUMN name TEXT NOT NULL DEFAULT ''"},
	}

	require.NoError(t, Migrate(database, migrations[:1]))
	v, err := SchemaVersion(database)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// re-running is a no-op, then the next step applies
	require.NoError(t, Migrate(database, migrations))
	require.NoError(t, Migrate(database, migrations))
	v, _ = SchemaVersion(database)
	assert.Equal(t, 2, v)

	_, err = database.Exec("INSERT INTO a (name) VALUES ('x')")
	assert.NoError(t, err)
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("PRAGMA user_version = 9")
	require.NoError(t, err)

	err = Migrate(database, []Migration{{Version: 1, SQL: "SELECT 1"}})
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}
